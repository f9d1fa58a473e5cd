// Package blob keeps compressed image bytes of pending uploads on disk, one file per job
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// DefaultMaxSize is the per-item ceiling for stored images
const DefaultMaxSize = 10 * 1024 * 1024

var (
	// ErrEncoding returned when image can't be compressed under the size ceiling
	ErrEncoding = errors.New("image encoding failed")
	// ErrWrite returned when compressed image can't be written to disk
	ErrWrite = errors.New("blob write failed")
)

// Encoder compresses image with given quality (1-100)
type Encoder interface {
	Encode(w io.Writer, img image.Image, quality int) error
}

// JPEG encoder, the default one
type JPEG struct{}

// Encode image as jpeg
func (JPEG) Encode(w io.Writer, img image.Image, quality int) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// Store saves, loads and deletes blobs under a dedicated directory
type Store struct {
	dir       string
	maxSize   int
	qualities []int
	enc       Encoder
}

// Option func type
type Option func(s *Store)

// MaxSize sets the per-item size ceiling in bytes
func MaxSize(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.maxSize = size
		}
	}
}

// WithEncoder replaces the default jpeg encoder
func WithEncoder(enc Encoder) Option {
	return func(s *Store) { s.enc = enc }
}

// New makes blob store for given directory, creates it if missing
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("can't make blob directory %s: %w", dir, err)
	}
	res := &Store{dir: dir, maxSize: DefaultMaxSize, qualities: []int{85, 60}, enc: JPEG{}}
	for _, opt := range opts {
		opt(res)
	}
	return res, nil
}

// Save compresses image and writes it as name. The first quality is tried first, on exceeding the ceiling
// it recompresses once with the lower one. Nothing is written if both attempts are too large.
func (s *Store) Save(img image.Image, name string) (string, error) {
	if img == nil {
		return "", fmt.Errorf("%w: nil image", ErrEncoding)
	}
	fname, err := s.path(name)
	if err != nil {
		return "", err
	}

	var data []byte
	for i, quality := range s.qualities {
		buf := bytes.Buffer{}
		if err = s.enc.Encode(&buf, img, quality); err != nil {
			return "", fmt.Errorf("%w: quality %d: %v", ErrEncoding, quality, err)
		}
		if buf.Len() <= s.maxSize {
			data = buf.Bytes()
			break
		}
		if i < len(s.qualities)-1 {
			log.Printf("[WARN] image %s exceeds max size (%d > %d), compressing further", name, buf.Len(), s.maxSize)
		}
	}
	if data == nil {
		return "", fmt.Errorf("%w: %s still too large after compression", ErrEncoding, name)
	}

	if err := writeAtomic(fname, data); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrWrite, name, err)
	}
	log.Printf("[DEBUG] saved blob %s (%dKB)", name, len(data)/1024)
	return name, nil
}

// Load returns stored bytes. Missing blob is not an error, returns nil data
func (s *Store) Load(name string) ([]byte, error) {
	fname, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fname) //nolint:gosec // name sanitized by path
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[WARN] blob %s not found", name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't read blob %s: %w", name, err)
	}
	return data, nil
}

// Delete removes blob. Best-effort, failures are logged only
func (s *Store) Delete(name string) {
	fname, err := s.path(name)
	if err != nil {
		log.Printf("[WARN] can't delete blob, %v", err)
		return
	}
	if err := os.Remove(fname); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[WARN] failed to delete blob %s, %v", name, err)
		return
	}
	log.Printf("[DEBUG] deleted blob %s", name)
}

// List returns names of all stored blobs, temp files skipped
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("can't list blobs in %s: %w", s.dir, err)
	}
	res := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		res = append(res, entry.Name())
	}
	return res, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("dir:%s, max:%d", s.dir, s.maxSize)
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// writeAtomic writes data to a hidden temp file, syncs it and renames over fname
func writeAtomic(fname string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(fname), "."+filepath.Base(fname)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fname)
}

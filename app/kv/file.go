package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var keyRe = regexp.MustCompile(`^[a-zA-Z0-9_\-.]+$`)

// File stores every key as <dir>/<key>.json, writes go through temp file, fsync and rename
type File struct {
	dir string
}

// NewFile makes file-backed kv in dir
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("can't make kv directory %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Get returns value for key or ErrNotFound
func (f *File) Get(key string) ([]byte, error) {
	fname, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fname) //nolint:gosec // key validated
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("can't read %s: %w", key, err)
	}
	return data, nil
}

// Set replaces value for key
func (f *File) Set(key string, value []byte) error {
	fname, err := f.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, "."+key+".*")
	if err != nil {
		return fmt.Errorf("can't create temp file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't write %s: %w", key, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't sync %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("can't close %s: %w", key, err)
	}
	if err = os.Rename(tmp.Name(), fname); err != nil {
		return fmt.Errorf("can't rename %s: %w", key, err)
	}
	return f.syncDir()
}

// Delete removes key, missing key is not an error
func (f *File) Delete(key string) error {
	fname, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fname); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("can't delete %s: %w", key, err)
	}
	return f.syncDir()
}

// Close is a no-op for file kv
func (f *File) Close() error { return nil }

func (f *File) String() string { return "file:" + f.dir }

func (f *File) path(key string) (string, error) {
	if !keyRe.MatchString(key) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

// syncDir makes rename durable on filesystems requiring directory fsync
func (f *File) syncDir() error {
	d, err := os.Open(f.dir)
	if err != nil {
		return fmt.Errorf("can't open kv dir: %w", err)
	}
	defer d.Close()
	_ = d.Sync() // not supported by every platform
	return nil
}

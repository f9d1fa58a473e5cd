// Package queue implements the durable upload job queue. Records are kept in memory and every mutation
// re-persists the full snapshot to a key-value location before returning. Image bytes are kept by a blob store,
// blob is written before its record and deleted only after record removal is persisted.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/brrow/uploadq/app/blob"
	"github.com/brrow/uploadq/app/events"
	"github.com/brrow/uploadq/app/kv"
)

//go:generate moq -out mocks/kv.go -pkg mocks -skip-ensure -fmt goimports . KV

// DefaultCapacity is the max number of stored records
const DefaultCapacity = 50

// DefaultKey is the kv key holding serialized queue
const DefaultKey = "upload_queue_v1"

var (
	// ErrNotFound returned for operations on unknown job id
	ErrNotFound = errors.New("job not found")
	// ErrStorageWrite returned when blob or record can't be persisted
	ErrStorageWrite = errors.New("storage write failed")
)

// KV is a durable key-value location for the serialized queue
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Blobs keeps compressed image bytes
type Blobs interface {
	Save(img image.Image, name string) (string, error)
	Load(name string) ([]byte, error)
	Delete(name string)
	List() ([]string, error)
}

// Publisher emits queue events
type Publisher interface {
	Publish(e events.Event)
}

// Params to open store
type Params struct {
	KV       KV
	Blobs    Blobs
	Events   Publisher        // optional
	Capacity int              // max records, DefaultCapacity if 0
	Key      string           // kv key, DefaultKey if empty
	LockPath string           // exclusive lock file for single writer, disabled if empty
	Now      func() time.Time // clock, time.Now if nil
}

// Stats of the queue
type Stats struct {
	Total     int `json:"total"`
	Expired   int `json:"expired"`
	Retryable int `json:"retryable"`
}

// Store is the job record store. All mutations are serialized and synchronously persisted.
type Store struct {
	Params
	mu   sync.Mutex
	jobs []Job
	lock *flock.Flock
}

// Open loads persisted queue, drops orphan blobs and expired records
func Open(p Params) (*Store, error) {
	if p.KV == nil || p.Blobs == nil {
		return nil, errors.New("queue requires kv and blob store")
	}
	if p.Capacity <= 0 {
		p.Capacity = DefaultCapacity
	}
	if p.Key == "" {
		p.Key = DefaultKey
	}
	if p.Now == nil {
		p.Now = time.Now
	}

	s := &Store{Params: p}
	if p.LockPath != "" {
		s.lock = flock.New(p.LockPath)
		ok, err := s.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire queue lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("queue %s is locked by another process", p.LockPath)
		}
	}

	if err := s.load(); err != nil {
		s.unlock()
		return nil, err
	}
	s.sweepOrphans()
	if n := s.PurgeExpired(); n > 0 {
		log.Printf("[INFO] purged %d expired uploads on open", n)
	}

	st := s.Stats()
	if st.Total > 0 {
		log.Printf("[INFO] found %d pending uploads, retryable: %d, expired: %d", st.Total, st.Retryable, st.Expired)
	}
	return s, nil
}

// Close releases queue lock and closes kv
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlock()
	if err := s.KV.Close(); err != nil {
		return fmt.Errorf("close kv: %w", err)
	}
	return nil
}

// AddJob saves image blob and appends a new queued record. At capacity expired records are purged first,
// then the oldest record is evicted. Returns id of the new job.
func (s *Store) AddJob(img image.Image, ownerEntityID string, jobType JobType, metadata map[string]string) (string, error) {
	if jobType == "" {
		jobType = TypeGeneral
	}
	job, err := s.addJob(img, ownerEntityID, jobType, metadata)
	if err != nil {
		return "", err
	}
	log.Printf("[INFO] added upload %s", job)
	s.publish(events.Event{Type: events.JobAdded, JobID: job.ID, OwnerEntityID: job.OwnerEntityID})
	return job.ID, nil
}

func (s *Store) addJob(img image.Image, ownerEntityID string, jobType JobType, metadata map[string]string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	blobRef := id + ".jpg"
	if _, err := s.Blobs.Save(img, blobRef); err != nil {
		if errors.Is(err, blob.ErrWrite) {
			return Job{}, fmt.Errorf("%w: %w", ErrStorageWrite, err)
		}
		return Job{}, fmt.Errorf("save blob: %w", err)
	}

	if err := s.ensureCapacityLocked(); err != nil {
		s.Blobs.Delete(blobRef)
		return Job{}, err
	}

	job := Job{
		ID:            id,
		BlobRef:       blobRef,
		OwnerEntityID: ownerEntityID,
		JobType:       jobType,
		CreatedAt:     s.Now(),
		Status:        StatusQueued,
		Metadata:      map[string]string{},
	}
	for k, v := range metadata {
		job.Metadata[k] = v
	}

	next := append(s.copyLocked(), job)
	if err := s.persistLocked(next); err != nil {
		s.Blobs.Delete(blobRef)
		return Job{}, err
	}
	s.jobs = next
	return job.clone(), nil
}

// UpdateProgress sets advisory progress, value clamped to [0,1]. NaN keeps the current value.
func (s *Store) UpdateProgress(id string, value float64) error {
	_, err := s.update(id, func(j *Job) { j.Progress = clamp(value, j.Progress) })
	return err
}

// IncrementAttempt bumps attempt count by one and returns updated job
func (s *Store) IncrementAttempt(id string) (Job, error) {
	job, err := s.update(id, func(j *Job) { j.AttemptCount++ })
	if err == nil {
		log.Printf("[DEBUG] attempt count incremented for %s", job)
	}
	return job, err
}

// SetStatus changes non-terminal status, terminal statuses are expressed by RemoveJob
func (s *Store) SetStatus(id string, status Status) error {
	switch status {
	case StatusQueued, StatusUploading:
	case StatusPaused:
		return errors.New("paused status requires reason, use MarkPaused")
	default:
		return fmt.Errorf("status %q can't be stored", status)
	}
	_, err := s.update(id, func(j *Job) {
		j.Status = status
		j.PauseReason = ""
	})
	return err
}

// MarkPaused checkpoints progress and sets paused status with reason. Negative progress keeps stored value.
func (s *Store) MarkPaused(id string, progress float64, reason string) error {
	if reason == "" {
		reason = "paused"
	}
	_, err := s.update(id, func(j *Job) {
		if progress >= 0 {
			j.Progress = clamp(progress, j.Progress)
		}
		j.Status = StatusPaused
		j.PauseReason = reason
	})
	return err
}

// RemoveJob removes record, then deletes its blob
func (s *Store) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(id) < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.removeLocked(id); err != nil {
		return err
	}
	log.Printf("[DEBUG] removed upload %s", id)
	return nil
}

// Get returns job by id
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return Job{}, false
	}
	return s.jobs[idx].clone(), true
}

// LoadBlob returns image bytes of the job, nil data if blob is missing
func (s *Store) LoadBlob(id string) ([]byte, error) {
	job, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Blobs.Load(job.BlobRef)
}

// ListAll returns all jobs in insertion order
func (s *Store) ListAll() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		res = append(res, j.clone())
	}
	return res
}

// Retryable returns jobs allowed for another attempt, in insertion order
func (s *Store) Retryable() []Job {
	now := s.Now()
	var res []Job
	for _, j := range s.ListAll() {
		if j.ShouldRetry(now) {
			res = append(res, j)
		}
	}
	return res
}

// Stats returns queue counters
func (s *Store) Stats() Stats {
	now := s.Now()
	jobs := s.ListAll()
	res := Stats{Total: len(jobs)}
	for _, j := range jobs {
		if j.IsExpired(now) {
			res.Expired++
		}
		if j.ShouldRetry(now) {
			res.Retryable++
		}
	}
	return res
}

// PurgeExpired removes records older than ExpirationTTL with their blobs, returns number removed
func (s *Store) PurgeExpired() int {
	now := s.Now()
	return s.purge("expired", func(j Job) bool { return j.IsExpired(now) })
}

// PurgeFailed removes records which should not be retried anymore, returns number removed
func (s *Store) PurgeFailed() int {
	now := s.Now()
	return s.purge("failed", func(j Job) bool { return !j.ShouldRetry(now) })
}

// Clear removes all records and blobs
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.KV.Delete(s.Key); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}
	for _, j := range s.jobs {
		s.Blobs.Delete(j.BlobRef)
	}
	log.Printf("[INFO] upload queue cleared, %d removed", len(s.jobs))
	s.jobs = nil
	return nil
}

func (s *Store) purge(what string, match func(j Job) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, j := range s.jobs {
		if match(j) {
			ids = append(ids, j.ID)
		}
	}
	if len(ids) == 0 {
		return 0
	}
	if err := s.removeLocked(ids...); err != nil {
		log.Printf("[WARN] can't purge %s uploads, %v", what, err)
		return 0
	}
	log.Printf("[INFO] cleaned up %d %s uploads", len(ids), what)
	return len(ids)
}

func (s *Store) update(id string, fn func(j *Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := s.copyLocked()
	fn(&next[idx])
	if err := s.persistLocked(next); err != nil {
		return Job{}, err
	}
	s.jobs = next
	return next[idx].clone(), nil
}

// ensureCapacityLocked makes room for one more record
func (s *Store) ensureCapacityLocked() error {
	if len(s.jobs) < s.Capacity {
		return nil
	}
	log.Printf("[WARN] upload queue full (%d), removing expired uploads", len(s.jobs))
	now := s.Now()
	var expired []string
	for _, j := range s.jobs {
		if j.IsExpired(now) {
			expired = append(expired, j.ID)
		}
	}
	if len(expired) > 0 {
		if err := s.removeLocked(expired...); err != nil {
			return err
		}
	}

	for len(s.jobs) >= s.Capacity {
		oldest := s.jobs[0]
		for _, j := range s.jobs[1:] {
			if j.CreatedAt.Before(oldest.CreatedAt) {
				oldest = j
			}
		}
		log.Printf("[WARN] evicting oldest upload %s", oldest)
		if err := s.removeLocked(oldest.ID); err != nil {
			return err
		}
	}
	return nil
}

// removeLocked persists snapshot without given ids and deletes their blobs afterwards
func (s *Store) removeLocked(ids ...string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	next := make([]Job, 0, len(s.jobs))
	var removed []Job
	for _, j := range s.jobs {
		if drop[j.ID] {
			removed = append(removed, j)
			continue
		}
		next = append(next, j)
	}
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.jobs = next
	for _, j := range removed {
		s.Blobs.Delete(j.BlobRef)
	}
	return nil
}

func (s *Store) persistLocked(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	data, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := s.KV.Set(s.Key, data); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}
	log.Printf("[DEBUG] saved %d pending uploads", len(jobs))
	return nil
}

func (s *Store) load() error {
	data, err := s.KV.Get(s.Key)
	if errors.Is(err, kv.ErrNotFound) {
		log.Printf("[DEBUG] no pending uploads found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		log.Printf("[WARN] failed to decode pending uploads, dropping corrupted queue, %v", err)
		if derr := s.KV.Delete(s.Key); derr != nil {
			return fmt.Errorf("drop corrupted queue: %w", derr)
		}
		return nil
	}

	// keep one record per id, first wins
	seen := map[string]bool{}
	for _, j := range jobs {
		if j.ID == "" || seen[j.ID] {
			log.Printf("[WARN] skip invalid or duplicate record %s", j)
			continue
		}
		seen[j.ID] = true
		s.jobs = append(s.jobs, j)
	}
	sort.SliceStable(s.jobs, func(i, k int) bool { return s.jobs[i].CreatedAt.Before(s.jobs[k].CreatedAt) })
	log.Printf("[DEBUG] loaded %d pending uploads", len(s.jobs))
	return nil
}

// sweepOrphans deletes blobs without records, left by a crash between blob write and record persist
func (s *Store) sweepOrphans() {
	names, err := s.Blobs.List()
	if err != nil {
		log.Printf("[WARN] can't list blobs for orphan sweep, %v", err)
		return
	}
	s.mu.Lock()
	refs := make(map[string]bool, len(s.jobs))
	for _, j := range s.jobs {
		refs[j.BlobRef] = true
	}
	s.mu.Unlock()

	for _, name := range names {
		if !refs[name] {
			log.Printf("[INFO] removing orphan blob %s", name)
			s.Blobs.Delete(name)
		}
	}
}

func (s *Store) indexLocked(id string) int {
	for i, j := range s.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) copyLocked() []Job {
	res := make([]Job, len(s.jobs), len(s.jobs)+1)
	copy(res, s.jobs)
	return res
}

func (s *Store) publish(e events.Event) {
	if s.Events != nil {
		s.Events.Publish(e)
	}
}

func (s *Store) unlock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		log.Printf("[WARN] failed to release queue lock, %v", err)
	}
}

// clamp limits v to [0,1], NaN replaced by fallback
func clamp(v, fallback float64) float64 {
	switch {
	case math.IsNaN(v):
		return fallback
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

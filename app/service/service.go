// Package service provides top level upload service. Combines job store, grant coordinator, resumer and executor
// together, reacts on foreground/background transitions and needs-retry signals, runs periodic maintenance.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"

	"github.com/brrow/uploadq/app/events"
	"github.com/brrow/uploadq/app/grant"
	"github.com/brrow/uploadq/app/queue"
)

//go:generate moq -out mocks/executor.go -pkg mocks -skip-ensure -fmt goimports . Executor

// MaxConsecutiveFailures stops batch upload early
const MaxConsecutiveFailures = 2

// ErrBlobMissing returned when job's image is gone from blob store
var ErrBlobMissing = errors.New("blob missing")

// Store defines job record store used by service
type Store interface {
	AddJob(img image.Image, ownerEntityID string, jobType queue.JobType, metadata map[string]string) (string, error)
	Get(id string) (queue.Job, bool)
	ListAll() []queue.Job
	LoadBlob(id string) ([]byte, error)
	SetStatus(id string, status queue.Status) error
	UpdateProgress(id string, value float64) error
	RemoveJob(id string) error
	PurgeExpired() int
	PurgeFailed() int
	Stats() queue.Stats
	Clear() error
}

// Coordinator defines execution grant coordinator
type Coordinator interface {
	Begin(ctx context.Context, job queue.Job, estimated time.Duration) (context.Context, error)
	End(jobID string, outcome grant.Outcome) error
	Progress(jobID string, value float64)
	Foreground()
	Background()
}

// Resumer defines recovery pass runner
type Resumer interface {
	ResumeAll(ctx context.Context) (successCount, failureCount int)
}

// Executor uploads image bytes and returns remote url
type Executor interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
}

// ProgressExecutor is an optional Executor extension reporting transfer progress in [0,1]
type ProgressExecutor interface {
	UploadWithProgress(ctx context.Context, data []byte, name string, progress func(float64)) (string, error)
}

// Cron defines basic robfig/cron methods used by service
type Cron interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Start()
	Stop() context.Context
}

// Dedupper registers jobs in flight
type Dedupper interface {
	Add(key string) bool
	Remove(key string)
	Since(key string) (time.Time, bool)
}

// Subscriber registers event handlers
type Subscriber interface {
	Subscribe(h events.Handler) (unsubscribe func())
}

// Request describes a new upload
type Request struct {
	OwnerEntityID string
	JobType       queue.JobType
	Metadata      map[string]string
	Estimated     time.Duration // expected transfer duration, selects grant kind
}

// Service is a top-level upload service, Do is the blocking entry point
type Service struct {
	Store       Store
	Coordinator Coordinator
	Resumer     Resumer
	Executor    Executor
	Cron        Cron
	DeDup       Dedupper
	Events      Subscriber

	Concurrency     int    // parallel enqueue uploads, default 2
	MaintenanceSpec string // cron spec of maintenance pass, default "@every 30s"
	ResumeOnStart   bool
	StartBackground bool // initial app state is background

	mu           sync.Mutex
	foreground   bool
	pendingRetry bool
	once         sync.Once
	group        *syncs.SizedGroup
	ctx          context.Context
	bg           sync.WaitGroup
	unsubscribe  func()
}

// Do runs blocking service. Resumes pending uploads on start and runs maintenance until ctx is done.
func (s *Service) Do(ctx context.Context) {
	s.init()
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	defer s.unsubscribe()

	if s.MaintenanceSpec == "" {
		s.MaintenanceSpec = "@every 30s"
	}
	if s.Cron != nil {
		if _, err := s.Cron.AddFunc(s.MaintenanceSpec, s.maintenance); err != nil {
			log.Printf("[WARN] can't schedule maintenance %q, %v", s.MaintenanceSpec, err)
		} else {
			log.Printf("[INFO] maintenance scheduled, %s", s.MaintenanceSpec)
			s.Cron.Start()
		}
	}

	if s.ResumeOnStart {
		s.triggerResume()
	}

	<-ctx.Done()
	log.Print("[DEBUG] terminate")
	if s.Cron != nil {
		<-s.Cron.Stop().Done()
	}
	s.group.Wait()
	s.bg.Wait()
}

// Upload enqueues image and uploads it right away, returns remote url. On upload failure the job stays queued
// for recovery and the error is returned along with the job id.
func (s *Service) Upload(ctx context.Context, img image.Image, req Request) (id, url string, err error) {
	s.init()
	id, err = s.enqueue(img, req)
	if err != nil {
		return "", "", err
	}
	url, err = s.run(ctx, id, req.Estimated)
	return id, url, err
}

// Submit enqueues image and uploads it in background, returns job id once the job is durable
func (s *Service) Submit(img image.Image, req Request) (string, error) {
	s.init()
	id, err := s.enqueue(img, req)
	if err != nil {
		return "", err
	}
	ctx := s.context()
	s.group.Go(func(context.Context) {
		if _, err := s.run(ctx, id, req.Estimated); err != nil {
			log.Printf("[WARN] %v", err)
		}
	})
	return id, nil
}

// BatchResult is an outcome of a single image in batch upload
type BatchResult struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url,omitempty"`
	Err error  `json:"-"`
}

// UploadBatch uploads images one by one. Stops after MaxConsecutiveFailures failed uploads in a row,
// failed and not attempted images stay queued for recovery. Images failed to enqueue are reported with error only.
func (s *Service) UploadBatch(ctx context.Context, imgs []image.Image, req Request) []BatchResult {
	s.init()
	res := make([]BatchResult, 0, len(imgs))
	ids := make([]string, 0, len(imgs))
	for _, img := range imgs {
		id, err := s.enqueue(img, req)
		res = append(res, BatchResult{ID: id, Err: err})
		ids = append(ids, id)
	}

	consecutive := 0
	for i, id := range ids {
		if id == "" {
			continue
		}
		if consecutive >= MaxConsecutiveFailures {
			res[i].Err = fmt.Errorf("batch stopped after %d consecutive failures, %s stays queued", consecutive, id)
			continue
		}
		url, err := s.run(ctx, id, req.Estimated)
		if err != nil {
			consecutive++
			res[i].Err = err
			continue
		}
		consecutive = 0
		res[i].URL = url
	}
	return res
}

// Foreground marks app as foreground, releases held grants and resumes if a retry is pending
func (s *Service) Foreground() {
	s.init()
	s.mu.Lock()
	s.foreground = true
	pending := s.pendingRetry
	s.mu.Unlock()

	log.Printf("[INFO] foreground transition")
	s.Coordinator.Foreground()
	if pending {
		s.triggerResume()
	}
}

// Background marks app as background, uploading jobs get grants again
func (s *Service) Background() {
	s.init()
	s.mu.Lock()
	s.foreground = false
	s.mu.Unlock()

	log.Printf("[INFO] background transition")
	s.Coordinator.Background()
}

// IsForeground returns current app state
func (s *Service) IsForeground() bool {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground
}

// Resume runs a recovery pass and clears pending retry flag. Paused jobs skipped by the pass,
// e.g. still in flight, keep the flag set for the next maintenance pass.
func (s *Service) Resume(ctx context.Context) (successCount, failureCount int) {
	s.mu.Lock()
	s.pendingRetry = false
	s.mu.Unlock()

	successCount, failureCount = s.Resumer.ResumeAll(ctx)
	for _, job := range s.Store.ListAll() {
		if job.Status == queue.StatusPaused {
			s.mu.Lock()
			s.pendingRetry = true
			s.mu.Unlock()
			break
		}
	}
	return successCount, failureCount
}

// PendingRetry returns true if needs-retry was signaled and not resumed yet
func (s *Service) PendingRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingRetry
}

// List returns all queued jobs
func (s *Service) List() []queue.Job { return s.Store.ListAll() }

// Stats returns queue statistics
func (s *Service) Stats() queue.Stats { return s.Store.Stats() }

// Clear removes all queued jobs with their blobs
func (s *Service) Clear() error { return s.Store.Clear() }

func (s *Service) enqueue(img image.Image, req Request) (string, error) {
	id, err := s.Store.AddJob(img, req.OwnerEntityID, req.JobType, req.Metadata)
	if err != nil {
		return "", fmt.Errorf("can't enqueue upload: %w", err)
	}
	return id, nil
}

// run executes single upload attempt. In background the attempt needs a grant, without it the job stays queued.
func (s *Service) run(ctx context.Context, id string, estimated time.Duration) (string, error) {
	if !s.DeDup.Add(id) {
		if ts, ok := s.DeDup.Since(id); ok {
			return "", fmt.Errorf("upload %s already in flight for %v", id, time.Since(ts).Truncate(time.Millisecond))
		}
		return "", fmt.Errorf("upload %s already in flight", id)
	}
	defer s.DeDup.Remove(id)

	job, ok := s.Store.Get(id)
	if !ok {
		return "", fmt.Errorf("upload %s: %w", id, queue.ErrNotFound)
	}

	// marked before the grant, expiration checkpoint must not be overwritten
	if err := s.Store.SetStatus(id, queue.StatusUploading); err != nil {
		return "", fmt.Errorf("can't mark %s uploading: %w", id, err)
	}

	execCtx, err := s.Coordinator.Begin(ctx, job, estimated)
	if err != nil {
		if serr := s.Store.SetStatus(id, queue.StatusQueued); serr != nil {
			log.Printf("[WARN] can't requeue %s, %v", id, serr)
		}
		log.Printf("[INFO] upload %s stays queued, %v", id, err)
		return "", fmt.Errorf("upload %s deferred: %w", id, err)
	}

	data, err := s.Store.LoadBlob(id)
	if err != nil {
		s.end(id, grant.Failed)
		return "", fmt.Errorf("upload %s: %w", id, err)
	}
	if data == nil {
		s.end(id, grant.Completed)
		if rerr := s.Store.RemoveJob(id); rerr != nil {
			log.Printf("[WARN] can't remove %s, %v", id, rerr)
		}
		return "", fmt.Errorf("upload %s: %w", id, ErrBlobMissing)
	}

	url, err := s.execute(execCtx, id, data, job.BlobRef)
	if err != nil {
		s.end(id, grant.Failed)
		s.dropExhausted(id)
		return "", fmt.Errorf("upload %s failed: %w", id, err)
	}

	s.end(id, grant.Completed)
	if err := s.Store.RemoveJob(id); err != nil {
		log.Printf("[WARN] uploaded %s but can't remove it, %v", id, err)
	}
	log.Printf("[INFO] upload %s completed, %s", id, url)
	return url, nil
}

func (s *Service) execute(ctx context.Context, id string, data []byte, name string) (string, error) {
	pe, ok := s.Executor.(ProgressExecutor)
	if !ok {
		return s.Executor.Upload(ctx, data, name)
	}
	last := 0.0
	return pe.UploadWithProgress(ctx, data, name, func(v float64) {
		s.Coordinator.Progress(id, v)
		if v-last < 0.1 && v < 1 {
			return
		}
		last = v
		if err := s.Store.UpdateProgress(id, v); err != nil {
			log.Printf("[WARN] can't update progress of %s, %v", id, err)
		}
	})
}

func (s *Service) end(id string, outcome grant.Outcome) {
	if err := s.Coordinator.End(id, outcome); err != nil {
		log.Printf("[WARN] can't end %s as %s, %v", id, outcome, err)
	}
}

// dropExhausted removes job with no attempts left
func (s *Service) dropExhausted(id string) {
	job, ok := s.Store.Get(id)
	if !ok || job.AttemptCount < queue.MaxAttempts {
		return
	}
	log.Printf("[WARN] upload %s abandoned after %d attempts", id, job.AttemptCount)
	if err := s.Store.RemoveJob(id); err != nil {
		log.Printf("[WARN] can't remove abandoned %s, %v", id, err)
	}
}

func (s *Service) onEvent(e events.Event) {
	if e.Type != events.NeedsRetry {
		return
	}
	s.mu.Lock()
	s.pendingRetry = true
	fg := s.foreground
	s.mu.Unlock()
	if fg {
		s.triggerResume()
		return
	}
	log.Printf("[DEBUG] retry of %s pending until foreground", e.JobID)
}

// maintenance purges stale jobs and runs pending retry in foreground
func (s *Service) maintenance() {
	expired, failed := s.Store.PurgeExpired(), s.Store.PurgeFailed()
	if expired+failed > 0 {
		log.Printf("[INFO] maintenance purged %d expired and %d failed uploads", expired, failed)
	}
	if s.IsForeground() && s.PendingRetry() {
		s.triggerResume()
	}
}

func (s *Service) triggerResume() {
	ctx := s.context()
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		success, failure := s.Resume(ctx)
		log.Printf("[DEBUG] recovery pass done, success: %d, failure: %d", success, failure)
	}()
}

// init sets defaults and syncs coordinator with initial app state once, safe to call from any public method
func (s *Service) init() {
	s.once.Do(func() {
		s.mu.Lock()
		if s.Concurrency <= 0 {
			s.Concurrency = 2
		}
		if s.DeDup == nil {
			s.DeDup = NewDeDup()
		}
		s.foreground = !s.StartBackground
		s.group = syncs.NewSizedGroup(s.Concurrency)
		s.ctx = context.Background()
		s.unsubscribe = func() {}
		if s.Events != nil {
			s.unsubscribe = s.Events.Subscribe(s.onEvent)
		}
		fg := s.foreground
		s.mu.Unlock()

		if fg {
			s.Coordinator.Foreground()
			return
		}
		s.Coordinator.Background()
	})
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

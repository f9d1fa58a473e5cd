// Package resumer replays pending uploads left in the queue, on launch and on needs-retry signals.
// Jobs are processed strictly one by one, a pass never overlaps with another pass.
package resumer

import (
	"context"
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/brrow/uploadq/app/events"
	"github.com/brrow/uploadq/app/queue"
)

//go:generate moq -out mocks/executor.go -pkg mocks -skip-ensure -fmt goimports . Executor

// Store is the part of job record store used by resumer
type Store interface {
	Retryable() []queue.Job
	Get(id string) (queue.Job, bool)
	LoadBlob(id string) ([]byte, error)
	SetStatus(id string, status queue.Status) error
	IncrementAttempt(id string) (queue.Job, error)
	RemoveJob(id string) error
	PurgeExpired() int
	PurgeFailed() int
}

// Executor uploads image bytes and returns remote url
type Executor interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
}

// Dedupper guards jobs in flight elsewhere
type Dedupper interface {
	Add(key string) bool
	Remove(key string)
}

// Publisher emits resume events
type Publisher interface {
	Publish(e events.Event)
}

// Resumer runs recovery passes over retryable jobs
type Resumer struct {
	Store    Store
	Executor Executor
	InFlight Dedupper  // optional
	Events   Publisher // optional

	mu sync.Mutex
}

// New makes resumer
func New(store Store, executor Executor, inFlight Dedupper, pub Publisher) *Resumer {
	return &Resumer{Store: store, Executor: executor, InFlight: inFlight, Events: pub}
}

type outcome int

const (
	skipped outcome = iota
	dropped
	succeeded
	failed
)

// ResumeAll uploads every retryable job in order. Missing blobs are dropped silently and not counted.
// After the pass expired and failed jobs are purged and restore-complete is emitted.
func (r *Resumer) ResumeAll(ctx context.Context) (successCount, failureCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := r.Store.Retryable()
	if len(jobs) > 0 {
		log.Printf("[INFO] resuming %d pending uploads", len(jobs))
	}

	dropCount := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			log.Printf("[INFO] resume interrupted, %v", ctx.Err())
			break
		}
		switch r.resume(ctx, job) {
		case succeeded:
			successCount++
		case failed:
			failureCount++
		case dropped:
			dropCount++
		}
	}

	purged := r.Store.PurgeExpired() + r.Store.PurgeFailed()
	if len(jobs) > 0 || purged > 0 {
		log.Printf("[INFO] resume completed, success: %d, failure: %d, dropped: %d, purged: %d",
			successCount, failureCount, dropCount, purged)
	}
	r.publish(events.Event{Type: events.RestoreComplete, SuccessCount: successCount, FailureCount: failureCount})
	return successCount, failureCount
}

func (r *Resumer) resume(ctx context.Context, job queue.Job) outcome {
	if r.InFlight != nil {
		if !r.InFlight.Add(job.ID) {
			log.Printf("[DEBUG] skip %s, already in flight", job.ID)
			return skipped
		}
		defer r.InFlight.Remove(job.ID)
	}

	// list may be stale after a concurrent removal
	if current, ok := r.Store.Get(job.ID); !ok || current.AttemptCount >= queue.MaxAttempts {
		return skipped
	}

	if err := r.Store.SetStatus(job.ID, queue.StatusUploading); err != nil {
		log.Printf("[WARN] can't mark %s uploading, %v", job.ID, err)
		return skipped
	}

	data, err := r.Store.LoadBlob(job.ID)
	if err != nil {
		log.Printf("[WARN] can't load blob for %s, %v", job.ID, err)
		return r.fail(job, err)
	}
	if data == nil {
		log.Printf("[WARN] blob missing for %s, dropping job", job.ID)
		if err := r.Store.RemoveJob(job.ID); err != nil {
			log.Printf("[WARN] can't remove %s, %v", job.ID, err)
		}
		return dropped
	}

	url, err := r.Executor.Upload(ctx, data, job.BlobRef)
	if err != nil {
		if ctx.Err() != nil {
			// interrupted by shutdown, not an attempt
			if serr := r.Store.SetStatus(job.ID, queue.StatusQueued); serr != nil {
				log.Printf("[WARN] can't requeue %s, %v", job.ID, serr)
			}
			return skipped
		}
		return r.fail(job, err)
	}

	if err := r.Store.RemoveJob(job.ID); err != nil {
		log.Printf("[WARN] uploaded %s but can't remove it, %v", job.ID, err)
	}
	log.Printf("[INFO] resumed upload %s completed, %s", job.ID, url)
	r.publish(events.Event{Type: events.JobResumedSuccess, JobID: job.ID, OwnerEntityID: job.OwnerEntityID, URL: url})
	return succeeded
}

// fail counts attempt and removes job reaching max attempts
func (r *Resumer) fail(job queue.Job, cause error) outcome {
	updated, err := r.Store.IncrementAttempt(job.ID)
	if err != nil {
		log.Printf("[WARN] can't increment attempt for %s, %v", job.ID, err)
		return failed
	}

	abandoned := updated.AttemptCount >= queue.MaxAttempts
	if abandoned {
		log.Printf("[WARN] upload %s abandoned after %d attempts, %v", job.ID, updated.AttemptCount, cause)
		if err := r.Store.RemoveJob(job.ID); err != nil {
			log.Printf("[WARN] can't remove abandoned %s, %v", job.ID, err)
		}
	} else {
		log.Printf("[INFO] resumed upload %s failed, attempt %d, %v", job.ID, updated.AttemptCount, cause)
		if err := r.Store.SetStatus(job.ID, queue.StatusQueued); err != nil {
			log.Printf("[WARN] can't requeue %s, %v", job.ID, err)
		}
	}
	r.publish(events.Event{Type: events.JobResumedFailure, JobID: job.ID, OwnerEntityID: job.OwnerEntityID,
		Reason: cause.Error(), Abandoned: abandoned})
	return failed
}

func (r *Resumer) publish(e events.Event) {
	if r.Events != nil {
		r.Events.Publish(e)
	}
}

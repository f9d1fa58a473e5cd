package resumer

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brrow/uploadq/app/blob"
	"github.com/brrow/uploadq/app/events"
	"github.com/brrow/uploadq/app/kv"
	"github.com/brrow/uploadq/app/queue"
	"github.com/brrow/uploadq/app/resumer/mocks"
)

type env struct {
	dir   string
	store *queue.Store
	bus   *events.Bus
	now   atomic.Value

	mu     sync.Mutex
	events []events.Event
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{dir: t.TempDir(), bus: events.NewBus()}
	e.now.Store(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	kvs, err := kv.NewFile(filepath.Join(e.dir, "state"))
	require.NoError(t, err)
	blobs, err := blob.New(filepath.Join(e.dir, "pending"))
	require.NoError(t, err)
	e.store, err = queue.Open(queue.Params{KV: kvs, Blobs: blobs, Now: func() time.Time { return e.now.Load().(time.Time) }})
	require.NoError(t, err)
	e.bus.Subscribe(func(ev events.Event) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.events = append(e.events, ev)
	})
	return e
}

func (e *env) advance(d time.Duration) { e.now.Store(e.now.Load().(time.Time).Add(d)) }

func (e *env) add(t *testing.T, owner string) queue.Job {
	t.Helper()
	id, err := e.store.AddJob(image.NewRGBA(image.Rect(0, 0, 8, 8)), owner, queue.TypeListing, nil)
	require.NoError(t, err)
	job, ok := e.store.Get(id)
	require.True(t, ok)
	return job
}

func (e *env) eventsOf(tp events.Type) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var res []events.Event
	for _, ev := range e.events {
		if ev.Type == tp {
			res = append(res, ev)
		}
	}
	return res
}

type dedup struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (d *dedup) Add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys[key] {
		return false
	}
	d.keys[key] = true
	return true
}

func (d *dedup) Remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
}

func TestResumer_ResumeAll(t *testing.T) {
	e := newEnv(t)
	j1 := e.add(t, "listing-1")
	j2 := e.add(t, "")

	exec := &mocks.ExecutorMock{UploadFunc: func(_ context.Context, data []byte, name string) (string, error) {
		return "https://cdn.example.com/" + name, nil
	}}
	r := New(e.store, exec, &dedup{keys: map[string]bool{}}, e.bus)

	success, failure := r.ResumeAll(t.Context())
	assert.Equal(t, 2, success)
	assert.Equal(t, 0, failure)
	require.Len(t, exec.UploadCalls(), 2)
	assert.Equal(t, j1.BlobRef, exec.UploadCalls()[0].Name, "insertion order kept")
	assert.NotEmpty(t, exec.UploadCalls()[0].Data)
	assert.Empty(t, e.store.ListAll())
	names, err := os.ReadDir(filepath.Join(e.dir, "pending"))
	require.NoError(t, err)
	assert.Empty(t, names, "blobs removed with records")

	ok := e.eventsOf(events.JobResumedSuccess)
	require.Len(t, ok, 2)
	assert.Equal(t, j1.ID, ok[0].JobID)
	assert.Equal(t, "listing-1", ok[0].OwnerEntityID)
	assert.Equal(t, "https://cdn.example.com/"+j1.BlobRef, ok[0].URL)
	assert.Equal(t, j2.ID, ok[1].JobID)

	done := e.eventsOf(events.RestoreComplete)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].SuccessCount)

	// second pass with nothing new is a no-op
	success, failure = r.ResumeAll(t.Context())
	assert.Equal(t, 0, success)
	assert.Equal(t, 0, failure)
	assert.Len(t, exec.UploadCalls(), 2)
}

func TestResumer_MaxAttempts(t *testing.T) {
	e := newEnv(t)
	job := e.add(t, "")
	exec := &mocks.ExecutorMock{UploadFunc: func(context.Context, []byte, string) (string, error) {
		return "", errors.New("connection reset")
	}}
	r := New(e.store, exec, nil, e.bus)

	for i := 1; i < queue.MaxAttempts; i++ {
		success, failure := r.ResumeAll(t.Context())
		assert.Equal(t, 0, success)
		assert.Equal(t, 1, failure)
		stored, ok := e.store.Get(job.ID)
		require.True(t, ok)
		assert.Equal(t, i, stored.AttemptCount)
		assert.Equal(t, queue.StatusQueued, stored.Status)
		assert.True(t, stored.ShouldRetry(e.now.Load().(time.Time)))
	}

	success, failure := r.ResumeAll(t.Context())
	assert.Equal(t, 0, success)
	assert.Equal(t, 1, failure)
	_, ok := e.store.Get(job.ID)
	assert.False(t, ok, "purged after the third failure")
	assert.Len(t, exec.UploadCalls(), queue.MaxAttempts)

	fails := e.eventsOf(events.JobResumedFailure)
	require.Len(t, fails, queue.MaxAttempts)
	assert.False(t, fails[0].Abandoned)
	assert.True(t, fails[2].Abandoned)
	assert.Equal(t, "connection reset", fails[2].Reason)
}

func TestResumer_ExpiredPurgedWithoutUpload(t *testing.T) {
	e := newEnv(t)
	expired := e.add(t, "")
	e.advance(25 * time.Hour)
	fresh := e.add(t, "")

	exec := &mocks.ExecutorMock{UploadFunc: func(context.Context, []byte, string) (string, error) {
		return "https://cdn.example.com/x", nil
	}}
	r := New(e.store, exec, nil, nil)

	success, failure := r.ResumeAll(t.Context())
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, failure)
	require.Len(t, exec.UploadCalls(), 1)
	assert.Equal(t, fresh.BlobRef, exec.UploadCalls()[0].Name)
	_, ok := e.store.Get(expired.ID)
	assert.False(t, ok)
	assert.Empty(t, e.store.ListAll())
}

func TestResumer_BlobMissing(t *testing.T) {
	e := newEnv(t)
	job := e.add(t, "")
	require.NoError(t, os.Remove(filepath.Join(e.dir, "pending", job.BlobRef)))

	exec := &mocks.ExecutorMock{}
	r := New(e.store, exec, nil, e.bus)
	success, failure := r.ResumeAll(t.Context())
	assert.Equal(t, 0, success)
	assert.Equal(t, 0, failure)
	assert.Empty(t, exec.UploadCalls())
	assert.Empty(t, e.store.ListAll())
	assert.Empty(t, e.eventsOf(events.JobResumedFailure))
}

func TestResumer_PausedJobResumed(t *testing.T) {
	e := newEnv(t)
	job := e.add(t, "")
	require.NoError(t, e.store.MarkPaused(job.ID, 0.6, "background time expired"))

	var statusDuringUpload queue.Status
	exec := &mocks.ExecutorMock{UploadFunc: func(context.Context, []byte, string) (string, error) {
		stored, _ := e.store.Get(job.ID)
		statusDuringUpload = stored.Status
		return "https://cdn.example.com/x", nil
	}}
	r := New(e.store, exec, nil, nil)
	success, _ := r.ResumeAll(t.Context())
	assert.Equal(t, 1, success)
	assert.Equal(t, queue.StatusUploading, statusDuringUpload)
	_, ok := e.store.Get(job.ID)
	assert.False(t, ok)
}

func TestResumer_SkipInFlight(t *testing.T) {
	e := newEnv(t)
	job := e.add(t, "")
	d := &dedup{keys: map[string]bool{job.ID: true}}

	exec := &mocks.ExecutorMock{}
	r := New(e.store, exec, d, nil)
	success, failure := r.ResumeAll(t.Context())
	assert.Equal(t, 0, success)
	assert.Equal(t, 0, failure)
	assert.Empty(t, exec.UploadCalls())
	stored, ok := e.store.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusQueued, stored.Status)
	assert.True(t, d.keys[job.ID], "guard owned by another runner kept")
}

func TestResumer_Interrupted(t *testing.T) {
	e := newEnv(t)
	job := e.add(t, "")
	e.add(t, "")

	ctx, cancel := context.WithCancel(t.Context())
	exec := &mocks.ExecutorMock{UploadFunc: func(ctx context.Context, _ []byte, _ string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := New(e.store, exec, nil, nil)
	success, failure := r.ResumeAll(ctx)
	assert.Equal(t, 0, success)
	assert.Equal(t, 0, failure)
	assert.Len(t, exec.UploadCalls(), 1, "pass stopped")

	stored, ok := e.store.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, 0, stored.AttemptCount, "shutdown is not an attempt")
	assert.Equal(t, queue.StatusQueued, stored.Status)
}

func TestResumer_PassesNeverOverlap(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		e.add(t, "")
	}

	var active, maxActive int32
	exec := &mocks.ExecutorMock{UploadFunc: func(context.Context, []byte, string) (string, error) {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return "https://cdn.example.com/x", nil
	}}
	r := New(e.store, exec, nil, nil)

	var wg sync.WaitGroup
	var total int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _ := r.ResumeAll(context.Background())
			atomic.AddInt32(&total, int32(s))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Equal(t, int32(3), atomic.LoadInt32(&total), "each job uploaded once")
	assert.Len(t, exec.UploadCalls(), 3)
}

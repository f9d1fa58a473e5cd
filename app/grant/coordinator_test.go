package grant

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brrow/uploadq/app/blob"
	"github.com/brrow/uploadq/app/events"
	"github.com/brrow/uploadq/app/kv"
	"github.com/brrow/uploadq/app/queue"
)

// fakeHost issues grants which expire only when test says so
type fakeHost struct {
	mu        sync.Mutex
	seq       int
	fail      map[Kind]bool
	requested []Kind
	released  []Token
	callbacks map[Token]func()
}

func newFakeHost() *fakeHost {
	return &fakeHost{fail: map[Kind]bool{}, callbacks: map[Token]func(){}}
}

func (h *fakeHost) RequestGrant(kind Kind, _ string) (Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requested = append(h.requested, kind)
	if h.fail[kind] {
		return "", fmt.Errorf("%s refused", kind)
	}
	h.seq++
	return Token(fmt.Sprintf("t%d", h.seq)), nil
}

func (h *fakeHost) OnExpire(token Token, fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks[token] = fn
	return nil
}

func (h *fakeHost) Release(token Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, token)
}

func (h *fakeHost) expire(token Token) {
	h.mu.Lock()
	fn := h.callbacks[token]
	h.mu.Unlock()
	fn()
}

func (h *fakeHost) lastToken() Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Token(fmt.Sprintf("t%d", h.seq))
}

func (h *fakeHost) kinds() []Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Kind(nil), h.requested...)
}

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()
	dir := t.TempDir()
	kvs, err := kv.NewFile(filepath.Join(dir, "state"))
	require.NoError(t, err)
	blobs, err := blob.New(filepath.Join(dir, "pending"))
	require.NoError(t, err)
	st, err := queue.Open(queue.Params{KV: kvs, Blobs: blobs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addJob(t *testing.T, st *queue.Store) queue.Job {
	t.Helper()
	id, err := st.AddJob(image.NewRGBA(image.Rect(0, 0, 8, 8)), "item-1", queue.TypeListing, nil)
	require.NoError(t, err)
	job, ok := st.Get(id)
	require.True(t, ok)
	return job
}

func TestCoordinator_ShortGrace(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	c := NewCoordinator(host, st, nil)
	job := addJob(t, st)

	ctx, err := c.Begin(t.Context(), job, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindShortGrace}, host.kinds())
	assert.Equal(t, StateExecuting, c.State(job.ID))
	kind, ok := c.Grant(job.ID)
	require.True(t, ok)
	assert.Equal(t, KindShortGrace, kind)

	require.NoError(t, c.End(job.ID, Completed))
	require.NoError(t, st.RemoveJob(job.ID))
	assert.Equal(t, []Token{"t1"}, host.released)
	assert.Equal(t, StateIdle, c.State(job.ID))
	assert.Equal(t, 0, c.Active())
	require.ErrorIs(t, ctx.Err(), context.Canceled, "job context done after end")
	assert.Empty(t, st.ListAll())
}

func TestCoordinator_LongMaintenance(t *testing.T) {
	t.Run("long grant for long job", func(t *testing.T) {
		st := newTestStore(t)
		host := newFakeHost()
		c := NewCoordinator(host, st, nil)
		job := addJob(t, st)

		_, err := c.Begin(t.Context(), job, 60*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []Kind{KindLongMaintenance}, host.kinds())
	})

	t.Run("threshold served by short grace", func(t *testing.T) {
		st := newTestStore(t)
		host := newFakeHost()
		c := NewCoordinator(host, st, nil)
		job := addJob(t, st)

		_, err := c.Begin(t.Context(), job, ShortGraceThreshold)
		require.NoError(t, err)
		assert.Equal(t, []Kind{KindShortGrace}, host.kinds())
	})

	t.Run("fallback to short grace", func(t *testing.T) {
		st := newTestStore(t)
		host := newFakeHost()
		host.fail[KindLongMaintenance] = true
		c := NewCoordinator(host, st, nil)
		job := addJob(t, st)

		_, err := c.Begin(t.Context(), job, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []Kind{KindLongMaintenance, KindShortGrace}, host.kinds())
		kind, ok := c.Grant(job.ID)
		require.True(t, ok)
		assert.Equal(t, KindShortGrace, kind)
	})

	t.Run("both kinds refused", func(t *testing.T) {
		st := newTestStore(t)
		host := newFakeHost()
		host.fail[KindLongMaintenance] = true
		host.fail[KindShortGrace] = true
		c := NewCoordinator(host, st, nil)
		job := addJob(t, st)

		_, err := c.Begin(t.Context(), job, time.Minute)
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, StateIdle, c.State(job.ID))
		stored, ok := st.Get(job.ID)
		require.True(t, ok)
		assert.Equal(t, queue.StatusQueued, stored.Status, "job stays queued")
	})
}

func TestCoordinator_Expiration(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	bus := events.NewBus()
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	c := NewCoordinator(host, st, bus)
	job := addJob(t, st)

	ctx, err := c.Begin(t.Context(), job, 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(job.ID, queue.StatusUploading))
	c.Progress(job.ID, 0.4)

	host.expire(host.lastToken())

	require.ErrorIs(t, ctx.Err(), context.Canceled, "in-flight upload abandoned")
	assert.Equal(t, StateExpired, c.State(job.ID))
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, []Token{"t1"}, host.released)

	stored, ok := st.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusPaused, stored.Status)
	assert.Equal(t, ReasonExpired, stored.PauseReason)
	assert.InDelta(t, 0.4, stored.Progress, 0.001)

	mu.Lock()
	require.Len(t, got, 2)
	assert.Equal(t, events.JobPaused, got[0].Type)
	assert.Equal(t, ReasonExpired, got[0].Reason)
	assert.Equal(t, events.NeedsRetry, got[1].Type)
	assert.Equal(t, job.ID, got[1].JobID)
	mu.Unlock()

	// executor returns canceled error after expiration, not counted as an attempt
	require.NoError(t, c.End(job.ID, Failed))
	stored, _ = st.Get(job.ID)
	assert.Equal(t, 0, stored.AttemptCount)
	assert.Equal(t, queue.StatusPaused, stored.Status)
	assert.Equal(t, StateIdle, c.State(job.ID))

	// second expiration of the same token is stale
	assert.NotPanics(t, func() { host.expire("t1") })
	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
}

func TestCoordinator_EndFailure(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	c := NewCoordinator(host, st, nil)
	job := addJob(t, st)

	_, err := c.Begin(t.Context(), job, time.Second)
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(job.ID, queue.StatusUploading))

	require.NoError(t, c.End(job.ID, Failed))
	stored, ok := st.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, queue.StatusQueued, stored.Status)
	assert.Equal(t, []Token{"t1"}, host.released)

	// execution without grant, failure counted
	require.NoError(t, c.End(job.ID, Failed))
	stored, _ = st.Get(job.ID)
	assert.Equal(t, 2, stored.AttemptCount)

	// removed job
	require.NoError(t, st.RemoveJob(job.ID))
	err = c.End(job.ID, Failed)
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCoordinator_BeginInFlight(t *testing.T) {
	st := newTestStore(t)
	c := NewCoordinator(newFakeHost(), st, nil)
	job := addJob(t, st)

	_, err := c.Begin(t.Context(), job, time.Second)
	require.NoError(t, err)
	_, err = c.Begin(t.Context(), job, time.Second)
	require.ErrorIs(t, err, ErrInFlight)
	require.NoError(t, c.End(job.ID, Completed))
	_, err = c.Begin(t.Context(), job, time.Second)
	require.NoError(t, err)
}

func TestCoordinator_ForegroundBackground(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	c := NewCoordinator(host, st, nil)
	uploading := addJob(t, st)
	queued := addJob(t, st)

	ctx, err := c.Begin(t.Context(), uploading, time.Second)
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(uploading.ID, queue.StatusUploading))
	_, err = c.Begin(t.Context(), queued, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Active())

	c.Foreground()
	assert.Equal(t, 0, c.Active())
	assert.ElementsMatch(t, []Token{"t1", "t2"}, host.released)
	assert.Equal(t, StateExecuting, c.State(uploading.ID), "tracking kept")
	require.NoError(t, ctx.Err(), "foreground execution continues")

	// expiration of released grant is ignored
	host.expire("t1")
	stored, _ := st.Get(uploading.ID)
	assert.Equal(t, queue.StatusUploading, stored.Status)

	c.Background()
	assert.Equal(t, 1, c.Active(), "only uploading job gets grant again")
	_, ok := c.Grant(uploading.ID)
	assert.True(t, ok)
	_, ok = c.Grant(queued.ID)
	assert.False(t, ok)

	// new grant expiration cancels the original job context
	host.expire(host.lastToken())
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	stored, _ = st.Get(uploading.ID)
	assert.Equal(t, queue.StatusPaused, stored.Status)
}

func TestCoordinator_BackgroundGrantRefused(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	c := NewCoordinator(host, st, nil)
	job := addJob(t, st)

	_, err := c.Begin(t.Context(), job, time.Second)
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(job.ID, queue.StatusUploading))
	c.Foreground()

	host.mu.Lock()
	host.fail[KindShortGrace] = true
	host.mu.Unlock()
	c.Background()
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, StateExecuting, c.State(job.ID), "still tracked for next transition")
	require.NoError(t, c.End(job.ID, Completed))
}

func TestCoordinator_BeginInForeground(t *testing.T) {
	st := newTestStore(t)
	host := newFakeHost()
	c := NewCoordinator(host, st, nil)
	job := addJob(t, st)
	c.Foreground()

	require.NoError(t, st.SetStatus(job.ID, queue.StatusUploading))
	ctx, err := c.Begin(t.Context(), job, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, host.kinds(), "no grant requested in foreground")
	assert.Equal(t, StateExecuting, c.State(job.ID))
	assert.Equal(t, 0, c.Active())

	c.Background()
	assert.Equal(t, []Kind{KindLongMaintenance}, host.kinds(), "grant acquired on background transition")
	assert.Equal(t, 1, c.Active())

	host.expire(host.lastToken())
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	stored, ok := st.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusPaused, stored.Status)
	assert.Equal(t, ReasonExpired, stored.PauseReason)

	require.NoError(t, c.End(job.ID, Failed))
	stored, _ = st.Get(job.ID)
	assert.Equal(t, 0, stored.AttemptCount)
}

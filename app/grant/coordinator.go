package grant

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/brrow/uploadq/app/events"
	"github.com/brrow/uploadq/app/queue"
)

// Coordinator tracks execution grants per job. Host callbacks and caller outcomes are applied under one lock,
// store mutations go through the store's own serialized api.
type Coordinator struct {
	Host   Host
	Store  Store
	Events Publisher // optional

	mu         sync.Mutex
	jobs       map[string]*tracked
	foreground bool
}

type tracked struct {
	state     State
	estimated time.Duration
	progress  float64
	kind      Kind
	token     Token
	hasGrant  bool
	cancel    context.CancelFunc
}

// NewCoordinator makes coordinator for given host and store
func NewCoordinator(host Host, store Store, pub Publisher) *Coordinator {
	return &Coordinator{Host: host, Store: store, Events: pub, jobs: map[string]*tracked{}}
}

// Begin requests a grant sized by estimated duration and starts tracking the job. In foreground no grant
// is requested, execution is unconstrained until Background acquires one.
// Returned context is canceled on grant expiration or End, executor should run under it.
// On error the job is not tracked and stays as is in the store.
func (c *Coordinator) Begin(ctx context.Context, job queue.Job, estimated time.Duration) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.jobs[job.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, job.ID)
	}

	tr := &tracked{state: StateRequesting, estimated: estimated, progress: job.Progress}
	c.jobs[job.ID] = tr
	if !c.foreground {
		if err := c.acquireLocked(job.ID, tr); err != nil {
			delete(c.jobs, job.ID)
			return nil, err
		}
	}

	jobCtx, cancel := context.WithCancel(ctx)
	tr.cancel = cancel
	tr.state = StateExecuting
	if !tr.hasGrant {
		log.Printf("[DEBUG] job %s executing in foreground, estimated %v", job.ID, estimated)
		return jobCtx, nil
	}
	log.Printf("[DEBUG] job %s executing with %s grant, estimated %v", job.ID, tr.kind, estimated)
	return jobCtx, nil
}

// End releases grant of the job and stops tracking it. Failure increments attempt count, unless the grant
// already expired and the job was checkpointed as paused. Unknown job failures are counted too,
// this covers executions started without a grant.
func (c *Coordinator) End(jobID string, outcome Outcome) error {
	c.mu.Lock()
	tr, ok := c.jobs[jobID]
	if ok {
		delete(c.jobs, jobID)
		c.releaseLocked(tr)
		if tr.cancel != nil {
			tr.cancel()
		}
	}
	c.mu.Unlock()

	if ok && tr.state == StateExpired {
		log.Printf("[DEBUG] job %s ended as %s after grant expiration, not counted", jobID, outcome)
		return nil
	}
	if outcome == Completed {
		log.Printf("[DEBUG] job %s completed", jobID)
		return nil
	}

	job, err := c.Store.IncrementAttempt(jobID)
	if err != nil {
		return fmt.Errorf("increment attempt for %s: %w", jobID, err)
	}
	if job.Status == queue.StatusUploading {
		if err := c.Store.SetStatus(jobID, queue.StatusQueued); err != nil {
			return fmt.Errorf("requeue %s: %w", jobID, err)
		}
	}
	log.Printf("[INFO] job %s failed, attempts %d", jobID, job.AttemptCount)
	return nil
}

// Progress remembers latest advisory progress, checkpointed on expiration
func (c *Coordinator) Progress(jobID string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.jobs[jobID]; ok {
		tr.progress = value
	}
}

// Foreground releases all held grants, tracking is kept. Jobs started in foreground run without a grant.
func (c *Coordinator) Foreground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.foreground = true
	released := 0
	for _, tr := range c.jobs {
		if tr.hasGrant {
			c.releaseLocked(tr)
			released++
		}
	}
	if released > 0 {
		log.Printf("[DEBUG] foreground, released %d grants", released)
	}
}

// Background requests grants for every tracked job still uploading without one
func (c *Coordinator) Background() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.foreground = false
	for id, tr := range c.jobs {
		if tr.hasGrant || tr.state != StateExecuting {
			continue
		}
		job, ok := c.Store.Get(id)
		if !ok || job.Status != queue.StatusUploading {
			continue
		}
		if err := c.acquireLocked(id, tr); err != nil {
			log.Printf("[WARN] can't resume grant for %s, %v", id, err)
			continue
		}
		log.Printf("[DEBUG] background, job %s continues with %s grant", id, tr.kind)
	}
}

// State returns state of the job, idle if not tracked
func (c *Coordinator) State(jobID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.jobs[jobID]; ok {
		return tr.state
	}
	return StateIdle
}

// Grant returns kind of the active grant for the job
func (c *Coordinator) Grant(jobID string) (Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.jobs[jobID]; ok && tr.hasGrant {
		return tr.kind, true
	}
	return "", false
}

// Active returns number of held grants
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := 0
	for _, tr := range c.jobs {
		if tr.hasGrant {
			res++
		}
	}
	return res
}

// acquireLocked requests long maintenance grant for long jobs with fallback to short grace
func (c *Coordinator) acquireLocked(id string, tr *tracked) error {
	kind := KindShortGrace
	if tr.estimated > ShortGraceThreshold {
		kind = KindLongMaintenance
	}

	token, err := c.Host.RequestGrant(kind, id)
	if err != nil && kind == KindLongMaintenance {
		log.Printf("[WARN] long maintenance grant for %s failed, falling back to short grace, %v", id, err)
		kind = KindShortGrace
		token, err = c.Host.RequestGrant(kind, id)
	}
	if err != nil {
		return fmt.Errorf("%w for %s: %w", ErrUnavailable, id, err)
	}

	if err := c.Host.OnExpire(token, func() { c.expire(id, token) }); err != nil {
		c.Host.Release(token)
		return fmt.Errorf("%w for %s, expiration handler: %w", ErrUnavailable, id, err)
	}
	tr.kind, tr.token, tr.hasGrant = kind, token, true
	return nil
}

func (c *Coordinator) releaseLocked(tr *tracked) {
	if !tr.hasGrant {
		return
	}
	c.Host.Release(tr.token)
	tr.hasGrant = false
}

// expire handles host expiration callback. Checkpoint, release and signal, in this order.
func (c *Coordinator) expire(id string, token Token) {
	c.mu.Lock()
	tr, ok := c.jobs[id]
	if !ok || !tr.hasGrant || tr.token != token {
		c.mu.Unlock()
		return // stale callback for released grant
	}
	tr.state = StateExpired
	progress := tr.progress
	if err := c.Store.MarkPaused(id, progress, ReasonExpired); err != nil {
		log.Printf("[WARN] can't checkpoint expired job %s, %v", id, err)
	}
	c.releaseLocked(tr)
	if tr.cancel != nil {
		tr.cancel()
	}
	c.mu.Unlock()

	log.Printf("[INFO] grant for job %s expired, paused at %d%%", id, int(progress*100))
	if c.Events != nil {
		c.Events.Publish(events.Event{Type: events.JobPaused, JobID: id, Reason: ReasonExpired})
		c.Events.Publish(events.Event{Type: events.NeedsRetry, JobID: id})
	}
}

// Package events delivers typed upload queue events to subscribers.
// Handlers are called synchronously by Publish and must not block,
// Listen wraps a handler into a buffered channel for slow consumers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Type of event
type Type string

// enum of all event types
const (
	JobAdded          Type = "job-added"
	JobPaused         Type = "job-paused"
	NeedsRetry        Type = "needs-retry"
	JobResumedSuccess Type = "job-resumed-success"
	JobResumedFailure Type = "job-resumed-failure"
	RestoreComplete   Type = "restore-complete"
)

// Event is a single queue event, fields used depend on Type
type Event struct {
	Type          Type      `json:"type"`
	JobID         string    `json:"job_id,omitempty"`
	OwnerEntityID string    `json:"owner_entity_id,omitempty"`
	URL           string    `json:"url,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Abandoned     bool      `json:"abandoned,omitempty"` // resumed-failure reached max attempts
	SuccessCount  int       `json:"success_count,omitempty"`
	FailureCount  int       `json:"failure_count,omitempty"`
	TS            time.Time `json:"ts"`
}

func (e Event) String() string {
	switch e.Type {
	case RestoreComplete:
		return fmt.Sprintf("%s success:%d, failure:%d", e.Type, e.SuccessCount, e.FailureCount)
	case JobPaused:
		return fmt.Sprintf("%s %s, %s", e.Type, e.JobID, e.Reason)
	default:
		return fmt.Sprintf("%s %s", e.Type, e.JobID)
	}
}

// Handler consumes events
type Handler func(e Event)

// Bus is a callback registry, safe for concurrent use. Nil bus drops all events.
type Bus struct {
	mu   sync.RWMutex
	seq  int
	subs map[int]Handler
}

// NewBus makes empty bus
func NewBus() *Bus {
	return &Bus{subs: map[int]Handler{}}
}

// Subscribe registers handler for all events, returns unsubscribe func
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	b.subs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers event to every subscriber, TS set if missing
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	log.Printf("[DEBUG] event %s", e)
	for _, h := range handlers {
		h(e)
	}
}

// Listen returns channel receiving events until ctx is done. Events are dropped when buffer is full,
// publisher never waits for a slow listener.
func (b *Bus) Listen(ctx context.Context, size int, types ...Type) <-chan Event {
	ch := make(chan Event, size)
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(e Event) {
		if len(types) > 0 && !contains(types, e.Type) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			log.Printf("[WARN] event listener full, dropped %s", e)
		}
	})

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

func contains(types []Type, t Type) bool {
	for _, tt := range types {
		if tt == t {
			return true
		}
	}
	return false
}

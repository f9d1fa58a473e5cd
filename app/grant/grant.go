// Package grant coordinates host-granted execution windows for uploads running while the app is in background.
// Host issues two grant kinds, a short grace window and a long maintenance window, each with a hard expiration.
// On expiration the coordinator checkpoints the job as paused and emits needs-retry, nothing else is attempted.
package grant

import (
	"errors"
	"time"

	"github.com/brrow/uploadq/app/events"
	"github.com/brrow/uploadq/app/queue"
)

// ShortGraceThreshold is the max estimated duration served by a short grace grant
const ShortGraceThreshold = 25 * time.Second

// ReasonExpired is the pause reason recorded on grant expiration
const ReasonExpired = "background time expired"

// Kind of execution grant
type Kind string

// enum of grant kinds
const (
	KindShortGrace      Kind = "short-grace"
	KindLongMaintenance Kind = "long-maintenance"
)

// Token identifies a grant issued by host
type Token string

// Outcome of an execution
type Outcome int

// enum of outcomes
const (
	Completed Outcome = iota
	Failed
)

func (o Outcome) String() string {
	if o == Completed {
		return "completed"
	}
	return "failed"
}

// State of a tracked job
type State string

// enum of job states, idle means not tracked
const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateExpired    State = "expired"
)

var (
	// ErrUnavailable returned when neither grant kind can be obtained
	ErrUnavailable = errors.New("execution grant unavailable")
	// ErrInFlight returned on Begin for a job already executing
	ErrInFlight = errors.New("job already executing")
	// ErrUnknownToken returned by host for tokens it did not issue or already released
	ErrUnknownToken = errors.New("unknown grant token")
)

// Host issues execution grants. Expiration callbacks must not be invoked from inside Host methods.
type Host interface {
	RequestGrant(kind Kind, name string) (Token, error)
	OnExpire(token Token, fn func()) error
	Release(token Token)
}

// Store is the part of job record store used by coordinator
type Store interface {
	Get(id string) (queue.Job, bool)
	IncrementAttempt(id string) (queue.Job, error)
	SetStatus(id string, status queue.Status) error
	MarkPaused(id string, progress float64, reason string) error
}

// Publisher emits coordinator events
type Publisher interface {
	Publish(e events.Event)
}

package grant

import (
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// default grant windows of LocalHost
const (
	DefaultShortGrace      = 30 * time.Second
	DefaultLongMaintenance = 10 * time.Minute
)

// LocalHost issues grants backed by timers. Long maintenance grants are issued only if Eligible allows it.
type LocalHost struct {
	ShortGrace      time.Duration
	LongMaintenance time.Duration
	Eligible        func() (ok bool, reason string) // optional

	mu     sync.Mutex
	seq    int
	grants map[Token]*localGrant
}

type localGrant struct {
	kind    Kind
	name    string
	timer   *time.Timer
	fn      func()
	expired bool
}

// NewLocalHost makes timer host, zero durations replaced by defaults
func NewLocalHost(shortGrace, longMaintenance time.Duration, eligible func() (bool, string)) *LocalHost {
	if shortGrace <= 0 {
		shortGrace = DefaultShortGrace
	}
	if longMaintenance <= 0 {
		longMaintenance = DefaultLongMaintenance
	}
	return &LocalHost{ShortGrace: shortGrace, LongMaintenance: longMaintenance, Eligible: eligible,
		grants: map[Token]*localGrant{}}
}

// RequestGrant issues a grant, its timer starts immediately
func (h *LocalHost) RequestGrant(kind Kind, name string) (Token, error) {
	var dur time.Duration
	switch kind {
	case KindShortGrace:
		dur = h.ShortGrace
	case KindLongMaintenance:
		if h.Eligible != nil {
			if ok, reason := h.Eligible(); !ok {
				return "", fmt.Errorf("long maintenance not eligible: %s", reason)
			}
		}
		dur = h.LongMaintenance
	default:
		return "", fmt.Errorf("unknown grant kind %q", kind)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	token := Token(fmt.Sprintf("%s-%d", kind, h.seq))
	g := &localGrant{kind: kind, name: name}
	g.timer = time.AfterFunc(dur, func() { h.fire(token) })
	h.grants[token] = g
	log.Printf("[DEBUG] grant %s issued for %s, %v", token, name, dur)
	return token, nil
}

// OnExpire sets expiration callback. If grant already expired the callback runs right away in a goroutine.
func (h *LocalHost) OnExpire(token Token, fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.grants[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if g.expired {
		delete(h.grants, token)
		go fn()
		return nil
	}
	g.fn = fn
	return nil
}

// Release stops grant timer, unknown tokens ignored
func (h *LocalHost) Release(token Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.grants[token]
	if !ok {
		return
	}
	g.timer.Stop()
	delete(h.grants, token)
	log.Printf("[DEBUG] grant %s released", token)
}

// Active returns number of issued and not yet released or expired grants
func (h *LocalHost) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.grants)
}

func (h *LocalHost) fire(token Token) {
	h.mu.Lock()
	g, ok := h.grants[token]
	if !ok {
		h.mu.Unlock()
		return
	}
	if g.fn == nil {
		g.expired = true // callback not set yet, OnExpire runs it
		h.mu.Unlock()
		return
	}
	delete(h.grants, token)
	fn := g.fn
	h.mu.Unlock()

	log.Printf("[INFO] grant %s for %s expired", token, g.name)
	fn()
}

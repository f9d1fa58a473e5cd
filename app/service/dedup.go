package service

import (
	"sync"
	"time"
)

// DeDup is a thread safe registry of jobs in flight, prevents the same job running twice
// from the enqueue path and a recovery pass
type DeDup struct {
	active map[string]time.Time
	lock   sync.Mutex
}

// NewDeDup creates empty DeDup
func NewDeDup() *DeDup {
	return &DeDup{active: make(map[string]time.Time)}
}

// Add job id to the registry, fail if already in
func (d *DeDup) Add(id string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, found := d.active[id]; found {
		return false
	}
	d.active[id] = time.Now()
	return true
}

// Remove job id from the registry. Safe to call multiple times
func (d *DeDup) Remove(id string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.active, id)
}

// Since returns start time of the job in flight
func (d *DeDup) Since(id string) (time.Time, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	ts, ok := d.active[id]
	return ts, ok
}

// Len returns number of jobs in flight
func (d *DeDup) Len() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.active)
}

// Package quota accounts for per-session storage.
//
// The tracker holds two counters per session: the footprint of the live
// writable layer and the bytes held by its suspended snapshot. It performs no
// I/O; the lifecycle engine refreshes the counters from the stores and asks
// the tracker before any operation that would grow them.
package quota

import (
	"sync"

	"github.com/GriffinCanCode/deskd/internal/shared/fault"
)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	limit     int64
	ceiling   int64
	live      map[string]int64
	suspended map[string]int64
}

// Usage is a point-in-time view of one session's accounting.
type Usage struct {
	LiveBytes      int64
	SuspendedBytes int64
	LimitBytes     int64
}

// NewTracker creates a tracker. A non-positive limit or ceiling disables that check.
func NewTracker(limit, ceiling int64) *Tracker {
	return &Tracker{
		limit:     limit,
		ceiling:   ceiling,
		live:      make(map[string]int64),
		suspended: make(map[string]int64),
	}
}

// Limit returns the per-session quota.
func (t *Tracker) Limit() int64 {
	return t.limit
}

// Ceiling returns the aggregate suspended-storage ceiling.
func (t *Tracker) Ceiling() int64 {
	return t.ceiling
}

// SetLive records the measured footprint of a session's writable layer.
func (t *Tracker) SetLive(id string, bytes int64) {
	t.mu.Lock()
	t.live[id] = bytes
	t.mu.Unlock()
}

// SetSuspended records the bytes a suspended session holds on disk.
func (t *Tracker) SetSuspended(id string, bytes int64) {
	t.mu.Lock()
	t.suspended[id] = bytes
	t.mu.Unlock()
}

// ClearSuspended drops a session's suspended accounting.
func (t *Tracker) ClearSuspended(id string) {
	t.mu.Lock()
	delete(t.suspended, id)
	t.mu.Unlock()
}

// Forget drops all accounting for a session.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.live, id)
	delete(t.suspended, id)
	t.mu.Unlock()
}

// Usage returns the accounting for one session.
func (t *Tracker) Usage(id string) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Usage{
		LiveBytes:      t.live[id],
		SuspendedBytes: t.suspended[id],
		LimitBytes:     t.limit,
	}
}

// Check refuses a projected writable-layer size above the per-session quota.
func (t *Tracker) Check(id string, projected int64) error {
	if t.limit <= 0 || projected <= t.limit {
		return nil
	}
	return fault.Newf(fault.QuotaExceeded, "quota",
		"writable layer is %d bytes, quota is %d bytes", projected, t.limit).WithSession(id)
}

// Exceeds reports whether the last measured live footprint is over quota.
func (t *Tracker) Exceeds(id string) bool {
	if t.limit <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live[id] > t.limit
}

// SuspendedTotal returns the aggregate bytes held by suspended sessions.
func (t *Tracker) SuspendedTotal() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, n := range t.suspended {
		total += n
	}
	return total
}

// Excess returns how far suspended storage is above the ceiling, or zero.
func (t *Tracker) Excess() int64 {
	if t.ceiling <= 0 {
		return 0
	}
	if over := t.SuspendedTotal() - t.ceiling; over > 0 {
		return over
	}
	return 0
}

package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// Record is the engine's view of one session.
type Record struct {
	ID             string
	Status         types.Status
	CreatedAt      time.Time
	LastActivity   time.Time
	SuspendedAt    time.Time
	DestroyedAt    time.Time
	Display        *types.DisplayHandle
	Filesystem     *types.FilesystemHandle
	Checkpoint     *types.CheckpointHandle
	QuotaUsedBytes int64
	ArchiveBytes   int64
}

// clone deep-copies the handles so callers never share them with the registry.
func (r Record) clone() Record {
	if r.Display != nil {
		d := *r.Display
		r.Display = &d
	}
	if r.Filesystem != nil {
		f := *r.Filesystem
		r.Filesystem = &f
	}
	if r.Checkpoint != nil {
		c := *r.Checkpoint
		c.Limitations = append([]string(nil), c.Limitations...)
		r.Checkpoint = &c
	}
	return r
}

// Summary converts the record into its read-only listing form.
func (r Record) Summary() types.SessionSummary {
	s := types.SessionSummary{
		ID:               r.ID,
		Status:           r.Status,
		CreatedAt:        r.CreatedAt,
		LastActivity:     r.LastActivity,
		StorageUsedBytes: r.QuotaUsedBytes,
		ArchiveSizeBytes: r.ArchiveBytes,
	}
	if r.Display != nil {
		s.DisplayEndpoint = r.Display.Endpoint
	}
	if r.Checkpoint != nil {
		s.CheckpointSizeBytes = r.Checkpoint.SizeBytes
	}
	return s
}

type entry struct {
	// lock is held by whoever owns the single slot.
	lock      chan struct{}
	rec       Record
	committed bool
}

// Registry is the concurrency-safe table of session records. Each record has
// its own lock; the registry mutex only guards the table and record fields,
// never a lifecycle operation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	retired map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		retired: make(map[string]struct{}),
	}
}

// Lease is exclusive ownership of one session's lock.
type Lease struct {
	reg      *Registry
	id       string
	e        *entry
	released bool
}

// Reserve claims a new id and returns its lease. The record stays invisible
// until Commit, so readers never observe a half-created session.
func (r *Registry) Reserve(id string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.retired[id]; ok {
		return nil, fault.Newf(fault.DuplicateID, "reserve", "session id was used before").WithSession(id)
	}
	if _, ok := r.entries[id]; ok {
		return nil, fault.Newf(fault.DuplicateID, "reserve", "session already exists").WithSession(id)
	}

	e := &entry{lock: make(chan struct{}, 1), rec: Record{ID: id}}
	e.lock <- struct{}{}
	r.entries[id] = e
	return &Lease{reg: r, id: id, e: e}, nil
}

// Acquire waits for the session lock until ctx ends. A reserved id is
// waited on as well: the caller gets the record once its creation commits,
// or NotFound if the creation was aborted.
func (r *Registry) Acquire(ctx context.Context, id string) (*Lease, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.NotFound, "acquire", "no such session").WithSession(id)
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fault.New(fault.Timeout, "acquire", ctx.Err()).WithSession(id)
	}

	// The record may have been purged or its creation aborted while we waited.
	if cur, ok := r.lookup(id); !ok || cur != e {
		<-e.lock
		return nil, fault.Newf(fault.NotFound, "acquire", "no such session").WithSession(id)
	}
	return &Lease{reg: r, id: id, e: e}, nil
}

// TryAcquire takes the lock only if it is free.
func (r *Registry) TryAcquire(id string) (*Lease, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	select {
	case e.lock <- struct{}{}:
		return &Lease{reg: r, id: id, e: e}, true
	default:
		return nil, false
	}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || !e.committed {
		return nil, false
	}
	return e, true
}

// Insert registers an already-committed record, used by startup recovery.
func (r *Registry) Insert(rec Record) error {
	lease, err := r.Reserve(rec.ID)
	if err != nil {
		return err
	}
	lease.Set(func(cur *Record) { *cur = rec })
	lease.Commit()
	lease.Release()
	return nil
}

// Get returns a copy of a committed record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || !e.committed {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// List returns copies of committed records ordered by creation time.
func (r *Registry) List(includeDestroyed bool) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.committed {
			continue
		}
		if !includeDestroyed && e.rec.Status == types.StatusDestroyed {
			continue
		}
		out = append(out, e.rec.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Touch sets LastActivity on a session that is not destroyed.
func (r *Registry) Touch(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.committed {
		return fault.Newf(fault.NotFound, "touch", "no such session").WithSession(id)
	}
	switch e.rec.Status {
	case types.StatusDestroying, types.StatusDestroyed:
		return fault.Newf(fault.InvalidStateTransition, "touch", "session is %s", e.rec.Status).WithSession(id)
	}
	if at.After(e.rec.LastActivity) {
		e.rec.LastActivity = at
	}
	return nil
}

// setUsage refreshes the measured writable-layer size of an active session.
func (r *Registry) setUsage(id string, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.committed && e.rec.Status == types.StatusActive {
		e.rec.QuotaUsedBytes = bytes
	}
}

// Retire marks ids as used forever without creating records.
func (r *Registry) Retire(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.retired[id] = struct{}{}
	}
}

// Counts returns the number of committed records per status, including zeros.
func (r *Registry) Counts() map[string]int {
	counts := make(map[string]int, len(types.AllStatuses()))
	for _, s := range types.AllStatuses() {
		counts[string(s)] = 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.committed {
			counts[string(e.rec.Status)]++
		}
	}
	return counts
}

// IsRetired reports whether id belongs to a destroyed session.
func (r *Registry) IsRetired(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.retired[id]
	return ok
}

// PurgeDestroyed drops destroyed records older than cutoff. Their ids stay
// retired. Records whose lock is held are skipped until the next call.
func (r *Registry) PurgeDestroyed(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []string
	for id, e := range r.entries {
		if !e.committed || e.rec.Status != types.StatusDestroyed || !e.rec.DestroyedAt.Before(cutoff) {
			continue
		}
		select {
		case e.lock <- struct{}{}:
		default:
			continue
		}
		delete(r.entries, id)
		<-e.lock
		purged = append(purged, id)
	}
	sort.Strings(purged)
	return purged
}

// ID returns the leased session id.
func (l *Lease) ID() string {
	return l.id
}

// Record returns a copy of the leased record.
func (l *Lease) Record() Record {
	l.reg.mu.RLock()
	defer l.reg.mu.RUnlock()
	return l.e.rec.clone()
}

// Set mutates the leased record. A record moved to Destroyed retires its id.
func (l *Lease) Set(fn func(*Record)) Record {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	fn(&l.e.rec)
	if l.e.rec.Status == types.StatusDestroyed {
		l.reg.retired[l.id] = struct{}{}
	}
	return l.e.rec.clone()
}

// Commit makes a reserved record visible.
func (l *Lease) Commit() {
	l.reg.mu.Lock()
	l.e.committed = true
	l.reg.mu.Unlock()
}

// Abort removes a reserved record that was never committed and releases the
// lock. The id may be reserved again.
func (l *Lease) Abort() {
	if l.released {
		return
	}
	l.reg.mu.Lock()
	if !l.e.committed && l.reg.entries[l.id] == l.e {
		delete(l.reg.entries, l.id)
	}
	l.reg.mu.Unlock()
	l.Release()
}

// Release gives the lock back. Releasing twice is a no-op.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	<-l.e.lock
}

package display

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// MemoryAllocator hands out display numbers without starting any process.
// It backs DISPLAY_MODE=memory and the lifecycle tests.
type MemoryAllocator struct {
	baseURL string
	max     int

	mu        sync.Mutex
	used      map[int]string
	active    map[string]types.DisplayHandle
	preferred map[string]int
}

// NewMemoryAllocator creates an allocator serving display numbers 1..max.
func NewMemoryAllocator(baseURL string, max int) *MemoryAllocator {
	if max <= 0 {
		max = 100
	}
	return &MemoryAllocator{
		baseURL:   baseURL,
		max:       max,
		used:      make(map[int]string),
		active:    make(map[string]types.DisplayHandle),
		preferred: make(map[string]int),
	}
}

// Allocate implements Allocator.
func (m *MemoryAllocator) Allocate(ctx context.Context, id string, env map[string]string) (types.DisplayHandle, error) {
	if err := ctx.Err(); err != nil {
		return types.DisplayHandle{}, fault.Wrap(fault.AllocationFailure, "display_allocate", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.active[id]; ok {
		return h, nil
	}
	n, ok := m.claim(id, 0)
	if !ok {
		return types.DisplayHandle{}, fault.Newf(fault.AllocationFailure, "display_allocate",
			"all %d displays in use", m.max).WithSession(id)
	}
	h := handle(m.baseURL, id, n, 0)
	m.active[id] = h
	return h, nil
}

// Release implements Allocator.
func (m *MemoryAllocator) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.active[id]; ok {
		delete(m.used, h.Number)
		delete(m.active, id)
	}
	delete(m.preferred, id)
	return nil
}

// Suspend implements Allocator. The number is freed but remembered so a
// resume can land on the same display.
func (m *MemoryAllocator) Suspend(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[id]
	if !ok {
		return fault.Newf(fault.AllocationFailure, "display_suspend", "no display").WithSession(id)
	}
	delete(m.used, h.Number)
	delete(m.active, id)
	m.preferred[id] = h.Number
	return nil
}

// Resume implements Allocator.
func (m *MemoryAllocator) Resume(ctx context.Context, id string, rootPID int) (types.DisplayHandle, error) {
	if err := ctx.Err(); err != nil {
		return types.DisplayHandle{}, fault.Wrap(fault.AllocationFailure, "display_resume", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.claim(id, m.preferred[id])
	if !ok {
		return types.DisplayHandle{}, fault.Newf(fault.AllocationFailure, "display_resume",
			"all %d displays in use", m.max).WithSession(id)
	}
	delete(m.preferred, id)
	h := handle(m.baseURL, id, n, rootPID)
	m.active[id] = h
	return h, nil
}

// Active returns the number of allocated displays.
func (m *MemoryAllocator) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// claim takes want if free, otherwise the lowest free number.
func (m *MemoryAllocator) claim(id string, want int) (int, bool) {
	if want > 0 {
		if _, taken := m.used[want]; !taken {
			m.used[want] = id
			return want, true
		}
	}
	for n := 1; n <= m.max; n++ {
		if _, taken := m.used[n]; !taken {
			m.used[n] = id
			return n, true
		}
	}
	return 0, false
}

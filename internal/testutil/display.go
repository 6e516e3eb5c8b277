package testutil

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/deskd/internal/providers/display"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// FlakyAllocator wraps an allocator and fails queued calls on demand.
type FlakyAllocator struct {
	display.Allocator

	mu       sync.Mutex
	failures map[string][]error
	released []string
}

// NewFlakyAllocator wraps a memory allocator.
func NewFlakyAllocator() *FlakyAllocator {
	return &FlakyAllocator{
		Allocator: display.NewMemoryAllocator("http://localhost:6080/vnc.html", 64),
		failures:  make(map[string][]error),
	}
}

// Fail queues err for the next call of method ("Allocate", "Release",
// "Suspend" or "Resume").
func (f *FlakyAllocator) Fail(method string, err error) {
	f.mu.Lock()
	f.failures[method] = append(f.failures[method], err)
	f.mu.Unlock()
}

func (f *FlakyAllocator) next(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.failures[method]
	if len(queue) == 0 {
		return nil
	}
	f.failures[method] = queue[1:]
	return queue[0]
}

// Allocate implements display.Allocator.
func (f *FlakyAllocator) Allocate(ctx context.Context, id string, env map[string]string) (types.DisplayHandle, error) {
	if err := f.next("Allocate"); err != nil {
		return types.DisplayHandle{}, err
	}
	return f.Allocator.Allocate(ctx, id, env)
}

// Release implements display.Allocator.
func (f *FlakyAllocator) Release(ctx context.Context, id string) error {
	f.mu.Lock()
	f.released = append(f.released, id)
	f.mu.Unlock()
	if err := f.next("Release"); err != nil {
		return err
	}
	return f.Allocator.Release(ctx, id)
}

// Suspend implements display.Allocator.
func (f *FlakyAllocator) Suspend(ctx context.Context, id string) error {
	if err := f.next("Suspend"); err != nil {
		return err
	}
	return f.Allocator.Suspend(ctx, id)
}

// Resume implements display.Allocator.
func (f *FlakyAllocator) Resume(ctx context.Context, id string, rootPID int) (types.DisplayHandle, error) {
	if err := f.next("Resume"); err != nil {
		return types.DisplayHandle{}, err
	}
	return f.Allocator.Resume(ctx, id, rootPID)
}

// Released returns the ids passed to Release, in order.
func (f *FlakyAllocator) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// Active returns the number of displays currently allocated.
func (f *FlakyAllocator) Active() int {
	return f.Allocator.(*display.MemoryAllocator).Active()
}

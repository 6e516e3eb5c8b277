// Package testutil provides fakes for the host-level collaborators so the
// session lifecycle can be exercised without privileges.
package testutil

import (
	"context"
	"sync"
)

// FakeMounter records overlay mounts in memory.
type FakeMounter struct {
	mu        sync.Mutex
	mounted   map[string]bool
	mountErrs []error
	mounts    int
	unmounts  int
	// Delay is applied to every Mount unless the context ends first.
	Delay chan struct{}
}

// NewFakeMounter creates a mounter with nothing mounted.
func NewFakeMounter() *FakeMounter {
	return &FakeMounter{mounted: make(map[string]bool)}
}

// FailMount queues err for the next Mount call.
func (f *FakeMounter) FailMount(err error) {
	f.mu.Lock()
	f.mountErrs = append(f.mountErrs, err)
	f.mu.Unlock()
}

// Mount implements filesystem.Mounter.
func (f *FakeMounter) Mount(ctx context.Context, lower, upper, work, merged string) error {
	if f.Delay != nil {
		select {
		case <-f.Delay:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts++
	if len(f.mountErrs) > 0 {
		err := f.mountErrs[0]
		f.mountErrs = f.mountErrs[1:]
		return err
	}
	f.mounted[merged] = true
	return nil
}

// Unmount implements filesystem.Mounter.
func (f *FakeMounter) Unmount(ctx context.Context, merged string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounts++
	delete(f.mounted, merged)
	return nil
}

// IsMounted implements filesystem.Mounter.
func (f *FakeMounter) IsMounted(merged string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted[merged], nil
}

// MountedCount returns how many views are currently mounted.
func (f *FakeMounter) MountedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mounted)
}

// Calls returns the number of Mount and Unmount calls so far.
func (f *FakeMounter) Calls() (mounts, unmounts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounts, f.unmounts
}

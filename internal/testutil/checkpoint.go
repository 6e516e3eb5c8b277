package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/GriffinCanCode/deskd/internal/providers/checkpoint"
)

// FakeTool imitates the checkpoint engine by writing placeholder images.
type FakeTool struct {
	mu          sync.Mutex
	dumpErrs    []error
	restoreErrs []error
	nextPID     int
	dumps       int
	restores    int
	// CheckErr is returned by Check.
	CheckErr error
	// ImageBytes sizes the placeholder pages image.
	ImageBytes int
	// Block, when set, stalls Dump until closed or the context ends.
	Block chan struct{}
}

// NewFakeTool creates a tool that succeeds by default.
func NewFakeTool() *FakeTool {
	return &FakeTool{nextPID: 40000, ImageBytes: 8192}
}

// FailDump queues err for the next Dump call.
func (f *FakeTool) FailDump(err error) {
	f.mu.Lock()
	f.dumpErrs = append(f.dumpErrs, err)
	f.mu.Unlock()
}

// FailRestore queues err for the next Restore call.
func (f *FakeTool) FailRestore(err error) {
	f.mu.Lock()
	f.restoreErrs = append(f.restoreErrs, err)
	f.mu.Unlock()
}

// Dump implements checkpoint.Tool.
func (f *FakeTool) Dump(ctx context.Context, req checkpoint.DumpRequest) error {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.dumps++
	var err error
	if len(f.dumpErrs) > 0 {
		err, f.dumpErrs = f.dumpErrs[0], f.dumpErrs[1:]
	}
	size := f.ImageBytes
	f.mu.Unlock()
	if err != nil {
		return err
	}

	images := make(map[string][]byte, 4)
	images["inventory.img"] = []byte("inventory")
	images[fmt.Sprintf("core-%d.img", req.PID)] = []byte("core")
	images[fmt.Sprintf("pages-%d.img", req.PID)] = make([]byte, size)
	images[checkpoint.DumpLog] = []byte("Dumping finished successfully\n")
	for name, data := range images {
		if err := os.WriteFile(filepath.Join(req.ImageDir, name), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// Restore implements checkpoint.Tool.
func (f *FakeTool) Restore(ctx context.Context, imageDir string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := os.Stat(filepath.Join(imageDir, "inventory.img")); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	if len(f.restoreErrs) > 0 {
		err := f.restoreErrs[0]
		f.restoreErrs = f.restoreErrs[1:]
		return 0, err
	}
	f.nextPID++
	return f.nextPID, nil
}

// Check implements checkpoint.Tool.
func (f *FakeTool) Check(ctx context.Context) error {
	return f.CheckErr
}

// Calls returns the number of Dump and Restore calls so far.
func (f *FakeTool) Calls() (dumps, restores int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dumps, f.restores
}

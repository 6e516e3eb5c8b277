package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Mounter performs the union mount primitives.
type Mounter interface {
	Mount(ctx context.Context, lower, upper, work, merged string) error
	// Unmount returns nil when merged is not a mount point.
	Unmount(ctx context.Context, merged string) error
	IsMounted(merged string) (bool, error)
}

// ErrNotPermitted marks a mount refused for lack of privileges or kernel support.
var ErrNotPermitted = errors.New("overlay mount not permitted")

// OverlayMounter mounts overlayfs through the mount(2) syscall.
type OverlayMounter struct {
	mountinfo string
}

// NewOverlayMounter creates a mounter reading mount state from /proc/self/mountinfo.
func NewOverlayMounter() *OverlayMounter {
	return &OverlayMounter{mountinfo: "/proc/self/mountinfo"}
}

// Mount mounts an overlay of upper over lower at merged.
func (m *OverlayMounter) Mount(ctx context.Context, lower, upper, work, merged string) error {
	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	err := blocking(ctx, func() error {
		return unix.Mount("overlay", merged, "overlay", 0, data)
	})
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.ENODEV), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: %v", ErrNotPermitted, err)
	case err != nil:
		return fmt.Errorf("mount overlay at %s: %w", merged, err)
	}
	return nil
}

// Unmount detaches merged, falling back to a lazy detach while busy.
func (m *OverlayMounter) Unmount(ctx context.Context, merged string) error {
	return blocking(ctx, func() error {
		err := unix.Unmount(merged, 0)
		if errors.Is(err, unix.EBUSY) {
			err = unix.Unmount(merged, unix.MNT_DETACH)
		}
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unmount %s: %w", merged, err)
		}
		return nil
	})
}

// IsMounted reports whether merged appears as a mount point.
func (m *OverlayMounter) IsMounted(merged string) (bool, error) {
	f, err := os.Open(m.mountinfo)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// fields: id parent major:minor root mountpoint ...
		fields := strings.Fields(scanner.Text())
		if len(fields) > 4 && unescapeMountPath(fields[4]) == merged {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// unescapeMountPath decodes the octal escapes mountinfo uses for whitespace.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	r := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return r.Replace(s)
}

// blocking runs a syscall off the caller's goroutine so a stuck mount
// surfaces as a context error instead of pinning the caller.
func blocking(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

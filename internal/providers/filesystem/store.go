package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/deskd/internal/shared/archive"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// Config configures the store.
type Config struct {
	Layout   paths.Layout
	Compress bool
	// Excludes are doublestar patterns left out of archives.
	Excludes []string
}

// Store owns the per-session overlay directories and their archives.
type Store struct {
	layout   paths.Layout
	mounter  Mounter
	compress bool
	excludes []string
	logger   *zap.Logger
}

// NewStore creates a filesystem store.
func NewStore(cfg Config, mounter Mounter, logger *zap.Logger) *Store {
	return &Store{
		layout:   cfg.Layout,
		mounter:  mounter,
		compress: cfg.Compress,
		excludes: cfg.Excludes,
		logger:   logger.Named("filesystem"),
	}
}

// remountTimeout bounds the rollback mount after a failed archive.
const remountTimeout = 30 * time.Second

// baseDirs are created inside the shared lower layer.
var baseDirs = []string{
	"home/user/.config",
	"home/user/.local/share",
	"home/user/.cache",
	"home/user/Desktop",
	"home/user/Downloads",
}

// InitBase creates the sessions root and the shared base layer skeleton.
func (s *Store) InitBase() error {
	for _, dir := range s.layout.StandardDirectories() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fault.New(fault.CapabilityMissing, "init_base", err)
		}
	}
	for _, dir := range baseDirs {
		if err := os.MkdirAll(filepath.Join(s.layout.Base, dir), 0o755); err != nil {
			return fault.New(fault.CapabilityMissing, "init_base", err)
		}
	}
	tmp := filepath.Join(s.layout.Base, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fault.New(fault.CapabilityMissing, "init_base", err)
	}
	if err := os.Chmod(tmp, 0o777|os.ModeSticky); err != nil {
		return fault.New(fault.CapabilityMissing, "init_base", err)
	}
	return nil
}

// CheckCapability performs a probe mount under the sessions root. Failure
// means no session can ever be materialized on this host.
func (s *Store) CheckCapability(ctx context.Context) error {
	probe, err := os.MkdirTemp(s.layout.Root, ".probe-")
	if err != nil {
		return fault.New(fault.CapabilityMissing, "filesystem_probe", err)
	}
	defer os.RemoveAll(probe)

	dirs := make(map[string]string, 4)
	for _, name := range []string{"lower", "upper", "work", "merged"} {
		dirs[name] = filepath.Join(probe, name)
		if err := os.Mkdir(dirs[name], 0o755); err != nil {
			return fault.New(fault.CapabilityMissing, "filesystem_probe", err)
		}
	}

	if err := s.mounter.Mount(ctx, dirs["lower"], dirs["upper"], dirs["work"], dirs["merged"]); err != nil {
		return fault.New(fault.CapabilityMissing, "filesystem_probe", err)
	}
	if err := s.mounter.Unmount(ctx, dirs["merged"]); err != nil {
		return fault.New(fault.CapabilityMissing, "filesystem_probe", err)
	}
	return nil
}

// Handle returns the directory set of a session without touching disk.
func (s *Store) Handle(id string) types.FilesystemHandle {
	p := s.layout.Session(id)
	return types.FilesystemHandle{
		Base:   s.layout.Base,
		Upper:  p.Upper(),
		Work:   p.Work(),
		Merged: p.Merged(),
	}
}

// Materialize prepares the live directories and mounts the merged view. An
// existing upper layer is reused, which is how an extracted archive is brought
// back online. A freshly created tree is removed again if the mount fails.
func (s *Store) Materialize(ctx context.Context, id string) (types.FilesystemHandle, error) {
	const op = "materialize"
	if err := paths.ValidateSessionID(id); err != nil {
		return types.FilesystemHandle{}, fault.New(fault.MountFailure, op, err).WithSession(id)
	}

	p := s.layout.Session(id)
	_, statErr := os.Stat(p.Live)
	fresh := errors.Is(statErr, fs.ErrNotExist)

	handle := s.Handle(id)
	for _, dir := range []string{handle.Upper, handle.Work, handle.Merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			if fresh {
				os.RemoveAll(p.Live)
			}
			return types.FilesystemHandle{}, fault.New(fault.MountFailure, op, err).WithSession(id)
		}
	}

	if err := s.mounter.Mount(ctx, handle.Base, handle.Upper, handle.Work, handle.Merged); err != nil {
		if fresh {
			os.RemoveAll(p.Live)
		}
		return types.FilesystemHandle{}, fault.Wrap(fault.MountFailure, op, err)
	}

	handle.Mounted = true
	s.logger.Debug("Overlay mounted", zap.String("session_id", id), zap.String("merged", handle.Merged))
	return handle, nil
}

// Dematerialize unmounts the merged view. Unmounting a view that is not
// mounted is not an error.
func (s *Store) Dematerialize(ctx context.Context, id string) error {
	merged := s.layout.Session(id).Merged()
	// Unreadable mount state falls through to the unmount, which tolerates
	// a view that is already gone.
	if mounted, err := s.mounter.IsMounted(merged); err == nil && !mounted {
		return nil
	}
	if err := s.mounter.Unmount(ctx, merged); err != nil {
		return fault.Wrap(fault.MountFailure, "dematerialize", err)
	}
	return nil
}

// Mounted reports whether the session's merged view is currently mounted.
func (s *Store) Mounted(id string) (bool, error) {
	mounted, err := s.mounter.IsMounted(s.layout.Session(id).Merged())
	if err != nil {
		return false, fault.Wrap(fault.MountFailure, "mounted", err)
	}
	return mounted, nil
}

// Archive unmounts the view, packs the upper layer into the snapshot area and
// removes the live directories. It returns the archive size. On a packing
// failure the view is mounted again so the session stays usable.
func (s *Store) Archive(ctx context.Context, id string) (int64, error) {
	const op = "archive"
	p := s.layout.Session(id)

	if _, err := os.Stat(p.Upper()); err != nil {
		return 0, fault.New(fault.ArchiveFailure, op, err).WithSession(id)
	}
	if err := s.Dematerialize(ctx, id); err != nil {
		return 0, err
	}

	compression := archive.None
	if s.compress {
		compression = archive.Zstd
	}
	for _, stale := range p.ArchiveCandidates() {
		os.Remove(stale)
	}

	start := time.Now()
	res, err := archive.Pack(ctx, p.Upper(), p.Archive(s.compress), archive.Options{
		Compression: compression,
		Excludes:    s.excludes,
	})
	if err != nil {
		archErr := fault.Wrap(fault.ArchiveFailure, op, err)
		remountCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remountTimeout)
		_, mountErr := s.Materialize(remountCtx, id)
		cancel()
		if mountErr != nil {
			s.logger.Error("Failed to remount after archive failure",
				zap.String("session_id", id), zap.Error(mountErr))
		}
		return 0, archErr
	}

	if err := os.RemoveAll(p.Live); err != nil {
		// The archive is complete; a leftover live tree is swept on the next start.
		s.logger.Warn("Failed to remove live directories",
			zap.String("session_id", id), zap.Error(err))
	}

	s.logger.Info("Filesystem archived",
		zap.String("session_id", id),
		zap.Int("files", res.Files),
		zap.Int64("content_bytes", res.ContentBytes),
		zap.Int64("archive_bytes", res.ArchiveBytes),
		zap.Duration("duration", time.Since(start)))
	return res.ArchiveBytes, nil
}

// Unarchive recreates the live directories and extracts the archive into the
// upper layer. The view is not mounted; call Materialize afterwards.
func (s *Store) Unarchive(ctx context.Context, id string) (int64, error) {
	const op = "unarchive"
	p := s.layout.Session(id)

	src, ok := s.findArchive(p)
	if !ok {
		return 0, fault.Newf(fault.ArchiveNotFound, op, "no archive under %s", p.Snapshot).WithSession(id)
	}

	// A previous partial extract must not leak into this one.
	if err := os.RemoveAll(p.Live); err != nil {
		return 0, fault.New(fault.ArchiveFailure, op, err).WithSession(id)
	}
	for _, dir := range []string{p.Upper(), p.Work(), p.Merged()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fault.New(fault.ArchiveFailure, op, err).WithSession(id)
		}
	}

	res, err := archive.Unpack(ctx, src, p.Upper())
	if err != nil {
		return 0, fault.Wrap(fault.ArchiveFailure, op, err)
	}

	s.logger.Info("Filesystem extracted",
		zap.String("session_id", id),
		zap.String("archive", filepath.Base(src)),
		zap.Int("files", res.Files))
	return res.ContentBytes, nil
}

// Usage sums the regular file sizes of the upper layer. A session with no
// live tree uses zero bytes.
func (s *Store) Usage(ctx context.Context, id string) (int64, error) {
	n, err := archive.DirSize(ctx, s.layout.Session(id).Upper())
	if err != nil {
		return 0, fault.Wrap(fault.ArchiveFailure, "usage", err)
	}
	return n, nil
}

// ArchiveSize returns the on-disk size of the session archive, or zero.
func (s *Store) ArchiveSize(id string) int64 {
	src, ok := s.findArchive(s.layout.Session(id))
	if !ok {
		return 0
	}
	info, err := os.Stat(src)
	if err != nil {
		return 0
	}
	return info.Size()
}

// HasArchive reports whether an archive exists for the session.
func (s *Store) HasArchive(id string) bool {
	_, ok := s.findArchive(s.layout.Session(id))
	return ok
}

// HasLive reports whether live directories exist for the session.
func (s *Store) HasLive(id string) bool {
	_, err := os.Stat(s.layout.Session(id).Live)
	return err == nil
}

// RemoveArchive deletes any archive for the session.
func (s *Store) RemoveArchive(id string) error {
	var errs []error
	for _, candidate := range s.layout.Session(id).ArchiveCandidates() {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveSnapshot deletes the whole snapshot directory of a session.
func (s *Store) RemoveSnapshot(id string) error {
	return os.RemoveAll(s.layout.Session(id).Snapshot)
}

// Purge unmounts the view and removes the live directories.
func (s *Store) Purge(ctx context.Context, id string) error {
	if err := s.Dematerialize(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.layout.Session(id).Live); err != nil {
		return fault.New(fault.ArchiveFailure, "purge", err).WithSession(id)
	}
	return nil
}

// LiveIDs lists session ids that have a live tree.
func (s *Store) LiveIDs() ([]string, error) {
	return listDirs(s.layout.Active())
}

// SnapshotIDs lists session ids that have a snapshot directory.
func (s *Store) SnapshotIDs() ([]string, error) {
	return listDirs(s.layout.Snapshots())
}

// Layout returns the on-disk layout.
func (s *Store) Layout() paths.Layout {
	return s.layout
}

func (s *Store) findArchive(p paths.Session) (string, bool) {
	for _, candidate := range p.ArchiveCandidates() {
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && paths.ValidateSessionID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

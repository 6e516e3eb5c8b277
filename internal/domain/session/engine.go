package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/deskd/internal/domain/quota"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/deskd/internal/providers/display"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/id"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// FilesystemStore is the filesystem isolation store as driven by the engine.
type FilesystemStore interface {
	InitBase() error
	CheckCapability(ctx context.Context) error
	Materialize(ctx context.Context, id string) (types.FilesystemHandle, error)
	Archive(ctx context.Context, id string) (int64, error)
	Unarchive(ctx context.Context, id string) (int64, error)
	Usage(ctx context.Context, id string) (int64, error)
	HasArchive(id string) bool
	RemoveArchive(id string) error
	RemoveSnapshot(id string) error
	Purge(ctx context.Context, id string) error
	Mounted(id string) (bool, error)
	LiveIDs() ([]string, error)
	SnapshotIDs() ([]string, error)
	Layout() paths.Layout
}

// CheckpointStore is the checkpoint store as driven by the engine.
type CheckpointStore interface {
	CheckCapability(ctx context.Context) error
	Dump(ctx context.Context, id string, pid int) (types.CheckpointHandle, error)
	Restore(ctx context.Context, id string) (int, error)
	Load(id string) (types.CheckpointHandle, error)
	Incomplete(id string) bool
	Discard(id string) error
	Terminate(pid int) error
}

// Transition reasons carried on events and metrics.
const (
	ReasonUser     = "user"
	ReasonIdle     = "idle"
	ReasonGrace    = "grace_expired"
	ReasonStorage  = "storage_ceiling"
	ReasonShutdown = "shutdown"
	ReasonFailed   = "rollback"
	ReasonRecovery = "recovered"
)

// Action is what a reclamation call did to a session.
type Action string

const (
	ActionNone      Action = "none"
	ActionSuspended Action = "suspended"
	ActionDestroyed Action = "destroyed"
)

const (
	cleanupTimeout      = 30 * time.Second
	shutdownParallelism = 8
)

// Config tunes the engine.
type Config struct {
	TTL              time.Duration
	OperationTimeout time.Duration
	// SuspendOnShutdown suspends live sessions on Shutdown instead of
	// destroying them.
	SuspendOnShutdown bool
}

// Deps are the collaborators of the engine. Quota, Bus and Metrics get
// private defaults when nil.
type Deps struct {
	Filesystem FilesystemStore
	Checkpoint CheckpointStore
	Display    display.Allocator
	Quota      *quota.Tracker
	Bus        *Bus
	Metrics    *monitoring.Metrics
}

// Engine drives sessions through their lifecycle. Every transition of a
// session runs under that session's lock; different sessions never wait on
// each other.
type Engine struct {
	cfg      Config
	registry *Registry
	fs       FilesystemStore
	ckpt     CheckpointStore
	display  display.Allocator
	quota    *quota.Tracker
	bus      *Bus
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
	closing  atomic.Bool
	ledgerMu sync.Mutex

	lastRecovery RecoveryReport
}

// NewEngine creates an engine. Call Start before serving requests.
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	if deps.Quota == nil {
		deps.Quota = quota.NewTracker(0, 0)
	}
	if deps.Bus == nil {
		deps.Bus = NewBus(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	return &Engine{
		cfg:      cfg,
		registry: NewRegistry(),
		fs:       deps.Filesystem,
		ckpt:     deps.Checkpoint,
		display:  deps.Display,
		quota:    deps.Quota,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   logger.Named("engine"),
		now:      time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Registry exposes the session table for read-only scans.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Records returns copies of every session that is not destroyed.
func (e *Engine) Records() []Record {
	return e.registry.List(false)
}

// Quota exposes the storage accounting.
func (e *Engine) Quota() *quota.Tracker {
	return e.quota
}

// Bus exposes the lifecycle event stream.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Start verifies host capabilities and recovers suspended sessions left on
// disk. A capability error means the host cannot run sessions at all.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.fs.InitBase(); err != nil {
		return err
	}
	if err := e.fs.CheckCapability(ctx); err != nil {
		return err
	}
	if err := e.ckpt.CheckCapability(ctx); err != nil {
		return err
	}
	return e.recover(ctx)
}

// CreateResult is returned by Create.
type CreateResult struct {
	SessionID       string       `json:"session_id"`
	DisplayEndpoint string       `json:"display_endpoint"`
	Status          types.Status `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Create materializes a new session. An empty id is generated.
func (e *Engine) Create(ctx context.Context, sessionID string) (CreateResult, error) {
	timer := monitoring.NewTimer(e.metrics, "create")
	res, err := e.create(ctx, sessionID)
	took := timer.Stop(resultOf(err))
	if err != nil {
		e.logger.Warn("Create failed", logging.SessionID(sessionID), zap.Error(err))
		return res, err
	}
	e.logger.Info("Session created",
		append([]zap.Field{logging.SessionID(res.SessionID)}, logging.Transition("", string(types.StatusActive), took)...)...)
	return res, nil
}

func (e *Engine) create(ctx context.Context, sessionID string) (CreateResult, error) {
	const op = "create"
	if e.closing.Load() {
		return CreateResult{}, fault.Newf(fault.Unavailable, op, "engine is shutting down")
	}
	if sessionID == "" {
		sessionID = id.NewSessionID()
	} else if err := paths.ValidateSessionID(sessionID); err != nil {
		return CreateResult{}, fault.New(fault.InvalidArgument, op, err).WithSession(sessionID)
	}

	lease, err := e.registry.Reserve(sessionID)
	if err != nil {
		return CreateResult{}, err
	}
	defer lease.Abort()

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	fsh, err := e.fs.Materialize(opCtx, sessionID)
	if err != nil {
		return CreateResult{}, fault.Wrap(fault.MountFailure, op, err)
	}

	dh, err := e.display.Allocate(opCtx, sessionID, fsh.Env())
	if err != nil {
		cctx, ccancel := cleanupContext(ctx)
		defer ccancel()
		if perr := e.fs.Purge(cctx, sessionID); perr != nil {
			e.metrics.RecordReleaseFailure("filesystem")
			e.logger.Error("Failed to tear down filesystem after display failure",
				logging.SessionID(sessionID), zap.Error(perr))
		}
		if rerr := e.display.Release(cctx, sessionID); rerr != nil {
			e.logger.Debug("Display release after failed allocate", logging.SessionID(sessionID), zap.Error(rerr))
		}
		return CreateResult{}, fault.Wrap(fault.AllocationFailure, op, err)
	}

	now := e.now()
	lease.Set(func(r *Record) {
		r.Status = types.StatusActive
		r.CreatedAt = now
		r.LastActivity = now
		r.Display = &dh
		r.Filesystem = &fsh
	})
	lease.Commit()
	lease.Release()

	e.quota.SetLive(sessionID, 0)
	e.publish(sessionID, "", types.StatusActive, ReasonUser)
	return CreateResult{
		SessionID:       sessionID,
		DisplayEndpoint: dh.Endpoint,
		Status:          types.StatusActive,
		CreatedAt:       now,
	}, nil
}

// RefreshUsage measures the writable layer of an active session and records
// the result in the registry and the quota tracker. Sessions in any other
// state report their last recorded size without touching the disk.
func (e *Engine) RefreshUsage(ctx context.Context, sessionID string) (int64, error) {
	rec, ok := e.registry.Get(sessionID)
	if !ok {
		return 0, fault.Newf(fault.NotFound, "usage", "no such session").WithSession(sessionID)
	}
	if rec.Status != types.StatusActive {
		return rec.QuotaUsedBytes, nil
	}
	return e.measure(ctx, sessionID)
}

func (e *Engine) measure(ctx context.Context, sessionID string) (int64, error) {
	usage, err := e.fs.Usage(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	e.quota.SetLive(sessionID, usage)
	e.registry.setUsage(sessionID, usage)
	return usage, nil
}

// StatusResult is returned by GetStatus.
type StatusResult struct {
	SessionID           string       `json:"session_id"`
	Status              types.Status `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
	LastActivity        time.Time    `json:"last_activity"`
	TTLRemainingSeconds int64        `json:"ttl_remaining_seconds"`
	StorageUsedBytes    int64        `json:"storage_used_bytes"`
	QuotaBytes          int64        `json:"quota_bytes"`
	DisplayEndpoint     string       `json:"display_endpoint,omitempty"`
	CheckpointSizeBytes int64        `json:"checkpoint_size_bytes,omitempty"`
	Limitations         []string     `json:"limitations,omitempty"`
}

// GetStatus reports one session. The writable layer of an active session is
// measured on every call.
func (e *Engine) GetStatus(ctx context.Context, sessionID string) (StatusResult, error) {
	rec, ok := e.registry.Get(sessionID)
	if !ok {
		return StatusResult{}, fault.Newf(fault.NotFound, "status", "no such session").WithSession(sessionID)
	}

	if rec.Status == types.StatusActive {
		if usage, err := e.measure(ctx, sessionID); err == nil {
			rec.QuotaUsedBytes = usage
		} else {
			e.logger.Debug("Usage refresh failed", logging.SessionID(sessionID), zap.Error(err))
		}
	}

	res := StatusResult{
		SessionID:        rec.ID,
		Status:           rec.Status,
		CreatedAt:        rec.CreatedAt,
		LastActivity:     rec.LastActivity,
		StorageUsedBytes: rec.QuotaUsedBytes,
		QuotaBytes:       e.quota.Limit(),
	}
	if rec.Status == types.StatusActive {
		remaining := e.cfg.TTL - e.now().Sub(rec.LastActivity)
		if remaining > 0 {
			res.TTLRemainingSeconds = int64(remaining / time.Second)
		}
	}
	if rec.Display != nil {
		res.DisplayEndpoint = rec.Display.Endpoint
	}
	if rec.Checkpoint != nil {
		res.CheckpointSizeBytes = rec.Checkpoint.SizeBytes
		res.Limitations = rec.Checkpoint.Limitations
	}
	return res, nil
}

// List returns summaries of every session, oldest first.
func (e *Engine) List(includeDestroyed bool) []types.SessionSummary {
	records := e.registry.List(includeDestroyed)
	out := make([]types.SessionSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Summary())
	}
	return out
}

// TouchActivity records user-visible activity on a session.
func (e *Engine) TouchActivity(sessionID string) error {
	return e.registry.Touch(sessionID, e.now())
}

// SuspendResult is returned by Suspend.
type SuspendResult struct {
	SessionID           string       `json:"session_id"`
	Status              types.Status `json:"status"`
	CheckpointSizeBytes int64        `json:"checkpoint_size_bytes"`
	FilesystemSizeBytes int64        `json:"filesystem_size_bytes"`
	Limitations         []string     `json:"limitations,omitempty"`
}

// Suspend archives the writable layer, checkpoints the process tree and
// parks the display. On failure the session is left Active.
func (e *Engine) Suspend(ctx context.Context, sessionID string) (SuspendResult, error) {
	timer := monitoring.NewTimer(e.metrics, "suspend")
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	lease, err := e.registry.Acquire(opCtx, sessionID)
	if err != nil {
		timer.Stop(resultOf(err))
		return SuspendResult{}, err
	}
	defer lease.Release()

	res, err := e.suspendLocked(opCtx, lease, ReasonUser, true)
	timer.Stop(resultOf(err))
	return res, err
}

func (e *Engine) suspendLocked(ctx context.Context, lease *Lease, reason string, touch bool) (SuspendResult, error) {
	const op = "suspend"
	sessionID := lease.ID()
	rec := lease.Record()

	switch rec.Status {
	case types.StatusActive:
	case types.StatusSuspended:
		return SuspendResult{}, fault.Newf(fault.AlreadySuspended, op, "session is already suspended").WithSession(sessionID)
	default:
		return SuspendResult{}, fault.Newf(fault.InvalidStateTransition, op, "cannot suspend a %s session", rec.Status).WithSession(sessionID)
	}

	// A previous rollback may have left the view unmounted.
	if rec.Filesystem != nil && !rec.Filesystem.Mounted {
		if err := e.reviveFilesystem(ctx, sessionID); err != nil {
			return SuspendResult{}, fault.Wrap(fault.MountFailure, op, err)
		}
		rec = lease.Set(func(r *Record) { r.Filesystem.Mounted = true })
	}

	usage, err := e.fs.Usage(ctx, sessionID)
	if err != nil {
		return SuspendResult{}, fault.Wrap(fault.ArchiveFailure, op, err)
	}
	e.quota.SetLive(sessionID, usage)
	lease.Set(func(r *Record) { r.QuotaUsedBytes = usage })
	if err := e.quota.Check(sessionID, usage); err != nil {
		return SuspendResult{}, err
	}

	start := e.now()
	e.transition(lease, types.StatusSuspending, reason, nil)

	archiveBytes, err := e.fs.Archive(ctx, sessionID)
	if err != nil {
		e.transition(lease, types.StatusActive, ReasonFailed, nil)
		return SuspendResult{}, fault.Wrap(fault.ArchiveFailure, op, err)
	}

	rootPID := 0
	if rec.Display != nil {
		rootPID = rec.Display.RootPID
	}
	ckh, err := e.ckpt.Dump(ctx, sessionID, rootPID)
	if err != nil {
		mounted := true
		if rerr := e.reviveFilesystem(ctx, sessionID); rerr != nil {
			mounted = false
			e.logger.Error("Failed to remount filesystem after checkpoint failure",
				logging.SessionID(sessionID), zap.Error(rerr))
		}
		e.transition(lease, types.StatusActive, ReasonFailed, func(r *Record) {
			if r.Filesystem != nil {
				r.Filesystem.Mounted = mounted
			}
		})
		return SuspendResult{}, fault.Wrap(fault.CheckpointFailure, op, err)
	}

	if err := e.ckpt.Terminate(rootPID); err != nil {
		e.logger.Warn("Checkpointed tree did not terminate cleanly",
			logging.SessionID(sessionID), zap.Int("root_pid", rootPID), zap.Error(err))
	}
	if err := e.display.Suspend(ctx, sessionID); err != nil {
		e.logger.Warn("Display suspend failed, releasing it", logging.SessionID(sessionID), zap.Error(err))
		cctx, ccancel := cleanupContext(ctx)
		if rerr := e.display.Release(cctx, sessionID); rerr != nil {
			e.metrics.RecordReleaseFailure("display")
		}
		ccancel()
	}

	now := e.now()
	rec = e.transition(lease, types.StatusSuspended, reason, func(r *Record) {
		r.Display = nil
		r.Filesystem = nil
		r.Checkpoint = &ckh
		r.ArchiveBytes = archiveBytes
		r.SuspendedAt = now
		if touch {
			r.LastActivity = now
		}
	})
	e.quota.SetSuspended(sessionID, ckh.SizeBytes+archiveBytes)
	e.metrics.RecordSuspendSizes(ckh.SizeBytes, archiveBytes)

	if err := writeManifest(e.fs.Layout().Session(sessionID).Manifest(), rec); err != nil {
		e.logger.Error("Failed to write session manifest, the session will not survive a restart",
			logging.SessionID(sessionID), zap.Error(err))
	}

	e.logger.Info("Session suspended",
		append([]zap.Field{
			logging.SessionID(sessionID),
			logging.Op(reason),
			zap.Int64("checkpoint_bytes", ckh.SizeBytes),
			zap.Int64("archive_bytes", archiveBytes),
		}, logging.Transition(string(types.StatusActive), string(types.StatusSuspended), now.Sub(start))...)...)

	return SuspendResult{
		SessionID:           sessionID,
		Status:              types.StatusSuspended,
		CheckpointSizeBytes: ckh.SizeBytes,
		FilesystemSizeBytes: archiveBytes,
		Limitations:         ckh.Limitations,
	}, nil
}

// reviveFilesystem brings an archived layer back online after a failed
// suspend. The archive is only removed once the view is mounted again.
func (e *Engine) reviveFilesystem(ctx context.Context, sessionID string) error {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	if e.fs.HasArchive(sessionID) {
		if _, err := e.fs.Unarchive(cctx, sessionID); err != nil {
			return err
		}
	}
	if _, err := e.fs.Materialize(cctx, sessionID); err != nil {
		return err
	}
	if err := e.fs.RemoveArchive(sessionID); err != nil {
		e.logger.Warn("Stale archive left after rollback", logging.SessionID(sessionID), zap.Error(err))
	}
	return nil
}

// RestoreResult is returned by Restore.
type RestoreResult struct {
	SessionID       string       `json:"session_id"`
	Status          types.Status `json:"status"`
	DisplayEndpoint string       `json:"display_endpoint"`
	Limitations     []string     `json:"limitations,omitempty"`
}

// Restore brings a suspended session back. If the process tree cannot be
// restored the session stays Restoring with its filesystem mounted and its
// checkpoint kept, and Restore may be called again.
func (e *Engine) Restore(ctx context.Context, sessionID string) (RestoreResult, error) {
	timer := monitoring.NewTimer(e.metrics, "restore")
	if e.closing.Load() {
		err := fault.Newf(fault.Unavailable, "restore", "engine is shutting down").WithSession(sessionID)
		timer.Stop(resultOf(err))
		return RestoreResult{}, err
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	lease, err := e.registry.Acquire(opCtx, sessionID)
	if err != nil {
		timer.Stop(resultOf(err))
		return RestoreResult{}, err
	}
	defer lease.Release()

	start := e.now()
	res, err := e.restoreLocked(opCtx, lease)
	took := timer.Stop(resultOf(err))
	if err == nil {
		e.logger.Info("Session restored",
			append([]zap.Field{logging.SessionID(sessionID)},
				logging.Transition(string(types.StatusSuspended), string(types.StatusActive), e.now().Sub(start))...)...)
	} else {
		e.logger.Warn("Restore failed", logging.SessionID(sessionID), zap.Duration("duration", took), zap.Error(err))
	}
	return res, err
}

func (e *Engine) restoreLocked(ctx context.Context, lease *Lease) (RestoreResult, error) {
	const op = "restore"
	sessionID := lease.ID()
	rec := lease.Record()

	switch rec.Status {
	case types.StatusSuspended, types.StatusRestoring:
	default:
		return RestoreResult{}, fault.Newf(fault.InvalidStateTransition, op, "cannot restore a %s session", rec.Status).WithSession(sessionID)
	}

	ckh, err := e.ckpt.Load(sessionID)
	if err != nil {
		return RestoreResult{}, err
	}

	resumed := rec.Status == types.StatusRestoring && rec.Filesystem != nil && rec.Filesystem.Mounted
	if !resumed {
		if !e.fs.HasArchive(sessionID) {
			return RestoreResult{}, fault.Newf(fault.ArchiveNotFound, op, "filesystem archive is missing").WithSession(sessionID)
		}
		if err := e.quota.Check(sessionID, rec.QuotaUsedBytes); err != nil {
			return RestoreResult{}, err
		}
	}

	// A restore attempt is activity: the idle clock of a session left
	// Restoring starts from its last attempt.
	e.transition(lease, types.StatusRestoring, ReasonUser, func(r *Record) {
		r.LastActivity = e.now()
	})

	if !resumed {
		content, err := e.fs.Unarchive(ctx, sessionID)
		if err != nil {
			e.abandonRestore(ctx, lease)
			return RestoreResult{}, fault.Wrap(fault.ArchiveFailure, op, err)
		}
		fsh, err := e.fs.Materialize(ctx, sessionID)
		if err != nil {
			e.abandonRestore(ctx, lease)
			return RestoreResult{}, fault.Wrap(fault.MountFailure, op, err)
		}
		lease.Set(func(r *Record) {
			r.Filesystem = &fsh
			r.QuotaUsedBytes = content
		})
		e.quota.SetLive(sessionID, content)
	}

	pid, err := e.ckpt.Restore(ctx, sessionID)
	if err != nil {
		e.logger.Warn("Process restore failed, keeping filesystem and checkpoint for retry",
			logging.SessionID(sessionID), zap.Error(err))
		return RestoreResult{}, fault.Wrap(fault.RestoreFailure, op, err)
	}

	dh, err := e.display.Resume(ctx, sessionID, pid)
	if err != nil {
		if terr := e.ckpt.Terminate(pid); terr != nil {
			e.logger.Warn("Failed to stop restored tree after display failure",
				logging.SessionID(sessionID), zap.Int("root_pid", pid), zap.Error(terr))
		}
		return RestoreResult{}, fault.Wrap(fault.AllocationFailure, op, err)
	}
	if dh.RootPID == 0 {
		dh.RootPID = pid
	}

	now := e.now()
	e.transition(lease, types.StatusActive, ReasonUser, func(r *Record) {
		r.Display = &dh
		r.Checkpoint = nil
		r.ArchiveBytes = 0
		r.SuspendedAt = time.Time{}
		r.LastActivity = now
	})
	e.quota.ClearSuspended(sessionID)

	if err := e.ckpt.Discard(sessionID); err != nil {
		e.logger.Warn("Failed to discard used checkpoint", logging.SessionID(sessionID), zap.Error(err))
	}
	if err := e.fs.RemoveSnapshot(sessionID); err != nil {
		e.logger.Warn("Failed to remove snapshot directory", logging.SessionID(sessionID), zap.Error(err))
	}

	return RestoreResult{
		SessionID:       sessionID,
		Status:          types.StatusActive,
		DisplayEndpoint: dh.Endpoint,
		Limitations:     ckh.Limitations,
	}, nil
}

// abandonRestore drops a partly extracted layer and returns to Suspended.
// The archive and checkpoint are untouched.
func (e *Engine) abandonRestore(ctx context.Context, lease *Lease) {
	e.rollBackRestore(ctx, lease, ReasonFailed)
}

// rollBackRestore unmounts and removes the live tree of a Restoring session
// and returns it to Suspended.
func (e *Engine) rollBackRestore(ctx context.Context, lease *Lease, reason string) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := e.fs.Purge(cctx, lease.ID()); err != nil {
		e.logger.Error("Failed to clean up partial restore", logging.SessionID(lease.ID()), zap.Error(err))
	}
	rec := e.transition(lease, types.StatusSuspended, reason, func(r *Record) {
		r.Filesystem = nil
	})
	e.quota.SetLive(rec.ID, rec.QuotaUsedBytes)
	if err := writeManifest(e.fs.Layout().Session(rec.ID).Manifest(), rec); err != nil {
		e.logger.Warn("Failed to refresh session manifest", logging.SessionID(rec.ID), zap.Error(err))
	}
}

// DestroyResult is returned by Destroy.
type DestroyResult struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
}

// Destroy releases everything a session holds. It succeeds for unknown and
// already destroyed sessions. Release failures are logged and counted but
// do not stop the remaining releases or the transition to Destroyed.
func (e *Engine) Destroy(ctx context.Context, sessionID string) (DestroyResult, error) {
	timer := monitoring.NewTimer(e.metrics, "destroy")
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	lease, err := e.registry.Acquire(opCtx, sessionID)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			timer.Stop("ok")
			return DestroyResult{SessionID: sessionID, Success: true}, nil
		}
		timer.Stop(resultOf(err))
		return DestroyResult{}, err
	}
	defer lease.Release()

	e.destroyLocked(opCtx, lease, ReasonUser)
	timer.Stop("ok")
	return DestroyResult{SessionID: sessionID, Success: true}, nil
}

func (e *Engine) destroyLocked(ctx context.Context, lease *Lease, reason string) error {
	sessionID := lease.ID()
	rec := lease.Record()
	if rec.Status == types.StatusDestroyed {
		return nil
	}

	start := e.now()
	from := rec.Status
	e.transition(lease, types.StatusDestroying, reason, nil)

	// Releases run even when the caller's deadline has passed.
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	var errs error
	release := func(resource string, err error) {
		if err == nil {
			return
		}
		e.metrics.RecordReleaseFailure(resource)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", resource, err))
	}

	release("display", e.display.Release(cctx, sessionID))
	release("filesystem", e.fs.Purge(cctx, sessionID))
	release("checkpoint", e.ckpt.Discard(sessionID))
	release("snapshot", e.fs.RemoveSnapshot(sessionID))

	now := e.now()
	e.transition(lease, types.StatusDestroyed, reason, func(r *Record) {
		r.Display = nil
		r.Filesystem = nil
		r.Checkpoint = nil
		r.DestroyedAt = now
	})
	e.quota.Forget(sessionID)
	if err := e.retire(sessionID); err != nil {
		e.logger.Warn("Failed to record retired id", logging.SessionID(sessionID), zap.Error(err))
	}

	fields := append([]zap.Field{logging.SessionID(sessionID), logging.Op(reason)},
		logging.Transition(string(from), string(types.StatusDestroyed), now.Sub(start))...)
	if errs != nil {
		e.logger.Warn("Session destroyed with release failures", append(fields, zap.Error(errs))...)
		return errs
	}
	e.logger.Info("Session destroyed", fields...)
	return nil
}

// ExpireIdle reclaims an Active or Restoring session idle for at least ttl.
// Idleness is re-read under the session lock, so activity recorded while
// waiting keeps the session alive. With suspend set an Active session is
// suspended, falling back to destroy when it is over quota. A session stuck
// Restoring is always destroyed.
func (e *Engine) ExpireIdle(ctx context.Context, sessionID string, ttl time.Duration, suspend bool) (Action, error) {
	lease, err := e.acquireForReclaim(ctx, sessionID)
	if lease == nil {
		return ActionNone, err
	}
	defer lease.Release()

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	rec := lease.Record()
	if !reclaimableIdle(rec.Status) || e.now().Sub(rec.LastActivity) < ttl {
		return ActionNone, nil
	}
	if rec.Status == types.StatusRestoring {
		e.logger.Info("Destroying session left restoring past its ttl", logging.SessionID(sessionID))
		return ActionDestroyed, e.destroyLocked(opCtx, lease, ReasonIdle)
	}

	if suspend {
		_, err := e.suspendLocked(opCtx, lease, ReasonIdle, false)
		if err == nil {
			return ActionSuspended, nil
		}
		if !fault.Is(err, fault.QuotaExceeded) {
			return ActionNone, err
		}
		e.logger.Info("Idle session over quota, destroying instead of suspending", logging.SessionID(sessionID))
	}
	return ActionDestroyed, e.destroyLocked(opCtx, lease, ReasonIdle)
}

// ExpireSuspended destroys a session that has held its snapshot for at least
// grace, whether Suspended or left Restoring by a failed restore.
func (e *Engine) ExpireSuspended(ctx context.Context, sessionID string, grace time.Duration) (Action, error) {
	lease, err := e.acquireForReclaim(ctx, sessionID)
	if lease == nil {
		return ActionNone, err
	}
	defer lease.Release()

	rec := lease.Record()
	if !HoldsSnapshot(rec.Status) || e.now().Sub(rec.SuspendedAt) < grace {
		return ActionNone, nil
	}
	return ActionDestroyed, e.destroyLocked(ctx, lease, ReasonGrace)
}

// Evict destroys a session holding a snapshot to free storage.
func (e *Engine) Evict(ctx context.Context, sessionID string) (Action, error) {
	lease, err := e.acquireForReclaim(ctx, sessionID)
	if lease == nil {
		return ActionNone, err
	}
	defer lease.Release()

	if !HoldsSnapshot(lease.Record().Status) {
		return ActionNone, nil
	}
	return ActionDestroyed, e.destroyLocked(ctx, lease, ReasonStorage)
}

// HoldsSnapshot reports whether a session in status s keeps a checkpoint and
// filesystem archive on disk. Restoring sessions keep both until the restore
// commits.
func HoldsSnapshot(s types.Status) bool {
	return s == types.StatusSuspended || s == types.StatusRestoring
}

func reclaimableIdle(s types.Status) bool {
	return s == types.StatusActive || s == types.StatusRestoring
}

// PurgeDestroyed drops destroyed records older than retention from listings.
func (e *Engine) PurgeDestroyed(retention time.Duration) []string {
	purged := e.registry.PurgeDestroyed(e.now().Add(-retention))
	if len(purged) > 0 {
		e.metrics.SetSessions(e.registry.Counts())
	}
	return purged
}

// acquireForReclaim returns a nil lease without error for sessions that
// vanished since the caller's scan.
func (e *Engine) acquireForReclaim(ctx context.Context, sessionID string) (*Lease, error) {
	lease, err := e.registry.Acquire(ctx, sessionID)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return lease, nil
}

// Shutdown stops accepting new sessions and suspends or destroys every
// active session in parallel, per SuspendOnShutdown. Sessions left Restoring
// are rolled back to Suspended, or destroyed, the same way.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(shutdownParallelism)

	for _, rec := range e.registry.List(false) {
		if !reclaimableIdle(rec.Status) {
			continue
		}
		sessionID := rec.ID
		g.Go(func() error {
			if err := e.shutdownOne(ctx, sessionID); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	e.logger.Info("Engine stopped",
		zap.Bool("suspend_on_shutdown", e.cfg.SuspendOnShutdown),
		zap.Int("failures", len(multierr.Errors(errs))))
	return errs
}

func (e *Engine) shutdownOne(ctx context.Context, sessionID string) error {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	lease, err := e.acquireForReclaim(opCtx, sessionID)
	if lease == nil {
		return err
	}
	defer lease.Release()

	switch lease.Record().Status {
	case types.StatusActive:
	case types.StatusRestoring:
		if e.cfg.SuspendOnShutdown {
			e.rollBackRestore(opCtx, lease, ReasonShutdown)
			return nil
		}
		return e.destroyLocked(opCtx, lease, ReasonShutdown)
	default:
		return nil
	}
	if e.cfg.SuspendOnShutdown {
		if _, err := e.suspendLocked(opCtx, lease, ReasonShutdown, false); err != nil {
			e.logger.Error("Failed to suspend session on shutdown", logging.SessionID(sessionID), zap.Error(err))
			return err
		}
		return nil
	}
	return e.destroyLocked(opCtx, lease, ReasonShutdown)
}

func (e *Engine) transition(lease *Lease, to types.Status, reason string, fn func(*Record)) Record {
	var from types.Status
	rec := lease.Set(func(r *Record) {
		from = r.Status
		r.Status = to
		if fn != nil {
			fn(r)
		}
	})
	if from != to {
		e.publish(rec.ID, from, to, reason)
	}
	return rec
}

func (e *Engine) publish(sessionID string, from, to types.Status, reason string) {
	e.bus.Publish(Event{SessionID: sessionID, From: from, To: to, At: e.now(), Reason: reason})
	e.metrics.RecordEvent(string(to))
	e.metrics.SetSessions(e.registry.Counts())
}

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.OperationTimeout)
}

// cleanupContext outlives the cancellation of ctx but is still bounded.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.KindOf(err).String()
}

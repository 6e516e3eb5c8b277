// Package reclaim runs the periodic reclamation of idle sessions and
// suspended storage.
//
// Every action goes through the lifecycle engine and therefore takes the same
// per-session lock as a user request. The reclaimer only reads a snapshot of
// the registry to pick candidates; the engine re-checks each candidate under
// its lock before acting.
package reclaim

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/deskd/internal/domain/quota"
	"github.com/GriffinCanCode/deskd/internal/domain/session"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// Lifecycle is the part of the session engine the reclaimer drives.
type Lifecycle interface {
	Now() time.Time
	Records() []session.Record
	Quota() *quota.Tracker
	RefreshUsage(ctx context.Context, id string) (int64, error)
	ExpireIdle(ctx context.Context, id string, ttl time.Duration, suspend bool) (session.Action, error)
	ExpireSuspended(ctx context.Context, id string, grace time.Duration) (session.Action, error)
	Evict(ctx context.Context, id string) (session.Action, error)
	PurgeDestroyed(retention time.Duration) []string
}

// Config holds the reclamation policy.
type Config struct {
	Interval time.Duration
	TTL      time.Duration
	// SuspendOnIdle suspends expired sessions instead of destroying them.
	SuspendOnIdle bool
	// SuspendedGrace destroys sessions suspended this long. Zero disables it.
	SuspendedGrace time.Duration
	// DestroyedRetention keeps destroyed records listable this long.
	DestroyedRetention time.Duration
}

// Report describes one sweep.
type Report struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	Suspended      []string      `json:"suspended,omitempty"`
	Destroyed      []string      `json:"destroyed,omitempty"`
	Evicted        []string      `json:"evicted,omitempty"`
	Purged         []string      `json:"purged,omitempty"`
	OverQuota      []string      `json:"over_quota,omitempty"`
	Failed         []string      `json:"failed,omitempty"`
	SuspendedBytes int64         `json:"suspended_bytes"`
}

// Reclaimer owns the background sweep task.
type Reclaimer struct {
	engine  Lifecycle
	cfg     Config
	metrics *monitoring.Metrics
	logger  *zap.Logger

	sweepMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   Report
}

// New creates a reclaimer. Metrics may be nil.
func New(engine Lifecycle, cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) *Reclaimer {
	return &Reclaimer{
		engine:  engine,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("reclaim"),
	}
}

// Start launches the periodic sweep. It runs until ctx ends or Stop is
// called. Starting twice is a no-op.
func (r *Reclaimer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, r.done)

	r.logger.Info("Reclamation started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("ttl", r.cfg.TTL),
		zap.Bool("suspend_on_idle", r.cfg.SuspendOnIdle))
}

// Stop cancels the sweep task and waits for it to finish, including any
// sweep in progress.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("Reclamation stopped")
}

func (r *Reclaimer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// LastReport returns the report of the most recent sweep.
func (r *Reclaimer) LastReport() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Sweep runs one reclamation pass. Failures on individual sessions are
// logged and skipped. Concurrent calls run one after the other.
func (r *Reclaimer) Sweep(ctx context.Context) Report {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	start := r.engine.Now()
	report := Report{StartedAt: start}

	r.expireIdle(ctx, &report)
	r.expireSuspended(ctx, &report)
	r.enforceCeiling(ctx, &report)

	report.Purged = r.engine.PurgeDestroyed(r.cfg.DestroyedRetention)

	report.SuspendedBytes = r.engine.Quota().SuspendedTotal()
	report.Duration = r.engine.Now().Sub(start)
	if r.metrics != nil {
		r.metrics.RecordSweep(report.SuspendedBytes)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if len(report.Suspended)+len(report.Destroyed)+len(report.Evicted)+len(report.Failed) > 0 {
		r.logger.Info("Sweep finished",
			zap.Strings("suspended", report.Suspended),
			zap.Strings("destroyed", report.Destroyed),
			zap.Strings("evicted", report.Evicted),
			zap.Strings("failed", report.Failed),
			zap.Int64("suspended_bytes", report.SuspendedBytes))
	} else {
		r.logger.Debug("Sweep finished, nothing to reclaim",
			zap.Int64("suspended_bytes", report.SuspendedBytes))
	}
	return report
}

func (r *Reclaimer) expireIdle(ctx context.Context, report *Report) {
	now := r.engine.Now()
	q := r.engine.Quota()

	for _, rec := range r.engine.Records() {
		switch rec.Status {
		case types.StatusActive:
			if _, err := r.engine.RefreshUsage(ctx, rec.ID); err != nil {
				r.logger.Debug("Usage refresh failed", logging.SessionID(rec.ID), zap.Error(err))
			}
			if q.Exceeds(rec.ID) {
				report.OverQuota = append(report.OverQuota, rec.ID)
			}
		case types.StatusRestoring:
		default:
			continue
		}
		if now.Sub(rec.LastActivity) < r.cfg.TTL {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		action, err := r.engine.ExpireIdle(ctx, rec.ID, r.cfg.TTL, r.cfg.SuspendOnIdle)
		r.record(session.ReasonIdle, rec.ID, action, err, report)
	}

	if len(report.OverQuota) > 0 {
		r.logger.Warn("Active sessions over quota", zap.Strings("session_ids", report.OverQuota))
	}
}

func (r *Reclaimer) expireSuspended(ctx context.Context, report *Report) {
	if r.cfg.SuspendedGrace <= 0 {
		return
	}
	now := r.engine.Now()

	for _, rec := range r.engine.Records() {
		if !session.HoldsSnapshot(rec.Status) || now.Sub(rec.SuspendedAt) < r.cfg.SuspendedGrace {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		action, err := r.engine.ExpireSuspended(ctx, rec.ID, r.cfg.SuspendedGrace)
		r.record(session.ReasonGrace, rec.ID, action, err, report)
	}
}

// enforceCeiling evicts sessions holding snapshots, largest first, until
// aggregate suspended storage is back under the ceiling.
func (r *Reclaimer) enforceCeiling(ctx context.Context, report *Report) {
	q := r.engine.Quota()
	if q.Excess() <= 0 {
		return
	}

	for _, rec := range evictionOrder(r.engine.Records()) {
		if q.Excess() <= 0 || ctx.Err() != nil {
			return
		}
		action, err := r.engine.Evict(ctx, rec.ID)
		r.record(session.ReasonStorage, rec.ID, action, err, report)
	}

	if over := q.Excess(); over > 0 {
		r.logger.Warn("Suspended storage still above ceiling",
			zap.Int64("excess_bytes", over), zap.Int64("ceiling_bytes", q.Ceiling()))
	}
}

// evictionOrder returns records holding snapshots by footprint, largest
// first, with ties going to the least recently active.
func evictionOrder(records []session.Record) []session.Record {
	var out []session.Record
	for _, rec := range records {
		if session.HoldsSnapshot(rec.Status) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := footprint(out[i]), footprint(out[j])
		if si != sj {
			return si > sj
		}
		return out[i].LastActivity.Before(out[j].LastActivity)
	})
	return out
}

func footprint(rec session.Record) int64 {
	n := rec.ArchiveBytes
	if rec.Checkpoint != nil {
		n += rec.Checkpoint.SizeBytes
	}
	return n
}

func (r *Reclaimer) record(reason, id string, action session.Action, err error, report *Report) {
	outcome := "ok"
	if err != nil {
		outcome = fault.KindOf(err).String()
		report.Failed = append(report.Failed, id)
		r.logger.Warn("Reclamation failed, continuing",
			logging.SessionID(id), zap.String("reason", reason), zap.Error(err))
	}

	switch {
	case action == session.ActionSuspended:
		report.Suspended = append(report.Suspended, id)
	case action == session.ActionDestroyed && reason == session.ReasonStorage:
		report.Evicted = append(report.Evicted, id)
	case action == session.ActionDestroyed:
		report.Destroyed = append(report.Destroyed, id)
	case err == nil:
		// Activity or a concurrent operation got there first.
		return
	}

	if r.metrics != nil {
		r.metrics.RecordReclaim(reason, string(action), outcome)
	}
}

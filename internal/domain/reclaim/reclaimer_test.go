package reclaim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/deskd/internal/domain/quota"
	"github.com/GriffinCanCode/deskd/internal/domain/session"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/deskd/internal/providers/checkpoint"
	"github.com/GriffinCanCode/deskd/internal/providers/filesystem"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
	"github.com/GriffinCanCode/deskd/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine  *session.Engine
	layout  paths.Layout
	clock   *clock
	metrics *monitoring.Metrics
	tool    *testutil.FakeTool
}

func newFixture(t *testing.T, limit, ceiling int64) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	layout := paths.NewLayout(t.TempDir(), "")
	f := &fixture{
		layout:  layout,
		clock:   &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
		tool:    testutil.NewFakeTool(),
	}

	f.engine = session.NewEngine(session.Config{
		TTL:              30 * time.Minute,
		OperationTimeout: 10 * time.Second,
	}, session.Deps{
		Filesystem: filesystem.NewStore(filesystem.Config{Layout: layout}, testutil.NewFakeMounter(), logger),
		Checkpoint: checkpoint.NewStore(checkpoint.Config{Layout: layout}, f.tool, logger),
		Display:    testutil.NewFlakyAllocator(),
		Quota:      quota.NewTracker(limit, ceiling),
		Metrics:    f.metrics,
	}, logger).WithClock(f.clock.Now)
	require.NoError(t, f.engine.Start(context.Background()))
	return f
}

func (f *fixture) create(t *testing.T, id string, size int) {
	t.Helper()
	_, err := f.engine.Create(context.Background(), id)
	require.NoError(t, err)
	if size > 0 {
		path := filepath.Join(f.layout.Session(id).Upper(), "payload.bin")
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}
}

func (f *fixture) status(t *testing.T, id string) types.Status {
	t.Helper()
	rec, ok := f.engine.Registry().Get(id)
	require.True(t, ok, id)
	return rec.Status
}

// stuckRestoring suspends id and fails its restore, leaving it Restoring
// with the view mounted and the snapshot kept.
func (f *fixture) stuckRestoring(t *testing.T, id string) {
	t.Helper()
	_, err := f.engine.Suspend(context.Background(), id)
	require.NoError(t, err)
	f.tool.FailRestore(errors.New("Error (criu/cr-restore.c:99): Can't fork for 4242: File exists"))
	_, err = f.engine.Restore(context.Background(), id)
	require.Equal(t, fault.RestoreFailure, fault.KindOf(err))
	require.Equal(t, types.StatusRestoring, f.status(t, id))
}

func (f *fixture) reclaimer(t *testing.T, cfg Config) *Reclaimer {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Minute
	}
	return New(f.engine, cfg, f.metrics, zaptest.NewLogger(t))
}

func TestSweepDestroysExpiredOnly(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.create(t, "idle", 0)
	f.clock.Advance(20 * time.Minute)
	f.create(t, "busy", 0)
	r := f.reclaimer(t, Config{})

	f.clock.Advance(10*time.Minute - time.Second)
	report := r.Sweep(context.Background())
	assert.Empty(t, report.Destroyed, "not before the ttl")

	f.clock.Advance(time.Second)
	report = r.Sweep(context.Background())

	assert.Equal(t, []string{"idle"}, report.Destroyed)
	assert.Equal(t, types.StatusDestroyed, f.status(t, "idle"))
	assert.Equal(t, types.StatusActive, f.status(t, "busy"))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ReclaimActions.WithLabelValues(session.ReasonIdle, "destroyed", "ok")))
	assert.Equal(t, report, r.LastReport())
}

func TestSweepHonorsTouch(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.create(t, "s1", 0)
	r := f.reclaimer(t, Config{})

	for i := 0; i < 5; i++ {
		f.clock.Advance(10 * time.Minute)
		require.NoError(t, f.engine.TouchActivity("s1"))
		r.Sweep(context.Background())
	}

	assert.Equal(t, types.StatusActive, f.status(t, "s1"))
}

func TestSweepSuspendsThenDestroysAfterGrace(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.create(t, "s1", 128)
	r := f.reclaimer(t, Config{SuspendOnIdle: true, SuspendedGrace: 2 * time.Hour})

	f.clock.Advance(31 * time.Minute)
	report := r.Sweep(context.Background())
	assert.Equal(t, []string{"s1"}, report.Suspended)
	assert.Equal(t, types.StatusSuspended, f.status(t, "s1"))
	assert.Positive(t, report.SuspendedBytes)

	f.clock.Advance(time.Hour)
	report = r.Sweep(context.Background())
	assert.Empty(t, report.Destroyed)

	f.clock.Advance(time.Hour)
	report = r.Sweep(context.Background())
	assert.Equal(t, []string{"s1"}, report.Destroyed)
	assert.Zero(t, report.SuspendedBytes)
}

func TestSweepEvictsLargestFirst(t *testing.T) {
	f := newFixture(t, 0, 300<<10)
	for id, size := range map[string]int{"small": 1 << 10, "large": 256 << 10, "medium": 64 << 10} {
		f.create(t, id, size)
		_, err := f.engine.Suspend(context.Background(), id)
		require.NoError(t, err)
	}
	require.Positive(t, f.engine.Quota().Excess())

	report := f.reclaimer(t, Config{TTL: time.Hour}).Sweep(context.Background())

	assert.Equal(t, []string{"large"}, report.Evicted)
	assert.Equal(t, types.StatusDestroyed, f.status(t, "large"))
	assert.Equal(t, types.StatusSuspended, f.status(t, "medium"))
	assert.Equal(t, types.StatusSuspended, f.status(t, "small"))
	assert.Zero(t, f.engine.Quota().Excess())
}

func TestSweepEvictionUsesEngineCeiling(t *testing.T) {
	f := newFixture(t, 0, 1)
	f.create(t, "a", 4096)
	_, err := f.engine.Suspend(context.Background(), "a")
	require.NoError(t, err)

	report := f.reclaimer(t, Config{}).Sweep(context.Background())

	assert.Equal(t, []string{"a"}, report.Evicted)
	assert.Zero(t, f.engine.Quota().Excess())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ReclaimActions.WithLabelValues(session.ReasonStorage, "destroyed", "ok")))
}

func TestSweepReportsOverQuota(t *testing.T) {
	f := newFixture(t, 100, 0)
	f.create(t, "fat", 1000)
	f.create(t, "thin", 10)

	report := f.reclaimer(t, Config{}).Sweep(context.Background())

	assert.Equal(t, []string{"fat"}, report.OverQuota)
	assert.Equal(t, types.StatusActive, f.status(t, "fat"), "over quota alone does not reclaim")
	rec, _ := f.engine.Registry().Get("fat")
	assert.Equal(t, int64(1000), rec.QuotaUsedBytes, "the sweep measures the writable layer")
}

func TestSweepDestroysSessionLeftRestoring(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.create(t, "s1", 4096)
	f.stuckRestoring(t, "s1")
	require.Positive(t, f.engine.Quota().SuspendedTotal())
	r := f.reclaimer(t, Config{SuspendedGrace: time.Hour})

	f.clock.Advance(20 * time.Minute)
	report := r.Sweep(context.Background())
	assert.Empty(t, report.Destroyed, "the failed attempt counts as activity")
	assert.Equal(t, types.StatusRestoring, f.status(t, "s1"))

	f.clock.Advance(48 * time.Hour)
	report = r.Sweep(context.Background())

	assert.Equal(t, []string{"s1"}, report.Destroyed)
	assert.Empty(t, report.Failed)
	assert.Equal(t, types.StatusDestroyed, f.status(t, "s1"))
	assert.Zero(t, report.SuspendedBytes)
	assert.False(t, exists(f.layout.Session("s1").Live))
	assert.False(t, exists(f.layout.Session("s1").Snapshot))
}

func TestSweepEvictsSessionLeftRestoring(t *testing.T) {
	f := newFixture(t, 0, 100<<10)
	f.create(t, "stuck", 256<<10)
	f.stuckRestoring(t, "stuck")
	f.create(t, "healthy", 1<<10)
	_, err := f.engine.Suspend(context.Background(), "healthy")
	require.NoError(t, err)
	require.Positive(t, f.engine.Quota().Excess())

	report := f.reclaimer(t, Config{TTL: 100 * time.Hour}).Sweep(context.Background())

	assert.Equal(t, []string{"stuck"}, report.Evicted)
	assert.Equal(t, types.StatusDestroyed, f.status(t, "stuck"))
	assert.Equal(t, types.StatusSuspended, f.status(t, "healthy"), "healthy snapshots are not evicted for bytes held elsewhere")
	assert.Zero(t, f.engine.Quota().Excess())
}

func TestSweepPurgesDestroyed(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.create(t, "s1", 0)
	_, err := f.engine.Destroy(context.Background(), "s1")
	require.NoError(t, err)
	r := f.reclaimer(t, Config{DestroyedRetention: time.Hour})

	assert.Empty(t, r.Sweep(context.Background()).Purged)
	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, []string{"s1"}, r.Sweep(context.Background()).Purged)
}

type mockLifecycle struct {
	mock.Mock
	tracker *quota.Tracker
	records []session.Record
	now     time.Time
}

func (m *mockLifecycle) Now() time.Time            { return m.now }
func (m *mockLifecycle) Records() []session.Record { return m.records }
func (m *mockLifecycle) Quota() *quota.Tracker     { return m.tracker }

func (m *mockLifecycle) RefreshUsage(ctx context.Context, id string) (int64, error) {
	return 0, nil
}

func (m *mockLifecycle) ExpireIdle(ctx context.Context, id string, ttl time.Duration, suspend bool) (session.Action, error) {
	args := m.Called(id, ttl, suspend)
	return args.Get(0).(session.Action), args.Error(1)
}

func (m *mockLifecycle) ExpireSuspended(ctx context.Context, id string, grace time.Duration) (session.Action, error) {
	args := m.Called(id, grace)
	return args.Get(0).(session.Action), args.Error(1)
}

func (m *mockLifecycle) Evict(ctx context.Context, id string) (session.Action, error) {
	args := m.Called(id)
	return args.Get(0).(session.Action), args.Error(1)
}

func (m *mockLifecycle) PurgeDestroyed(retention time.Duration) []string {
	return nil
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-2 * time.Hour)
	m := &mockLifecycle{
		tracker: quota.NewTracker(0, 0),
		now:     now,
		records: []session.Record{
			{ID: "a", Status: types.StatusActive, LastActivity: stale},
			{ID: "b", Status: types.StatusActive, LastActivity: stale},
			{ID: "c", Status: types.StatusActive, LastActivity: now},
		},
	}
	m.On("ExpireIdle", "a", time.Hour, false).
		Return(session.ActionNone, fault.Newf(fault.Timeout, "acquire", "lock busy")).Once()
	m.On("ExpireIdle", "b", time.Hour, false).Return(session.ActionDestroyed, nil).Once()

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	r := New(m, Config{Interval: time.Minute, TTL: time.Hour}, metrics, zaptest.NewLogger(t))
	report := r.Sweep(context.Background())

	m.AssertExpectations(t)
	m.AssertNotCalled(t, "ExpireIdle", "c", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"a"}, report.Failed)
	assert.Equal(t, []string{"b"}, report.Destroyed)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ReclaimActions.WithLabelValues(session.ReasonIdle, "none", "timeout")))
}

func TestSweepSkipsSessionsThatRecovered(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &mockLifecycle{
		tracker: quota.NewTracker(0, 0),
		now:     now,
		records: []session.Record{{ID: "a", Status: types.StatusActive, LastActivity: now.Add(-2 * time.Hour)}},
	}
	// Touched between the scan and the lock: the engine declines.
	m.On("ExpireIdle", "a", time.Hour, false).Return(session.ActionNone, nil).Once()

	report := New(m, Config{Interval: time.Minute, TTL: time.Hour}, nil, zaptest.NewLogger(t)).Sweep(context.Background())

	m.AssertExpectations(t)
	assert.Empty(t, report.Destroyed)
	assert.Empty(t, report.Failed)
}

func TestEvictionOrder(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []session.Record{
		{ID: "old-small", Status: types.StatusSuspended, ArchiveBytes: 10, LastActivity: t0},
		{ID: "new-big", Status: types.StatusSuspended, ArchiveBytes: 50, LastActivity: t0.Add(time.Hour),
			Checkpoint: &types.CheckpointHandle{SizeBytes: 50}},
		{ID: "old-big", Status: types.StatusSuspended, ArchiveBytes: 100, LastActivity: t0},
		{ID: "live", Status: types.StatusActive, ArchiveBytes: 1000},
		{ID: "stuck", Status: types.StatusRestoring, ArchiveBytes: 70, LastActivity: t0},
	}

	var ids []string
	for _, rec := range evictionOrder(records) {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"old-big", "new-big", "stuck", "old-small"}, ids)
}

func TestStartStop(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &mockLifecycle{
		tracker: quota.NewTracker(0, 0),
		now:     now,
		records: []session.Record{{ID: "a", Status: types.StatusActive, LastActivity: now.Add(-time.Hour)}},
	}
	swept := make(chan struct{}, 16)
	m.On("ExpireIdle", "a", time.Minute, false).
		Run(func(mock.Arguments) {
			select {
			case swept <- struct{}{}:
			default:
			}
		}).
		Return(session.ActionNone, nil)

	r := New(m, Config{Interval: 5 * time.Millisecond, TTL: time.Minute}, nil, zaptest.NewLogger(t))
	r.Start(context.Background())
	r.Start(context.Background())

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("no sweep ran")
	}

	r.Stop()
	r.Stop()
	for len(swept) > 0 {
		<-swept
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, swept, "no sweeps after Stop returns")
}

func TestStartStopsWithContext(t *testing.T) {
	m := &mockLifecycle{tracker: quota.NewTracker(0, 0), now: time.Now()}
	r := New(m, Config{Interval: time.Millisecond, TTL: time.Minute}, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not exit on context cancel")
	}
	r.Stop()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

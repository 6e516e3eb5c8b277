package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/deskd/internal/domain/quota"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/deskd/internal/providers/checkpoint"
	"github.com/GriffinCanCode/deskd/internal/providers/filesystem"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
	"github.com/GriffinCanCode/deskd/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// safeCheckpoint records terminations instead of signalling real pids.
type safeCheckpoint struct {
	*checkpoint.Store

	mu         sync.Mutex
	terminated []int
}

func (s *safeCheckpoint) Terminate(pid int) error {
	s.mu.Lock()
	s.terminated = append(s.terminated, pid)
	s.mu.Unlock()
	return nil
}

type harnessConfig struct {
	engine        Config
	quotaLimit    int64
	compressCkpt  bool
	skipStart     bool
	layout        *paths.Layout
	mounter       *testutil.FakeMounter
	checkpointErr error
}

type harness struct {
	t       *testing.T
	engine  *Engine
	layout  paths.Layout
	mounter *testutil.FakeMounter
	tool    *testutil.FakeTool
	ckpt    *safeCheckpoint
	display *testutil.FlakyAllocator
	metrics *monitoring.Metrics
	clock   *fakeClock
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{
		engine: Config{
			TTL:               30 * time.Minute,
			OperationTimeout:  10 * time.Second,
			SuspendOnShutdown: true,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	layout := paths.NewLayout(t.TempDir(), "")
	if cfg.layout != nil {
		layout = *cfg.layout
	}
	logger := zaptest.NewLogger(t)

	h := &harness{
		t:       t,
		layout:  layout,
		mounter: testutil.NewFakeMounter(),
		tool:    testutil.NewFakeTool(),
		display: testutil.NewFlakyAllocator(),
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
		clock:   newFakeClock(),
	}
	h.tool.CheckErr = cfg.checkpointErr
	if cfg.mounter != nil {
		h.mounter = cfg.mounter
	}

	fsStore := filesystem.NewStore(filesystem.Config{Layout: layout, Compress: true}, h.mounter, logger)
	h.ckpt = &safeCheckpoint{Store: checkpoint.NewStore(checkpoint.Config{
		Layout:   layout,
		Compress: cfg.compressCkpt,
	}, h.tool, logger)}

	h.engine = NewEngine(cfg.engine, Deps{
		Filesystem: fsStore,
		Checkpoint: h.ckpt,
		Display:    h.display,
		Quota:      quota.NewTracker(cfg.quotaLimit, 0),
		Metrics:    h.metrics,
	}, logger).WithClock(h.clock.Now)

	if !cfg.skipStart {
		require.NoError(t, h.engine.Start(context.Background()))
	}
	return h
}

func withQuota(limit int64) func(*harnessConfig) {
	return func(c *harnessConfig) { c.quotaLimit = limit }
}

func withTimeout(d time.Duration) func(*harnessConfig) {
	return func(c *harnessConfig) { c.engine.OperationTimeout = d }
}

func withLayout(l paths.Layout) func(*harnessConfig) {
	return func(c *harnessConfig) { c.layout = &l }
}

// withMounter shares mount state with an earlier harness, as a restarted
// daemon sees the mounts its predecessor left behind.
func withMounter(m *testutil.FakeMounter) func(*harnessConfig) {
	return func(c *harnessConfig) { c.mounter = m }
}

// create makes an active session or fails the test.
func (h *harness) create(id string) CreateResult {
	h.t.Helper()
	res, err := h.engine.Create(context.Background(), id)
	require.NoError(h.t, err)
	return res
}

// write puts a file into the session's writable layer, where writes through
// the merged view would land.
func (h *harness) write(id, rel string, data []byte) {
	h.t.Helper()
	path := filepath.Join(h.layout.Session(id).Upper(), rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, data, 0o644))
}

func (h *harness) read(id, rel string) []byte {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.layout.Session(id).Upper(), rel))
	require.NoError(h.t, err)
	return data
}

func (h *harness) status(id string) StatusResult {
	h.t.Helper()
	res, err := h.engine.GetStatus(context.Background(), id)
	require.NoError(h.t, err)
	return res
}

// failRestore suspends id and fails its restore, leaving it Restoring.
func (h *harness) failRestore(id string) {
	h.t.Helper()
	_, err := h.engine.Suspend(context.Background(), id)
	require.NoError(h.t, err)
	h.tool.FailRestore(errors.New("Error (criu/cr-restore.c:99): Can't fork for 4242: File exists"))
	_, err = h.engine.Restore(context.Background(), id)
	require.Equal(h.t, fault.RestoreFailure, fault.KindOf(err))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

func TestRecoverSuspendedSessions(t *testing.T) {
	first := newHarness(t)
	first.create("kept")
	first.write("kept", "doc.txt", []byte("persisted"))
	_, err := first.engine.Suspend(context.Background(), "kept")
	require.NoError(t, err)
	first.create("gone")
	_, err = first.engine.Destroy(context.Background(), "gone")
	require.NoError(t, err)
	first.create("live")

	before, _ := first.engine.Registry().Get("kept")

	second := newHarness(t, withLayout(first.layout))
	report := second.engine.LastRecovery()

	assert.Equal(t, []string{"kept"}, report.Recovered)
	assert.Equal(t, []string{"live"}, report.PurgedLive)
	assert.Equal(t, 1, report.RetiredFromLedger)

	rec, ok := second.engine.Registry().Get("kept")
	require.True(t, ok)
	assert.Equal(t, types.StatusSuspended, rec.Status)
	assert.True(t, before.CreatedAt.Equal(rec.CreatedAt))
	assert.Equal(t, before.QuotaUsedBytes, rec.QuotaUsedBytes)
	require.NotNil(t, rec.Checkpoint)
	assert.Equal(t, before.Checkpoint.DumpID, rec.Checkpoint.DumpID)
	assert.Equal(t, second.engine.Quota().SuspendedTotal(), first.engine.Quota().SuspendedTotal())

	_, ok = second.engine.Registry().Get("live")
	assert.False(t, ok, "live sessions do not survive a restart")
	assert.False(t, exists(first.layout.Session("live").Live))

	_, err = second.engine.Create(context.Background(), "gone")
	assert.Equal(t, fault.DuplicateID, fault.KindOf(err))

	_, err = second.engine.Restore(context.Background(), "kept")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(second.read("kept", "doc.txt")))
}

func TestRecoverDiscardsPartialCheckpoint(t *testing.T) {
	first := newHarness(t)
	first.create("s1")
	_, err := first.engine.Suspend(context.Background(), "s1")
	require.NoError(t, err)
	p := first.layout.Session("s1")
	require.NoError(t, os.Remove(filepath.Join(p.Checkpoint(), "COMPLETE")))

	second := newHarness(t, withLayout(first.layout))
	report := second.engine.LastRecovery()

	assert.Equal(t, []string{"s1"}, report.DiscardedPartial)
	assert.False(t, exists(p.Checkpoint()))
	// The archive is still there, so the snapshot is left for inspection.
	assert.Equal(t, []string{"s1"}, report.Skipped)
	assert.True(t, exists(p.Archive(true)))
	_, ok := second.engine.Registry().Get("s1")
	assert.False(t, ok)
}

func TestRecoverUnmountsOrphanedLiveTree(t *testing.T) {
	first := newHarness(t)
	first.create("mounted")
	require.NoError(t, os.MkdirAll(first.layout.Session("bare").Upper(), 0o755))
	require.Equal(t, 1, first.mounter.MountedCount())

	second := newHarness(t, withLayout(first.layout), withMounter(first.mounter))
	report := second.engine.LastRecovery()

	assert.ElementsMatch(t, []string{"bare", "mounted"}, report.PurgedLive)
	assert.Equal(t, []string{"mounted"}, report.UnmountedLive)
	assert.Zero(t, first.mounter.MountedCount())
	assert.False(t, exists(first.layout.Session("mounted").Live))
	assert.False(t, exists(first.layout.Session("bare").Live))
}

func TestRecoverSessionRolledBackAtShutdown(t *testing.T) {
	first := newHarness(t)
	first.create("s1")
	first.write("s1", "doc.txt", []byte("kept"))
	first.failRestore("s1")
	require.NoError(t, first.engine.Shutdown(context.Background()))

	second := newHarness(t, withLayout(first.layout))

	assert.Equal(t, []string{"s1"}, second.engine.LastRecovery().Recovered)
	_, err := second.engine.Restore(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(second.read("s1", "doc.txt")))
}

func TestRecoverRemovesEmptySnapshot(t *testing.T) {
	first := newHarness(t)
	empty := first.layout.Session("empty").Snapshot
	require.NoError(t, os.MkdirAll(empty, 0o755))

	second := newHarness(t, withLayout(first.layout))

	assert.Equal(t, []string{"empty"}, second.engine.LastRecovery().RemovedSnapshots)
	assert.False(t, exists(empty))
}

func TestRecoverSkipsMismatchedManifest(t *testing.T) {
	first := newHarness(t)
	first.create("s1")
	_, err := first.engine.Suspend(context.Background(), "s1")
	require.NoError(t, err)

	rec, _ := first.engine.Registry().Get("s1")
	rec.Checkpoint.DumpID = "stale"
	require.NoError(t, writeManifest(first.layout.Session("s1").Manifest(), rec))

	second := newHarness(t, withLayout(first.layout))

	assert.Equal(t, []string{"s1"}, second.engine.LastRecovery().Skipped)
	assert.True(t, exists(first.layout.Session("s1").Snapshot), "left for inspection")
}

func TestManifestRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.create("s1")
	_, err := h.engine.Suspend(context.Background(), "s1")
	require.NoError(t, err)
	rec, _ := h.engine.Registry().Get("s1")

	m, err := readManifest(h.layout.Session("s1").Manifest())
	require.NoError(t, err)

	assert.Equal(t, "s1", m.SessionID)
	assert.Equal(t, rec.Checkpoint.DumpID, m.DumpID)
	assert.Equal(t, rec.ArchiveBytes, m.ArchiveBytes)
	assert.True(t, rec.SuspendedAt.Equal(m.SuspendedAt))
}

func TestLoadRetiredMissingLedger(t *testing.T) {
	ids, err := loadRetired(filepath.Join(t.TempDir(), "retired.log"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLoadRetiredSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retired.log")
	require.NoError(t, os.WriteFile(path, []byte("a\n\n  b \nc\n"), 0o600))

	ids, err := loadRetired(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

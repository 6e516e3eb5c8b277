package checkpoint_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/deskd/internal/providers/checkpoint"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
	"github.com/GriffinCanCode/deskd/internal/testutil"
)

func newStore(t *testing.T, compress bool) (*checkpoint.Store, *testutil.FakeTool, paths.Layout) {
	t.Helper()
	layout := paths.NewLayout(t.TempDir(), "")
	tool := testutil.NewFakeTool()
	store := checkpoint.NewStore(checkpoint.Config{
		Layout:         layout,
		Compress:       compress,
		TCPEstablished: true,
	}, tool, zaptest.NewLogger(t))
	return store, tool, layout
}

func TestDumpAndRestore(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "raw"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, tool, layout := newStore(t, compress)

			handle, err := store.Dump(ctx, "s1", 1234)
			require.NoError(t, err)
			assert.Positive(t, handle.SizeBytes)
			assert.NotEmpty(t, handle.DumpID)
			assert.Equal(t, compress, handle.Compressed)
			assert.Equal(t, layout.Session("s1").Checkpoint(), handle.Dir)
			assert.Contains(t, handle.Limitations, checkpoint.LimitationTCP)
			assert.Contains(t, handle.Limitations, checkpoint.LimitationGPU)
			assert.FileExists(t, filepath.Join(handle.Dir, paths.CompleteMarker))
			if compress {
				assert.FileExists(t, filepath.Join(handle.Dir, paths.CompressedImage))
				assert.NoFileExists(t, filepath.Join(handle.Dir, "inventory.img"))
			}

			loaded, err := store.Load("s1")
			require.NoError(t, err)
			assert.Equal(t, handle.DumpID, loaded.DumpID)
			assert.Equal(t, handle.SizeBytes, loaded.SizeBytes)

			pid, err := store.Restore(ctx, "s1")
			require.NoError(t, err)
			assert.Positive(t, pid)
			assert.True(t, store.Exists("s1"), "restore keeps the image")
			assert.NoDirExists(t, filepath.Join(handle.Dir, "restore"))

			dumps, restores := tool.Calls()
			assert.Equal(t, 1, dumps)
			assert.Equal(t, 1, restores)
		})
	}
}

func TestDumpFailureLeavesNothing(t *testing.T) {
	store, tool, layout := newStore(t, true)
	tool.FailDump(checkpoint.Classify(checkpoint.StageDump, 1, errors.New("exit status 1"),
		[]byte("Error (criu/cr-dump.c:1234): Can't dump inet socket 7\n")))

	_, err := store.Dump(context.Background(), "s1", 1234)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CheckpointFailure))
	assert.NoDirExists(t, layout.Session("s1").Checkpoint())
	assert.False(t, store.Exists("s1"))
}

func TestDumpTimeout(t *testing.T) {
	store, tool, _ := newStore(t, false)
	tool.Block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Dump(ctx, "s1", 1234)
	assert.True(t, fault.Is(err, fault.Timeout))
}

func TestRestoreWithoutCheckpoint(t *testing.T) {
	store, _, _ := newStore(t, true)
	_, err := store.Restore(context.Background(), "s1")
	assert.True(t, fault.Is(err, fault.NoCheckpoint))
}

func TestRestoreRejectsIncompleteDump(t *testing.T) {
	store, _, layout := newStore(t, false)
	dir := layout.Session("s1").Checkpoint()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inventory.img"), []byte("partial"), 0o600))

	assert.True(t, store.Incomplete("s1"))
	_, err := store.Restore(context.Background(), "s1")
	assert.True(t, fault.Is(err, fault.NoCheckpoint))
}

func TestRestoreFailurePreservesImage(t *testing.T) {
	ctx := context.Background()
	store, tool, _ := newStore(t, true)

	_, err := store.Dump(ctx, "s1", 1234)
	require.NoError(t, err)

	tool.FailRestore(checkpoint.Classify(checkpoint.StageRestore, 1, errors.New("exit status 1"),
		[]byte("Error (criu/cr-restore.c:88): Can't fork for 1234: File exists\n")))
	_, err = store.Restore(ctx, "s1")
	assert.True(t, fault.Is(err, fault.RestoreFailure))
	assert.True(t, store.Exists("s1"))

	pid, err := store.Restore(ctx, "s1")
	require.NoError(t, err)
	assert.Positive(t, pid)
}

func TestDiscardIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _, layout := newStore(t, false)

	_, err := store.Dump(ctx, "s1", 1234)
	require.NoError(t, err)
	require.NoError(t, store.Discard("s1"))
	require.NoError(t, store.Discard("s1"))
	assert.NoDirExists(t, layout.Session("s1").Checkpoint())
}

func TestCheckCapability(t *testing.T) {
	store, tool, _ := newStore(t, false)
	require.NoError(t, store.CheckCapability(context.Background()))

	tool.CheckErr = errors.New("criu: not found")
	assert.True(t, fault.Is(store.CheckCapability(context.Background()), fault.CapabilityMissing))
}

func TestTerminateIgnoresMissingRoot(t *testing.T) {
	store, _, _ := newStore(t, false)
	assert.NoError(t, store.Terminate(0))
}

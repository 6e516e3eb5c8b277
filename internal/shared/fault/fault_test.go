package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(MountFailure, "materialize", errors.New("permission denied")).WithSession("s1")
	assert.Equal(t, "materialize: mount_failed (session s1): permission denied", err.Error())
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(ArchiveNotFound, "unarchive", errors.New("missing"))
	wrapped := Wrap(ArchiveFailure, "restore", inner)

	assert.Equal(t, ArchiveNotFound, KindOf(wrapped))
}

func TestWrapDeadline(t *testing.T) {
	err := Wrap(CheckpointFailure, "dump", fmt.Errorf("criu: %w", context.DeadlineExceeded))
	assert.Equal(t, Timeout, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestIsWalksChain(t *testing.T) {
	cause := New(CheckpointFailure, "dump", errors.New("exit 1"))
	outer := Reclassify(RestoreFailure, "restore", cause)

	assert.True(t, Is(outer, RestoreFailure))
	assert.True(t, Is(outer, CheckpointFailure))
	assert.False(t, Is(outer, NotFound))
	assert.False(t, Is(nil, NotFound))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		caller    bool
	}{
		{NotFound, false, true},
		{DuplicateID, false, true},
		{QuotaExceeded, false, true},
		{ArchiveFailure, true, false},
		{CheckpointFailure, true, false},
		{CapabilityMissing, false, false},
		{InvalidArgument, false, true},
		{Unavailable, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := New(tt.kind, "op", nil)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.caller, IsCallerError(err))
		})
	}
}

func TestUnknownError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Nil(t, Wrap(NotFound, "op", nil))
}

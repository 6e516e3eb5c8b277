// Package fault defines the classified error taxonomy used across the session engine.
//
// Every failure that crosses a component boundary is a *Error carrying a Kind.
// Callers branch on the Kind (KindOf, Is) and never on message text:
//
//	if fault.Is(err, fault.DuplicateID) { ... }
//	if fault.IsRetryable(err) { ... }
//
// Kinds fall into three groups:
//   - Resource failures: AllocationFailure, MountFailure, ArchiveFailure, CheckpointFailure, RestoreFailure
//   - Caller errors: NotFound, DuplicateID, InvalidStateTransition, AlreadySuspended, NoCheckpoint, QuotaExceeded, InvalidArgument
//   - Host errors: CapabilityMissing (fatal at startup), Timeout, Unavailable (engine shutting down)
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	AllocationFailure
	MountFailure
	ArchiveFailure
	ArchiveNotFound
	CheckpointFailure
	NoCheckpoint
	RestoreFailure
	QuotaExceeded
	NotFound
	DuplicateID
	InvalidStateTransition
	AlreadySuspended
	CapabilityMissing
	Timeout
	InvalidArgument
	Unavailable
)

var kindNames = map[Kind]string{
	Unknown:                "unknown",
	AllocationFailure:      "allocation_failed",
	MountFailure:           "mount_failed",
	ArchiveFailure:         "archive_failed",
	ArchiveNotFound:        "archive_not_found",
	CheckpointFailure:      "checkpoint_failed",
	NoCheckpoint:           "no_checkpoint",
	RestoreFailure:         "restore_failed",
	QuotaExceeded:          "quota_exceeded",
	NotFound:               "not_found",
	DuplicateID:            "duplicate_id",
	InvalidStateTransition: "invalid_state_transition",
	AlreadySuspended:       "already_suspended",
	CapabilityMissing:      "capability_missing",
	Timeout:                "timeout",
	InvalidArgument:        "invalid_argument",
	Unavailable:            "unavailable",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is a classified failure.
type Error struct {
	Kind      Kind
	Op        string
	SessionID string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session %s)", msg, e.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted cause.
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithSession annotates the error with a session id.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// Wrap classifies err unless it already carries a kind. Context deadline
// errors are always reported as Timeout.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Op: op, Err: err}
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Reclassify forces err to kind while keeping the cause chain.
func Reclassify(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the outermost kind in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return kind == Timeout && errors.Is(err, context.DeadlineExceeded)
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// IsRetryable reports whether a retry of the same operation may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ArchiveFailure, CheckpointFailure, RestoreFailure, Timeout, AllocationFailure, MountFailure, Unavailable:
		return true
	}
	return false
}

// IsCallerError reports whether the failure was caused by the request itself.
func IsCallerError(err error) bool {
	switch KindOf(err) {
	case NotFound, DuplicateID, InvalidStateTransition, AlreadySuspended, NoCheckpoint, QuotaExceeded, InvalidArgument:
		return true
	}
	return false
}

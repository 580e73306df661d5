package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRevisionConflict is returned by a row update based on a stale revision.
	ErrRevisionConflict = errors.New("row revision conflict")
	// ErrStaleSequence is returned when a reorder older than the last accepted one arrives.
	ErrStaleSequence = errors.New("stale reorder sequence")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrNotFound            = errors.New("not found")
	ErrClosed              = errors.New("closed")
	ErrFileTooLarge        = errors.New("file exceeds upload size cap")
)

// ValidationError rejects an operation before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NetworkError wraps a failed collaborator call.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ChannelError reports a realtime connection failure.
type ChannelError struct {
	ThreadID string
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.ThreadID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func outOfRange(scope Scope, idx, n int) string {
	return fmt.Sprintf("%s index %d out of range [0,%d)", scope, idx, n)
}

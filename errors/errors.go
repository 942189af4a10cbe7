// Package errors provides the structured error types used across the sync core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for routing decisions in the sync engine.
type Kind string

const (
	// KindTransient covers network failures and timeouts; safe to retry with backoff.
	KindTransient Kind = "TRANSIENT"

	// KindValidation covers payloads the remote permanently rejects; never retried.
	KindValidation Kind = "VALIDATION"

	// KindPermission covers authorization failures; never retried.
	KindPermission Kind = "PERMISSION"

	// KindConflict signals a concurrent remote modification. It is not a failure:
	// the engine routes it to conflict detection instead of retrying.
	KindConflict Kind = "CONFLICT"

	// KindCorruption marks a record whose stored form can no longer be decoded.
	// Fatal for that record only; the record is flagged, never dropped.
	KindCorruption Kind = "CORRUPTION"
)

// Operation identifies the sync operation during which an error occurred.
type Operation string

const (
	OpCycle     Operation = "cycle"
	OpPush      Operation = "push"
	OpPull      Operation = "pull"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpJournal   Operation = "journal"
	OpCursor    Operation = "cursor"
	OpResolve   Operation = "resolve"
	OpTransport Operation = "transport"
	OpClose     Operation = "close"
)

// SyncError is the structured error carried through the sync core.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Kind classifies the failure for retry/routing decisions
	Kind Kind

	// Whether the operation can be retried
	Retryable bool

	// Underlying error
	Err error

	// Metadata for additional context (record id, collection, attempt count)
	Metadata map[string]any
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// New creates a new SyncError.
func New(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

// NewWithComponent creates a new SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{Op: op, Component: component, Err: err}
}

// NewTransient creates a retryable network-class SyncError.
func NewTransient(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindTransient,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidation creates a non-retryable validation SyncError.
func NewValidation(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewPermission creates a non-retryable permission SyncError.
func NewPermission(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindPermission,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewConflict creates a conflict-signal SyncError. Callers must route it to
// conflict detection rather than treat it as a terminal failure.
func NewConflict(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindConflict,
		Op:        op,
		Component: "sync",
		Err:       cause,
		Retryable: false,
	}
}

// NewCorruption creates a per-record corruption SyncError.
func NewCorruption(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindCorruption,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// WithMetadata attaches metadata to the error and returns it for chaining.
func (e *SyncError) WithMetadata(key string, value any) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable reports whether err is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of err, or the empty Kind if err is not a SyncError.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsConflict reports whether err carries the conflict signal.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// FromHTTPStatus classifies an HTTP response status into a SyncError.
// Used by the HTTP transport to map remote responses onto the taxonomy.
func FromHTTPStatus(op Operation, status int, cause error) *SyncError {
	switch {
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return NewConflict(op, cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewPermission(op, cause)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewValidation(op, cause)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return NewTransient(op, cause)
	default:
		return NewWithComponent(op, "transport", cause)
	}
}

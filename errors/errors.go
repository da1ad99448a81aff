// Package errors provides the error taxonomy of the offline sync engine.
//
// Every failure surfaced by the engine is a *SyncError carrying the operation,
// the component that produced it and a Kind. The Kind drives policy: transient
// failures are retried with backoff, fatal ones are dead-lettered, persistence
// failures halt the coordinator.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeClaimFailure      ErrorCode = "CLAIM_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpEnqueue    Operation = "enqueue"
	OpTransition Operation = "transition"
	OpPush       Operation = "push"
	OpPull       Operation = "pull"
	OpStore      Operation = "store"
	OpLoad       Operation = "load"
	OpResolve    Operation = "resolve"
	OpClaim      Operation = "claim"
	OpTransport  Operation = "transport"
	OpConfig     Operation = "config"
	OpClose      Operation = "close"
)

// Kind classifies an error for policy decisions.
type Kind string

const (
	KindOther           Kind = ""
	KindPersistence     Kind = "persistence"
	KindTransient       Kind = "transient_network"
	KindConflict        Kind = "conflict"
	KindFatal           Kind = "fatal_request"
	KindClaimConflict   Kind = "claim_conflict"
	KindClaimNetwork    Kind = "claim_network"
	KindClaimInProgress Kind = "claim_in_progress"
	KindInvalid         Kind = "invalid"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal"
)

// Component names the part of the system an error came from.
type Component string

// Op is the builder form of Operation accepted by E.
func Op(name string) Operation { return Operation(name) }

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "queue", "transport")
	Component string

	// Kind classifies the error
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *SyncError of the same Kind. It lets callers
// write errors.Is(err, &SyncError{Kind: KindTransient}).
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Kind != KindOther && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// E builds a *SyncError from its arguments. Accepted argument types are
// Operation, Component, Kind, ErrorCode, error and string. Strings are joined
// into a context message that wraps the error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &SyncError{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *SyncError:
			cp := *a
			e.Err = &cp
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
			e.Retryable = e.Retryable || a.Retryable
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		case nil:
		default:
			msgs = append(msgs, fmt.Sprintf("%v", a))
		}
	}
	if len(msgs) > 0 {
		msg := strings.Join(msgs, ": ")
		if e.Err != nil {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		} else {
			e.Err = errors.New(msg)
		}
	}
	if e.Err == nil {
		e.Err = errors.New(string(e.Kind))
	}
	switch e.Kind {
	case KindTransient, KindClaimNetwork:
		e.Retryable = true
	}
	return e
}

// Persistence creates an error for a failed durable write or read.
func Persistence(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Kind:      KindPersistence,
		Op:        op,
		Component: component,
		Err:       cause,
	}
}

// Transient creates a retryable network error.
func Transient(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Kind:      KindTransient,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// Conflict creates an error describing a version conflict reported by the server.
func Conflict(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Kind:      KindConflict,
		Op:        op,
		Component: "resolver",
		Err:       cause,
	}
}

// Fatal creates an error for a request the server will never accept.
func Fatal(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Kind:      KindFatal,
		Op:        op,
		Component: "transport",
		Err:       cause,
	}
}

// ClaimConflict reports a guest claim the server refused because of
// unresolved conflicts with the authenticated account.
func ClaimConflict(cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeClaimFailure,
		Kind:      KindClaimConflict,
		Op:        OpClaim,
		Component: "guest",
		Err:       cause,
	}
}

// ClaimNetwork reports a guest claim that failed in transit and may be retried.
func ClaimNetwork(cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeClaimFailure,
		Kind:      KindClaimNetwork,
		Op:        OpClaim,
		Component: "guest",
		Err:       cause,
		Retryable: true,
	}
}

// ClaimInProgress reports a second concurrent claim attempt.
func ClaimInProgress() *SyncError {
	return &SyncError{
		Code:      ErrCodeClaimFailure,
		Kind:      KindClaimInProgress,
		Op:        OpClaim,
		Component: "guest",
		Err:       errors.New("a claim is already in progress"),
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// KindOf returns the Kind of the outermost *SyncError in err's chain that has one.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return KindOther
		}
		if syncErr.Kind != KindOther {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return KindOther
}

// Is reports whether err carries the given Kind.
func Is(kind Kind, err error) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsPersistence reports whether err is a durable storage failure.
func IsPersistence(err error) bool { return Is(KindPersistence, err) }

// IsTransient reports whether err is a retryable network failure.
func IsTransient(err error) bool { return Is(KindTransient, err) }

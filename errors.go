package loom

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Store errors.
	ErrStoreClosed = errors.New("loom: store closed")

	// Not found errors.
	ErrWorkflowNotFound = errors.New("loom: workflow not found")
	ErrSessionNotFound  = errors.New("loom: session not found")
	ErrNodeNotFound     = errors.New("loom: node not found")
	ErrPinNotFound      = errors.New("loom: pinned workflow not found")

	// Token errors.
	ErrTokenDecode    = errors.New("loom: token decode failed")
	ErrTokenSignature = errors.New("loom: token signature invalid")
	ErrTokenVersion   = errors.New("loom: unsupported token version")
	ErrTokenPair      = errors.New("loom: state and ack tokens disagree")

	// State errors.
	ErrHashMismatch  = errors.New("loom: workflow hash mismatch")
	ErrRunComplete   = errors.New("loom: run already complete")
	ErrSessionLocked = errors.New("loom: session locked by another caller")
	ErrSeqConflict   = errors.New("loom: event sequence conflict")
)

// FaultKind classifies a handler failure so callers can decide whether
// to retry, re-fetch a fresh token via rehydrate, or abort.
type FaultKind string

const (
	FaultTokenDecode    FaultKind = "TOKEN_DECODE_ERROR"
	FaultTokenSignature FaultKind = "TOKEN_INVALID_SIGNATURE"
	FaultUnknownNode    FaultKind = "TOKEN_UNKNOWN_NODE"
	FaultHashMismatch   FaultKind = "TOKEN_WORKFLOW_HASH_MISMATCH"
	FaultSessionLocked  FaultKind = "TOKEN_SESSION_LOCKED"
	FaultStorage        FaultKind = "STORAGE_IO_ERROR"
)

// Fault is a classified handler failure. Every error returned across the
// engine boundary is a *Fault wrapping one of the sentinel errors above;
// match the kind with Classify or the cause with errors.Is.
//
// SessionLocked is the only retryable kind — RetryAfter carries the
// suggested delay before the caller tries again.
type Fault struct {
	Kind       FaultKind
	RetryAfter time.Duration
	Err        error
}

// NewFault wraps err with a fault kind.
func NewFault(kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap returns the underlying cause for errors.Is/As matching.
func (f *Fault) Unwrap() error { return f.Err }

// Retryable reports whether the caller is expected to retry after
// RetryAfter. Only session-lock contention qualifies.
func (f *Fault) Retryable() bool { return f.Kind == FaultSessionLocked }

// Classify extracts the fault kind from an error chain. Returns false
// if err carries no *Fault.
func Classify(err error) (FaultKind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

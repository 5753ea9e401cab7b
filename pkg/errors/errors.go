// Package errors provides the structured error taxonomy of the sync engine.
// Every error carries a kind, the operation that failed, and whether the
// queue may retry it.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies errors by failure domain.
type Kind string

const (
	KindConnection Kind = "CONNECTION"
	KindSubmission Kind = "SUBMISSION"
	KindValidation Kind = "VALIDATION"
	KindStalledJob Kind = "STALLED_JOB"
	KindAuditWrite Kind = "AUDIT_WRITE"
	KindNotFound   Kind = "NOT_FOUND"
	KindLeaseLost  Kind = "LEASE_LOST"
	KindInternal   Kind = "INTERNAL"
)

// Error is the structured error type used across the sync engine.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix += " " + e.Op
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Retryable: retryable(kind)}
}

// Wrap creates an error of the given kind wrapping cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause, Retryable: retryable(kind)}
}

// Connection reports an unreachable ledger peer.
func Connection(op string, cause error) *Error {
	return Wrap(KindConnection, op, "ledger peer unreachable", cause)
}

// Submission reports a rejected transaction or a network failure during submit.
func Submission(op string, cause error) *Error {
	return Wrap(KindSubmission, op, "transaction submission failed", cause)
}

// Validation reports a malformed event payload.
func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

// StalledJob reports a job whose worker stopped renewing its lease.
func StalledJob(jobID string, stalledCount int) *Error {
	return New(KindStalledJob, "reclaim", fmt.Sprintf("job %s stalled %d times", jobID, stalledCount))
}

// AuditWrite reports a failed audit append.
func AuditWrite(op string, cause error) *Error {
	return Wrap(KindAuditWrite, op, "audit write failed", cause)
}

// NotFound reports a missing entity.
func NotFound(op, what, id string) *Error {
	return New(KindNotFound, op, fmt.Sprintf("%s not found: %s", what, id))
}

// LeaseLost reports that a worker no longer owns the job it is acting on.
func LeaseLost(jobID, workerID string) *Error {
	return New(KindLeaseLost, "lease", fmt.Sprintf("worker %s does not hold job %s", workerID, jobID))
}

// Permanent marks err as not retryable by the queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Retryable = false
		return &cp
	}
	return &Error{Kind: KindInternal, Message: "permanent failure", Cause: err}
}

// IsRetryable reports whether an error chain may be retried. Errors outside
// the taxonomy are treated as retryable so transient surprises still get
// the queue's backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// KindOf extracts the error kind from an error chain, or "" when absent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func retryable(kind Kind) bool {
	switch kind {
	case KindSubmission, KindStalledJob, KindConnection:
		return true
	default:
		return false
	}
}

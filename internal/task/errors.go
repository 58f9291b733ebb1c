package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrTerminal    = errors.New("task already in a terminal state")
	ErrDuplicateID = errors.New("duplicate task id")
	ErrCancelled   = errors.New("task cancelled")
	ErrShutdown    = errors.New("scheduler shutting down")
)

// ValidationError rejects a launch before anything is scheduled.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AdmissionError means a queued task never got a concurrency slot.
// It unwraps to ErrCancelled (or the context error that ended the wait).
type AdmissionError struct {
	TaskID string
	Key    string
	Err    error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("task %s not admitted on %s: %v", e.TaskID, e.Key, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// CollaboratorError is a create/send/fetch/inject call that kept failing.
type CollaboratorError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *CollaboratorError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// ExtractionError means the session settled without any agent output.
// The backend answered, it just never produced a result.
type ExtractionError struct {
	SessionID string
	Reason    string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("no result in session %s: %s", e.SessionID, e.Reason)
}

// NoRetry marks an error as non-retryable.
//
// Example:
//
//	return task.NoRetry(fmt.Errorf("bad agent config: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfterError is implemented by errors that carry an explicit retry delay
// (HTTP 429 / Retry-After).
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter attaches a suggested delay to err.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

package resilience

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is the default error returned when a wrapped operation
	// exceeds its deadline.
	ErrTimeout = errors.New("resilience: operation timed out")

	// ErrUnknownState is returned when a circuit breaker reaches an
	// unrepresentable state. It indicates a bug.
	ErrUnknownState = errors.New("resilience: unknown circuit breaker state")
)

// CircuitOpenError is the fast-fail error returned while a breaker is open.
// It is classified retryable so an outer retry policy composes correctly:
// the retry sleeps, the recovery timeout elapses, and the next attempt is
// allowed through as a half-open probe.
type CircuitOpenError struct {
	Name        string
	Failures    int
	Threshold   int
	LastFailure time.Time
	NextProbe   time.Time
}

func (e *CircuitOpenError) Error() string {
	retryIn := time.Until(e.NextProbe).Round(time.Millisecond)
	return fmt.Sprintf("circuit breaker %q open: call blocked (failures=%d/%d, probe in %v)",
		e.Name, e.Failures, e.Threshold, retryIn)
}

// IsRetryable marks the error retryable for the retry executor.
func (e *CircuitOpenError) IsRetryable() bool {
	return true
}

// TimeoutError reports that an operation exceeded its deadline. The
// underlying operation is abandoned, not forcibly halted; its eventual
// outcome is discarded.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("resilience: %s timed out after %v", e.Op, e.After)
	}
	return fmt.Sprintf("resilience: operation timed out after %v", e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// PermanentError wraps an error to flag it non-retryable. The retry executor
// stops immediately when it sees one, regardless of remaining attempts.
type PermanentError struct {
	Err error
}

// Permanent flags err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) IsRetryable() bool {
	return false
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable classifies an error for the retry executor. Errors exposing an
// IsRetryable method decide for themselves, including wrapped ones; anything
// else defaults to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		if r, ok := e.(retryable); ok {
			return r.IsRetryable()
		}
	}
	return true
}

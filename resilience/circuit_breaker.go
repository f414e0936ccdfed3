package resilience

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// halfOpenSuccessTarget is the number of consecutive half-open successes
// required to close the circuit again.
const halfOpenSuccessTarget = 2

// CircuitBreaker stops calling a persistently failing dependency. Closed
// counts consecutive failures; reaching the threshold opens the circuit.
// While open, calls fail fast with *CircuitOpenError. Once the recovery
// timeout has elapsed since the last failure, the next call transitions the
// breaker to half-open and probes the dependency: two consecutive successes
// close it, a single failure reopens it and resets the recovery clock.
//
// Transitions are evaluated lazily on call attempts; there is no background
// timer. State lives in memory only and is not shared across processes.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	Name        string
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before the next
// call may probe the dependency.
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = timeout
	}
}

// NewCircuitBreaker creates a named circuit breaker in the closed state.
func NewCircuitBreaker(name string, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: 5,
		recoveryTimeout:  30 * time.Second,
		state:            StateClosed,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Name returns the breaker's registry name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn under circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state, applying the lazy open-to-half-open
// transition if the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		LastFailure: cb.lastFailureTime,
	}
}

// Reset manually returns the breaker to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}

// allow decides whether a call may proceed, performing the lazy
// open-to-half-open transition.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		nextProbe := cb.lastFailureTime.Add(cb.recoveryTimeout)
		if !time.Now().Before(nextProbe) {
			cb.state = StateHalfOpen
			cb.successes = 0
			return nil
		}
		return &CircuitOpenError{
			Name:        cb.name,
			Failures:    cb.failures,
			Threshold:   cb.failureThreshold,
			LastFailure: cb.lastFailureTime,
			NextProbe:   nextProbe,
		}

	default:
		return ErrUnknownState
	}
}

// record applies the call outcome to the state machine.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()
		cb.successes = 0

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
			}
		case StateHalfOpen:
			// One failed probe reopens the circuit and restarts the clock.
			cb.state = StateOpen
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= halfOpenSuccessTarget {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

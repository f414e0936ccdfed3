package resilience

import (
	"context"
	"math/rand"
	"time"
)

// Strategy selects the delay formula a retry policy uses between attempts.
type Strategy string

const (
	// StrategyExponential doubles the delay each attempt, capped at MaxDelay.
	StrategyExponential Strategy = "exponential"
	// StrategyLinear grows the delay by BaseDelay each attempt, capped at MaxDelay.
	StrategyLinear Strategy = "linear"
	// StrategyConstant uses BaseDelay for every attempt.
	StrategyConstant Strategy = "constant"
)

// Policy describes how an operation is retried. The zero value is not useful;
// use NewPolicy or fill the fields explicitly.
type Policy struct {
	MaxAttempts int
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// Classifier overrides the default retryability check. When nil, errors
	// exposing IsRetryable decide for themselves and everything else is
	// considered retryable.
	Classifier func(error) bool
}

// NewPolicy creates a retry policy with the given strategy and bounds.
func NewPolicy(strategy Strategy, maxAttempts int, base, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Strategy:    strategy,
		BaseDelay:   base,
		MaxDelay:    max,
		Jitter:      true,
	}
}

// DefaultPolicy is a sensible exponential policy for transient broker and
// network failures.
func DefaultPolicy() Policy {
	return NewPolicy(StrategyExponential, 3, 100*time.Millisecond, 10*time.Second)
}

// Delay returns the sleep before retrying after the given zero-based attempt.
//
//	exponential: min(base*2^attempt, max), optionally jittered +-25%
//	linear:      min(base*(attempt+1), max)
//	constant:    base
func (p Policy) Delay(attempt int) time.Duration {
	var delay time.Duration

	switch p.Strategy {
	case StrategyLinear:
		delay = p.BaseDelay * time.Duration(attempt+1)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	case StrategyConstant:
		delay = p.BaseDelay
	default: // exponential
		delay = p.BaseDelay
		for i := 0; i < attempt && delay < p.MaxDelay; i++ {
			delay *= 2
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	if p.Jitter && delay > 0 {
		// Symmetric +-25% around the computed delay.
		half := int64(delay) / 2
		delay = delay - delay/4 + time.Duration(rand.Int63n(half+1))
	}

	return delay
}

func (p Policy) retryable(err error) bool {
	if p.Classifier != nil {
		return p.Classifier(err)
	}
	return IsRetryable(err)
}

// Retry executes fn up to policy.MaxAttempts times. A non-retryable error
// aborts immediately; after the final attempt the last error propagates
// unchanged. Context cancellation interrupts the wait between attempts.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(policy.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

package resilience

import (
	"context"
	"time"
)

type timeoutConfig struct {
	op  string
	err error
}

// TimeoutOption configures WithTimeout.
type TimeoutOption func(*timeoutConfig)

// WithTimeoutOp names the operation in the default timeout error.
func WithTimeoutOp(op string) TimeoutOption {
	return func(c *timeoutConfig) {
		c.op = op
	}
}

// WithTimeoutError replaces the error returned on expiry.
func WithTimeoutError(err error) TimeoutOption {
	return func(c *timeoutConfig) {
		c.err = err
	}
}

// WithTimeout races fn against the deadline. fn receives a child context that
// is cancelled on expiry; operations that honor it stop early, but WithTimeout
// never waits for them: once the deadline passes it returns a *TimeoutError
// (or the caller-supplied error) and the operation's eventual outcome is
// discarded. Operations must therefore be safe to abandon.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error, options ...TimeoutOption) error {
	cfg := timeoutConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(opCtx)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		cancel()
		if cfg.err != nil {
			return cfg.err
		}
		return &TimeoutError{Op: cfg.op, After: d}
	case <-ctx.Done():
		return ctx.Err()
	}
}

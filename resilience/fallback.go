package resilience

import "context"

type fallbackConfig struct {
	predicate func(error) bool
}

// FallbackOption configures WithFallback.
type FallbackOption func(*fallbackConfig)

// WithPredicate restricts which primary errors trigger the fallback. Errors
// the predicate rejects propagate unchanged.
func WithPredicate(predicate func(error) bool) FallbackOption {
	return func(c *fallbackConfig) {
		c.predicate = predicate
	}
}

// WithFallback executes primary and, if it fails with an error the predicate
// accepts (default: any error), executes fallback and returns its result.
// The fallback never runs on success.
func WithFallback(ctx context.Context, primary, fallback func(ctx context.Context) error, options ...FallbackOption) error {
	cfg := fallbackConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	err := primary(ctx)
	if err == nil {
		return nil
	}

	if cfg.predicate != nil && !cfg.predicate(err) {
		return err
	}

	return fallback(ctx)
}

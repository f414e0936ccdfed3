package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failOnce(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error {
		return errors.New("dependency down")
	})
}

func succeedOnce(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error {
		return nil
	})
}

func TestCircuitBreakerClosed(t *testing.T) {
	t.Run("starts closed and executes", func(t *testing.T) {
		cb := NewCircuitBreaker("db")
		executed := false

		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})

		require.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("stays closed below the failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker("db", WithFailureThreshold(3))

		for i := 0; i < 2; i++ {
			require.Error(t, failOnce(cb))
		}

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("opens exactly on the threshold-th consecutive failure", func(t *testing.T) {
		cb := NewCircuitBreaker("db", WithFailureThreshold(3))

		require.Error(t, failOnce(cb))
		require.Error(t, failOnce(cb))
		assert.Equal(t, StateClosed, cb.State())

		require.Error(t, failOnce(cb))
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("a success resets the consecutive failure count", func(t *testing.T) {
		cb := NewCircuitBreaker("db", WithFailureThreshold(3))

		require.Error(t, failOnce(cb))
		require.Error(t, failOnce(cb))
		require.NoError(t, succeedOnce(cb))
		require.Error(t, failOnce(cb))
		require.Error(t, failOnce(cb))

		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 2, cb.Stats().Failures)
	})
}

func TestCircuitBreakerOpen(t *testing.T) {
	t.Run("fails fast with CircuitOpenError while open", func(t *testing.T) {
		cb := NewCircuitBreaker("db",
			WithFailureThreshold(1),
			WithRecoveryTimeout(time.Hour),
		)
		require.Error(t, failOnce(cb))

		executed := false
		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})

		require.Error(t, err)
		assert.False(t, executed)

		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "db", openErr.Name)
		assert.True(t, IsRetryable(err), "open-circuit errors must be retryable for outer composition")
	})

	t.Run("transitions to half-open once the recovery timeout elapses", func(t *testing.T) {
		cb := NewCircuitBreaker("db",
			WithFailureThreshold(1),
			WithRecoveryTimeout(30*time.Millisecond),
		)
		require.Error(t, failOnce(cb))
		assert.Equal(t, StateOpen, cb.State())

		time.Sleep(50 * time.Millisecond)

		var during State
		err := cb.Execute(context.Background(), func() error {
			during = cb.State()
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, StateHalfOpen, during, "transition happens before the probe executes")
	})
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	newHalfOpen := func(t *testing.T) *CircuitBreaker {
		t.Helper()
		cb := NewCircuitBreaker("db",
			WithFailureThreshold(1),
			WithRecoveryTimeout(10*time.Millisecond),
		)
		require.Error(t, failOnce(cb))
		time.Sleep(20 * time.Millisecond)
		return cb
	}

	t.Run("one success is not enough to close", func(t *testing.T) {
		cb := newHalfOpen(t)

		require.NoError(t, succeedOnce(cb))
		assert.Equal(t, StateHalfOpen, cb.State())
	})

	t.Run("two consecutive successes close the circuit", func(t *testing.T) {
		cb := newHalfOpen(t)

		require.NoError(t, succeedOnce(cb))
		require.NoError(t, succeedOnce(cb))

		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 0, cb.Stats().Failures)
	})

	t.Run("a single failure reopens and resets the recovery clock", func(t *testing.T) {
		cb := newHalfOpen(t)

		before := time.Now()
		require.NoError(t, succeedOnce(cb))
		require.Error(t, failOnce(cb))

		assert.Equal(t, StateOpen, cb.State())
		assert.False(t, cb.Stats().LastFailure.Before(before), "failure clock must restart")

		// Still open immediately afterwards.
		var openErr *CircuitOpenError
		err := succeedOnce(cb)
		require.ErrorAs(t, err, &openErr)
	})
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("db", WithFailureThreshold(1), WithRecoveryTimeout(time.Hour))
	require.Error(t, failOnce(cb))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()

	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, succeedOnce(cb))
}

func TestCircuitBreakerComposesWithRetry(t *testing.T) {
	// An outer retry should ride through the open window: the breaker fails
	// fast, the retry sleeps past the recovery timeout, and the half-open
	// probe succeeds.
	cb := NewCircuitBreaker("db",
		WithFailureThreshold(1),
		WithRecoveryTimeout(5*time.Millisecond),
	)
	require.Error(t, failOnce(cb))

	policy := Policy{
		MaxAttempts: 5,
		Strategy:    StrategyConstant,
		BaseDelay:   10 * time.Millisecond,
	}

	calls := 0
	err := Retry(context.Background(), policy, func() error {
		return cb.Execute(context.Background(), func() error {
			calls++
			return nil
		})
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBreakerRegistry(t *testing.T) {
	t.Run("creates on first get and returns the same instance after", func(t *testing.T) {
		registry := NewBreakerRegistry()

		first := registry.Get("db", WithFailureThreshold(2))
		second := registry.Get("db")

		assert.Same(t, first, second)
	})

	t.Run("lookup does not create", func(t *testing.T) {
		registry := NewBreakerRegistry()

		_, ok := registry.Lookup("missing")
		assert.False(t, ok)
		assert.Empty(t, registry.Names())
	})

	t.Run("names are sorted", func(t *testing.T) {
		registry := NewBreakerRegistry()
		registry.Get("payments")
		registry.Get("db")
		registry.Get("mail")

		assert.Equal(t, []string{"db", "mail", "payments"}, registry.Names())
	})

	t.Run("reset by name", func(t *testing.T) {
		registry := NewBreakerRegistry()
		cb := registry.Get("db", WithFailureThreshold(1), WithRecoveryTimeout(time.Hour))
		require.Error(t, failOnce(cb))
		require.Equal(t, StateOpen, cb.State())

		assert.True(t, registry.Reset("db"))
		assert.Equal(t, StateClosed, cb.State())
		assert.False(t, registry.Reset("missing"))
	})

	t.Run("stats snapshot covers all breakers", func(t *testing.T) {
		registry := NewBreakerRegistry()
		registry.Get("a")
		cb := registry.Get("b", WithFailureThreshold(1))
		require.Error(t, failOnce(cb))

		stats := registry.Stats()
		require.Len(t, stats, 2)
		assert.Equal(t, "a", stats[0].Name)
		assert.Equal(t, StateClosed, stats[0].State)
		assert.Equal(t, "b", stats[1].Name)
		assert.Equal(t, StateOpen, stats[1].State)
	})
}

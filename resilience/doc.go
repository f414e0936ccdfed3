// Package resilience provides composable fault-tolerance primitives for
// wrapping unreliable calls: retry with pluggable backoff, a three-state
// circuit breaker with a name-keyed registry, a timeout wrapper, and a
// fallback combinator.
//
// The primitives have no broker dependency and compose by direct nesting,
// for example retry around a circuit breaker around a timeout:
//
//	policy := resilience.DefaultPolicy()
//	cb := breakers.Get("billing-api")
//	err := resilience.Retry(ctx, policy, func() error {
//		return cb.Execute(ctx, func() error {
//			return resilience.WithTimeout(ctx, 2*time.Second, callBillingAPI)
//		})
//	})
//
// The only shared state is the caller-owned BreakerRegistry; everything else
// is per-call. Breaker and retry state live in memory and are per process.
package resilience

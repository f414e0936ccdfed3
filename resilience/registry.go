package resilience

import (
	"sort"
	"sync"
)

// BreakerRegistry keys circuit breakers by name so services can share a
// breaker per dependency (database, third-party API, the broker itself) and
// inspect or reset it by name. The registry is constructed by the owner and
// passed to collaborators; there is deliberately no package-level instance,
// which keeps test setups isolated.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker registered under name, creating it with the given
// options if absent. Options are ignored for an existing breaker.
func (r *BreakerRegistry) Get(name string, options ...CircuitBreakerOption) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, options...)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the named breaker without creating one.
func (r *BreakerRegistry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	return cb, ok
}

// Names returns the registered breaker names, sorted.
func (r *BreakerRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every registered breaker.
func (r *BreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Reset resets the named breaker. It reports whether the breaker existed.
func (r *BreakerRegistry) Reset(name string) bool {
	cb, ok := r.Lookup(name)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

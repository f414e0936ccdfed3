// Package health provides liveness checks for the bus client: broker
// connectivity, channel registry state, and circuit breaker posture. Checks
// are cheap snapshots, suitable for wiring into an HTTP health endpoint or a
// CLI probe.
package health

import (
	"context"
	"time"
)

// Status classifies a check outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s is a worse outcome than other.
func (s Status) worse(other Status) bool {
	return rank(s) > rank(other)
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker is a single named health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates the results of several checks. Overall is the worst
// individual status.
type Report struct {
	Overall   Status        `json:"overall"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// Registry runs a fixed set of checkers.
type Registry struct {
	checkers []Checker
}

// NewRegistry creates a registry over the given checkers.
func NewRegistry(checkers ...Checker) *Registry {
	return &Registry{checkers: checkers}
}

// Add appends a checker. Not safe for concurrent use with Check.
func (r *Registry) Add(c Checker) {
	r.checkers = append(r.checkers, c)
}

// Check runs every checker in order and aggregates the results.
func (r *Registry) Check(ctx context.Context) Report {
	report := Report{
		Overall:   StatusHealthy,
		Timestamp: time.Now(),
	}

	for _, c := range r.checkers {
		result := c.Check(ctx)
		report.Checks = append(report.Checks, result)
		if result.Status.worse(report.Overall) {
			report.Overall = result.Status
		}
	}

	return report
}

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/perimetre/corebus/internal/broker"
	"github.com/perimetre/corebus/resilience"
)

// BrokerChecker verifies broker connectivity. The check dials if no
// connection is held, so it doubles as a readiness probe, and it opens a
// throwaway channel to confirm the connection actually works.
type BrokerChecker struct {
	manager  *broker.ConnectionManager
	registry *broker.ChannelRegistry
}

// NewBrokerChecker creates a broker connectivity checker. The registry is
// optional; when present, the open channel count is reported in the details.
func NewBrokerChecker(manager *broker.ConnectionManager, registry *broker.ChannelRegistry) *BrokerChecker {
	return &BrokerChecker{manager: manager, registry: registry}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	conn, err := c.manager.GetConnection(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to get connection"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if conn.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	if c.registry != nil {
		result.Details["open_channels"] = c.registry.Size()
	}
	return result
}

// BreakerChecker reports circuit breaker posture: degraded while any breaker
// is half open, unhealthy while any breaker is open.
type BreakerChecker struct {
	breakers *resilience.BreakerRegistry
}

// NewBreakerChecker creates a checker over the given breaker registry.
func NewBreakerChecker(breakers *resilience.BreakerRegistry) *BreakerChecker {
	return &BreakerChecker{breakers: breakers}
}

func (c *BreakerChecker) Name() string {
	return "circuit_breakers"
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "all breakers closed",
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var open, halfOpen []string
	for _, stats := range c.breakers.Stats() {
		result.Details[stats.Name] = stats.State.String()
		switch stats.State {
		case resilience.StateOpen:
			open = append(open, stats.Name)
		case resilience.StateHalfOpen:
			halfOpen = append(halfOpen, stats.Name)
		}
	}

	switch {
	case len(open) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("breakers open: %v", open)
	case len(halfOpen) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("breakers half open: %v", halfOpen)
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker wraps an arbitrary check function under a name.
type ComponentChecker struct {
	name string
	fn   func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for a custom component.
func NewComponentChecker(name string, fn func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{name: name, fn: fn}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.fn(ctx)

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

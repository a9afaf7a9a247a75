package circuitbreaker

import (
	"context"

	"go.uber.org/zap"
)

// Guard pairs a breaker with its metric labels so non-HTTP clients (redis
// event store, session archive) get the same accounting as HTTPWrapper.
type Guard struct {
	cb      *CircuitBreaker
	name    string
	service string
}

// NewGuard builds and registers a breaker for dependency.
func NewGuard(dependency, service string, logger *zap.Logger) *Guard {
	cb := NewCircuitBreaker(dependency, ConfigFor(dependency).ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(dependency, service, cb)
	return &Guard{cb: cb, name: dependency, service: service}
}

// Run executes fn through the breaker and records the outcome.
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := g.cb.Execute(ctx, func() error { return fn(ctx) })
	GlobalMetricsCollector.RecordRequest(g.name, g.service, g.cb.State(), err == nil)
	return err
}

// Breaker exposes the underlying breaker for health reporting.
func (g *Guard) Breaker() *CircuitBreaker { return g.cb }

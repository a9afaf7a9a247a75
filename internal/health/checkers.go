package health

import (
	"context"
	"fmt"
	"time"

	"github.com/Kocoro-lab/prosearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/prosearch/internal/tunnel"
)

// TunnelSource is the part of tunnel.Manager the checker reads.
type TunnelSource interface {
	Handle() tunnel.Handle
}

// TunnelChecker reports the knowledge-base tunnel state. It never probes:
// the tunnel manager already runs its own monitor.
type TunnelChecker struct {
	source TunnelSource
}

// NewTunnelChecker creates a tunnel checker.
func NewTunnelChecker(source TunnelSource) *TunnelChecker {
	return &TunnelChecker{source: source}
}

func (t *TunnelChecker) Name() string           { return "tunnel" }
func (t *TunnelChecker) IsCritical() bool       { return false }
func (t *TunnelChecker) Timeout() time.Duration { return time.Second }

func (t *TunnelChecker) Check(ctx context.Context) CheckResult {
	h := t.source.Handle()
	result := CheckResult{
		Details: map[string]interface{}{
			"state":       h.State.String(),
			"local_addr":  h.LocalAddr,
			"remote_addr": h.RemoteAddr,
			"generation":  h.Generation,
		},
	}
	switch h.State {
	case tunnel.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Tunnel connected"
		result.Details["connected_for"] = time.Since(h.ConnectedAt).Round(time.Second).String()
	case tunnel.StateDisconnected:
		result.Status = StatusHealthy
		result.Message = "Tunnel not yet established"
	case tunnel.StateConnecting, tunnel.StateDegraded:
		result.Status = StatusDegraded
		result.Message = "Tunnel " + h.State.String()
	default:
		result.Status = StatusUnhealthy
		result.Message = "Tunnel failed, academic search unavailable"
	}
	return result
}

// Pinger is satisfied by the redis event store and the session archive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker pings a dependency, reporting the breaker state alongside.
type PingChecker struct {
	name     string
	pinger   Pinger
	breaker  *circuitbreaker.CircuitBreaker
	critical bool
	slow     time.Duration
	timeout  time.Duration
}

// NewPingChecker creates a checker for name. breaker may be nil.
func NewPingChecker(name string, pinger Pinger, breaker *circuitbreaker.CircuitBreaker, critical bool) *PingChecker {
	return &PingChecker{
		name:     name,
		pinger:   pinger,
		breaker:  breaker,
		critical: critical,
		slow:     100 * time.Millisecond,
		timeout:  5 * time.Second,
	}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Details: map[string]interface{}{}}
	if p.breaker != nil {
		state := p.breaker.State()
		result.Details["circuit_breaker"] = state.String()
		if state == circuitbreaker.StateOpen {
			result.Status = StatusUnhealthy
			result.Error = "circuit breaker open"
			result.Message = p.name + " circuit breaker is open"
			return result
		}
	}

	start := time.Now()
	err := p.pinger.Ping(ctx)
	latency := time.Since(start)
	result.Details["latency_ms"] = latency.Milliseconds()
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
	case latency > p.slow:
		result.Status = StatusDegraded
		result.Message = p.name + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = p.name + " healthy"
	}
	return result
}

// BreakersChecker summarizes every registered circuit breaker. Open breakers
// degrade the service; the sources they guard are optional.
type BreakersChecker struct {
	snapshot func() map[string]circuitbreaker.State
}

// NewBreakersChecker reads states from snapshot, usually
// circuitbreaker.GlobalMetricsCollector.Snapshot.
func NewBreakersChecker(snapshot func() map[string]circuitbreaker.State) *BreakersChecker {
	return &BreakersChecker{snapshot: snapshot}
}

func (b *BreakersChecker) Name() string           { return "circuit_breakers" }
func (b *BreakersChecker) IsCritical() bool       { return false }
func (b *BreakersChecker) Timeout() time.Duration { return time.Second }

func (b *BreakersChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Status: StatusHealthy, Details: map[string]interface{}{}}
	var open, halfOpen int
	for key, state := range b.snapshot() {
		result.Details[key] = state.String()
		switch state {
		case circuitbreaker.StateOpen:
			open++
		case circuitbreaker.StateHalfOpen:
			halfOpen++
		}
	}
	switch {
	case open > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d circuit breaker(s) open", open)
	case halfOpen > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d circuit breaker(s) recovering", halfOpen)
	default:
		result.Message = "All circuit breakers closed"
	}
	return result
}

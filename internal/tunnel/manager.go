// Package tunnel maintains the forwarding path from a local port to the
// remote knowledge-base service.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Kocoro-lab/prosearch/internal/metrics"
)

// Forwarder is one established forwarding session.
type Forwarder interface {
	Close() error
}

// Dialer opens a forwarding session for cfg. Implementations must bind
// cfg.LocalAddr() before returning.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Forwarder, error)
}

// Prober checks whether the forwarded service is reachable at addr.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// TCPProber considers the tunnel healthy when the local end accepts a TCP
// connection.
type TCPProber struct{}

// Probe dials addr and closes the connection immediately.
func (TCPProber) Probe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

const connectKey = "connect"

// Manager owns the single tunnel of the process. Concurrent callers of
// EnsureConnected converge on one connection attempt.
type Manager struct {
	cfg    Config
	dialer Dialer
	prober Prober
	logger *zap.Logger

	mu           sync.RWMutex
	state        State
	fwd          Forwarder
	connectedAt  time.Time
	generation   uint64
	failedProbes int
	listeners    []func(StatusEvent)

	connect singleflight.Group

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewManager creates a manager in the Disconnected state. No connection is
// attempted until EnsureConnected is called or the monitor is started.
func NewManager(cfg Config, dialer Dialer, prober Prober, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prober == nil {
		prober = TCPProber{}
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailedProbeThreshold <= 0 {
		cfg.FailedProbeThreshold = def.FailedProbeThreshold
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		prober: prober,
		logger: logger.With(zap.String("component", "tunnel")),
		state:  StateDisconnected,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// OnStatus registers fn to receive every state transition. fn is called
// synchronously and must not block.
func (m *Manager) OnStatus(fn func(StatusEvent)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Handle returns a snapshot of the current tunnel.
func (m *Manager) Handle() Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handleLocked()
}

func (m *Manager) handleLocked() Handle {
	return Handle{
		LocalAddr:   m.cfg.LocalAddr(),
		RemoteAddr:  m.cfg.RemoteAddr(),
		State:       m.state,
		ConnectedAt: m.connectedAt,
		Generation:  m.generation,
	}
}

// EnsureConnected returns immediately when the tunnel is Connected. Otherwise
// it attempts to establish the tunnel within timeout. A failed attempt leaves
// the manager Failed and returns an error wrapping ErrTunnelUnavailable.
func (m *Manager) EnsureConnected(ctx context.Context, timeout time.Duration) (Handle, error) {
	if h := m.Handle(); h.State == StateConnected {
		return h, nil
	}
	if timeout <= 0 {
		timeout = m.cfg.ConnectTimeout
	}

	// The attempt outlives any single caller so that callers joining it are
	// not failed by the first caller's cancellation.
	ch := m.connect.DoChan(connectKey, func() (interface{}, error) {
		if h := m.Handle(); h.State == StateConnected {
			return h, nil
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		m.transition(StateConnecting, "ensure_connected", 0)
		h, err := m.dial(actx)
		if err != nil {
			m.transition(StateFailed, err.Error(), 0)
			return Handle{}, err
		}
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, fmt.Errorf("%w: %w", ErrTunnelUnavailable, res.Err)
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return Handle{}, fmt.Errorf("%w: %w", ErrTunnelUnavailable, ctx.Err())
	}
}

// ReportBroken marks the tunnel of generation gen as Degraded after a caller
// observed a connection error through it. Reports about an older generation
// are ignored.
func (m *Manager) ReportBroken(gen uint64, reason string) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	ev, listeners, ok := m.setStateLocked(StateDegraded, reason, 0)
	m.mu.Unlock()
	if ok {
		m.publish(ev, listeners)
	}
}

// dial opens a new forwarding session and verifies it with a probe.
func (m *Manager) dial(ctx context.Context) (Handle, error) {
	m.mu.Lock()
	old := m.fwd
	m.fwd = nil
	m.mu.Unlock()
	// The local port is fixed, so the previous session must release it first.
	if old != nil {
		_ = old.Close()
	}

	fwd, err := m.dialer.Dial(ctx, m.cfg)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err = m.prober.Probe(pctx, m.cfg.LocalAddr())
		cancel()
		if err != nil {
			_ = fwd.Close()
			err = fmt.Errorf("probe after dial: %w", err)
		}
	}
	if err != nil {
		metrics.TunnelReconnects.WithLabelValues("failure").Inc()
		m.logger.Warn("Tunnel connection attempt failed",
			zap.String("ssh_addr", m.cfg.SSHAddr()),
			zap.Error(err),
		)
		return Handle{}, err
	}

	metrics.TunnelReconnects.WithLabelValues("success").Inc()
	m.mu.Lock()
	m.fwd = fwd
	m.generation++
	m.connectedAt = time.Now()
	m.failedProbes = 0
	ev, listeners, ok := m.setStateLocked(StateConnected, "established", 0)
	h := m.handleLocked()
	m.mu.Unlock()
	if ok {
		m.publish(ev, listeners)
	}
	return h, nil
}

// Start launches the background health monitor. It stops when ctx is done
// or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.monitor(ctx)
	})
}

func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-mctx.Done():
		}
	}()

	for {
		select {
		case <-mctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(mctx)
		}
	}
}

// checkOnce runs one health-check cycle. Failed and Disconnected tunnels are
// left alone until the next EnsureConnected call.
func (m *Manager) checkOnce(ctx context.Context) {
	state := m.State()
	if state != StateConnected && state != StateDegraded {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Probe(pctx, m.cfg.LocalAddr())
	cancel()

	if err == nil {
		m.mu.Lock()
		m.failedProbes = 0
		m.mu.Unlock()
		if state == StateDegraded {
			m.transition(StateConnected, "probe recovered", 0)
		}
		return
	}

	if state == StateConnected {
		m.mu.Lock()
		m.failedProbes++
		n := m.failedProbes
		m.mu.Unlock()
		m.logger.Debug("Tunnel probe failed", zap.Int("consecutive", n), zap.Error(err))
		if n < m.cfg.FailedProbeThreshold {
			return
		}
		m.transition(StateDegraded, fmt.Sprintf("%d consecutive failed probes", n), 0)
	}
	m.recover(ctx)
}

// recover runs one bounded reconnect episode from Degraded. Exhausting the
// attempt budget leaves the tunnel Failed.
func (m *Manager) recover(ctx context.Context) {
	backoff := retry.NewExponential(m.cfg.BackoffBase)
	backoff = retry.WithCappedDuration(m.cfg.BackoffMax, backoff)
	backoff = retry.WithMaxRetries(uint64(m.cfg.ReconnectAttempts-1), backoff) // #nosec G115 -- validated >= 1

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if m.State() == StateConnected {
			return nil
		}
		attempt++
		m.logger.Info("Reconnecting tunnel", zap.Int("attempt", attempt))
		_, err, _ := m.connect.Do(connectKey, func() (interface{}, error) {
			if h := m.Handle(); h.State == StateConnected {
				return h, nil
			}
			actx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
			defer cancel()
			return m.dial(actx)
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	m.transition(StateFailed, fmt.Sprintf("reconnect budget exhausted: %v", err), attempt)
}

// Close stops the monitor and tears down the forwarding session.
func (m *Manager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stop)
		// A monitor that was never started has nothing to wait for.
		m.startOnce.Do(func() { close(m.done) })
		<-m.done

		m.mu.Lock()
		fwd := m.fwd
		m.fwd = nil
		m.mu.Unlock()
		if fwd != nil {
			err = fwd.Close()
		}
		m.transition(StateDisconnected, "closed", 0)
	})
	return err
}

func (m *Manager) transition(to State, reason string, attempt int) {
	m.mu.Lock()
	ev, listeners, ok := m.setStateLocked(to, reason, attempt)
	m.mu.Unlock()
	if ok {
		m.publish(ev, listeners)
	}
}

func (m *Manager) setStateLocked(to State, reason string, attempt int) (StatusEvent, []func(StatusEvent), bool) {
	from := m.state
	if from == to {
		return StatusEvent{}, nil, false
	}
	m.state = to
	listeners := make([]func(StatusEvent), len(m.listeners))
	copy(listeners, m.listeners)
	return StatusEvent{From: from, To: to, Reason: reason, Attempt: attempt, At: time.Now()}, listeners, true
}

func (m *Manager) publish(ev StatusEvent, listeners []func(StatusEvent)) {
	metrics.TunnelState.Set(float64(ev.To))
	metrics.TunnelTransitions.WithLabelValues(ev.From.String(), ev.To.String()).Inc()

	fields := []zap.Field{
		zap.String("from", ev.From.String()),
		zap.String("to", ev.To.String()),
		zap.String("reason", ev.Reason),
	}
	if ev.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", ev.Attempt))
	}
	if ev.To == StateFailed || ev.To == StateDegraded {
		m.logger.Warn("Tunnel state changed", fields...)
	} else {
		m.logger.Info("Tunnel state changed", fields...)
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

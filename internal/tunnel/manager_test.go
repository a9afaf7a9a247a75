package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeForwarder struct{ closed atomic.Bool }

func (f *fakeForwarder) Close() error { f.closed.Store(true); return nil }

type fakeDialer struct {
	calls atomic.Int32
	delay time.Duration
	fail  atomic.Bool
}

func (d *fakeDialer) Dial(ctx context.Context, cfg Config) (Forwarder, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return &fakeForwarder{}, nil
}

type fakeProber struct{ fail atomic.Bool }

func (p *fakeProber) Probe(ctx context.Context, addr string) error {
	if p.fail.Load() {
		return errors.New("port not accessible")
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *recorder) record(ev StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.To)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SSHHost = "kb.example.internal"
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.ReconnectAttempts = 3
	return cfg
}

func newTestManager(t *testing.T, d Dialer, p Prober) (*Manager, *recorder) {
	t.Helper()
	m := NewManager(testConfig(), d, p, zaptest.NewLogger(t))
	rec := &recorder{}
	m.OnStatus(rec.record)
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

func TestEnsureConnectedEstablishesOnce(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, &fakeProber{})

	h, err := m.EnsureConnected(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, h.State)
	assert.Equal(t, "127.0.0.1:16060", h.LocalAddr)
	assert.Equal(t, "localhost:6060", h.RemoteAddr)
	assert.EqualValues(t, 1, h.Generation)

	// Already connected: no further dial.
	h2, err := m.EnsureConnected(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, h.Generation, h2.Generation)
	assert.EqualValues(t, 1, d.calls.Load())

	assert.Equal(t, []State{StateConnecting, StateConnected}, rec.states())
}

func TestEnsureConnectedConcurrentCallersConverge(t *testing.T) {
	d := &fakeDialer{delay: 50 * time.Millisecond}
	m, _ := newTestManager(t, d, &fakeProber{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.EnsureConnected(context.Background(), time.Second)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, d.calls.Load())
	assert.Equal(t, StateConnected, m.State())
}

func TestEnsureConnectedFailureIsTunnelUnavailable(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m, rec := newTestManager(t, d, &fakeProber{})

	_, err := m.EnsureConnected(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTunnelUnavailable)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, []State{StateConnecting, StateFailed}, rec.states())

	// Failed is not sticky: the next explicit call tries again.
	d.fail.Store(false)
	h, err := m.EnsureConnected(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, h.State)
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestEnsureConnectedProbeFailureAfterDial(t *testing.T) {
	p := &fakeProber{}
	p.fail.Store(true)
	m, _ := newTestManager(t, &fakeDialer{}, p)

	_, err := m.EnsureConnected(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrTunnelUnavailable)
	assert.Equal(t, StateFailed, m.State())
}

func TestEnsureConnectedBoundedByTimeout(t *testing.T) {
	d := &fakeDialer{delay: time.Second}
	m, _ := newTestManager(t, d, &fakeProber{})

	start := time.Now()
	_, err := m.EnsureConnected(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTunnelUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEnsureConnectedCallerCancellation(t *testing.T) {
	d := &fakeDialer{delay: 200 * time.Millisecond}
	m, _ := newTestManager(t, d, &fakeProber{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.EnsureConnected(ctx, time.Second)
	assert.ErrorIs(t, err, ErrTunnelUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared attempt keeps running for other callers.
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, 10*time.Millisecond)
}

func TestHealthMonitorDegradesAfterThreeFailedProbes(t *testing.T) {
	d := &fakeDialer{}
	p := &fakeProber{}
	m, rec := newTestManager(t, d, p)

	_, err := m.EnsureConnected(context.Background(), time.Second)
	require.NoError(t, err)

	p.fail.Store(true)
	ctx := context.Background()
	m.checkOnce(ctx)
	m.checkOnce(ctx)
	assert.Equal(t, StateConnected, m.State())

	// Third failure degrades and starts a reconnect episode; dialing works
	// but the probe keeps failing, so the episode exhausts its budget.
	m.checkOnce(ctx)
	assert.Equal(t, StateFailed, m.State())
	assert.EqualValues(t, 1+3, d.calls.Load())
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDegraded, StateFailed}, rec.states())

	// Failed tunnels are not retried in the background.
	m.checkOnce(ctx)
	assert.EqualValues(t, 4, d.calls.Load())
}

func TestHealthMonitorReconnectRecovers(t *testing.T) {
	d := &fakeDialer{}
	p := &fakeProber{}
	m, rec := newTestManager(t, d, p)
	_, err := m.EnsureConnected(context.Background(), time.Second)
	require.NoError(t, err)

	p.fail.Store(true)
	for i := 0; i < 2; i++ {
		m.checkOnce(context.Background())
	}
	// Remote comes back before the episode runs.
	var flips atomic.Int32
	m.OnStatus(func(ev StatusEvent) {
		if ev.To == StateDegraded && flips.Add(1) == 1 {
			p.fail.Store(false)
		}
	})
	m.checkOnce(context.Background())

	assert.Equal(t, StateConnected, m.State())
	assert.EqualValues(t, 2, m.Handle().Generation)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDegraded, StateConnected}, rec.states())
}

func TestDegradedProbeSuccessRestoresConnected(t *testing.T) {
	m, _ := newTestManager(t, &fakeDialer{}, &fakeProber{})
	h, err := m.EnsureConnected(context.Background(), time.Second)
	require.NoError(t, err)

	m.ReportBroken(h.Generation, "connection reset")
	assert.Equal(t, StateDegraded, m.State())

	m.checkOnce(context.Background())
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, h.Generation, m.Handle().Generation)
}

func TestReportBrokenIgnoresStaleGeneration(t *testing.T) {
	m, _ := newTestManager(t, &fakeDialer{}, &fakeProber{})
	h, err := m.EnsureConnected(context.Background(), time.Second)
	require.NoError(t, err)

	m.ReportBroken(h.Generation+1, "stale")
	assert.Equal(t, StateConnected, m.State())
}

func TestCloseTearsDownForwarder(t *testing.T) {
	var fwd *fakeForwarder
	d := dialerFunc(func(ctx context.Context, cfg Config) (Forwarder, error) {
		fwd = &fakeForwarder{}
		return fwd, nil
	})
	m := NewManager(testConfig(), d, &fakeProber{}, zaptest.NewLogger(t))
	m.Start(context.Background())

	_, err := m.EnsureConnected(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.True(t, fwd.closed.Load())
	assert.Equal(t, StateDisconnected, m.State())
	assert.NoError(t, m.Close())
}

type dialerFunc func(ctx context.Context, cfg Config) (Forwarder, error)

func (f dialerFunc) Dial(ctx context.Context, cfg Config) (Forwarder, error) { return f(ctx, cfg) }

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, TCPProber{}.Probe(ctx, addr))

	require.NoError(t, ln.Close())
	assert.Error(t, TCPProber{}.Probe(ctx, addr))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.SSHHost = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.LocalPort = 70000
	assert.Error(t, bad.Validate())

	assert.Equal(t, "kb.example.internal:22", cfg.SSHAddr())
}

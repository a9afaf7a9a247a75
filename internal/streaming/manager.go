package streaming

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/metrics"
)

// SystemStream carries process-wide events such as tunnel transitions.
const SystemStream = "system"

const (
	defaultCapacity  = 256
	defaultRetention = 15 * time.Minute
	storeTimeout     = 2 * time.Second
)

// Store persists events beyond the in-memory ring.
type Store interface {
	Append(ctx context.Context, evt Event) error
	Range(ctx context.Context, sessionID string, since uint64) ([]Event, error)
}

// Manager provides in-memory pub/sub for session events with per-session
// replay. Streams are append-only: once Complete is called nothing more is
// accepted for that session.
type Manager struct {
	mu          sync.Mutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	completed   map[string]time.Time
	capacity    int
	retention   time.Duration
	store       Store
	logger      *zap.Logger
	now         func() time.Time
}

// NewManager creates a manager. store may be nil.
func NewManager(capacity int, store Store, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		completed:   make(map[string]time.Time),
		capacity:    capacity,
		retention:   defaultRetention,
		store:       store,
		logger:      logger.With(zap.String("component", "streaming")),
		now:         time.Now,
	}
}

// SetRetention controls how long completed histories stay replayable in memory.
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.retention = d
	}
}

// Subscribe adds a subscriber channel for sessionID; caller must drain and call
// Unsubscribe. A completed session yields an already closed channel.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.completed[sessionID]; done {
		close(ch)
		return ch
	}
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish appends payload to the session stream and fans it out without
// blocking. It reports false when the stream was already completed.
func (m *Manager) Publish(ctx context.Context, sessionID string, payload Payload) (Event, bool) {
	m.mu.Lock()
	if _, done := m.completed[sessionID]; done {
		m.mu.Unlock()
		return Event{}, false
	}
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt := Event{
		SessionID: sessionID,
		Seq:       rg.nextSeq,
		Timestamp: m.now().UTC(),
		Payload:   payload,
	}
	rg.push(evt)
	dropped := 0
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type()).Inc()
	if dropped > 0 {
		metrics.EventsDropped.Add(float64(dropped))
		m.logger.Warn("Dropped event for slow subscribers",
			zap.String("session_id", sessionID),
			zap.String("type", evt.Type()),
			zap.Int("subscribers", dropped))
	}
	if m.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		if err := m.store.Append(sctx, evt); err != nil {
			m.logger.Warn("Failed to persist event",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", evt.Seq),
				zap.Error(err))
		}
		cancel()
	}
	return evt, true
}

// Complete closes the session stream and every subscriber channel.
func (m *Manager) Complete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.completed[sessionID]; done {
		return
	}
	m.completed[sessionID] = m.now()
	for ch := range m.subscribers[sessionID] {
		close(ch)
	}
	delete(m.subscribers, sessionID)
	m.sweepLocked()
}

// Completed reports whether the session stream has been closed.
func (m *Manager) Completed(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, done := m.completed[sessionID]
	return done
}

// ReplaySince returns events with Seq > since. The in-memory ring is used
// while it still holds the session; otherwise the store is consulted.
func (m *Manager) ReplaySince(ctx context.Context, sessionID string, since uint64) []Event {
	m.mu.Lock()
	rg := m.history[sessionID]
	var out []Event
	covered := false
	if rg != nil {
		out = rg.since(since)
		covered = rg.covers(since)
	}
	m.mu.Unlock()
	if covered || m.store == nil {
		return out
	}
	stored, err := m.store.Range(ctx, sessionID, since)
	if err != nil {
		m.logger.Warn("Failed to replay events from store",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return out
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Seq < stored[j].Seq })
	return stored
}

func (m *Manager) sweepLocked() {
	cutoff := m.now().Add(-m.retention)
	for id, at := range m.completed {
		if at.Before(cutoff) {
			delete(m.completed, id)
			delete(m.history, id)
		}
	}
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// covers reports whether every event after seq is still in the buffer.
func (r *ring) covers(seq uint64) bool {
	if r.count == 0 {
		return r.nextSeq == 0
	}
	return r.buf[r.start].Seq <= seq+1
}

package research

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/metrics"
	"github.com/Kocoro-lab/prosearch/internal/planner"
	"github.com/Kocoro-lab/prosearch/internal/streaming"
)

var (
	// ErrShuttingDown rejects submissions after Shutdown started.
	ErrShuttingDown = errors.New("research service is shutting down")
	// ErrSessionTimeout fails sessions that outlive the configured timeout.
	ErrSessionTimeout = errors.New("research session timed out")
)

const (
	defaultRetention = time.Hour
	archiveTimeout   = 5 * time.Second
)

// EventStream is the event sink a Service publishes to and closes.
type EventStream interface {
	Publisher
	Complete(sessionID string)
}

// Archive stores finished sessions.
type Archive interface {
	Save(ctx context.Context, v View) error
}

// Request is a research submission. Messages, when present, take precedence
// over Query and supply conversation context.
type Request struct {
	Query    string    `json:"query"`
	Messages []Message `json:"messages,omitempty"`
	Effort   string    `json:"effort"`
}

// Service owns live sessions: it starts them, cancels them and answers
// lookups.
type Service struct {
	orch    *Orchestrator
	events  EventStream
	archive Archive
	logger  *zap.Logger
	now     func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	sessions  map[string]*Session
	budgets   planner.EffortTable
	retention time.Duration
	timeout   time.Duration
	closed    bool
}

// NewService creates a service. archive may be nil.
func NewService(orch *Orchestrator, events EventStream, budgets planner.EffortTable, archive Archive, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if budgets == nil {
		budgets = planner.DefaultEffortTable()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		orch:      orch,
		events:    events,
		archive:   archive,
		logger:    logger.With(zap.String("component", "research_service")),
		now:       time.Now,
		baseCtx:   ctx,
		stop:      stop,
		sessions:  make(map[string]*Session),
		budgets:   budgets,
		retention: defaultRetention,
	}
}

// SetBudgets replaces the effort table used by future submissions.
func (svc *Service) SetBudgets(t planner.EffortTable) {
	if t == nil {
		return
	}
	svc.mu.Lock()
	svc.budgets = t
	svc.mu.Unlock()
	svc.logger.Info("Effort budgets updated",
		zap.Any("low", t.Budget(planner.EffortLow)),
		zap.Any("medium", t.Budget(planner.EffortMedium)),
		zap.Any("high", t.Budget(planner.EffortHigh)))
}

// SetSessionTimeout bounds the wall time of future sessions. Zero disables
// the bound.
func (svc *Service) SetSessionTimeout(d time.Duration) {
	svc.mu.Lock()
	svc.timeout = d
	svc.mu.Unlock()
}

// Submit validates req and starts a session in the background.
func (svc *Service) Submit(req Request) (*Session, error) {
	query, topic := strings.TrimSpace(req.Query), strings.TrimSpace(req.Query)
	if len(req.Messages) > 0 {
		topic = ResearchTopic(req.Messages)
		query = lastUserMessage(req.Messages)
	}
	if topic == "" || query == "" {
		return nil, ErrEmptyQuery
	}
	effort, err := planner.ParseEffort(req.Effort)
	if err != nil {
		return nil, err
	}

	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		return nil, ErrShuttingDown
	}
	svc.sweepLocked()
	s := newSession(uuid.NewString(), query, topic, effort, svc.budgets.Budget(effort), svc.now())
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if svc.timeout > 0 {
		ctx, cancel = context.WithTimeout(svc.baseCtx, svc.timeout)
	} else {
		ctx, cancel = context.WithCancel(svc.baseCtx)
	}
	s.cancel = cancel
	svc.sessions[s.ID] = s
	svc.wg.Add(1)
	svc.mu.Unlock()

	metrics.SessionsSubmitted.WithLabelValues(string(effort)).Inc()
	svc.logger.Info("Research session submitted",
		zap.String("session_id", s.ID),
		zap.String("effort", string(effort)),
		zap.Int("initial_queries", s.Budget.InitialQueries),
		zap.Int("max_loops", s.Budget.MaxLoops))

	go svc.run(ctx, s)
	return s, nil
}

func (svc *Service) run(ctx context.Context, s *Session) {
	defer svc.wg.Done()
	defer s.cancel()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	start := svc.now()
	err := svc.orch.Run(ctx, s)
	status := "completed"
	if errors.Is(err, ErrSessionCancelled) && errors.Is(ctx.Err(), context.DeadlineExceeded) && s.State() != StateCancelled {
		err = ErrSessionTimeout
		svc.events.Publish(ctx, s.ID, streaming.SessionFailed{Error: err.Error()})
	}
	switch {
	case errors.Is(err, ErrSessionCancelled):
		s.markCancelled(svc.now())
		status = "cancelled"
	case err != nil:
		s.markFailed(err, svc.now())
		status = "failed"
	}
	svc.events.Complete(s.ID)

	v := s.View()
	metrics.RecordSessionMetrics(string(s.Effort), status, time.Since(start).Seconds(), v.LoopIndex)
	metrics.EvidenceCollected.WithLabelValues("web").Observe(float64(v.WebEvidence))
	metrics.EvidenceCollected.WithLabelValues("academic").Observe(float64(v.AcademicEvidence))

	if svc.archive != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		if aerr := svc.archive.Save(actx, v); aerr != nil {
			svc.logger.Warn("Failed to archive session", zap.String("session_id", s.ID), zap.Error(aerr))
		}
		cancel()
	}
	close(s.done)
}

// Session returns the live session with id.
func (svc *Service) Session(id string) (*Session, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	s, ok := svc.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Get returns a snapshot of session id.
func (svc *Service) Get(id string) (View, error) {
	s, err := svc.Session(id)
	if err != nil {
		return View{}, err
	}
	return s.View(), nil
}

// List returns snapshots of known sessions, newest first.
func (svc *Service) List() []View {
	svc.mu.RLock()
	out := make([]View, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		out = append(out, s.View())
	}
	svc.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel stops session id. Cancelling twice, or after the session finished,
// is a no-op.
func (svc *Service) Cancel(id string) error {
	s, err := svc.Session(id)
	if err != nil {
		return err
	}
	if !s.markCancelled(svc.now()) {
		return nil
	}
	// Completing the stream first guarantees no event follows the cancel.
	svc.events.Complete(id)
	s.cancel()
	svc.logger.Info("Research session cancelled", zap.String("session_id", id))
	return nil
}

// Shutdown cancels running sessions and waits for them to unwind.
func (svc *Service) Shutdown(ctx context.Context) error {
	svc.mu.Lock()
	svc.closed = true
	svc.mu.Unlock()
	svc.stop()

	done := make(chan struct{})
	go func() {
		svc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (svc *Service) sweepLocked() {
	cutoff := svc.now().Add(-svc.retention)
	for id, s := range svc.sessions {
		v := s.View()
		if v.FinishedAt != nil && v.FinishedAt.Before(cutoff) {
			delete(svc.sessions, id)
		}
	}
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if strings.EqualFold(m.Role, "assistant") || strings.EqualFold(m.Role, "ai") {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			return text
		}
	}
	return ""
}

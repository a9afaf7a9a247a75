// Package research runs the research loop: plan queries, search the web and
// the knowledge base in parallel, reflect on the evidence and either search
// again or synthesize a cited answer.
package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/planner"
)

var (
	// ErrSessionCancelled ends a session silently.
	ErrSessionCancelled = errors.New("research session cancelled")
	// ErrEmptyQuery rejects a submission with no usable text.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("research session not found")
)

// State is the orchestrator position of a session.
type State string

const (
	StatePlanning    State = "planning"
	StateResearching State = "researching"
	StateReflecting  State = "reflecting"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

var transitions = map[State][]State{
	StatePlanning:    {StateResearching},
	StateResearching: {StateReflecting},
	StateReflecting:  {StateResearching, StateFinalizing},
	StateFinalizing:  {StateDone},
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Message is one turn of the conversation a query came from.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResearchTopic flattens a conversation into the topic handed to the models.
// A single message is used as is; longer histories become "User: ..." and
// "Assistant: ..." lines.
func ResearchTopic(messages []Message) string {
	var turns []Message
	for _, m := range messages {
		if strings.TrimSpace(m.Content) != "" {
			turns = append(turns, m)
		}
	}
	switch len(turns) {
	case 0:
		return ""
	case 1:
		return strings.TrimSpace(turns[0].Content)
	}
	var b strings.Builder
	for _, m := range turns {
		switch strings.ToLower(m.Role) {
		case "assistant", "ai":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Session is one research run. It is owned by the Service that created it.
type Session struct {
	ID        string
	Query     string
	Topic     string
	Effort    planner.Effort
	Budget    planner.Budget
	CreatedAt time.Time

	evidence *evidence.Set
	cancel   context.CancelFunc
	done     chan struct{}

	mu         sync.RWMutex
	state      State
	loopIndex  int
	issued     map[string]struct{}
	answer     string
	citations  []evidence.Citation
	failure    string
	finishedAt time.Time
}

func newSession(id, query, topic string, effort planner.Effort, budget planner.Budget, now time.Time) *Session {
	return &Session{
		ID:        id,
		Query:     query,
		Topic:     topic,
		Effort:    effort,
		Budget:    budget,
		CreatedAt: now,
		evidence:  evidence.NewSet(),
		done:      make(chan struct{}),
		state:     StatePlanning,
		issued:    make(map[string]struct{}),
	}
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Evidence returns a copy of the evidence gathered so far.
func (s *Session) Evidence() []evidence.Item { return s.evidence.Items() }

func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCancelled {
		return ErrSessionCancelled
	}
	if !allowed(s.state, to) {
		return errors.New("invalid session transition " + string(s.state) + " -> " + string(to))
	}
	s.state = to
	return nil
}

// markCancelled moves a live session to Cancelled. It reports false when the
// session already finished.
func (s *Session) markCancelled(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state == StateCancelled
	}
	s.state = StateCancelled
	s.finishedAt = now
	return true
}

func (s *Session) markFailed(err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateFailed
	s.failure = err.Error()
	s.finishedAt = now
}

func (s *Session) complete(answer string, citations []evidence.Citation, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCancelled {
		return ErrSessionCancelled
	}
	if !allowed(s.state, StateDone) {
		return errors.New("invalid session transition " + string(s.state) + " -> " + string(StateDone))
	}
	s.answer = answer
	s.citations = citations
	s.state = StateDone
	s.finishedAt = now
	return nil
}

func (s *Session) setLoop(i int) {
	s.mu.Lock()
	s.loopIndex = i
	s.mu.Unlock()
}

// recordIssued remembers queries and returns their texts.
func (s *Session) recordIssued(queries []evidence.SearchQuery) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	texts := make([]string, 0, len(queries))
	for _, q := range queries {
		s.issued[q.Key()] = struct{}{}
		texts = append(texts, q.Text)
	}
	return texts
}

// nextBatch drops follow-ups that were already issued and caps the rest.
func (s *Session) nextBatch(followUps []evidence.SearchQuery, limit int) []evidence.SearchQuery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(followUps))
	var out []evidence.SearchQuery
	for _, q := range followUps {
		k := q.Key()
		if k == "" {
			continue
		}
		if _, ok := s.issued[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

// View is a read-only snapshot of a session.
type View struct {
	ID               string              `json:"id"`
	Query            string              `json:"query"`
	Effort           planner.Effort      `json:"effort"`
	State            State               `json:"state"`
	LoopIndex        int                 `json:"loop_index"`
	MaxLoops         int                 `json:"max_loops"`
	IssuedQueries    int                 `json:"issued_queries"`
	WebEvidence      int                 `json:"web_evidence"`
	AcademicEvidence int                 `json:"academic_evidence"`
	Answer           string              `json:"answer,omitempty"`
	Citations        []evidence.Citation `json:"citations,omitempty"`
	Error            string              `json:"error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	FinishedAt       *time.Time          `json:"finished_at,omitempty"`
}

// View returns a snapshot.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := View{
		ID:               s.ID,
		Query:            s.Query,
		Effort:           s.Effort,
		State:            s.state,
		LoopIndex:        s.loopIndex,
		MaxLoops:         s.Budget.MaxLoops,
		IssuedQueries:    len(s.issued),
		WebEvidence:      s.evidence.CountByKind(evidence.KindWeb),
		AcademicEvidence: s.evidence.CountByKind(evidence.KindAcademic),
		Answer:           s.answer,
		Citations:        append([]evidence.Citation(nil), s.citations...),
		Error:            s.failure,
		CreatedAt:        s.CreatedAt,
	}
	if !s.finishedAt.IsZero() {
		at := s.finishedAt
		v.FinishedAt = &at
	}
	return v
}

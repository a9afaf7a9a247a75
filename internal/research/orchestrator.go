package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/formatting"
	"github.com/Kocoro-lab/prosearch/internal/knowledgebase"
	"github.com/Kocoro-lab/prosearch/internal/llm"
	"github.com/Kocoro-lab/prosearch/internal/reflection"
	"github.com/Kocoro-lab/prosearch/internal/streaming"
	"github.com/Kocoro-lab/prosearch/internal/tracing"
)

// Planner produces the first batch of queries.
type Planner interface {
	Plan(ctx context.Context, topic string, count int) ([]evidence.SearchQuery, error)
}

// Reflector judges the evidence gathered so far.
type Reflector interface {
	Reflect(ctx context.Context, topic string, items []evidence.Item) (reflection.Verdict, error)
}

// WebSearcher returns web evidence for one query. Failures yield no items.
type WebSearcher interface {
	Search(ctx context.Context, query string) []evidence.Item
}

// KnowledgeBase returns academic evidence for one query with its status.
type KnowledgeBase interface {
	SearchDefault(ctx context.Context, query string) ([]evidence.Item, knowledgebase.Status)
}

// Synthesizer writes the final answer.
type Synthesizer interface {
	Answer(ctx context.Context, topic string, summaries []string, sources []llm.Source) (string, error)
}

// Publisher appends events to a session stream. Publish reports false once
// the stream has been completed.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, payload streaming.Payload) (streaming.Event, bool)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Planner       Planner
	Reflector     Reflector
	Web           WebSearcher
	KnowledgeBase KnowledgeBase
	Synthesizer   Synthesizer
	Events        Publisher
}

// Orchestrator drives sessions through plan, research, reflect and finalize.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger.With(zap.String("component", "orchestrator")),
		now:    time.Now,
	}
}

// Run executes s to completion. It returns nil when the answer was
// delivered, ErrSessionCancelled when ctx ended or the session was cancelled,
// and the model error when planning, reflection or synthesis failed.
func (o *Orchestrator) Run(ctx context.Context, s *Session) (err error) {
	ctx, span := tracing.StartSpan(ctx, "research.session", s.ID)
	defer span.End()
	span.SetAttributes(
		attribute.String("prosearch.effort", string(s.Effort)),
		attribute.Int("prosearch.max_loops", s.Budget.MaxLoops),
	)
	log := o.logger.With(zap.String("session_id", s.ID), zap.String("effort", string(s.Effort)))
	defer func() {
		if err != nil && !errors.Is(err, ErrSessionCancelled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	queries, err := o.deps.Planner.Plan(ctx, s.Topic, s.Budget.InitialQueries)
	if ctx.Err() != nil {
		return ErrSessionCancelled
	}
	if err != nil {
		return o.fail(ctx, s, fmt.Errorf("plan: %w", err))
	}
	loop := 1
	s.setLoop(loop)
	o.emit(ctx, s, streaming.QueriesGenerated{Queries: s.recordIssued(queries), LoopIndex: loop})
	log.Info("Research plan ready", zap.Int("queries", len(queries)))

	for {
		if err := s.advance(StateResearching); err != nil {
			return err
		}
		items := o.runBatch(ctx, s, queries)
		if ctx.Err() != nil {
			return ErrSessionCancelled
		}
		s.evidence.Add(items...)

		if err := s.advance(StateReflecting); err != nil {
			return err
		}
		verdict, rerr := o.deps.Reflector.Reflect(ctx, s.Topic, s.Evidence())
		if ctx.Err() != nil {
			return ErrSessionCancelled
		}
		if rerr != nil {
			return o.fail(ctx, s, rerr)
		}
		follow := make([]string, 0, len(verdict.FollowUpQueries))
		for _, q := range verdict.FollowUpQueries {
			follow = append(follow, q.Text)
		}
		o.emit(ctx, s, streaming.Reflection{
			IsSufficient:    verdict.IsSufficient,
			KnowledgeGap:    verdict.KnowledgeGap,
			FollowUpQueries: follow,
			LoopIndex:       loop,
		})

		if verdict.IsSufficient || loop >= s.Budget.MaxLoops {
			log.Info("Research loop finished",
				zap.Int("loop", loop),
				zap.Bool("sufficient", verdict.IsSufficient),
				zap.Int("evidence_items", s.evidence.Len()))
			break
		}
		next := s.nextBatch(verdict.FollowUpQueries, s.Budget.InitialQueries)
		if len(next) == 0 {
			log.Info("No new follow-up queries, finalizing", zap.Int("loop", loop))
			break
		}
		loop++
		s.setLoop(loop)
		queries = next
		o.emit(ctx, s, streaming.QueriesGenerated{Queries: s.recordIssued(queries), LoopIndex: loop})
	}

	return o.finalize(ctx, s, log)
}

// runBatch sends every query to each source it asks for. All calls are
// started before any is awaited, and one failing call does not stop the
// others. Results are merged in query order.
func (o *Orchestrator) runBatch(ctx context.Context, s *Session, queries []evidence.SearchQuery) []evidence.Item {
	ctx, span := tracing.StartSpan(ctx, "research.batch", s.ID)
	defer span.End()
	span.SetAttributes(attribute.Int("prosearch.queries", len(queries)))

	web := make([][]evidence.Item, len(queries))
	kb := make([][]evidence.Item, len(queries))
	var g errgroup.Group
	for i, q := range queries {
		if q.WantsWeb() && o.deps.Web != nil {
			g.Go(func() error {
				items := o.deps.Web.Search(ctx, q.Text)
				if ctx.Err() != nil {
					return nil
				}
				web[i] = items
				o.emit(ctx, s, streaming.WebProgress{Query: q.Text, SourceCount: len(items)})
				return nil
			})
		}
		if q.WantsKnowledgeBase() && o.deps.KnowledgeBase != nil {
			g.Go(func() error {
				items, status := o.deps.KnowledgeBase.SearchDefault(ctx, q.Text)
				if ctx.Err() != nil {
					return nil
				}
				kb[i] = items
				o.emit(ctx, s, streaming.KBProgress{Query: q.Text, Status: string(status), SourceCount: len(items)})
				return nil
			})
		}
	}
	_ = g.Wait()

	var out []evidence.Item
	for i := range queries {
		out = append(out, web[i]...)
		out = append(out, kb[i]...)
	}
	return out
}

func (o *Orchestrator) finalize(ctx context.Context, s *Session, log *zap.Logger) error {
	if err := s.advance(StateFinalizing); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "research.finalize", s.ID)
	defer span.End()

	items := s.Evidence()
	citations := evidence.BuildCitations(items)
	summaries := evidence.FormatSummaries(items, citations)
	sources := make([]llm.Source, 0, len(citations))
	for _, c := range citations {
		sources = append(sources, llm.Source{
			Number:   c.Number,
			Label:    c.Label,
			Locator:  c.Locator,
			Academic: c.Kind == evidence.KindAcademic,
		})
	}

	text, err := o.deps.Synthesizer.Answer(ctx, s.Topic, summaries, sources)
	if ctx.Err() != nil {
		return ErrSessionCancelled
	}
	if err != nil {
		return o.fail(ctx, s, fmt.Errorf("synthesize answer: %w", err))
	}
	body := formatting.StripSources(text)
	if unknown := formatting.UnknownCitations(body, citations); len(unknown) > 0 {
		log.Warn("Answer cites sources that were not provided", zap.Ints("numbers", unknown))
	}
	inline := len(formatting.CitedNumbers(body))
	text = formatting.FormatAnswer(text, citations)

	if _, ok := o.emit(ctx, s, streaming.FinalAnswer{Text: text, Citations: citations}); !ok {
		return ErrSessionCancelled
	}
	if err := s.complete(text, citations, o.now()); err != nil {
		return err
	}
	log.Info("Research session completed",
		zap.Int("citations", len(citations)),
		zap.Int("cited_inline", inline),
		zap.Int("academic_citations", countAcademic(citations)))
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, s *Session, err error) error {
	s.markFailed(err, o.now())
	o.emit(ctx, s, streaming.SessionFailed{Error: err.Error()})
	o.logger.Error("Research session failed", zap.String("session_id", s.ID), zap.Error(err))
	return err
}

func (o *Orchestrator) emit(ctx context.Context, s *Session, p streaming.Payload) (streaming.Event, bool) {
	if o.deps.Events == nil {
		return streaming.Event{}, true
	}
	return o.deps.Events.Publish(ctx, s.ID, p)
}

func countAcademic(cs []evidence.Citation) int {
	n := 0
	for _, c := range cs {
		if c.Kind == evidence.KindAcademic {
			n++
		}
	}
	return n
}

// Package reflection decides whether the evidence gathered so far answers
// the research topic and what to search next when it does not.
package reflection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/llm"
	"github.com/Kocoro-lab/prosearch/internal/util"
)

// Verdict is the outcome of one reflection pass. IsSufficient implies an
// empty FollowUpQueries.
type Verdict struct {
	IsSufficient    bool                   `json:"is_sufficient"`
	KnowledgeGap    string                 `json:"knowledge_gap,omitempty"`
	FollowUpQueries []evidence.SearchQuery `json:"follow_up_queries"`
}

// Reflector is the model capability used by Engine. llm.Client implements it.
type Reflector interface {
	Reflect(ctx context.Context, topic string, summaries []string) (llm.Reflection, error)
}

// Engine wraps the model call and enforces the verdict invariants.
type Engine struct {
	model  Reflector
	logger *zap.Logger
}

// New creates an engine.
func New(model Reflector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{model: model, logger: logger.With(zap.String("component", "reflection"))}
}

// Reflect evaluates items against topic. Model errors are returned to the
// caller, which treats them as fatal for the session.
func (e *Engine) Reflect(ctx context.Context, topic string, items []evidence.Item) (Verdict, error) {
	summaries := evidence.FormatSummaries(items, evidence.BuildCitations(items))
	raw, err := e.model.Reflect(ctx, topic, summaries)
	if err != nil {
		return Verdict{}, fmt.Errorf("reflect: %w", err)
	}
	v := Normalize(raw)
	e.logger.Info("Reflection verdict",
		zap.Bool("is_sufficient", v.IsSufficient),
		zap.Int("follow_ups", len(v.FollowUpQueries)),
		zap.Int("evidence_items", len(items)),
	)
	return v, nil
}

// Normalize converts a raw model verdict into a Verdict that satisfies the
// invariant: follow-ups are trimmed and deduplicated, and dropped entirely
// when the model says the evidence is sufficient.
func Normalize(raw llm.Reflection) Verdict {
	v := Verdict{IsSufficient: raw.IsSufficient, KnowledgeGap: raw.KnowledgeGap}
	if raw.IsSufficient {
		v.KnowledgeGap = ""
		return v
	}
	for _, q := range util.DedupeFold(raw.FollowUpQueries) {
		v.FollowUpQueries = append(v.FollowUpQueries, evidence.NewQuery(q))
	}
	return v
}

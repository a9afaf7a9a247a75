// Package planner turns a research topic into the initial batch of search
// queries.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/util"
)

// ErrInvalidCount is returned for a requested query count below one.
var ErrInvalidCount = errors.New("initial query count must be at least 1")

// QueryGenerator produces candidate query strings. llm.Client implements it.
type QueryGenerator interface {
	GenerateQueries(ctx context.Context, topic string, count int) ([]string, error)
}

// Planner guarantees the shape of the initial batch: exactly the requested
// number of distinct, non-empty queries.
type Planner struct {
	gen    QueryGenerator
	logger *zap.Logger
}

// New creates a planner.
func New(gen QueryGenerator, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{gen: gen, logger: logger.With(zap.String("component", "planner"))}
}

// Plan returns exactly count distinct queries for topic. A generator error is
// returned as is; the session cannot proceed without a plan.
func (p *Planner) Plan(ctx context.Context, topic string, count int) ([]evidence.SearchQuery, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("empty research topic")
	}

	raw, err := p.gen.GenerateQueries(ctx, topic, count)
	if err != nil {
		return nil, fmt.Errorf("generate queries: %w", err)
	}
	queries := util.DedupeFold(raw)

	// One more round for the shortfall before padding locally.
	if len(queries) < count {
		more, err := p.gen.GenerateQueries(ctx, topic, count-len(queries))
		if err != nil {
			p.logger.Warn("Second query generation round failed", zap.Error(err))
		} else {
			queries = util.DedupeFold(append(queries, more...))
		}
	}
	if len(queries) < count {
		p.logger.Info("Padding query batch", zap.Int("generated", len(queries)), zap.Int("wanted", count))
		queries = pad(queries, topic, count)
	}
	if len(queries) > count {
		queries = queries[:count]
	}

	out := make([]evidence.SearchQuery, len(queries))
	for i, q := range queries {
		out[i] = evidence.NewQuery(q)
	}
	return out, nil
}

var paddingAspects = []string{
	"",
	"latest research",
	"evidence review",
	"mechanisms",
	"risks and limitations",
	"clinical studies",
	"statistics",
	"expert consensus",
}

// pad fills queries up to count with topic-derived variants that are
// distinct from what is already there.
func pad(queries []string, topic string, count int) []string {
	base := strings.Join(strings.Fields(topic), " ")
	for i := 0; len(queries) < count; i++ {
		var candidate string
		if i < len(paddingAspects) {
			candidate = strings.TrimSpace(base + " " + paddingAspects[i])
		} else {
			candidate = fmt.Sprintf("%s (%d)", base, i-len(paddingAspects)+2)
		}
		if !util.ContainsFold(queries, candidate) {
			queries = append(queries, candidate)
		}
	}
	return queries
}

package websearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/faults"
	"github.com/Kocoro-lab/prosearch/internal/metrics"
)

// Researcher turns provider hits into web evidence. Provider failures never
// escape: a failing query contributes no evidence.
type Researcher struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewResearcher wraps provider with a per-query timeout.
func NewResearcher(provider Provider, timeout time.Duration, logger *zap.Logger) *Researcher {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Researcher{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "websearch")),
		now:      time.Now,
	}
}

// Search runs query and returns one evidence item per hit, in rank order.
func (r *Researcher) Search(ctx context.Context, query string) []evidence.Item {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.now()
	results, err := r.provider.Search(ctx, query)
	elapsed := time.Since(start)
	if err != nil {
		status := "error"
		if faults.IsTimeout(err) {
			status = "timeout"
		}
		metrics.RecordSourceMetrics(r.provider.Name(), status, elapsed.Seconds())
		r.logger.Warn("Web search failed, continuing without results",
			zap.String("query", query),
			zap.String("status", status),
			zap.Error(err),
		)
		return nil
	}
	metrics.RecordSourceMetrics(r.provider.Name(), "completed", elapsed.Seconds())

	now := r.now()
	items := make([]evidence.Item, 0, len(results))
	for i, res := range results {
		title := strings.TrimSpace(res.Title)
		if title == "" {
			title = fmt.Sprintf("Source %d", i+1)
		}
		items = append(items, evidence.Item{
			ID:          fmt.Sprintf("web-%d", i+1),
			Kind:        evidence.KindWeb,
			Query:       query,
			Content:     strings.TrimSpace(res.Snippet),
			Title:       title,
			Locator:     res.URL,
			RetrievedAt: now,
		})
	}
	r.logger.Debug("Web search finished", zap.String("query", query), zap.Int("results", len(items)))
	return items
}

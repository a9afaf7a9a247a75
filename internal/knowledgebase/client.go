// Package knowledgebase searches the academic document index that is
// reachable through the SSH tunnel.
package knowledgebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/prosearch/internal/citation"
	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/faults"
	"github.com/Kocoro-lab/prosearch/internal/metrics"
	"github.com/Kocoro-lab/prosearch/internal/tracing"
	"github.com/Kocoro-lab/prosearch/internal/tunnel"
)

const providerName = "knowledge_base"

// Tunnel is the part of tunnel.Manager the client depends on.
type Tunnel interface {
	EnsureConnected(ctx context.Context, timeout time.Duration) (tunnel.Handle, error)
	ReportBroken(gen uint64, reason string)
}

// Client issues similarity searches against the vector service.
type Client struct {
	cfg    Config
	tunnel Tunnel
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
	now    func() time.Time
}

// NewClient builds a client that reaches the service through tun.
func NewClient(cfg Config, tun Tunnel, httpClient *http.Client, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		// Per-call deadlines come from the request context.
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		tunnel: tun,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, circuitbreaker.DependencyKnowledgeBase, "knowledgebase", logger),
		logger: logger.With(zap.String("component", "knowledgebase")),
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// SearchDefault runs Search with the configured threshold, result cap and
// timeout.
func (c *Client) SearchDefault(ctx context.Context, query string) ([]evidence.Item, Status) {
	return c.Search(ctx, query, c.cfg.SimilarityThreshold, c.cfg.MaxResults, c.cfg.Timeout)
}

// Search never fails: an unavailable tunnel yields StatusError and a slow
// service yields StatusTimeout, both with no items, so the caller can carry
// on with web evidence alone.
func (c *Client) Search(ctx context.Context, query string, threshold float64, maxResults int, timeout time.Duration) ([]evidence.Item, Status) {
	start := c.now()
	log := c.logger.With(zap.String("query", query))
	log.Debug("Knowledge base search", zap.String("status", string(StatusInitializing)))

	items, status := c.search(ctx, log, query, threshold, maxResults, timeout)

	metrics.RecordSourceMetrics(providerName, string(status), time.Since(start).Seconds())
	log.Info("Knowledge base search finished",
		zap.String("status", string(status)),
		zap.Int("documents", len(items)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return items, status
}

func (c *Client) search(ctx context.Context, log *zap.Logger, query string, threshold float64, maxResults int, timeout time.Duration) ([]evidence.Item, Status) {
	h, err := c.tunnel.EnsureConnected(ctx, c.cfg.ConnectTimeout)
	if err != nil {
		log.Warn("Knowledge base unavailable, continuing without academic evidence", zap.Error(err))
		return nil, StatusError
	}

	req := queryRequest{
		Query:               query,
		MaxRetrieveDocs:     maxResults,
		SimilarityThreshold: threshold,
		EnableReflection:    c.cfg.EnableReflection,
	}

	log.Debug("Knowledge base search", zap.String("status", string(StatusSearching)))
	docs, err := c.query(ctx, c.baseURL(h), req, timeout)
	if err != nil && isConnectionError(err) {
		log.Warn("Connection error, re-establishing tunnel", zap.Error(err))
		c.tunnel.ReportBroken(h.Generation, err.Error())
		h, err = c.tunnel.EnsureConnected(ctx, c.cfg.ConnectTimeout)
		if err != nil {
			log.Warn("Tunnel re-establishment failed", zap.Error(err))
			return nil, StatusError
		}
		docs, err = c.query(ctx, c.baseURL(h), req, timeout)
	}
	if err != nil {
		if faults.IsTimeout(err) {
			log.Warn("Knowledge base search timed out", zap.Duration("timeout", timeout))
			return nil, StatusTimeout
		}
		log.Warn("Knowledge base search failed", zap.Error(err))
		return nil, StatusError
	}

	return c.toEvidence(query, docs, threshold, maxResults), StatusCompleted
}

func (c *Client) baseURL(h tunnel.Handle) string {
	if c.cfg.BaseURL != "" {
		return strings.TrimRight(c.cfg.BaseURL, "/")
	}
	return "http://" + h.LocalAddr
}

func (c *Client) query(ctx context.Context, base string, body queryRequest, timeout time.Duration) ([]Document, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	url := base + "/query"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, faults.NewProviderError(providerName, "query", resp.StatusCode, errors.New(strings.TrimSpace(string(snippet))))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.NewProviderError(providerName, "decode", resp.StatusCode, err)
	}
	if out.Error != "" {
		return nil, faults.NewProviderError(providerName, "query", resp.StatusCode, errors.New(out.Error))
	}
	return out.Documents, nil
}

// toEvidence drops documents below threshold, keeps the best maxResults and
// maps them into academic evidence with canonical locators.
func (c *Client) toEvidence(query string, docs []Document, threshold float64, maxResults int) []evidence.Item {
	kept := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.Score < threshold || strings.TrimSpace(d.Content) == "" {
			continue
		}
		kept = append(kept, d)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if maxResults > 0 && len(kept) > maxResults {
		kept = kept[:maxResults]
	}

	now := c.now()
	items := make([]evidence.Item, 0, len(kept))
	for _, d := range kept {
		raw := d.Path()
		items = append(items, evidence.Item{
			ID:          d.IDString(),
			Kind:        evidence.KindAcademic,
			Query:       query,
			Content:     d.Content,
			Locator:     citation.Rewrite(raw),
			RawPath:     raw,
			Score:       d.Score,
			RetrievedAt: now,
		})
	}
	return items
}

// isConnectionError reports failures that indicate the forwarded port is
// dead rather than the service misbehaving.
func isConnectionError(err error) bool {
	if err == nil || faults.IsTimeout(err) || errors.Is(err, faults.ErrProvider) || circuitbreaker.IsRejection(err) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

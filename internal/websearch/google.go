package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/prosearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/prosearch/internal/faults"
	"github.com/Kocoro-lab/prosearch/internal/tracing"
)

const googleProviderName = "google_cse"

// GoogleCSE queries the Google Custom Search JSON API.
type GoogleCSE struct {
	cfg     Config
	httpw   *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGoogleCSE builds a provider. Calls are throttled to cfg.RatePerSecond
// across all sessions so parallel batches do not exhaust the API quota.
func NewGoogleCSE(cfg Config, httpClient *http.Client, logger *zap.Logger) *GoogleCSE {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.ResultsPerCall <= 0 || cfg.ResultsPerCall > 10 {
		cfg.ResultsPerCall = def.ResultsPerCall
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &GoogleCSE{
		cfg:     cfg,
		httpw:   circuitbreaker.NewHTTPWrapper(httpClient, circuitbreaker.DependencyWebSearch, "websearch", logger),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger.With(zap.String("provider", googleProviderName)),
	}
}

// Name implements Provider.
func (g *GoogleCSE) Name() string { return googleProviderName }

type cseResponse struct {
	Items []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Search implements Provider.
func (g *GoogleCSE) Search(ctx context.Context, query string) ([]Result, error) {
	if g.cfg.EngineID == "" {
		return nil, faults.NewProviderError(googleProviderName, "search", 0, errors.New("search engine id (cx) is required"))
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("key", g.cfg.APIKey)
	params.Set("cx", g.cfg.EngineID)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(g.cfg.ResultsPerCall))
	endpoint := g.cfg.Endpoint + "?" + params.Encode()

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, g.cfg.Endpoint)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpw.Do(req)
	if err != nil {
		if faults.IsTimeout(err) {
			return nil, fmt.Errorf("%w: %w", faults.ErrSourceTimeout, err)
		}
		return nil, faults.NewProviderError(googleProviderName, "search", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, faults.NewProviderError(googleProviderName, "search", resp.StatusCode, errors.New(strings.TrimSpace(string(body))))
	}

	var out cseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.NewProviderError(googleProviderName, "decode", resp.StatusCode, err)
	}
	if out.Error != nil {
		return nil, faults.NewProviderError(googleProviderName, "search", out.Error.Code, errors.New(out.Error.Message))
	}

	results := make([]Result, 0, len(out.Items))
	for _, it := range out.Items {
		if it.Link == "" {
			continue
		}
		results = append(results, Result{URL: it.Link, Title: it.Title, Snippet: it.Snippet})
	}
	return results, nil
}

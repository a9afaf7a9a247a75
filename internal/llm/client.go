// Package llm calls the language model service used for query generation,
// reflection and answer synthesis.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/prosearch/internal/faults"
	"github.com/Kocoro-lab/prosearch/internal/metrics"
	"github.com/Kocoro-lab/prosearch/internal/tracing"
)

const providerName = "llm"

// Config configures the LLM service client.
type Config struct {
	ServiceURL   string        `mapstructure:"service_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   uint64        `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	QueryTier    string        `mapstructure:"query_tier"`
	ReflectTier  string        `mapstructure:"reflect_tier"`
	AnswerTier   string        `mapstructure:"answer_tier"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	AnswerTokens int           `mapstructure:"answer_tokens"`
}

// DefaultConfig mirrors the model split of the research agent: a small model
// writes queries, a medium one reflects and a large one answers.
func DefaultConfig() Config {
	return Config{
		ServiceURL:   "http://llm-service:8000",
		Timeout:      120 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
		QueryTier:    "small",
		ReflectTier:  "medium",
		AnswerTier:   "large",
		MaxTokens:    2048,
		AnswerTokens: 8192,
	}
}

// Client talks to the service's /agent/query endpoint.
type Client struct {
	cfg    Config
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
	now    func() time.Time
}

// NewClient creates a client. A nil httpClient gets one bounded by cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = def.ServiceURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.QueryTier == "" {
		cfg.QueryTier = def.QueryTier
	}
	if cfg.ReflectTier == "" {
		cfg.ReflectTier = def.ReflectTier
	}
	if cfg.AnswerTier == "" {
		cfg.AnswerTier = def.AnswerTier
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.AnswerTokens <= 0 {
		cfg.AnswerTokens = def.AnswerTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, circuitbreaker.DependencyLLM, "llm", logger),
		logger: logger.With(zap.String("component", "llm")),
		now:    time.Now,
	}
}

type agentRequest struct {
	Query       string                 `json:"query"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float64                `json:"temperature"`
	AgentID     string                 `json:"agent_id"`
	ModelTier   string                 `json:"model_tier"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

type agentResponse struct {
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	Error      string `json:"error,omitempty"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
	Provider   string `json:"provider"`
}

// completion is one successful model call.
type completion struct {
	Text       string
	TokensUsed int
	Model      string
}

type call struct {
	agentID     string
	system      string
	user        string
	temperature float64
	maxTokens   int
	tier        string
}

// complete sends one prompt, retrying transport failures and 5xx responses.
func (c *Client) complete(ctx context.Context, in call) (completion, error) {
	body, err := json.Marshal(agentRequest{
		Query:       in.user,
		MaxTokens:   in.maxTokens,
		Temperature: in.temperature,
		AgentID:     in.agentID,
		ModelTier:   in.tier,
		Context:     map[string]interface{}{"system_prompt": in.system},
	})
	if err != nil {
		return completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(c.cfg.ServiceURL, "/") + "/agent/query"

	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryBackoff))
	var out completion
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, callErr := c.post(ctx, url, in.agentID, body)
		if callErr != nil {
			if isRetryable(callErr) {
				c.logger.Debug("LLM call failed, retrying",
					zap.String("agent_id", in.agentID),
					zap.Int("attempt", attempt),
					zap.Error(callErr),
				)
				return retry.RetryableError(callErr)
			}
			return callErr
		}
		out = res
		return nil
	})
	if err != nil {
		metrics.RecordLLMMetrics(in.agentID, "error", 0)
		var pe *faults.ProviderError
		if errors.As(err, &pe) {
			return completion{}, err
		}
		return completion{}, faults.NewProviderError(providerName, in.agentID, 0, err)
	}
	metrics.RecordLLMMetrics(in.agentID, "success", out.TokensUsed)
	return out, nil
}

func (c *Client) post(ctx context.Context, url, agentID string, body []byte) (completion, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", agentID)
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return completion{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return completion{}, faults.NewProviderError(providerName, agentID, resp.StatusCode, errors.New(strings.TrimSpace(string(snippet))))
	}

	var ar agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return completion{}, faults.NewProviderError(providerName, agentID, resp.StatusCode, fmt.Errorf("failed to parse LLM response: %w", err))
	}
	if !ar.Success {
		msg := ar.Error
		if msg == "" {
			msg = "service reported failure"
		}
		return completion{}, faults.NewProviderError(providerName, agentID, resp.StatusCode, errors.New(msg))
	}
	return completion{Text: ar.Response, TokensUsed: ar.TokensUsed, Model: ar.ModelUsed}, nil
}

// isRetryable treats breaker rejections, 4xx responses and malformed bodies
// as final.
func isRetryable(err error) bool {
	if circuitbreaker.IsRejection(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *faults.ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500
	}
	return true
}

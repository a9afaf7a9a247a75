package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/faults"
	"github.com/Kocoro-lab/prosearch/internal/util"
)

// Reflection is the structured verdict returned by the reflection model.
type Reflection struct {
	IsSufficient    bool     `json:"is_sufficient"`
	KnowledgeGap    string   `json:"knowledge_gap"`
	FollowUpQueries []string `json:"follow_up_queries"`
}

// Source is one numbered citation offered to the answer model.
type Source struct {
	Number   int
	Label    string
	Locator  string
	Academic bool
}

type queryList struct {
	Rationale string   `json:"rationale"`
	Query     []string `json:"query"`
}

// GenerateQueries asks for count search queries about topic. The model may
// return fewer or duplicates; callers enforce the exact shape.
func (c *Client) GenerateQueries(ctx context.Context, topic string, count int) ([]string, error) {
	res, err := c.complete(ctx, call{
		agentID:     "query_generator",
		system:      queryWriterPrompt(c.now(), count),
		user:        "Research topic:\n" + topic,
		temperature: 1.0,
		maxTokens:   c.cfg.MaxTokens,
		tier:        c.cfg.QueryTier,
	})
	if err != nil {
		return nil, err
	}

	var ql queryList
	if err := decodeJSON(res.Text, &ql); err != nil {
		// A bare JSON array is also accepted.
		var arr []string
		if err2 := decodeJSON(res.Text, &arr); err2 != nil {
			return nil, faults.NewProviderError(providerName, "query_generator", 0, err)
		}
		ql.Query = arr
	}
	c.logger.Debug("Generated queries", zap.Int("requested", count), zap.Int("returned", len(ql.Query)))
	return ql.Query, nil
}

// Reflect judges whether summaries answer topic.
func (c *Client) Reflect(ctx context.Context, topic string, summaries []string) (Reflection, error) {
	res, err := c.complete(ctx, call{
		agentID:     "reflection",
		system:      reflectionPrompt(c.now()),
		user:        fmt.Sprintf("Research topic:\n%s\n\nSummaries:\n%s", topic, formatSummaries(summaries, "\n\n---\n\n")),
		temperature: 1.0,
		maxTokens:   c.cfg.MaxTokens,
		tier:        c.cfg.ReflectTier,
	})
	if err != nil {
		return Reflection{}, err
	}
	var r Reflection
	if err := decodeJSON(res.Text, &r); err != nil {
		return Reflection{}, faults.NewProviderError(providerName, "reflection", 0, err)
	}
	return r, nil
}

// Answer synthesizes the final answer text from summaries. The returned text
// carries [n] markers but no reference list.
func (c *Client) Answer(ctx context.Context, topic string, summaries []string, sources []Source) (string, error) {
	res, err := c.complete(ctx, call{
		agentID:     "answer",
		system:      answerPrompt(c.now()),
		user:        fmt.Sprintf("User context:\n%s\n\nSummaries:\n%s%s", topic, formatSummaries(summaries, "\n---\n\n"), formatSourceList(sources)),
		temperature: 0,
		maxTokens:   c.cfg.AnswerTokens,
		tier:        c.cfg.AnswerTier,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", faults.NewProviderError(providerName, "answer", 0, errors.New("empty answer"))
	}
	return text, nil
}

// decodeJSON parses the first JSON value in s, tolerating code fences and
// prose around it.
func decodeJSON(s string, v interface{}) error {
	s = util.StripCodeFence(s)
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON value in model output")
	}
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/prosearch/internal/faults"
)

func llmServer(t *testing.T, handle func(req agentRequest) (int, agentResponse)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/agent/query", r.URL.Path)
		var req agentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, req.AgentID, r.Header.Get("X-Agent-ID"))
		status, resp := handle(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(t *testing.T, url string) *Client {
	return NewClient(Config{ServiceURL: url, RetryBackoff: time.Millisecond, MaxRetries: 2}, nil, zaptest.NewLogger(t))
}

func TestGenerateQueries(t *testing.T) {
	srv, _ := llmServer(t, func(req agentRequest) (int, agentResponse) {
		assert.Equal(t, "query_generator", req.AgentID)
		assert.Equal(t, "small", req.ModelTier)
		assert.Contains(t, req.Context["system_prompt"], "exactly 3 search queries")
		assert.Contains(t, req.Query, "benefits of meditation")
		return http.StatusOK, agentResponse{
			Success:  true,
			Response: "```json\n{\"rationale\":\"r\",\"query\":[\"a\",\"b\",\"c\"]}\n```",
		}
	})
	c := newTestClient(t, srv.URL)
	qs, err := c.GenerateQueries(context.Background(), "benefits of meditation", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, qs)
}

func TestGenerateQueriesAcceptsBareArray(t *testing.T) {
	srv, _ := llmServer(t, func(req agentRequest) (int, agentResponse) {
		return http.StatusOK, agentResponse{Success: true, Response: `Here you go: ["x", "y"]`}
	})
	qs, err := newTestClient(t, srv.URL).GenerateQueries(context.Background(), "t", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, qs)
}

func TestReflect(t *testing.T) {
	srv, _ := llmServer(t, func(req agentRequest) (int, agentResponse) {
		assert.Equal(t, "reflection", req.AgentID)
		assert.Contains(t, req.Query, "first summary\n\n---\n\nsecond summary")
		return http.StatusOK, agentResponse{
			Success:  true,
			Response: `{"is_sufficient": false, "knowledge_gap": "dosage", "follow_up_queries": ["meditation dosage"]}`,
		}
	})
	r, err := newTestClient(t, srv.URL).Reflect(context.Background(), "topic", []string{"first summary", "second summary"})
	require.NoError(t, err)
	assert.False(t, r.IsSufficient)
	assert.Equal(t, "dosage", r.KnowledgeGap)
	assert.Equal(t, []string{"meditation dosage"}, r.FollowUpQueries)
}

func TestAnswerIncludesSourceList(t *testing.T) {
	srv, _ := llmServer(t, func(req agentRequest) (int, agentResponse) {
		assert.Equal(t, "answer", req.AgentID)
		assert.Equal(t, "large", req.ModelTier)
		assert.Zero(t, req.Temperature)
		assert.Contains(t, req.Query, "[1] Web Source: Mayo Clinic")
		assert.Contains(t, req.Query, "[2] Knowledge Base Document: paper_1")
		return http.StatusOK, agentResponse{Success: true, Response: "  Meditation reduces stress [1][2].  "}
	})
	text, err := newTestClient(t, srv.URL).Answer(context.Background(), "topic", []string{"s"}, []Source{
		{Number: 1, Label: "Mayo Clinic", Locator: "https://mayo.example"},
		{Number: 2, Label: "paper_1", Locator: "https://pubmed.ncbi.nlm.nih.gov/1/", Academic: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "Meditation reduces stress [1][2].", text)
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	srv, calls := llmServer(t, func(req agentRequest) (int, agentResponse) {
		if n.Add(1) < 3 {
			return http.StatusBadGateway, agentResponse{}
		}
		return http.StatusOK, agentResponse{Success: true, Response: `{"is_sufficient": true}`}
	})
	r, err := newTestClient(t, srv.URL).Reflect(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.True(t, r.IsSufficient)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := llmServer(t, func(req agentRequest) (int, agentResponse) {
		return http.StatusBadRequest, agentResponse{}
	})
	_, err := newTestClient(t, srv.URL).GenerateQueries(context.Background(), "t", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrProvider)
	assert.EqualValues(t, 1, calls.Load())
}

func TestMalformedOutputIsProviderError(t *testing.T) {
	srv, _ := llmServer(t, func(req agentRequest) (int, agentResponse) {
		return http.StatusOK, agentResponse{Success: true, Response: "I cannot help with that."}
	})
	_, err := newTestClient(t, srv.URL).Reflect(context.Background(), "t", nil)
	assert.ErrorIs(t, err, faults.ErrProvider)
}

func TestUnsuccessfulResponse(t *testing.T) {
	srv, _ := llmServer(t, func(req agentRequest) (int, agentResponse) {
		return http.StatusOK, agentResponse{Success: false, Error: "model overloaded"}
	})
	_, err := newTestClient(t, srv.URL).Answer(context.Background(), "t", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

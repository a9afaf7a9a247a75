package knowledgebase

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/tunnel"
)

type fakeTunnel struct {
	mu       sync.Mutex
	addrs    []string
	err      error
	ensures  int
	reported []uint64
}

func (f *fakeTunnel) EnsureConnected(ctx context.Context, timeout time.Duration) (tunnel.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if f.err != nil {
		return tunnel.Handle{}, f.err
	}
	idx := len(f.reported)
	if idx >= len(f.addrs) {
		idx = len(f.addrs) - 1
	}
	return tunnel.Handle{LocalAddr: f.addrs[idx], State: tunnel.StateConnected, Generation: uint64(idx + 1)}, nil
}

func (f *fakeTunnel) ReportBroken(gen uint64, reason string) {
	f.mu.Lock()
	f.reported = append(f.reported, gen)
	f.mu.Unlock()
}

func serverAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func kbServer(t *testing.T, docs []Document, check func(queryRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(queryResponse{Documents: docs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchTunnelUnavailableDegradesGracefully(t *testing.T) {
	var hit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit.Store(true) }))
	defer srv.Close()

	tun := &fakeTunnel{err: tunnel.ErrTunnelUnavailable}
	c := NewClient(Config{BaseURL: srv.URL}, tun, nil, zaptest.NewLogger(t))

	items, status := c.Search(context.Background(), "meditation", 0.6, 5, time.Second)
	assert.Empty(t, items)
	assert.Equal(t, StatusError, status)
	assert.False(t, hit.Load())
}

func TestSearchFiltersCapsAndRewrites(t *testing.T) {
	docs := []Document{
		{ID: float64(1), Content: "low score", Source: "/kb/a_100.md", Score: 0.4},
		{ID: "2", Content: "best", Source: "/kb/markdown_batch_1749466568_22284798_auto_22284798.md", Score: 0.95},
		{ID: 3, Content: "second", Source: "", Score: 0.8, Metadata: map[string]interface{}{"filename": "notes.md"}},
		{ID: 4, Content: "third", Source: "/kb/review_555.md", Score: 0.7},
		{ID: 5, Content: "   ", Source: "/kb/empty_1.md", Score: 0.99},
	}
	srv := kbServer(t, docs, func(req queryRequest) {
		assert.Equal(t, "meditation benefits", req.Query)
		assert.Equal(t, 2, req.MaxRetrieveDocs)
		assert.InDelta(t, 0.6, req.SimilarityThreshold, 1e-9)
		assert.False(t, req.EnableReflection)
	})

	c := NewClient(Config{}, &fakeTunnel{addrs: []string{serverAddr(srv)}}, nil, zaptest.NewLogger(t))
	items, status := c.Search(context.Background(), "meditation benefits", 0.6, 2, time.Second)
	require.Equal(t, StatusCompleted, status)
	require.Len(t, items, 2)

	assert.Equal(t, evidence.KindAcademic, items[0].Kind)
	assert.Equal(t, "2", items[0].ID)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/22284798/", items[0].Locator)
	assert.Equal(t, "/kb/markdown_batch_1749466568_22284798_auto_22284798.md", items[0].RawPath)
	assert.Equal(t, "meditation benefits", items[0].Query)

	assert.Equal(t, "3", items[1].ID)
	assert.Equal(t, "notes.md", items[1].Locator)
	assert.Equal(t, "notes.md", items[1].RawPath)
}

func TestSearchTimeoutReturnsTimeoutStatus(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{}, &fakeTunnel{addrs: []string{serverAddr(srv)}}, nil, zaptest.NewLogger(t))
	start := time.Now()
	items, status := c.Search(context.Background(), "slow", 0.6, 5, 50*time.Millisecond)
	assert.Empty(t, items)
	assert.Equal(t, StatusTimeout, status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSearchReconnectsOnceAfterConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := kbServer(t, []Document{{ID: 1, Content: "fresh", Source: "/kb/x_9.md", Score: 0.9}}, nil)
	tun := &fakeTunnel{addrs: []string{dead, serverAddr(srv)}}

	c := NewClient(Config{}, tun, nil, zaptest.NewLogger(t))
	items, status := c.Search(context.Background(), "q", 0.6, 5, time.Second)
	require.Equal(t, StatusCompleted, status)
	require.Len(t, items, 1)
	assert.Equal(t, []uint64{1}, tun.reported)
	assert.Equal(t, 2, tun.ensures)
}

func TestSearchServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "index offline", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tun := &fakeTunnel{addrs: []string{serverAddr(srv)}}
	c := NewClient(Config{}, tun, nil, zaptest.NewLogger(t))
	items, status := c.Search(context.Background(), "q", 0.6, 5, time.Second)
	assert.Empty(t, items)
	assert.Equal(t, StatusError, status)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, tun.reported)
}

func TestSearchDefaultUsesConfig(t *testing.T) {
	srv := kbServer(t, nil, func(req queryRequest) {
		assert.Equal(t, 5, req.MaxRetrieveDocs)
		assert.InDelta(t, 0.6, req.SimilarityThreshold, 1e-9)
	})
	c := NewClient(Config{BaseURL: srv.URL + "/"}, &fakeTunnel{addrs: []string{"unused"}}, nil, zaptest.NewLogger(t))
	items, status := c.SearchDefault(context.Background(), "q")
	assert.Empty(t, items)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 30*time.Second, c.Config().Timeout)
}

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/config"
	"github.com/Kocoro-lab/prosearch/internal/streaming"
	"github.com/Kocoro-lab/prosearch/internal/tunnel"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv(config.EnvConfigPath, "")
	cfg, err := config.NewLoader("").Load()
	require.NoError(t, err)
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Service.Shutdown(context.Background())
		a.Close(context.Background())
	})
	return a
}

func TestNewWithDefaults(t *testing.T) {
	a := newApp(t, defaultConfig(t))

	rec := httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"query":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/research", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	a := newApp(t, defaultConfig(t))
	admin := a.AdminHandler()

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuit_breakers")

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedisEventStoreIsWired(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := defaultConfig(t)
	cfg.Streaming.RedisURL = "redis://" + mr.Addr()
	a := newApp(t, cfg)

	a.Events.Publish(context.Background(), "s1", streaming.WebProgress{Query: "q", SourceCount: 2})
	assert.True(t, mr.Exists("prosearch:session:s1:events"))

	rec := httptest.NewRecorder()
	a.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Contains(t, rec.Body.String(), `"redis"`)
}

func TestInvalidRedisURLFails(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Streaming.RedisURL = "not-a-url"
	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestTunnelStatusReachesSystemStream(t *testing.T) {
	a := newApp(t, defaultConfig(t))

	// No ssh host: the dial fails validation and the manager reports it.
	_, err := a.Tunnel.EnsureConnected(context.Background(), 0)
	require.Error(t, err)

	events := a.Events.ReplaySince(context.Background(), streaming.SystemStream, 0)
	require.NotEmpty(t, events)
	first, ok := events[0].Payload.(streaming.TunnelStatus)
	require.True(t, ok)
	assert.Equal(t, tunnel.StateDisconnected.String(), first.From)
	assert.Equal(t, tunnel.StateConnecting.String(), first.To)
}

func TestDirectRouteIsAlwaysConnected(t *testing.T) {
	h, err := directRoute{}.EnsureConnected(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, tunnel.StateConnected, h.State)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(config.LoggingConfig{Level: "debug", Environment: "development"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = NewLogger(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))

	_, err = NewLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/prosearch/internal/planner"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 16060, cfg.Tunnel.LocalPort)
	assert.Equal(t, 6060, cfg.Tunnel.RemotePort)
	assert.Equal(t, 22, cfg.Tunnel.SSHPort)
	assert.Equal(t, 30*time.Second, cfg.Tunnel.KeepAliveInterval)
	assert.Equal(t, 0.6, cfg.KnowledgeBase.SimilarityThreshold)
	assert.Equal(t, 5, cfg.KnowledgeBase.MaxResults)
	assert.Equal(t, 30*time.Second, cfg.KnowledgeBase.Timeout)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, 5432, cfg.Database.Port)

	table, err := cfg.EffortTable()
	require.NoError(t, err)
	assert.Equal(t, planner.Budget{InitialQueries: 5, MaxLoops: 10}, table.Budget(planner.EffortHigh))
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := writeFile(t, "prosearch.yaml", `
tunnel:
  ssh_host: kb.example.org
  local_port: 17070
knowledge_base:
  max_results: 8
research:
  efforts:
    high:
      initial_queries: 4
      max_loops: 6
database:
  enabled: true
  host: db.internal
`)
	t.Setenv("TUNNEL_SSH_USER", "research")
	t.Setenv("KNOWLEDGE_BASE_TIMEOUT", "45s")
	t.Setenv("GOOGLE_API_KEY", "key-123")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "kb.example.org", cfg.Tunnel.SSHHost)
	assert.Equal(t, 17070, cfg.Tunnel.LocalPort)
	assert.Equal(t, "research", cfg.Tunnel.SSHUser)
	assert.Equal(t, 8, cfg.KnowledgeBase.MaxResults)
	assert.Equal(t, 45*time.Second, cfg.KnowledgeBase.Timeout)
	assert.Equal(t, "key-123", cfg.Web.APIKey)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "db.internal", cfg.Database.Host)

	table, err := cfg.EffortTable()
	require.NoError(t, err)
	assert.Equal(t, planner.Budget{InitialQueries: 4, MaxLoops: 6}, table.Budget(planner.EffortHigh))
	assert.Equal(t, planner.Budget{InitialQueries: 3, MaxLoops: 3}, table.Budget(planner.EffortMedium))
}

func TestInvalidEffortOverrideRejected(t *testing.T) {
	path := writeFile(t, "prosearch.yaml", `
research:
  efforts:
    low:
      initial_queries: 0
      max_loops: 1
`)
	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	assert.Error(t, err)
}

func TestEffortsFileIsMerged(t *testing.T) {
	efforts := writeFile(t, "efforts.yaml", "efforts:\n  low: {initial_queries: 2, max_loops: 2}\n")
	cfg := &Config{Research: ResearchConfig{EffortsFile: efforts}}
	table, err := cfg.EffortTable()
	require.NoError(t, err)
	assert.Equal(t, planner.Budget{InitialQueries: 2, MaxLoops: 2}, table.Budget(planner.EffortLow))
}

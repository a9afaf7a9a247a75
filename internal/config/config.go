// Package config loads prosearch settings from defaults, an optional YAML file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/prosearch/internal/db"
	"github.com/Kocoro-lab/prosearch/internal/knowledgebase"
	"github.com/Kocoro-lab/prosearch/internal/llm"
	"github.com/Kocoro-lab/prosearch/internal/planner"
	"github.com/Kocoro-lab/prosearch/internal/tracing"
	"github.com/Kocoro-lab/prosearch/internal/tunnel"
	"github.com/Kocoro-lab/prosearch/internal/websearch"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "PROSEARCH_CONFIG"

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminAddr       string        `mapstructure:"admin_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

type ResearchConfig struct {
	// EffortsFile is an optional YAML effort table, see planner.LoadEffortTable.
	EffortsFile    string                    `mapstructure:"efforts_file"`
	Efforts        map[string]planner.Budget `mapstructure:"efforts"`
	SessionTimeout time.Duration             `mapstructure:"session_timeout"`
}

type StreamingConfig struct {
	RingCapacity int           `mapstructure:"ring_capacity"`
	Retention    time.Duration `mapstructure:"retention"`
	RedisURL     string        `mapstructure:"redis_url"`
	RedisTTL     time.Duration `mapstructure:"redis_ttl"`
}

type DatabaseConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	db.Config `mapstructure:",squash"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// Config is the full process configuration.
type Config struct {
	Server        ServerConfig         `mapstructure:"server"`
	Logging       LoggingConfig        `mapstructure:"logging"`
	Tunnel        tunnel.Config        `mapstructure:"tunnel"`
	KnowledgeBase knowledgebase.Config `mapstructure:"knowledge_base"`
	Web           websearch.Config     `mapstructure:"web"`
	LLM           llm.Config           `mapstructure:"llm"`
	Research      ResearchConfig       `mapstructure:"research"`
	Streaming     StreamingConfig      `mapstructure:"streaming"`
	Database      DatabaseConfig       `mapstructure:"database"`
	Tracing       tracing.Config       `mapstructure:"tracing"`
	Health        HealthConfig         `mapstructure:"health"`
}

// EffortTable merges, in order, the built-in table, the efforts file and
// inline overrides.
func (c *Config) EffortTable() (planner.EffortTable, error) {
	table, err := planner.LoadEffortTable(c.Research.EffortsFile)
	if err != nil {
		return nil, err
	}
	for name, b := range c.Research.Efforts {
		e, err := planner.ParseEffort(name)
		if err != nil {
			return nil, err
		}
		if b.InitialQueries < 1 || b.MaxLoops < 1 {
			return nil, fmt.Errorf("effort %s: initial_queries and max_loops must be at least 1", e)
		}
		table[e] = b
	}
	return table, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.admin_addr", ":8081")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.environment", "production")

	t := tunnel.DefaultConfig()
	v.SetDefault("tunnel.ssh_host", t.SSHHost)
	v.SetDefault("tunnel.ssh_port", t.SSHPort)
	v.SetDefault("tunnel.ssh_user", t.SSHUser)
	v.SetDefault("tunnel.ssh_password", "")
	v.SetDefault("tunnel.ssh_key_path", "")
	v.SetDefault("tunnel.known_hosts_path", "")
	v.SetDefault("tunnel.local_port", t.LocalPort)
	v.SetDefault("tunnel.remote_host", t.RemoteHost)
	v.SetDefault("tunnel.remote_port", t.RemotePort)
	v.SetDefault("tunnel.connect_timeout", t.ConnectTimeout)
	v.SetDefault("tunnel.probe_interval", t.ProbeInterval)
	v.SetDefault("tunnel.probe_timeout", t.ProbeTimeout)
	v.SetDefault("tunnel.failed_probe_threshold", t.FailedProbeThreshold)
	v.SetDefault("tunnel.reconnect_attempts", t.ReconnectAttempts)
	v.SetDefault("tunnel.backoff_base", t.BackoffBase)
	v.SetDefault("tunnel.backoff_max", t.BackoffMax)
	v.SetDefault("tunnel.keepalive_interval", t.KeepAliveInterval)
	v.SetDefault("tunnel.keepalive_max_missed", t.KeepAliveMaxMissed)

	kb := knowledgebase.DefaultConfig()
	v.SetDefault("knowledge_base.base_url", "")
	v.SetDefault("knowledge_base.similarity_threshold", kb.SimilarityThreshold)
	v.SetDefault("knowledge_base.max_results", kb.MaxResults)
	v.SetDefault("knowledge_base.timeout", kb.Timeout)
	v.SetDefault("knowledge_base.connect_timeout", kb.ConnectTimeout)
	v.SetDefault("knowledge_base.enable_reflection", kb.EnableReflection)

	w := websearch.DefaultConfig()
	v.SetDefault("web.endpoint", w.Endpoint)
	v.SetDefault("web.api_key", "")
	v.SetDefault("web.engine_id", "")
	v.SetDefault("web.results_per_call", w.ResultsPerCall)
	v.SetDefault("web.timeout", w.Timeout)
	v.SetDefault("web.rate_per_second", w.RatePerSecond)
	v.SetDefault("web.burst", w.Burst)
	_ = v.BindEnv("web.api_key", "WEB_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("web.engine_id", "WEB_ENGINE_ID", "GOOGLE_CSE_ID")

	l := llm.DefaultConfig()
	v.SetDefault("llm.service_url", l.ServiceURL)
	v.SetDefault("llm.timeout", l.Timeout)
	v.SetDefault("llm.max_retries", l.MaxRetries)
	v.SetDefault("llm.retry_backoff", l.RetryBackoff)
	v.SetDefault("llm.query_tier", l.QueryTier)
	v.SetDefault("llm.reflect_tier", l.ReflectTier)
	v.SetDefault("llm.answer_tier", l.AnswerTier)
	v.SetDefault("llm.max_tokens", l.MaxTokens)
	v.SetDefault("llm.answer_tokens", l.AnswerTokens)
	_ = v.BindEnv("llm.service_url", "LLM_SERVICE_URL")

	v.SetDefault("research.efforts_file", "")
	v.SetDefault("research.session_timeout", 30*time.Minute)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.retention", 15*time.Minute)
	v.SetDefault("streaming.redis_url", "")
	v.SetDefault("streaming.redis_ttl", 24*time.Hour)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "prosearch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "prosearch")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.idle_connections", 2)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "prosearch")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("health.check_interval", 30*time.Second)
}

// Loader owns the viper instance so the file can be watched after loading.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader reads from path, or from PROSEARCH_CONFIG, or from
// ./config/prosearch.yaml when present.
func NewLoader(path string) *Loader {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("prosearch")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}
	return &Loader{v: v, path: path}
}

// Load reads the file (if any) and decodes the merged configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Tunnel.SSHHost != "" {
		if err := c.Tunnel.Validate(); err != nil {
			return nil, err
		}
	}
	if _, err := c.EffortTable(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ConfigFile reports the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string { return l.v.ConfigFileUsed() }

// Load is shorthand for NewLoader("").Load().
func Load() (*Config, error) {
	return NewLoader("").Load()
}

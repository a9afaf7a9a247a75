package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Dependency names used for breaker configuration, metrics labels and logs.
const (
	DependencyKnowledgeBase = "knowledge_base"
	DependencyWebSearch     = "web_search"
	DependencyLLM           = "llm"
	DependencyRedis         = "redis"
	DependencyDatabase      = "database"
)

// CircuitBreakerConfig is the environment-facing form of Config.
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

var dependencyDefaults = map[string]CircuitBreakerConfig{
	// The knowledge base sits behind an SSH tunnel; reconnects are handled by
	// the tunnel manager so the breaker only needs to absorb sustained 5xx.
	DependencyKnowledgeBase: {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 20 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	DependencyWebSearch:     {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	DependencyLLM:           {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	DependencyRedis:         {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	DependencyDatabase:      {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
}

// ConfigFor returns breaker settings for dependency, reading overrides from
// CB_<DEPENDENCY>_MAX_REQUESTS, _INTERVAL, _TIMEOUT, _FAILURE_THRESHOLD and
// _SUCCESS_THRESHOLD.
func ConfigFor(dependency string) CircuitBreakerConfig {
	def, ok := dependencyDefaults[dependency]
	if !ok {
		d := DefaultConfig()
		def = CircuitBreakerConfig{
			MaxRequests:      d.MaxRequests,
			Interval:         d.Interval,
			Timeout:          d.Timeout,
			FailureThreshold: d.FailureThreshold,
			SuccessThreshold: d.SuccessThreshold,
		}
	}
	prefix := "CB_" + strings.ToUpper(dependency) + "_"
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32(prefix+"MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(prefix+"INTERVAL", def.Interval),
		Timeout:          getEnvDuration(prefix+"TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(prefix+"FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

// ToConfig converts CircuitBreakerConfig to circuit breaker Config
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

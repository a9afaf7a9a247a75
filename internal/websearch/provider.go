// Package websearch fans planned queries out to a web search provider and
// normalizes the hits into web evidence.
package websearch

import (
	"context"
	"time"
)

// Result is one ranked hit returned by a provider.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Provider runs a single web query.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) ([]Result, error)
}

// Config configures the Google Custom Search provider and the researcher
// wrapped around it.
type Config struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	EngineID       string        `mapstructure:"engine_id"`
	ResultsPerCall int           `mapstructure:"results_per_call"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "https://www.googleapis.com/customsearch/v1",
		ResultsPerCall: 10,
		Timeout:        20 * time.Second,
		RatePerSecond:  5,
		Burst:          10,
	}
}

package knowledgebase

import (
	"fmt"
	"time"
)

// Status is the progress of one knowledge-base search as surfaced to
// observers. Only timeout and error change control flow, and both resolve to
// an empty result.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusSearching    Status = "searching"
	StatusTimeout      Status = "timeout"
	StatusError        Status = "error"
	StatusCompleted    Status = "completed"
)

// Config configures the knowledge-base client.
type Config struct {
	// BaseURL overrides the tunnel's local address, mainly for tests.
	BaseURL             string        `mapstructure:"base_url"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	MaxResults          int           `mapstructure:"max_results"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	EnableReflection    bool          `mapstructure:"enable_reflection"`
}

// DefaultConfig matches the deployed vector service: 5 documents above 0.6
// similarity within 30 seconds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.6,
		MaxResults:          5,
		Timeout:             30 * time.Second,
		ConnectTimeout:      15 * time.Second,
	}
}

type queryRequest struct {
	Query               string  `json:"query"`
	MaxRetrieveDocs     int     `json:"max_retrieve_docs"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	EnableReflection    bool    `json:"enable_reflection"`
}

type queryResponse struct {
	Documents []Document `json:"documents"`
	Error     string     `json:"error,omitempty"`
}

// Document is one hit returned by the vector service.
type Document struct {
	ID       interface{}       `json:"id"`
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Score    float64           `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IDString renders the document id, which the service emits as either a
// number or a string.
func (d Document) IDString() string {
	switch v := d.ID.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

// Path returns the raw document path, falling back to the filename metadata.
func (d Document) Path() string {
	if d.Source != "" {
		return d.Source
	}
	if name, ok := d.Metadata["filename"].(string); ok {
		return name
	}
	return ""
}

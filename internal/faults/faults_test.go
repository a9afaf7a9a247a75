package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("web search: %w", NewProviderError("google_cse", "search", 503, errors.New("unavailable")))

	assert.True(t, errors.Is(err, ErrProvider))
	var pe *ProviderError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, 503, pe.StatusCode)
	assert.Contains(t, err.Error(), "status 503")
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("kb: %w", ErrSourceTimeout)))
	assert.False(t, IsTimeout(context.Canceled))
	assert.False(t, IsTimeout(nil))
	assert.False(t, IsTimeout(NewProviderError("llm", "query", 0, nil)))
}

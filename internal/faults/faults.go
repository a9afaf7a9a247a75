// Package faults holds the error taxonomy shared by the research sources.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrSourceTimeout marks a single source query that exceeded its bound.
	ErrSourceTimeout = errors.New("source query timed out")
	// ErrProvider marks a failed call to a search or LLM provider.
	ErrProvider = errors.New("provider call failed")
)

// ProviderError records which provider failed and why.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProvider) match any ProviderError.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// NewProviderError wraps err for provider/op.
func NewProviderError(provider, op string, status int, err error) *ProviderError {
	if err == nil {
		err = errors.New("unexpected response")
	}
	return &ProviderError{Provider: provider, Op: op, StatusCode: status, Err: err}
}

// IsTimeout reports whether err came from a deadline rather than a failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSourceTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

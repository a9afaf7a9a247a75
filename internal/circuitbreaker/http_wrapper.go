package circuitbreaker

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker and records metrics consistently
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
}

// NewHTTPWrapper creates a wrapper for dependency, configured from ConfigFor.
func NewHTTPWrapper(client *http.Client, dependency, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(dependency, ConfigFor(dependency).ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(dependency, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: dependency, service: service}
}

// Do executes an HTTP request through the circuit breaker. 5xx responses count
// as breaker failures but are still returned to the caller with a nil error;
// 4xx responses do not trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return resp, nil
	}
	return resp, err
}

// State returns the breaker state for health checks.
func (hw *HTTPWrapper) State() State { return hw.cb.State() }

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }

package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func TestInitializeDisabled(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "plan", "s-1")
	defer span.End()
	assert.Empty(t, W3CTraceparent(ctx))
}

func TestInjectTraceparent(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)
	tracer = tp.Tracer("test")

	ctx, span := StartHTTPSpan(context.Background(), http.MethodPost, "http://127.0.0.1:16060/query")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://127.0.0.1:16060/query", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)

	tp0 := req.Header.Get("traceparent")
	require.NotEmpty(t, tp0)
	assert.Equal(t, "00-", tp0[:3])
	assert.Len(t, tp0, 55)
}

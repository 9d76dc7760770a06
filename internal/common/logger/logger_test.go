package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return zap.New(core), logs
}

func TestWithService(t *testing.T) {
	log, logs := observedLogger()

	WithService(log, "gateway-service").Info("started")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "gateway-service", logs.All()[0].ContextMap()["service"])
}

func TestWithUserID(t *testing.T) {
	log, logs := observedLogger()

	WithUserID(log, "user-123").Info("login")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "user-123", logs.All()[0].ContextMap()["user_id"])
}

func TestWithTraceContext_NoSpan(t *testing.T) {
	log, logs := observedLogger()

	WithTraceContext(log, context.Background()).Info("no trace")

	require.Equal(t, 1, logs.Len())
	assert.NotContains(t, logs.All()[0].ContextMap(), "trace_id")
}

func TestWithTraceContext_AddsTraceFields(t *testing.T) {
	log, logs := observedLogger()

	traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	WithTraceContext(log, ctx).Info("traced")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", fields["trace_id"])
	assert.Equal(t, "b7ad6b7169203331", fields["span_id"])
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	assert.Equal(t, zapcore.WarnLevel, levelFromEnv(true))

	t.Setenv("LOG_LEVEL", "")
	assert.Equal(t, zapcore.InfoLevel, levelFromEnv(true))
	assert.Equal(t, zapcore.DebugLevel, levelFromEnv(false))
}

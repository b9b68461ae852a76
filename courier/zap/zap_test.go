package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)

	return Wrap(zap.New(core)), logs
}

func TestLogger_LogWritesFields(t *testing.T) {
	logger, logs := newObserved(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelWarn, "record dead-lettered",
		logpkg.String("kind", "order.created"),
		logpkg.Err(errors.New("broker down")),
	)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "record dead-lettered", entry.Message)
	assert.Equal(t, "order.created", entry.ContextMap()["kind"])
	assert.Equal(t, "broker down", entry.ContextMap()["error"])
}

func TestLogger_AppendsTraceCorrelation(t *testing.T) {
	logger, logs := newObserved(zapcore.InfoLevel)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	logger.Log(ctx, logpkg.LevelInfo, "dispatch cycle")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, traceID.String(), logs.All()[0].ContextMap()["trace_id"])
	assert.Equal(t, spanID.String(), logs.All()[0].ContextMap()["span_id"])
}

func TestLogger_Enabled(t *testing.T) {
	logger, logs := newObserved(zapcore.InfoLevel)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))

	logger.Log(context.Background(), logpkg.LevelDebug, "dropped")
	assert.Equal(t, 0, logs.Len())
}

func TestLogger_WithKeepsFields(t *testing.T) {
	logger, logs := newObserved(zapcore.InfoLevel)

	child := logger.With(logpkg.String("component", "outbox"))
	child.Log(context.Background(), logpkg.LevelInfo, "started")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "outbox", logs.All()[0].ContextMap()["component"])
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Environment: EnvironmentLocal})
	require.ErrorIs(t, err, ErrOTelLibraryNameRequired)

	_, err = New(Config{Environment: "mars", OTelLibraryName: "courier"})
	require.Error(t, err)

	_, err = New(Config{Environment: EnvironmentProduction, Level: "loud", OTelLibraryName: "courier"})
	require.Error(t, err)

	logger, err := New(Config{Environment: EnvironmentProduction, OTelLibraryName: "courier"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, logger.Level().Level())
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelError, "nothing")
	})
}

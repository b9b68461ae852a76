package courier

import (
	"context"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type trackingKey struct{}

type tracking struct {
	logger log.Logger
	tracer trace.Tracer
}

func trackingFrom(ctx context.Context) tracking {
	if ctx == nil {
		return tracking{}
	}

	values, _ := ctx.Value(trackingKey{}).(tracking)

	return values
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := trackingFrom(ctx)
	values.logger = logger

	return context.WithValue(ctx, trackingKey{}, values)
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := trackingFrom(ctx)
	values.tracer = tracer

	return context.WithValue(ctx, trackingKey{}, values)
}

// LoggerFromContext returns the logger stored in ctx or a NopLogger.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if logger := trackingFrom(ctx).logger; !nilcheck.Interface(logger) {
		return logger
	}

	return log.NewNop()
}

// TracerFromContext returns the tracer stored in ctx or the global
// "courier.default" tracer.
//
//nolint:ireturn
func TracerFromContext(ctx context.Context) trace.Tracer {
	if tracer := trackingFrom(ctx).tracer; !nilcheck.Interface(tracer) {
		return tracer
	}

	return otel.Tracer("courier.default")
}

// NewTrackingFromContext returns the logger and tracer carried by ctx.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer) {
	return LoggerFromContext(ctx), TracerFromContext(ctx)
}

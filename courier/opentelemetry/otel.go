package opentelemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// ErrMissingServiceName is returned when Config.ServiceName is blank.
var ErrMissingServiceName = errors.New("telemetry service name is required")

// Config describes how telemetry is exported.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	DeploymentEnv     string
	CollectorEndpoint string
	Enabled           bool
}

// Telemetry owns the providers created by Setup.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	shutdown []func(context.Context) error
}

// Shutdown flushes and stops every provider. Errors are joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// newResource describes the service on top of the SDK defaults. The service
// attributes carry no schema URL so they merge with whatever schema the
// pinned SDK reports.
func newResource(cfg Config) (*sdkresource.Resource, error) {
	return sdkresource.Merge(sdkresource.Default(), sdkresource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
	))
}

// Setup builds tracer and meter providers and installs them globally with
// W3C trace context and baggage propagation. When cfg.Enabled is false the
// providers are created without exporters so instrumented code still runs.
func Setup(ctx context.Context, cfg Config, logger log.Logger) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		return nil, ErrMissingServiceName
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if !cfg.Enabled {
		logger.Log(ctx, log.LevelWarn, "telemetry export disabled")

		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)

		return &Telemetry{
			TracerProvider: tp,
			MeterProvider:  mp,
			shutdown:       []func(context.Context) error{tp.Shutdown, mp.Shutdown},
		}, nil
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)

		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	logger.Log(ctx, log.LevelInfo, "telemetry initialized",
		log.String("service", cfg.ServiceName),
		log.String("endpoint", cfg.CollectorEndpoint),
	)

	return &Telemetry{
		TracerProvider: tp,
		MeterProvider:  mp,
		shutdown:       []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}, nil
}

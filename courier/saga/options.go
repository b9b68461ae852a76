package saga

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier/codec"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CancellationPolicy decides what a cancelled context does to a running
// saga.
type CancellationPolicy int

const (
	// CancelHalt stops before the next step and leaves the instance RUNNING
	// so it can be resumed. Completed steps are not compensated.
	CancelHalt CancellationPolicy = iota
	// CancelCompensate treats cancellation as a failure of the next step and
	// compensates completed steps on a context detached from the
	// cancellation.
	CancelCompensate
)

func (policy CancellationPolicy) String() string {
	switch policy {
	case CancelHalt:
		return "halt"
	case CancelCompensate:
		return "compensate"
	default:
		return "unknown"
	}
}

func (policy CancellationPolicy) isValid() bool {
	return policy == CancelHalt || policy == CancelCompensate
}

type options struct {
	logger        libLog.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	serializer    any
	policy        CancellationPolicy
	now           func() time.Time
	newID         func() (string, error)
}

// Option configures an Orchestrator.
type Option func(*options)

// WithLogger sets the logger. Without it the logger carried by the call
// context is used.
func WithLogger(logger libLog.Logger) Option {
	return func(opts *options) {
		if !nilcheck.Interface(logger) {
			opts.logger = logger
		}
	}
}

// WithTracer sets the tracer. Without it the tracer carried by the call
// context is used.
func WithTracer(tracer trace.Tracer) Option {
	return func(opts *options) {
		if !nilcheck.Interface(tracer) {
			opts.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(opts *options) {
		if !nilcheck.Interface(provider) {
			opts.meterProvider = provider
		}
	}
}

// WithSerializer sets the payload serializer. It must match the
// orchestrator payload type; the default resolves codec.For.
func WithSerializer[T any](serializer codec.Serializer[T]) Option {
	return func(opts *options) {
		if !nilcheck.Interface(serializer) {
			opts.serializer = serializer
		}
	}
}

// WithCancellationPolicy selects how context cancellation is handled.
func WithCancellationPolicy(policy CancellationPolicy) Option {
	return func(opts *options) {
		opts.policy = policy
	}
}

// WithClock overrides time.Now for persisted timestamps.
func WithClock(now func() time.Time) Option {
	return func(opts *options) {
		if now != nil {
			opts.now = now
		}
	}
}

// WithIDGenerator overrides the generator used when Execute gets an empty id.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(opts *options) {
		if newID != nil {
			opts.newID = newID
		}
	}
}

func defaultOptions() options {
	return options{
		policy: CancelHalt,
		now:    time.Now,
		newID:  newSagaID,
	}
}

func newSagaID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

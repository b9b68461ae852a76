package saga

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	phaseExecute    = "execute"
	phaseCompensate = "compensate"
)

type sagaMetrics struct {
	executions   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

func newSagaMetrics(provider metric.MeterProvider) (sagaMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.saga")

	var (
		metrics sagaMetrics
		err     error
	)

	metrics.executions, err = meter.Int64Counter(
		"saga.executions",
		metric.WithDescription("Number of saga runs by the status they ended in"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return sagaMetrics{}, fmt.Errorf("create saga.executions counter: %w", err)
	}

	metrics.stepDuration, err = meter.Float64Histogram(
		"saga.step.duration",
		metric.WithDescription("Time taken by one step execution or compensation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return sagaMetrics{}, fmt.Errorf("create saga.step.duration histogram: %w", err)
	}

	return metrics, nil
}

func executionAttributes(sagaType string, status Status) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("saga.type", sagaType),
		attribute.String("saga.status", status.String()),
	)
}

func stepAttributes(sagaType, step, phase string, failed bool) metric.MeasurementOption {
	outcome := "success"
	if failed {
		outcome = "failure"
	}

	return metric.WithAttributes(
		attribute.String("saga.type", sagaType),
		attribute.String("saga.step", step),
		attribute.String("saga.phase", phase),
		attribute.String("saga.outcome", outcome),
	)
}

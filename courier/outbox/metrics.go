package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	published         metric.Int64Counter
	failed            metric.Int64Counter
	deadLettered      metric.Int64Counter
	skipped           metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	swept             metric.Int64Counter
	dispatchLatency   metric.Float64Histogram
	batchSize         metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&metrics.published, "outbox.records.published", "Number of outbox records published and marked processed"},
		{&metrics.failed, "outbox.records.failed", "Number of failed publish attempts scheduled for retry"},
		{&metrics.deadLettered, "outbox.records.dead_lettered", "Number of outbox records moved to dead letter"},
		{&metrics.skipped, "outbox.records.skipped", "Number of outbox records skipped because the circuit breaker refused the attempt"},
		{&metrics.stateUpdateFailed, "outbox.records.state_update_failed", "Number of outbox records whose outcome could not be persisted"},
		{&metrics.swept, "outbox.records.swept", "Number of processed outbox records deleted by the retention sweep"},
	}

	for _, counter := range counters {
		*counter.target, err = meter.Int64Counter(
			counter.name,
			metric.WithDescription(counter.description),
			metric.WithUnit("{record}"),
		)
		if err != nil {
			return dispatcherMetrics{}, fmt.Errorf("create %s counter: %w", counter.name, err)
		}
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchSize, err = meter.Int64Gauge(
		"outbox.batch.size",
		metric.WithDescription("Number of outbox records fetched in the latest dispatch cycle"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.batch.size gauge: %w", err)
	}

	return metrics, nil
}

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/circuitbreaker"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Dispatcher publishes due outbox records through a Transport.
type Dispatcher struct {
	store           Store
	transport       Transport
	gate            Gate
	locker          CycleLocker
	retryClassifier RetryClassifier
	logger          libLog.Logger
	tracer          trace.Tracer
	cfg             DispatcherConfig
	now             func() time.Time

	fetchFailures   int
	fetchFailuresMu sync.Mutex

	stop       chan struct{}
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup
	cycleMu    sync.Mutex

	metrics dispatcherMetrics
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Fetched           int
	Published         int
	Failed            int
	DeadLettered      int
	Skipped           int
	StateUpdateFailed int
	Swept             int64
}

// NewDispatcher creates a dispatcher. When no gate is injected with
// WithBreaker, a circuit breaker is built from the configured thresholds.
func NewDispatcher(
	store Store,
	transport Transport,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("courier.noop")
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	dispatcher := &Dispatcher{
		store:           store,
		transport:       transport,
		retryClassifier: DefaultRetryClassifier,
		logger:          logger,
		tracer:          tracer,
		cfg:             DefaultDispatcherConfig(),
		now:             time.Now,
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.gate == nil {
		dispatcher.gate = circuitbreaker.New("outbox.transport", dispatcher.cfg.Breaker, logger)
	}

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the normalized configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run() error {
	return dispatcher.RunContext(context.Background())
}

// RunContext dispatches once immediately, then once per ProcessingInterval,
// until Stop is called or ctx is cancelled. An in-flight cycle is never cut
// short by cancellation.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.transport == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)

	stop, ok := dispatcher.registerRun(cancel)
	if !ok {
		cancel()

		return ErrDispatcherRunning
	}

	defer cancel()
	defer dispatcher.clearRun()

	if isClosedSignal(stop) {
		dispatcher.logger.Log(ctx, libLog.LevelInfo, "outbox dispatcher stopped before start")

		return nil
	}

	dispatcher.logger.Log(ctx, libLog.LevelInfo, "outbox dispatcher started",
		libLog.Duration("interval", dispatcher.cfg.ProcessingInterval),
		libLog.Int("batch_size", dispatcher.cfg.BatchSize),
	)
	defer dispatcher.logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher stopped")

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.ProcessingInterval)
	defer ticker.Stop()

	dispatcher.runCycle(ctx, "dispatcher_initial")

	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runCycle(ctx, "dispatcher_tick")
		}
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context, name string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	cycleCtx := context.WithoutCancel(ctx)
	defer runtime.RecoverAndLogWithContext(cycleCtx, dispatcher.logger, "outbox", name)

	dispatcher.DispatchOnce(cycleCtx)
}

// Stop signals the dispatcher loop to stop. A Stop issued before
// RunContext makes that run return without dispatching.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.runStateMu.Lock()
	cancel := dispatcher.cancelFunc

	if dispatcher.stop == nil {
		dispatcher.stop = make(chan struct{})
	}

	if !isClosedSignal(dispatcher.stop) {
		close(dispatcher.stop)
	}
	dispatcher.runStateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Shutdown stops the loop and waits for the in-flight cycle to finish or
// ctx to expire.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs a single cycle: fetch, publish, record outcomes and
// sweep. Per-record errors are logged and counted, never returned.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.transport == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.cycleMu.Lock()
	defer dispatcher.cycleMu.Unlock()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	if dispatcher.locker != nil {
		release, acquired, err := dispatcher.locker.TryLock(ctx, dispatcher.cfg.CycleLockKey)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "failed to acquire dispatch lock", err)
			libLog.SafeError(dispatcher.logger, ctx, "failed to acquire outbox dispatch lock", err, false)

			return DispatchResult{}
		}

		if !acquired {
			dispatcher.logger.Log(ctx, libLog.LevelDebug, "outbox dispatch lock held elsewhere; skipping cycle")
			span.SetAttributes(attribute.Bool("outbox.dispatch.lock_contended", true))

			return DispatchResult{}
		}

		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				libLog.SafeError(dispatcher.logger, ctx, "failed to release outbox dispatch lock", err, false)
			}
		}()
	}

	start := dispatcher.now()

	records, err := dispatcher.store.FetchDueBatch(ctx, dispatcher.cfg.BatchSize)
	if err != nil {
		dispatcher.handleFetchError(ctx, span, err)

		return DispatchResult{}
	}

	dispatcher.clearFetchFailures()

	result := DispatchResult{Fetched: len(records)}
	dispatcher.metrics.batchSize.Record(ctx, int64(len(records)))

	for i, record := range records {
		if record == nil {
			continue
		}

		if ctx.Err() != nil {
			dispatcher.releaseAll(ctx, records[i:])

			break
		}

		if !dispatcher.gate.AllowAttempt() {
			dispatcher.skip(ctx, record)

			result.Skipped++

			continue
		}

		publishErr := dispatcher.publish(ctx, record)
		dispatcher.gate.RecordOutcome(publishErr == nil)

		if publishErr == nil {
			dispatcher.handlePublished(ctx, record, &result)

			continue
		}

		dispatcher.handlePublishError(ctx, record, publishErr, &result)
	}

	if dispatcher.cfg.DeleteProcessedMessages {
		result.Swept = dispatcher.sweep(ctx, span)
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, dispatcher.now().Sub(start).Seconds())

	span.SetAttributes(
		attribute.Int("outbox.dispatch.fetched", result.Fetched),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.dead_lettered", result.DeadLettered),
		attribute.Int("outbox.dispatch.skipped", result.Skipped),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
		attribute.Int64("outbox.dispatch.swept", result.Swept),
	)

	return result
}

func (dispatcher *Dispatcher) publish(ctx context.Context, record *Record) error {
	ctx, span := dispatcher.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("outbox.record_id", record.ID.String()),
		attribute.String("outbox.kind", record.Kind),
		attribute.Int("outbox.retry_count", record.RetryCount),
	))
	defer span.End()

	ctx = ContextWithRecord(ctx, RecordMeta{ID: record.ID, Kind: record.Kind, RetryCount: record.RetryCount})

	err := runtime.CallWithRecover(func() error {
		return dispatcher.transport.Publish(ctx, record.Kind, record.Payload)
	})
	if err != nil {
		var panicErr *runtime.PanicError
		if errors.As(err, &panicErr) {
			runtime.HandlePanicValue(ctx, dispatcher.logger, panicErr.Value, "outbox", "transport_publish")
		}

		libOpentelemetry.HandleSpanError(span, "failed to publish outbox record", err)
	}

	return err
}

func (dispatcher *Dispatcher) handlePublished(ctx context.Context, record *Record, result *DispatchResult) {
	if err := dispatcher.store.MarkProcessed(ctx, record.ID); err != nil {
		// The record stays claimed and pending, so it is published again
		// once the claim expires.
		dispatcher.logger.Log(ctx, libLog.LevelError,
			"outbox record published but failed to persist PROCESSED state; record may be redelivered",
			libLog.String("record_id", record.ID.String()),
			libLog.String("error", sanitizeError(err)),
		)
		dispatcher.metrics.stateUpdateFailed.Add(ctx, 1, kindAttribute(record.Kind))

		result.StateUpdateFailed++

		return
	}

	dispatcher.metrics.published.Add(ctx, 1, kindAttribute(record.Kind))

	result.Published++
}

func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, record *Record, publishErr error, result *DispatchResult) {
	maxRetries := dispatcher.cfg.MaxRetries
	if dispatcher.isNonRetryable(publishErr) {
		maxRetries = 1
	}

	updated, err := dispatcher.store.MarkFailed(ctx, record.ID, publishErr.Error(), maxRetries)
	if err != nil {
		dispatcher.logger.Log(ctx, libLog.LevelError, "failed to persist outbox publish failure",
			libLog.String("record_id", record.ID.String()),
			libLog.String("error", sanitizeError(err)),
		)
		dispatcher.metrics.stateUpdateFailed.Add(ctx, 1, kindAttribute(record.Kind))

		result.StateUpdateFailed++

		return
	}

	if updated.Status == StatusDeadLettered {
		dispatcher.logger.Log(ctx, libLog.LevelWarn, "outbox record dead-lettered",
			libLog.String("record_id", record.ID.String()),
			libLog.String("kind", record.Kind),
			libLog.Int("retry_count", updated.RetryCount),
			libLog.String("last_error", updated.LastError),
		)
		dispatcher.metrics.deadLettered.Add(ctx, 1, kindAttribute(record.Kind))

		result.DeadLettered++

		return
	}

	fields := []libLog.Field{
		libLog.String("record_id", record.ID.String()),
		libLog.String("kind", record.Kind),
		libLog.Int("retry_count", updated.RetryCount),
		libLog.String("last_error", updated.LastError),
	}
	if updated.NextRetryAt != nil {
		fields = append(fields, libLog.String("next_retry_at", updated.NextRetryAt.Format(time.RFC3339)))
	}

	dispatcher.logger.Log(ctx, libLog.LevelInfo, "outbox publish failed; retry scheduled", fields...)
	dispatcher.metrics.failed.Add(ctx, 1, kindAttribute(record.Kind))

	result.Failed++
}

func (dispatcher *Dispatcher) skip(ctx context.Context, record *Record) {
	dispatcher.metrics.skipped.Add(ctx, 1, kindAttribute(record.Kind))

	if err := dispatcher.store.Release(ctx, record.ID); err != nil {
		dispatcher.logger.Log(ctx, libLog.LevelWarn, "failed to release skipped outbox record",
			libLog.String("record_id", record.ID.String()),
			libLog.String("error", sanitizeError(err)),
		)
	}
}

func (dispatcher *Dispatcher) releaseAll(ctx context.Context, records []*Record) {
	releaseCtx := context.WithoutCancel(ctx)

	for _, record := range records {
		if record == nil {
			continue
		}

		if err := dispatcher.store.Release(releaseCtx, record.ID); err != nil {
			dispatcher.logger.Log(releaseCtx, libLog.LevelWarn, "failed to release outbox record",
				libLog.String("record_id", record.ID.String()),
				libLog.String("error", sanitizeError(err)),
			)
		}
	}
}

func (dispatcher *Dispatcher) sweep(ctx context.Context, span trace.Span) int64 {
	deleted, err := dispatcher.store.DeleteProcessedOlderThan(ctx, dispatcher.cfg.RetentionPeriod)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to sweep processed records", err)
		libLog.SafeError(dispatcher.logger, ctx, "failed to sweep processed outbox records", err, false)

		return 0
	}

	if deleted > 0 {
		dispatcher.metrics.swept.Add(ctx, deleted)
		dispatcher.logger.Log(ctx, libLog.LevelDebug, "swept processed outbox records", libLog.Int64("deleted", deleted))
	}

	return deleted
}

func (dispatcher *Dispatcher) handleFetchError(ctx context.Context, span trace.Span, err error) {
	libOpentelemetry.HandleSpanError(span, "failed to fetch outbox records", err)

	dispatcher.fetchFailuresMu.Lock()
	dispatcher.fetchFailures++
	count := dispatcher.fetchFailures
	dispatcher.fetchFailuresMu.Unlock()

	level := libLog.LevelWarn
	msg := "failed to fetch outbox records; cycle skipped"

	if count >= dispatcher.cfg.FetchFailureThreshold {
		level = libLog.LevelError
		msg = "outbox fetch failures exceeded threshold"
	}

	dispatcher.logger.Log(ctx, level, msg,
		libLog.Int("consecutive_failures", count),
		libLog.String("error", sanitizeError(err)),
	)
}

func (dispatcher *Dispatcher) clearFetchFailures() {
	dispatcher.fetchFailuresMu.Lock()
	dispatcher.fetchFailures = 0
	dispatcher.fetchFailuresMu.Unlock()
}

func (dispatcher *Dispatcher) isNonRetryable(err error) bool {
	if err == nil || nilcheck.Interface(dispatcher.retryClassifier) {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

// registerRun marks the loop running and returns the stop signal it must
// watch. A pending Stop stays visible to this run.
func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) (<-chan struct{}, bool) {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return nil, false
	}

	if dispatcher.stop == nil {
		dispatcher.stop = make(chan struct{})
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return dispatcher.stop, true
}

// clearRun re-arms the stop signal so the dispatcher can be run again.
func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil

	if isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
	}
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func kindAttribute(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}

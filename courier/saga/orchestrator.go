package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/codec"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator executes a Definition and persists every transition through
// a StateStore. One instance runs its steps sequentially; the orchestrator
// itself holds no per-instance state and may run many instances at once.
type Orchestrator[T any] struct {
	definition *Definition[T]
	store      StateStore
	serializer codec.Serializer[T]
	logger     libLog.Logger
	tracer     trace.Tracer
	policy     CancellationPolicy
	now        func() time.Time
	newID      func() (string, error)
	metrics    sagaMetrics
}

// NewOrchestrator builds an orchestrator for definition. The payload is
// serialized with codec.For[T] unless WithSerializer is given.
func NewOrchestrator[T any](definition *Definition[T], store StateStore, opts ...Option) (*Orchestrator[T], error) {
	if definition == nil || definition.Len() == 0 {
		return nil, ErrDefinitionRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrStateStoreRequired
	}

	cfg := defaultOptions()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if !cfg.policy.isValid() {
		return nil, fmt.Errorf("%w: %d", ErrCancellationPolicy, cfg.policy)
	}

	serializer := codec.For[T]()

	if cfg.serializer != nil {
		typed, ok := cfg.serializer.(codec.Serializer[T])
		if !ok {
			return nil, fmt.Errorf("%w: serializer %T does not encode %s", ErrPayloadCodec, cfg.serializer, reflect.TypeFor[T]())
		}

		serializer = typed
	}

	metrics, err := newSagaMetrics(cfg.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init saga metrics: %w", err)
	}

	return &Orchestrator[T]{
		definition: definition,
		store:      store,
		serializer: serializer,
		logger:     cfg.logger,
		tracer:     cfg.tracer,
		policy:     cfg.policy,
		now:        cfg.now,
		newID:      cfg.newID,
		metrics:    metrics,
	}, nil
}

// Definition returns the executed definition.
func (orchestrator *Orchestrator[T]) Definition() *Definition[T] {
	return orchestrator.definition
}

// CancellationPolicy returns the configured policy.
func (orchestrator *Orchestrator[T]) CancellationPolicy() CancellationPolicy {
	return orchestrator.policy
}

// Start executes a new instance under a generated id and returns that id
// together with the execution error.
func (orchestrator *Orchestrator[T]) Start(ctx context.Context, initial T) (string, error) {
	sagaID, err := orchestrator.newID()
	if err != nil {
		return "", fmt.Errorf("generate saga id: %w", err)
	}

	_, err = orchestrator.Execute(ctx, sagaID, initial)

	return sagaID, err
}

// Execute runs every step in order starting from initial and returns the
// payload produced by the last step.
//
// When a step fails, the steps that completed are compensated in reverse
// order and a *StepError is returned. When a compensation fails, the
// instance ends FAILED and a *CompensationError is returned. Store failures
// abort immediately with an error wrapping ErrStateStore. An id that is
// already stored returns ErrSagaAlreadyExists before any step runs. An
// empty sagaID gets a generated UUIDv7.
func (orchestrator *Orchestrator[T]) Execute(ctx context.Context, sagaID string, initial T) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		generated, err := orchestrator.newID()
		if err != nil {
			return zero, fmt.Errorf("generate saga id: %w", err)
		}

		sagaID = generated
	}

	logger, tracer := orchestrator.tracking(ctx)

	ctx, span := tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.String("saga.type", orchestrator.definition.Type()),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return zero, errors.Join(ErrSagaInterrupted, err)
	}

	payload, err := orchestrator.serializer.Serialize(initial)
	if err != nil {
		return zero, fmt.Errorf("%w: initial payload: %w", ErrPayloadCodec, err)
	}

	instance := NewInstance(sagaID, orchestrator.definition.Type(), payload, orchestrator.now())
	instance.Status = StatusRunning

	if err := orchestrator.create(ctx, instance); err != nil {
		if !errors.Is(err, ErrSagaAlreadyExists) {
			libOpentelemetry.HandleSpanError(span, "failed to persist saga start", err)
		}

		return zero, err
	}

	logger.Log(ctx, libLog.LevelInfo, "saga started",
		libLog.String("saga_id", sagaID),
		libLog.String("saga_type", instance.Type),
		libLog.Int("steps", orchestrator.definition.Len()),
	)

	result, err := orchestrator.forward(ctx, logger, tracer, instance, initial)
	orchestrator.finish(ctx, span, instance, err)

	return result, err
}

// Resume reloads a non-terminal instance and continues it: RUNNING and
// PENDING instances run forward from the step after CurrentStepIndex,
// COMPENSATING instances continue compensation. Terminal instances return
// ErrSagaTerminal.
func (orchestrator *Orchestrator[T]) Resume(ctx context.Context, sagaID string) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return zero, ErrSagaIDRequired
	}

	logger, tracer := orchestrator.tracking(ctx)

	ctx, span := tracer.Start(ctx, "saga.resume", trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.String("saga.type", orchestrator.definition.Type()),
	))
	defer span.End()

	instance, err := orchestrator.store.Load(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			return zero, fmt.Errorf("resume saga %s: %w", sagaID, err)
		}

		libOpentelemetry.HandleSpanError(span, "failed to load saga instance", err)

		return zero, storeError("load", err)
	}

	if err := orchestrator.checkResumable(instance); err != nil {
		return zero, err
	}

	data, err := orchestrator.serializer.Deserialize(instance.Data)
	if err != nil {
		return zero, fmt.Errorf("%w: stored payload: %w", ErrPayloadCodec, err)
	}

	logger.Log(ctx, libLog.LevelInfo, "saga resumed",
		libLog.String("saga_id", sagaID),
		libLog.String("saga_type", instance.Type),
		libLog.String("status", instance.Status.String()),
		libLog.Int("current_step_index", instance.CurrentStepIndex),
	)

	var result T

	if instance.Status == StatusCompensating {
		cause := &StepError{
			SagaID: sagaID,
			Step:   orchestrator.stepName(instance.FailedStepIndex),
			Index:  instance.FailedStepIndex,
			Err:    fmt.Errorf("%w: %s", ErrResumedFailure, instance.LastError),
		}

		result, err = orchestrator.unwind(ctx, logger, tracer, instance, data, cause)
	} else {
		result, err = orchestrator.resumeForward(ctx, logger, tracer, instance, data)
	}

	orchestrator.finish(ctx, span, instance, err)

	return result, err
}

func (orchestrator *Orchestrator[T]) checkResumable(instance *Instance) error {
	if instance.Type != orchestrator.definition.Type() {
		return fmt.Errorf("%w: instance %s has type %q, definition is %q",
			ErrSagaTypeMismatch, instance.ID, instance.Type, orchestrator.definition.Type())
	}

	if instance.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSagaTerminal, instance.ID, instance.Status)
	}

	if err := instance.Validate(); err != nil {
		return err
	}

	if instance.CurrentStepIndex >= orchestrator.definition.Len() {
		return fmt.Errorf("%w: current step index %d with %d steps",
			ErrInstanceInvalid, instance.CurrentStepIndex, orchestrator.definition.Len())
	}

	return nil
}

func (orchestrator *Orchestrator[T]) resumeForward(
	ctx context.Context,
	logger libLog.Logger,
	tracer trace.Tracer,
	instance *Instance,
	data T,
) (T, error) {
	if instance.Status != StatusRunning {
		instance.Status = StatusRunning

		if err := orchestrator.persist(ctx, instance); err != nil {
			var zero T

			return zero, err
		}
	}

	return orchestrator.forward(ctx, logger, tracer, instance, data)
}

func (orchestrator *Orchestrator[T]) forward(
	ctx context.Context,
	logger libLog.Logger,
	tracer trace.Tracer,
	instance *Instance,
	data T,
) (T, error) {
	var zero T

	for index := instance.CurrentStepIndex + 1; index < orchestrator.definition.Len(); index++ {
		step := orchestrator.definition.Step(index)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return orchestrator.interrupt(ctx, logger, tracer, instance, data, index, ctxErr)
		}

		next, err := orchestrator.runStep(ctx, logger, tracer, instance, index, phaseExecute, data)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && orchestrator.policy == CancelHalt {
				logger.Log(ctx, libLog.LevelWarn, "saga step aborted by cancellation; instance left running",
					libLog.String("saga_id", instance.ID),
					libLog.String("step", step.Name()),
					libLog.Int("step_index", index),
					libLog.Err(err),
				)

				return zero, errors.Join(ErrSagaInterrupted, ctxErr)
			}

			return orchestrator.compensate(ctx, logger, tracer, instance, data, &StepError{
				SagaID: instance.ID,
				Step:   step.Name(),
				Index:  index,
				Err:    err,
			})
		}

		payload, err := orchestrator.serializer.Serialize(next)
		if err != nil {
			return zero, fmt.Errorf("%w: result of step %q: %w", ErrPayloadCodec, step.Name(), err)
		}

		data = next
		instance.Data = payload
		instance.CurrentStepIndex = index

		if err := orchestrator.persist(ctx, instance); err != nil {
			return zero, err
		}
	}

	instance.Status = StatusCompleted

	if err := orchestrator.persist(ctx, instance); err != nil {
		return zero, err
	}

	logger.Log(ctx, libLog.LevelInfo, "saga completed",
		libLog.String("saga_id", instance.ID),
		libLog.String("saga_type", instance.Type),
	)

	return data, nil
}

// interrupt handles a cancellation observed before step index runs.
func (orchestrator *Orchestrator[T]) interrupt(
	ctx context.Context,
	logger libLog.Logger,
	tracer trace.Tracer,
	instance *Instance,
	data T,
	index int,
	ctxErr error,
) (T, error) {
	if orchestrator.policy == CancelCompensate {
		return orchestrator.compensate(ctx, logger, tracer, instance, data, &StepError{
			SagaID: instance.ID,
			Step:   orchestrator.stepName(index),
			Index:  index,
			Err:    errors.Join(ErrSagaInterrupted, ctxErr),
		})
	}

	logger.Log(ctx, libLog.LevelWarn, "saga interrupted; instance left running for resume",
		libLog.String("saga_id", instance.ID),
		libLog.String("next_step", orchestrator.stepName(index)),
		libLog.Int("next_step_index", index),
	)

	var zero T

	return zero, errors.Join(ErrSagaInterrupted, ctxErr)
}

func (orchestrator *Orchestrator[T]) compensate(
	ctx context.Context,
	logger libLog.Logger,
	tracer trace.Tracer,
	instance *Instance,
	data T,
	cause *StepError,
) (T, error) {
	instance.Status = StatusCompensating
	instance.FailedStepIndex = cause.Index
	instance.LastError = cause.Err.Error()

	if err := orchestrator.persist(ctx, instance); err != nil {
		var zero T

		return zero, err
	}

	logger.Log(ctx, libLog.LevelWarn, "saga step failed; compensating completed steps",
		libLog.String("saga_id", instance.ID),
		libLog.String("step", cause.Step),
		libLog.Int("step_index", cause.Index),
		libLog.Int("steps_to_compensate", instance.NextCompensation()+1),
		libLog.Err(cause.Err),
	)

	return orchestrator.unwind(ctx, logger, tracer, instance, data, cause)
}

// unwind compensates completed steps from NextCompensation down to zero.
func (orchestrator *Orchestrator[T]) unwind(
	ctx context.Context,
	logger libLog.Logger,
	tracer trace.Tracer,
	instance *Instance,
	data T,
	cause *StepError,
) (T, error) {
	var zero T

	if orchestrator.policy == CancelCompensate {
		ctx = context.WithoutCancel(ctx)
	}

	for index := instance.NextCompensation(); index >= 0; index = instance.NextCompensation() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Log(ctx, libLog.LevelWarn, "saga compensation interrupted; instance left compensating for resume",
				libLog.String("saga_id", instance.ID),
				libLog.Int("next_compensation_index", index),
			)

			return zero, errors.Join(ErrSagaInterrupted, ctxErr)
		}

		step := orchestrator.definition.Step(index)

		next, err := orchestrator.runStep(ctx, logger, tracer, instance, index, phaseCompensate, data)
		if err != nil {
			compensationErr := &CompensationError{
				SagaID: instance.ID,
				Step:   step.Name(),
				Index:  index,
				Cause:  cause,
				Err:    err,
			}

			instance.Status = StatusFailed
			instance.LastError = compensationErr.Error()

			logger.Log(ctx, libLog.LevelError, "saga compensation failed; manual intervention required",
				libLog.String("saga_id", instance.ID),
				libLog.String("saga_type", instance.Type),
				libLog.String("step", step.Name()),
				libLog.Int("step_index", index),
				libLog.String("cause", cause.Error()),
				libLog.Err(err),
			)

			if persistErr := orchestrator.persist(ctx, instance); persistErr != nil {
				return zero, errors.Join(compensationErr, persistErr)
			}

			return zero, compensationErr
		}

		payload, err := orchestrator.serializer.Serialize(next)
		if err != nil {
			return zero, fmt.Errorf("%w: compensation result of step %q: %w", ErrPayloadCodec, step.Name(), err)
		}

		data = next
		instance.Data = payload
		instance.CompensatedSteps++

		if err := orchestrator.persist(ctx, instance); err != nil {
			return zero, err
		}
	}

	instance.Status = StatusCompensated

	if err := orchestrator.persist(ctx, instance); err != nil {
		return zero, err
	}

	logger.Log(ctx, libLog.LevelInfo, "saga compensated",
		libLog.String("saga_id", instance.ID),
		libLog.String("saga_type", instance.Type),
		libLog.Int("compensated_steps", instance.CompensatedSteps),
	)

	return zero, cause
}

func (orchestrator *Orchestrator[T]) runStep(
	ctx context.Context,
	logger libLog.Logger,
	tracer trace.Tracer,
	instance *Instance,
	index int,
	phase string,
	data T,
) (T, error) {
	step := orchestrator.definition.Step(index)

	ctx, span := tracer.Start(ctx, "saga.step."+phase, trace.WithAttributes(
		attribute.String("saga.id", instance.ID),
		attribute.String("saga.type", instance.Type),
		attribute.String("saga.step", step.Name()),
		attribute.Int("saga.step_index", index),
	))
	defer span.End()

	action := step.Execute
	if phase == phaseCompensate {
		action = step.Compensate
	}

	started := time.Now()

	var result T

	err := runtime.CallWithRecover(func() error {
		var actionErr error

		result, actionErr = action(ctx, data)

		return actionErr
	})

	orchestrator.metrics.stepDuration.Record(ctx, time.Since(started).Seconds(),
		stepAttributes(instance.Type, step.Name(), phase, err != nil))

	if err != nil {
		var panicErr *runtime.PanicError
		if errors.As(err, &panicErr) {
			runtime.HandlePanicValue(ctx, logger, panicErr.Value, "saga", step.Name())
		}

		libOpentelemetry.HandleSpanError(span, "saga step "+phase+" failed", err)

		return data, err
	}

	logger.Log(ctx, libLog.LevelDebug, "saga step "+phase+" succeeded",
		libLog.String("saga_id", instance.ID),
		libLog.String("step", step.Name()),
		libLog.Int("step_index", index),
	)

	return result, nil
}

// create claims sagaID with the first write so that only one caller runs a
// given saga.
func (orchestrator *Orchestrator[T]) create(ctx context.Context, instance *Instance) error {
	instance.UpdatedAt = orchestrator.now()

	err := orchestrator.store.Create(context.WithoutCancel(ctx), instance)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrSagaAlreadyExists) {
		return fmt.Errorf("%w: %s", ErrSagaAlreadyExists, instance.ID)
	}

	return storeError("create", err)
}

// persist writes instance on a context detached from cancellation so that
// progress made before a cancellation is never lost.
func (orchestrator *Orchestrator[T]) persist(ctx context.Context, instance *Instance) error {
	instance.UpdatedAt = orchestrator.now()

	if err := orchestrator.store.Save(context.WithoutCancel(ctx), instance); err != nil {
		return storeError("save", err)
	}

	return nil
}

func (orchestrator *Orchestrator[T]) finish(ctx context.Context, span trace.Span, instance *Instance, err error) {
	orchestrator.metrics.executions.Add(ctx, 1, executionAttributes(instance.Type, instance.Status))

	span.SetAttributes(
		attribute.String("saga.status", instance.Status.String()),
		attribute.Int("saga.current_step_index", instance.CurrentStepIndex),
	)

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "saga did not complete", err)
	}
}

func (orchestrator *Orchestrator[T]) stepName(index int) string {
	if index < 0 || index >= orchestrator.definition.Len() {
		return ""
	}

	return orchestrator.definition.Step(index).Name()
}

//nolint:ireturn
func (orchestrator *Orchestrator[T]) tracking(ctx context.Context) (libLog.Logger, trace.Tracer) {
	logger, tracer := courier.NewTrackingFromContext(ctx)

	if orchestrator.logger != nil {
		logger = orchestrator.logger
	}

	if orchestrator.tracer != nil {
		tracer = orchestrator.tracer
	}

	return logger, tracer
}

package saga_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/codec"
	"github.com/LerianStudio/lib-courier/courier/saga"
	"github.com/LerianStudio/lib-courier/courier/saga/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type transfer struct {
	Amount  int      `json:"amount"`
	Applied []string `json:"applied"`
}

// journal records step calls in the order they happen.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.calls...)
}

type stepBehavior struct {
	executeErr    error
	compensateErr error
	onExecute     func(ctx context.Context)
	onCompensate  func(ctx context.Context)
}

func journaledStep(name string, calls *journal, behavior stepBehavior) saga.Step[transfer] {
	return saga.NewStep(name,
		func(ctx context.Context, data transfer) (transfer, error) {
			calls.add("execute:" + name)

			if behavior.onExecute != nil {
				behavior.onExecute(ctx)
			}

			if behavior.executeErr != nil {
				return data, behavior.executeErr
			}

			data.Applied = append(data.Applied, name)

			return data, nil
		},
		func(ctx context.Context, data transfer) (transfer, error) {
			calls.add("compensate:" + name)

			if behavior.onCompensate != nil {
				behavior.onCompensate(ctx)
			}

			if behavior.compensateErr != nil {
				return data, behavior.compensateErr
			}

			data.Applied = append(data.Applied, "undo-"+name)

			return data, nil
		},
	)
}

// recordingStore snapshots every save and can inject failures.
type recordingStore struct {
	*memory.Store

	mu        sync.Mutex
	snapshots []saga.Instance
	saveErr   func(instance *saga.Instance) error
	loadErr   error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: memory.NewStore()}
}

func (store *recordingStore) Create(ctx context.Context, instance *saga.Instance) error {
	return store.record(instance, func() error { return store.Store.Create(ctx, instance) })
}

func (store *recordingStore) Save(ctx context.Context, instance *saga.Instance) error {
	return store.record(instance, func() error { return store.Store.Save(ctx, instance) })
}

func (store *recordingStore) record(instance *saga.Instance, write func() error) error {
	store.mu.Lock()
	hook := store.saveErr
	store.mu.Unlock()

	if hook != nil {
		if err := hook(instance); err != nil {
			return err
		}
	}

	if err := write(); err != nil {
		return err
	}

	store.mu.Lock()
	store.snapshots = append(store.snapshots, *instance.Clone())
	store.mu.Unlock()

	return nil
}

func (store *recordingStore) Load(ctx context.Context, id string) (*saga.Instance, error) {
	if store.loadErr != nil {
		return nil, store.loadErr
	}

	return store.Store.Load(ctx, id)
}

func (store *recordingStore) statuses() []saga.Status {
	store.mu.Lock()
	defer store.mu.Unlock()

	statuses := make([]saga.Status, 0, len(store.snapshots))
	for _, snapshot := range store.snapshots {
		statuses = append(statuses, snapshot.Status)
	}

	return statuses
}

func (store *recordingStore) stepIndexes() []int {
	store.mu.Lock()
	defer store.mu.Unlock()

	indexes := make([]int, 0, len(store.snapshots))
	for _, snapshot := range store.snapshots {
		indexes = append(indexes, snapshot.CurrentStepIndex)
	}

	return indexes
}

func newOrchestrator(
	t *testing.T,
	store saga.StateStore,
	steps []saga.Step[transfer],
	opts ...saga.Option,
) *saga.Orchestrator[transfer] {
	t.Helper()

	definition, err := saga.NewDefinition("transfer", steps...)
	require.NoError(t, err)

	orchestrator, err := saga.NewOrchestrator(definition, store, opts...)
	require.NoError(t, err)

	return orchestrator
}

func stepsFor(calls *journal, behaviors ...stepBehavior) []saga.Step[transfer] {
	steps := make([]saga.Step[transfer], len(behaviors))
	for index, behavior := range behaviors {
		steps[index] = journaledStep(fmt.Sprintf("step-%d", index), calls, behavior)
	}

	return steps
}

func TestNewOrchestrator_Validation(t *testing.T) {
	definition, err := saga.NewDefinition("transfer", saga.NewStep[transfer]("debit", nil, nil))
	require.NoError(t, err)

	_, err = saga.NewOrchestrator[transfer](nil, memory.NewStore())
	require.ErrorIs(t, err, saga.ErrDefinitionRequired)

	_, err = saga.NewOrchestrator(definition, nil)
	require.ErrorIs(t, err, saga.ErrStateStoreRequired)

	var nilStore *memory.Store
	_, err = saga.NewOrchestrator(definition, nilStore)
	require.ErrorIs(t, err, saga.ErrStateStoreRequired)

	_, err = saga.NewOrchestrator(definition, memory.NewStore(), saga.WithCancellationPolicy(saga.CancellationPolicy(7)))
	require.ErrorIs(t, err, saga.ErrCancellationPolicy)

	_, err = saga.NewOrchestrator(definition, memory.NewStore(), saga.WithSerializer[string](codec.NewJSON[string]()))
	require.ErrorIs(t, err, saga.ErrPayloadCodec)

	orchestrator, err := saga.NewOrchestrator(definition, memory.NewStore(), saga.WithSerializer[transfer](codec.NewJSON[transfer]()))
	require.NoError(t, err)
	assert.Equal(t, saga.CancelHalt, orchestrator.CancellationPolicy())
	assert.Same(t, definition, orchestrator.Definition())
}

func TestExecute_CompletesAllSteps(t *testing.T) {
	calls := &journal{}
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(calls, stepBehavior{}, stepBehavior{}, stepBehavior{}))

	result, err := orchestrator.Execute(context.Background(), "saga-1", transfer{Amount: 10})
	require.NoError(t, err)

	assert.Equal(t, []string{"step-0", "step-1", "step-2"}, result.Applied)
	assert.Equal(t, []string{"execute:step-0", "execute:step-1", "execute:step-2"}, calls.list())
	assert.Equal(t, []saga.Status{
		saga.StatusRunning, saga.StatusRunning, saga.StatusRunning, saga.StatusRunning, saga.StatusCompleted,
	}, store.statuses())
	assert.Equal(t, []int{-1, 0, 1, 2, 2}, store.stepIndexes())

	stored, err := store.Load(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "transfer", stored.Type)
	assert.Equal(t, -1, stored.FailedStepIndex)
	assert.JSONEq(t, `{"amount":10,"applied":["step-0","step-1","step-2"]}`, string(stored.Data))
}

func TestExecute_FailedStepCompensatesOnlyCompletedStepsInReverse(t *testing.T) {
	businessErr := errors.New("insufficient funds")

	t.Run("middle step of three", func(t *testing.T) {
		calls := &journal{}
		store := newRecordingStore()
		orchestrator := newOrchestrator(t, store, stepsFor(calls,
			stepBehavior{},
			stepBehavior{executeErr: businessErr},
			stepBehavior{},
		))

		_, err := orchestrator.Execute(context.Background(), "saga-1", transfer{})
		require.ErrorIs(t, err, businessErr)

		var stepErr *saga.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, 1, stepErr.Index)
		assert.Equal(t, "step-1", stepErr.Step)

		assert.Equal(t, []string{"execute:step-0", "execute:step-1", "compensate:step-0"}, calls.list())
		assert.NotContains(t, calls.list(), "execute:step-2")
		assert.NotContains(t, calls.list(), "compensate:step-1")
	})

	t.Run("third step of five", func(t *testing.T) {
		calls := &journal{}
		store := newRecordingStore()
		orchestrator := newOrchestrator(t, store, stepsFor(calls,
			stepBehavior{},
			stepBehavior{},
			stepBehavior{executeErr: businessErr},
			stepBehavior{},
			stepBehavior{},
		))

		_, err := orchestrator.Execute(context.Background(), "saga-2", transfer{})
		require.ErrorIs(t, err, businessErr)

		assert.Equal(t, []string{
			"execute:step-0", "execute:step-1", "execute:step-2",
			"compensate:step-1", "compensate:step-0",
		}, calls.list())

		assert.Equal(t, []saga.Status{
			saga.StatusRunning, saga.StatusRunning, saga.StatusRunning,
			saga.StatusCompensating, saga.StatusCompensating, saga.StatusCompensating,
			saga.StatusCompensated,
		}, store.statuses())

		stored, err := store.Load(context.Background(), "saga-2")
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompensated, stored.Status)
		assert.Equal(t, 1, stored.CurrentStepIndex)
		assert.Equal(t, 2, stored.CompensatedSteps)
		assert.Equal(t, 2, stored.FailedStepIndex)
		assert.Equal(t, businessErr.Error(), stored.LastError)
		assert.JSONEq(t, `{"amount":0,"applied":["step-0","step-1","undo-step-1","undo-step-0"]}`, string(stored.Data))
	})

	t.Run("first step", func(t *testing.T) {
		calls := &journal{}
		orchestrator := newOrchestrator(t, newRecordingStore(), stepsFor(calls,
			stepBehavior{executeErr: businessErr},
			stepBehavior{},
		))

		_, err := orchestrator.Execute(context.Background(), "saga-3", transfer{})
		require.ErrorIs(t, err, businessErr)
		assert.Equal(t, []string{"execute:step-0"}, calls.list())
	})
}

func TestExecute_CompensationFailureIsTerminal(t *testing.T) {
	businessErr := errors.New("ledger rejected entry")
	undoErr := errors.New("refund endpoint unavailable")

	calls := &journal{}
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(calls,
		stepBehavior{compensateErr: undoErr},
		stepBehavior{},
		stepBehavior{executeErr: businessErr},
	))

	_, err := orchestrator.Execute(context.Background(), "saga-1", transfer{})
	require.Error(t, err)

	var compensationErr *saga.CompensationError
	require.ErrorAs(t, err, &compensationErr)
	assert.Equal(t, 0, compensationErr.Index)
	assert.Equal(t, "step-0", compensationErr.Step)
	require.ErrorIs(t, err, businessErr)
	require.ErrorIs(t, err, undoErr)
	assert.Contains(t, err.Error(), businessErr.Error())
	assert.Contains(t, err.Error(), undoErr.Error())

	assert.Equal(t, []string{
		"execute:step-0", "execute:step-1", "execute:step-2",
		"compensate:step-1", "compensate:step-0",
	}, calls.list())

	stored, loadErr := store.Load(context.Background(), "saga-1")
	require.NoError(t, loadErr)
	assert.Equal(t, saga.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.CompensatedSteps)
	assert.Contains(t, stored.LastError, undoErr.Error())

	_, err = orchestrator.Resume(context.Background(), "saga-1")
	require.ErrorIs(t, err, saga.ErrSagaTerminal)
	assert.Len(t, calls.list(), 5)
}

func TestExecute_PanickingStepIsCompensated(t *testing.T) {
	calls := &journal{}
	steps := stepsFor(calls, stepBehavior{}, stepBehavior{})
	steps[1] = saga.NewStep("explode", func(context.Context, transfer) (transfer, error) {
		panic("boom")
	}, nil)

	orchestrator := newOrchestrator(t, newRecordingStore(), steps)

	_, err := orchestrator.Execute(context.Background(), "saga-1", transfer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"execute:step-0", "compensate:step-0"}, calls.list())
}

func TestExecute_StateStoreErrorsPropagate(t *testing.T) {
	storeDown := errors.New("connection refused")

	t.Run("initial save", func(t *testing.T) {
		calls := &journal{}
		store := newRecordingStore()
		store.saveErr = func(*saga.Instance) error { return storeDown }

		orchestrator := newOrchestrator(t, store, stepsFor(calls, stepBehavior{}))

		_, err := orchestrator.Execute(context.Background(), "saga-1", transfer{})
		require.ErrorIs(t, err, saga.ErrStateStore)
		require.ErrorIs(t, err, storeDown)
		assert.Empty(t, calls.list())
	})

	t.Run("progress save", func(t *testing.T) {
		calls := &journal{}
		store := newRecordingStore()
		store.saveErr = func(instance *saga.Instance) error {
			if instance.CurrentStepIndex == 0 {
				return storeDown
			}

			return nil
		}

		orchestrator := newOrchestrator(t, store, stepsFor(calls, stepBehavior{}, stepBehavior{}))

		_, err := orchestrator.Execute(context.Background(), "saga-1", transfer{})
		require.ErrorIs(t, err, saga.ErrStateStore)

		var stepErr *saga.StepError
		assert.False(t, errors.As(err, &stepErr))
		assert.Equal(t, []string{"execute:step-0"}, calls.list())
	})

	t.Run("resume load", func(t *testing.T) {
		store := newRecordingStore()
		store.loadErr = storeDown

		orchestrator := newOrchestrator(t, store, stepsFor(&journal{}, stepBehavior{}))

		_, err := orchestrator.Resume(context.Background(), "saga-1")
		require.ErrorIs(t, err, saga.ErrStateStore)
		require.ErrorIs(t, err, storeDown)
	})
}

func TestExecute_ExistingIDIsRejected(t *testing.T) {
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(&journal{}, stepBehavior{}))

	_, err := orchestrator.Execute(context.Background(), "saga-1", transfer{})
	require.NoError(t, err)

	_, err = orchestrator.Execute(context.Background(), "saga-1", transfer{})
	require.ErrorIs(t, err, saga.ErrSagaAlreadyExists)
	assert.NotErrorIs(t, err, saga.ErrStateStore)
}

func TestExecute_ConcurrentSameIDRunsOnce(t *testing.T) {
	const callers = 8

	var (
		mu      sync.Mutex
		charges int
	)

	charge := saga.NewStep("charge", func(_ context.Context, data transfer) (transfer, error) {
		mu.Lock()
		charges++
		mu.Unlock()

		return data, nil
	}, nil)

	orchestrator := newOrchestrator(t, newRecordingStore(), []saga.Step[transfer]{charge})

	start := make(chan struct{})
	errs := make([]error, callers)

	var wg sync.WaitGroup

	for caller := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start

			_, errs[caller] = orchestrator.Execute(context.Background(), "order-1", transfer{Amount: 1})
		}()
	}

	close(start)
	wg.Wait()

	succeeded := 0

	for _, err := range errs {
		if err == nil {
			succeeded++

			continue
		}

		require.ErrorIs(t, err, saga.ErrSagaAlreadyExists)
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, charges)
}

func TestExecute_GeneratesIDWhenEmpty(t *testing.T) {
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(&journal{}, stepBehavior{}),
		saga.WithIDGenerator(func() (string, error) { return "generated-1", nil }))

	_, err := orchestrator.Execute(context.Background(), "  ", transfer{})
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "generated-1")
	require.NoError(t, err)
}

func TestStart_ReturnsUUIDv7(t *testing.T) {
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(&journal{}, stepBehavior{}))

	sagaID, err := orchestrator.Start(context.Background(), transfer{Amount: 3})
	require.NoError(t, err)
	require.Len(t, sagaID, 36)
	assert.Equal(t, byte('7'), sagaID[14])

	stored, err := store.Load(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, stored.Status)
}

func TestCancelHalt_LeavesInstanceRunningForResume(t *testing.T) {
	calls := &journal{}
	store := newRecordingStore()
	ctx, cancel := context.WithCancel(context.Background())

	orchestrator := newOrchestrator(t, store, stepsFor(calls,
		stepBehavior{onExecute: func(context.Context) { cancel() }},
		stepBehavior{},
		stepBehavior{},
	))

	_, err := orchestrator.Execute(ctx, "saga-1", transfer{})
	require.ErrorIs(t, err, saga.ErrSagaInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"execute:step-0"}, calls.list())

	stored, err := store.Load(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, stored.Status)
	assert.Equal(t, 0, stored.CurrentStepIndex)

	result, err := orchestrator.Resume(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"step-0", "step-1", "step-2"}, result.Applied)
	assert.Equal(t, []string{"execute:step-0", "execute:step-1", "execute:step-2"}, calls.list())
}

func TestCancelHalt_StepFailingOnCancellationIsNotCompensated(t *testing.T) {
	calls := &journal{}
	store := newRecordingStore()
	ctx, cancel := context.WithCancel(context.Background())

	orchestrator := newOrchestrator(t, store, stepsFor(calls,
		stepBehavior{},
		stepBehavior{onExecute: func(context.Context) { cancel() }, executeErr: context.Canceled},
	))

	_, err := orchestrator.Execute(ctx, "saga-1", transfer{})
	require.ErrorIs(t, err, saga.ErrSagaInterrupted)
	assert.Equal(t, []string{"execute:step-0", "execute:step-1"}, calls.list())

	stored, err := store.Load(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, stored.Status)
	assert.Equal(t, 0, stored.CurrentStepIndex)
}

func TestCancelCompensate_CompensatesOnDetachedContext(t *testing.T) {
	calls := &journal{}
	store := newRecordingStore()
	ctx, cancel := context.WithCancel(context.Background())

	var compensateCtxErr error

	orchestrator := newOrchestrator(t, store, stepsFor(calls,
		stepBehavior{onCompensate: func(ctx context.Context) { compensateCtxErr = ctx.Err() }},
		stepBehavior{onExecute: func(context.Context) { cancel() }},
		stepBehavior{},
	), saga.WithCancellationPolicy(saga.CancelCompensate))

	_, err := orchestrator.Execute(ctx, "saga-1", transfer{})
	require.ErrorIs(t, err, saga.ErrSagaInterrupted)
	require.ErrorIs(t, err, context.Canceled)

	var stepErr *saga.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Index)

	assert.Equal(t, []string{
		"execute:step-0", "execute:step-1",
		"compensate:step-1", "compensate:step-0",
	}, calls.list())
	assert.NoError(t, compensateCtxErr)

	stored, err := store.Load(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
}

func TestExecute_AlreadyCancelledContextPersistsNothing(t *testing.T) {
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(&journal{}, stepBehavior{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orchestrator.Execute(ctx, "saga-1", transfer{})
	require.ErrorIs(t, err, saga.ErrSagaInterrupted)
	assert.Empty(t, store.statuses())
}

func TestResume_ContinuesCompensation(t *testing.T) {
	calls := &journal{}
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(calls, stepBehavior{}, stepBehavior{}, stepBehavior{}))

	instance := saga.NewInstance("saga-1", "transfer", []byte(`{"amount":5,"applied":["step-0","step-1","undo-step-1"]}`), time.Now())
	instance.Status = saga.StatusCompensating
	instance.CurrentStepIndex = 1
	instance.CompensatedSteps = 1
	instance.FailedStepIndex = 2
	instance.LastError = "card declined"
	require.NoError(t, store.Store.Save(context.Background(), instance))

	_, err := orchestrator.Resume(context.Background(), "saga-1")
	require.ErrorIs(t, err, saga.ErrResumedFailure)

	var stepErr *saga.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "step-2", stepErr.Step)
	assert.Contains(t, err.Error(), "card declined")

	assert.Equal(t, []string{"compensate:step-0"}, calls.list())

	stored, err := store.Load(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	assert.Equal(t, 2, stored.CompensatedSteps)
}

func TestResume_PendingInstanceRunsFromStart(t *testing.T) {
	calls := &journal{}
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(calls, stepBehavior{}, stepBehavior{}))

	require.NoError(t, store.Store.Save(context.Background(),
		saga.NewInstance("saga-1", "transfer", []byte(`{"amount":1}`), time.Now())))

	result, err := orchestrator.Resume(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Amount)
	assert.Equal(t, []string{"execute:step-0", "execute:step-1"}, calls.list())
	assert.Equal(t, saga.StatusRunning, store.statuses()[0])
}

func TestResume_Rejections(t *testing.T) {
	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, stepsFor(&journal{}, stepBehavior{}))
	ctx := context.Background()

	_, err := orchestrator.Resume(ctx, "")
	require.ErrorIs(t, err, saga.ErrSagaIDRequired)

	_, err = orchestrator.Resume(ctx, "missing")
	require.ErrorIs(t, err, saga.ErrSagaNotFound)
	require.NotErrorIs(t, err, saga.ErrStateStore)

	other := saga.NewInstance("other", "refund", []byte(`{}`), time.Now())
	require.NoError(t, store.Store.Save(ctx, other))

	_, err = orchestrator.Resume(ctx, "other")
	require.ErrorIs(t, err, saga.ErrSagaTypeMismatch)

	beyond := saga.NewInstance("beyond", "transfer", []byte(`{}`), time.Now())
	beyond.Status = saga.StatusRunning
	beyond.CurrentStepIndex = 4
	require.NoError(t, store.Store.Save(ctx, beyond))

	_, err = orchestrator.Resume(ctx, "beyond")
	require.ErrorIs(t, err, saga.ErrInstanceInvalid)

	for _, status := range []saga.Status{saga.StatusCompleted, saga.StatusCompensated, saga.StatusFailed} {
		terminal := saga.NewInstance("terminal-"+strings.ToLower(status.String()), "transfer", []byte(`{}`), time.Now())
		terminal.Status = status
		require.NoError(t, store.Store.Save(ctx, terminal))

		_, err = orchestrator.Resume(ctx, terminal.ID)
		require.ErrorIs(t, err, saga.ErrSagaTerminal, status)
	}
}

func TestExecute_PayloadThreadsThroughCompensation(t *testing.T) {
	var seen []int

	steps := []saga.Step[transfer]{
		saga.NewStep("reserve",
			func(_ context.Context, data transfer) (transfer, error) {
				data.Amount += 10
				return data, nil
			},
			func(_ context.Context, data transfer) (transfer, error) {
				seen = append(seen, data.Amount)
				data.Amount -= 10

				return data, nil
			}),
		saga.NewStep("charge",
			func(_ context.Context, data transfer) (transfer, error) {
				data.Amount += 100
				return data, nil
			},
			func(_ context.Context, data transfer) (transfer, error) {
				seen = append(seen, data.Amount)
				data.Amount -= 100

				return data, nil
			}),
		saga.NewStep("ship", func(_ context.Context, data transfer) (transfer, error) {
			return data, errors.New("warehouse closed")
		}, nil),
	}

	store := newRecordingStore()
	orchestrator := newOrchestrator(t, store, steps)

	_, err := orchestrator.Execute(context.Background(), "saga-1", transfer{Amount: 1})
	require.Error(t, err)
	assert.Equal(t, []int{111, 11}, seen)

	stored, err := store.Load(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":1,"applied":null}`, string(stored.Data))
}

func TestOrchestrator_Telemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	businessErr := errors.New("declined")
	orchestrator := newOrchestrator(t, newRecordingStore(), stepsFor(&journal{}, stepBehavior{}, stepBehavior{executeErr: businessErr}),
		saga.WithMeterProvider(meterProvider),
		saga.WithTracer(tracerProvider.Tracer("saga-test")),
	)

	ctx := context.Background()

	_, err := orchestrator.Execute(ctx, "saga-1", transfer{})
	require.ErrorIs(t, err, businessErr)

	var collected metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &collected))

	executions := map[string]int64{}
	stepSamples := uint64(0)

	for _, scope := range collected.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if m.Name != "saga.executions" {
					continue
				}

				for _, point := range data.DataPoints {
					status, _ := point.Attributes.Value(attribute.Key("saga.status"))
					executions[status.AsString()] += point.Value
				}
			case metricdata.Histogram[float64]:
				if m.Name != "saga.step.duration" {
					continue
				}

				for _, point := range data.DataPoints {
					stepSamples += point.Count
				}
			}
		}
	}

	assert.Equal(t, map[string]int64{"COMPENSATED": 1}, executions)
	assert.Equal(t, uint64(3), stepSamples)

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}

	assert.Equal(t, 1, names["saga.execute"])
	assert.Equal(t, 2, names["saga.step.execute"])
	assert.Equal(t, 1, names["saga.step.compensate"])
}

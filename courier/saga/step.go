package saga

import "context"

// Step is one unit of a saga. Execute receives the payload produced by the
// previous step and returns the payload for the next. Compensate undoes a
// successful Execute and receives the payload current at compensation time.
type Step[T any] interface {
	Name() string
	Execute(ctx context.Context, data T) (T, error)
	Compensate(ctx context.Context, data T) (T, error)
}

// StepFunc is the signature of a step action.
type StepFunc[T any] func(ctx context.Context, data T) (T, error)

type funcStep[T any] struct {
	name       string
	execute    StepFunc[T]
	compensate StepFunc[T]
}

// NewStep builds a Step from functions. A nil compensate makes compensation
// a no-op that keeps the payload.
//
//nolint:ireturn
func NewStep[T any](name string, execute, compensate func(ctx context.Context, data T) (T, error)) Step[T] {
	return &funcStep[T]{name: name, execute: execute, compensate: compensate}
}

func (step *funcStep[T]) Name() string {
	return step.name
}

func (step *funcStep[T]) Execute(ctx context.Context, data T) (T, error) {
	if step.execute == nil {
		return data, ErrStepExecuteRequired
	}

	return step.execute(ctx, data)
}

func (step *funcStep[T]) Compensate(ctx context.Context, data T) (T, error) {
	if step.compensate == nil {
		return data, nil
	}

	return step.compensate(ctx, data)
}

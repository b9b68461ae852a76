package saga

import (
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
)

// Definition is an immutable, ordered list of steps identified by a saga
// type. Step indices are dense and zero based.
type Definition[T any] struct {
	sagaType string
	steps    []Step[T]
}

// NewDefinition validates and freezes the step list.
func NewDefinition[T any](sagaType string, steps ...Step[T]) (*Definition[T], error) {
	sagaType = strings.TrimSpace(sagaType)
	if sagaType == "" {
		return nil, ErrSagaTypeRequired
	}

	if len(steps) == 0 {
		return nil, ErrStepsRequired
	}

	names := make(map[string]struct{}, len(steps))
	frozen := make([]Step[T], 0, len(steps))

	for index, step := range steps {
		if nilcheck.Interface(step) {
			return nil, fmt.Errorf("%w: index %d", ErrStepRequired, index)
		}

		name := strings.TrimSpace(step.Name())
		if name == "" {
			return nil, fmt.Errorf("%w: index %d", ErrStepNameRequired, index)
		}

		if _, exists := names[name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrStepNameDuplicated, name)
		}

		names[name] = struct{}{}
		frozen = append(frozen, step)
	}

	return &Definition[T]{sagaType: sagaType, steps: frozen}, nil
}

// Type returns the saga type persisted on every instance.
func (definition *Definition[T]) Type() string {
	return definition.sagaType
}

// Len returns the number of steps.
func (definition *Definition[T]) Len() int {
	return len(definition.steps)
}

// Step returns the step at index.
//
//nolint:ireturn
func (definition *Definition[T]) Step(index int) Step[T] {
	return definition.steps[index]
}

// StepNames returns the step names in execution order.
func (definition *Definition[T]) StepNames() []string {
	names := make([]string, len(definition.steps))
	for index, step := range definition.steps {
		names[index] = step.Name()
	}

	return names
}

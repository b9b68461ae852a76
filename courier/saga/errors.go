package saga

import (
	"errors"
	"fmt"
)

var (
	ErrDefinitionRequired  = errors.New("saga definition is required")
	ErrStateStoreRequired  = errors.New("saga state store is required")
	ErrSagaTypeRequired    = errors.New("saga type is required")
	ErrStepsRequired       = errors.New("saga requires at least one step")
	ErrStepRequired        = errors.New("saga step is nil")
	ErrStepNameRequired    = errors.New("saga step name is required")
	ErrStepNameDuplicated  = errors.New("saga step name is duplicated")
	ErrStepExecuteRequired = errors.New("saga step has no execute function")
	ErrSagaIDRequired      = errors.New("saga id is required")
	ErrSagaNotFound        = errors.New("saga instance not found")
	ErrSagaAlreadyExists   = errors.New("saga instance already exists")
	ErrSagaTerminal        = errors.New("saga instance is in a terminal state")
	ErrSagaInterrupted     = errors.New("saga execution interrupted")
	ErrSagaTypeMismatch    = errors.New("saga instance belongs to another definition")
	ErrInstanceInvalid     = errors.New("saga instance is invalid")
	ErrStatusInvalid       = errors.New("invalid saga status")
	ErrStateStore          = errors.New("saga state store failure")
	ErrPayloadCodec        = errors.New("saga payload codec failure")
	ErrCancellationPolicy  = errors.New("invalid saga cancellation policy")
	ErrResumedFailure      = errors.New("saga failure recorded before resume")
)

// StepError reports the forward step whose failure sent the saga into
// compensation. It is returned once every completed step was compensated.
type StepError struct {
	SagaID string
	Step   string
	Index  int
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %q (index %d) failed: %v", e.SagaID, e.Step, e.Index, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CompensationError reports a compensation that failed while unwinding a
// step failure. The saga is FAILED and needs manual remediation.
type CompensationError struct {
	SagaID string
	Step   string
	Index  int
	// Cause is the original step failure.
	Cause error
	// Err is the compensation failure.
	Err error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation of step %q (index %d) failed: %v; original failure: %v",
		e.SagaID, e.Step, e.Index, e.Err, e.Cause)
}

// Unwrap exposes both failures to errors.Is and errors.As.
func (e *CompensationError) Unwrap() []error {
	return []error{e.Cause, e.Err}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStateStore, op, err)
}

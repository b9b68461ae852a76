package saga

import (
	"fmt"
	"strings"
	"time"
)

// Instance is the persisted progress of one saga execution.
//
// CurrentStepIndex is the last step that executed successfully (-1 before
// the first). It never moves backwards: compensation progress is tracked by
// CompensatedSteps, the number of completed steps already undone, counting
// down from CurrentStepIndex.
type Instance struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	CurrentStepIndex int       `json:"current_step_index"`
	CompensatedSteps int       `json:"compensated_steps"`
	FailedStepIndex  int       `json:"failed_step_index"`
	Status           Status    `json:"status"`
	Data             []byte    `json:"data"`
	LastError        string    `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewInstance returns a PENDING instance that has executed nothing.
func NewInstance(id, sagaType string, data []byte, now time.Time) *Instance {
	return &Instance{
		ID:               id,
		Type:             sagaType,
		CurrentStepIndex: -1,
		FailedStepIndex:  -1,
		Status:           StatusPending,
		Data:             data,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate checks the fields a store needs and that the step indexes agree.
func (instance *Instance) Validate() error {
	if instance == nil {
		return fmt.Errorf("%w: nil instance", ErrInstanceInvalid)
	}

	if strings.TrimSpace(instance.ID) == "" {
		return ErrSagaIDRequired
	}

	if !instance.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrStatusInvalid, instance.Status)
	}

	if instance.CurrentStepIndex < -1 {
		return fmt.Errorf("%w: current step index %d", ErrInstanceInvalid, instance.CurrentStepIndex)
	}

	if instance.CompensatedSteps < 0 || instance.CompensatedSteps > instance.CurrentStepIndex+1 {
		return fmt.Errorf("%w: compensated steps %d with current step index %d",
			ErrInstanceInvalid, instance.CompensatedSteps, instance.CurrentStepIndex)
	}

	return nil
}

// NextCompensation returns the index of the next step to compensate, or -1
// when every completed step has been undone.
func (instance *Instance) NextCompensation() int {
	return instance.CurrentStepIndex - instance.CompensatedSteps
}

// Clone returns a deep copy.
func (instance *Instance) Clone() *Instance {
	if instance == nil {
		return nil
	}

	clone := *instance
	if instance.Data != nil {
		clone.Data = append([]byte(nil), instance.Data...)
	}

	return &clone
}

package outbox

import "fmt"

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProcessed    Status = "PROCESSED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// ParseStatus validates and converts a raw status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessed, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed || status == StatusDeadLettered
}

// CanTransitionTo reports whether status may move to next. Pending may stay
// pending when a retry is scheduled.
func (status Status) CanTransitionTo(next Status) bool {
	if status != StatusPending {
		return false
	}

	return next.IsValid()
}

// ValidateTransition returns ErrRecordTerminal for any move out of a
// terminal state and ErrTransitionInvalid for unknown states.
func ValidateTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrRecordTerminal, from, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}

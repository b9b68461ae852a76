package saga

import "fmt"

// Status is the lifecycle state of an Instance.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
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
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCompensating, StatusCompensated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the instance may no longer execute or
// compensate.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}

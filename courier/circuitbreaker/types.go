package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State State
	// WindowStart is when the current closed-state sampling window began.
	// Nil while open or half-open.
	WindowStart *time.Time
	Requests    uint32
	Successes   uint32
	Failures    uint32
	// OpenedAt is the last time the breaker opened. Nil if it never did.
	OpenedAt *time.Time
}

// StateChangeListener is notified when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(name string, from State, to State)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(name string, from State, to State)

func (f StateChangeFunc) OnStateChange(name string, from State, to State) {
	f(name, from, to)
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

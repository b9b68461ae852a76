package outbox

import "context"

// Gate admits or refuses publish attempts. *circuitbreaker.Breaker
// satisfies it.
type Gate interface {
	AllowAttempt() bool
	RecordOutcome(success bool)
}

// CycleLocker makes a dispatch cycle exclusive across processes. TryLock
// returns acquired=false without error when another holder owns key.
type CycleLocker interface {
	TryLock(ctx context.Context, key string) (release func(context.Context) error, acquired bool, err error)
}

package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating at math.MaxInt64.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)
	factor := int64(1) << attempt

	if int64(base) > math.MaxInt64/factor {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(factor)
}

// Capped is Exponential bounded by ceiling.
func Capped(base, ceiling time.Duration, attempt int) time.Duration {
	delay := Exponential(base, attempt)
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}

	return delay
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay))) // #nosec G404 -- jitter does not need crypto randomness
}

// SleepWithContext waits for duration or until ctx is done.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	courier "github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const maxLockTries = 1000

var (
	ErrNilLockManager         = errors.New("lock manager is nil")
	ErrNilLockFn              = errors.New("lock function is nil")
	ErrEmptyLockKey           = errors.New("lock key cannot be empty")
	ErrLockNotHeld            = errors.New("lock was not held or already expired")
	ErrLockExpiryInvalid      = errors.New("lock expiry must be greater than 0")
	ErrLockTriesInvalid       = errors.New("lock tries must be at least 1")
	ErrLockTriesExceeded      = errors.New("lock tries exceeds maximum")
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
)

// LockOptions configures lock acquisition.
type LockOptions struct {
	// Expiry bounds how long a crashed holder keeps the lock. It must exceed
	// the longest critical section.
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultLockOptions returns the baseline lock options.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      30 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

func (opts LockOptions) validate() error {
	if opts.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if opts.Tries < 1 {
		return ErrLockTriesInvalid
	}

	if opts.Tries > maxLockTries {
		return ErrLockTriesExceeded
	}

	if opts.RetryDelay < 0 {
		return ErrLockRetryDelayNegative
	}

	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return ErrLockDriftFactorInvalid
	}

	return nil
}

// LockManager hands out RedLock mutexes.
type LockManager struct {
	redsync *redsync.Redsync
	opts    LockOptions
}

// NewLockManager creates a lock manager over client.
func NewLockManager(client redis.UniversalClient, opts LockOptions) (*LockManager, error) {
	if nilcheck.Interface(client) {
		return nil, ErrNilClient
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &LockManager{
		redsync: redsync.New(goredis.NewPool(client)),
		opts:    opts,
	}, nil
}

// WithLock runs fn while holding lockKey, retrying acquisition per the
// manager options.
func (lm *LockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	if lm == nil || lm.redsync == nil {
		return ErrNilLockManager
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer := courier.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := lm.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(lm.opts.Expiry),
		redsync.WithTries(lm.opts.Tries),
		redsync.WithRetryDelay(lm.opts.RetryDelay),
		redsync.WithDriftFactor(lm.opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "failed to acquire lock", err)

		return fmt.Errorf("failed to acquire lock %s: %w", safeLockKey, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			logger.Log(ctx, log.LevelError, "failed to release lock",
				log.String("lock_key", safeLockKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "function execution failed under lock", err)

		return fmt.Errorf("distributed lock: function execution: %w", err)
	}

	return nil
}

// TryLock makes a single acquisition attempt. Contention returns
// acquired=false with a nil error; release frees the lock.
func (lm *LockManager) TryLock(ctx context.Context, lockKey string) (func(context.Context) error, bool, error) {
	if lm == nil || lm.redsync == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer := courier.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := lm.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(lm.opts.Expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", safeLockKey))

			return nil, false, nil
		}

		opentelemetry.HandleSpanError(span, "failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeLockKey, err)
	}

	release := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return ErrLockNotHeld
		}

		if err != nil {
			return fmt.Errorf("distributed lock: unlock: %w", err)
		}

		if !ok {
			return ErrLockNotHeld
		}

		return nil
	}

	return release, true, nil
}

// isLockContention separates "someone else holds it" from real failures.
// redsync reports contention as ErrFailed or ErrTaken depending on the path.
func isLockContention(err error) bool {
	var (
		taken    redsync.ErrTaken
		takenPtr *redsync.ErrTaken
	)

	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &takenPtr) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safeLockKey := strconv.QuoteToASCII(lockKey)
	if len(safeLockKey) <= maxLockKeyLogLength {
		return safeLockKey
	}

	return safeLockKey[:maxLockKeyLogLength] + "...(truncated)"
}

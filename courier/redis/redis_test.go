package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ outbox.CycleLocker = (*LockManager)(nil)

func setupLockManager(t *testing.T, opts LockOptions) (*LockManager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager, err := NewLockManager(client, opts)
	require.NoError(t, err)

	return manager, mr
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Config{Addresses: []string{" " + mr.Addr() + " ", ""}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	value, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestNewClient_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), Config{Addresses: []string{" "}})
	require.ErrorIs(t, err, ErrAddressRequired)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err = NewClient(context.Background(), Config{Addresses: []string{addr}, DialTimeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping")
}

func TestConfig_StringRedactsPassword(t *testing.T) {
	t.Parallel()

	cfg := Config{Addresses: []string{"localhost:6379"}, Password: "s3cret"}

	assert.NotContains(t, cfg.String(), "s3cret")
}

func TestNewLockManager_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewLockManager(nil, DefaultLockOptions())
	require.ErrorIs(t, err, ErrNilClient)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { _ = client.Close() })

	tests := map[string]struct {
		mutate  func(*LockOptions)
		wantErr error
	}{
		"zero expiry":    {mutate: func(o *LockOptions) { o.Expiry = 0 }, wantErr: ErrLockExpiryInvalid},
		"zero tries":     {mutate: func(o *LockOptions) { o.Tries = 0 }, wantErr: ErrLockTriesInvalid},
		"too many tries": {mutate: func(o *LockOptions) { o.Tries = maxLockTries + 1 }, wantErr: ErrLockTriesExceeded},
		"negative delay": {mutate: func(o *LockOptions) { o.RetryDelay = -time.Second }, wantErr: ErrLockRetryDelayNegative},
		"drift too high": {mutate: func(o *LockOptions) { o.DriftFactor = 1 }, wantErr: ErrLockDriftFactorInvalid},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			opts := DefaultLockOptions()
			tt.mutate(&opts)

			_, err := NewLockManager(client, opts)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLockManager_TryLock(t *testing.T) {
	t.Parallel()

	manager, mr := setupLockManager(t, DefaultLockOptions())
	ctx := context.Background()

	release, acquired, err := manager.TryLock(ctx, "courier:outbox:dispatch")
	require.NoError(t, err)
	require.True(t, acquired)
	assert.True(t, mr.Exists("courier:outbox:dispatch"))

	_, acquiredAgain, err := manager.TryLock(ctx, "courier:outbox:dispatch")
	require.NoError(t, err)
	assert.False(t, acquiredAgain)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("courier:outbox:dispatch"))

	require.ErrorIs(t, release(ctx), ErrLockNotHeld)

	releaseNext, acquiredNext, err := manager.TryLock(ctx, "courier:outbox:dispatch")
	require.NoError(t, err)
	require.True(t, acquiredNext)
	require.NoError(t, releaseNext(ctx))
}

func TestLockManager_TryLockExpires(t *testing.T) {
	t.Parallel()

	opts := DefaultLockOptions()
	opts.Expiry = time.Second

	manager, mr := setupLockManager(t, opts)
	ctx := context.Background()

	release, acquired, err := manager.TryLock(ctx, "cycle")
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(2 * time.Second)

	require.ErrorIs(t, release(ctx), ErrLockNotHeld)

	_, acquired, err = manager.TryLock(ctx, "cycle")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockManager_TryLockValidation(t *testing.T) {
	t.Parallel()

	manager, _ := setupLockManager(t, DefaultLockOptions())

	_, _, err := manager.TryLock(context.Background(), " ")
	require.ErrorIs(t, err, ErrEmptyLockKey)

	var nilManager *LockManager

	_, _, err = nilManager.TryLock(context.Background(), "k")
	require.ErrorIs(t, err, ErrNilLockManager)
}

func TestLockManager_WithLockSerializes(t *testing.T) {
	t.Parallel()

	opts := DefaultLockOptions()
	opts.Tries = 200
	opts.RetryDelay = 5 * time.Millisecond

	manager, _ := setupLockManager(t, opts)

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = manager.WithLock(context.Background(), "saga:resume", func(context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}

				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)

				return nil
			})
		}()
	}

	wg.Wait()

	assert.False(t, overlap.Load())
}

func TestLockManager_WithLockPropagatesError(t *testing.T) {
	t.Parallel()

	manager, mr := setupLockManager(t, DefaultLockOptions())
	errBoom := errors.New("boom")

	err := manager.WithLock(context.Background(), "k", func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.False(t, mr.Exists("k"))

	require.ErrorIs(t, manager.WithLock(context.Background(), "k", nil), ErrNilLockFn)
	require.ErrorIs(t, manager.WithLock(context.Background(), "", func(context.Context) error { return nil }), ErrEmptyLockKey)
}

func TestSafeLockKeyForLogs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"a\nb"`, safeLockKeyForLogs("a\nb"))

	long := safeLockKeyForLogs(strings.Repeat("x", 300))
	assert.True(t, strings.HasSuffix(long, "...(truncated)"))
}

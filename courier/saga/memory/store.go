// Package memory provides an in-process saga.StateStore for tests and
// single-process tools. Instances are copied on the way in and out, and
// expire after the configured TTL.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/saga"
)

type entry struct {
	instance  *saga.Instance
	expiresAt time.Time
}

// Store keeps instances in a map guarded by a mutex.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	saves   int
}

var _ saga.StateStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL expires instances ttl after their last save. Zero keeps them
// forever.
func WithTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl >= 0 {
			store.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

// Create stores instance unless a live entry already holds its id.
func (store *Store) Create(ctx context.Context, instance *saga.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := instance.Validate(); err != nil {
		return fmt.Errorf("create saga instance: %w", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if stored, ok := store.entries[instance.ID]; ok && !store.expired(stored) {
		return fmt.Errorf("%w: %s", saga.ErrSagaAlreadyExists, instance.ID)
	}

	store.put(instance)

	return nil
}

func (store *Store) Save(ctx context.Context, instance *saga.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := instance.Validate(); err != nil {
		return fmt.Errorf("save saga instance: %w", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.put(instance)

	return nil
}

// put must be called with mu held.
func (store *Store) put(instance *saga.Instance) {
	var expiresAt time.Time
	if store.ttl > 0 {
		expiresAt = store.now().Add(store.ttl)
	}

	store.entries[instance.ID] = entry{instance: instance.Clone(), expiresAt: expiresAt}
	store.saves++
}

func (store *Store) Load(ctx context.Context, id string) (*saga.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.entries[id]
	if !ok || store.expired(stored) {
		delete(store.entries, id)

		return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}

	return stored.instance.Clone(), nil
}

func (store *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.entries, id)

	return nil
}

// Saves returns how many writes succeeded, Create included.
func (store *Store) Saves() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.saves
}

func (store *Store) expired(stored entry) bool {
	return !stored.expiresAt.IsZero() && !store.now().Before(stored.expiresAt)
}

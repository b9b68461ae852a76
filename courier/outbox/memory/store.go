// Package memory provides an in-process outbox.Store for tests and
// single-process tools. The tx argument of Enqueue is ignored: records are
// visible as soon as Enqueue returns.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/google/uuid"
)

// DefaultClaimTimeout is the lease taken by FetchDueBatch.
const DefaultClaimTimeout = time.Minute

// Store keeps records in a map guarded by a mutex.
type Store struct {
	mu           sync.Mutex
	records      map[uuid.UUID]*outbox.Record
	claimTimeout time.Duration
	now          func() time.Time
}

var _ outbox.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// WithClaimTimeout sets the lease taken by FetchDueBatch.
func WithClaimTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.claimTimeout = timeout
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		records:      make(map[uuid.UUID]*outbox.Record),
		claimTimeout: DefaultClaimTimeout,
		now:          time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

func (store *Store) Enqueue(ctx context.Context, _ outbox.Tx, kind string, payload []byte) (*outbox.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, err := outbox.NewRecord(kind, payload, store.now())
	if err != nil {
		return nil, err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.records[record.ID] = record

	return record.Clone(), nil
}

func (store *Store) FetchDueBatch(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, nil
	}

	now := store.now()

	store.mu.Lock()
	defer store.mu.Unlock()

	due := make([]*outbox.Record, 0)

	for _, record := range store.records {
		if record.IsDue(now) {
			due = append(due, record)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID.String() < due[j].ID.String()
		}

		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}

	batch := make([]*outbox.Record, 0, len(due))

	for _, record := range due {
		record.Claim(now, store.claimTimeout)
		batch = append(batch, record.Clone())
	}

	return batch, nil
}

func (store *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return store.mutate(ctx, id, func(record *outbox.Record) error {
		return record.MarkProcessed(store.now())
	})
}

func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (*outbox.Record, error) {
	var updated *outbox.Record

	err := store.mutate(ctx, id, func(record *outbox.Record) error {
		if err := record.MarkFailed(errMsg, maxRetries, store.now()); err != nil {
			return err
		}

		updated = record.Clone()

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (store *Store) Release(ctx context.Context, id uuid.UUID) error {
	return store.mutate(ctx, id, func(record *outbox.Record) error {
		return record.Release()
	})
}

func (store *Store) DeleteProcessedOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoff := store.now().Add(-retention)

	store.mu.Lock()
	defer store.mu.Unlock()

	var deleted int64

	for id, record := range store.records {
		if record.Status == outbox.StatusProcessed && record.ProcessedAt != nil && record.ProcessedAt.Before(cutoff) {
			delete(store.records, id)

			deleted++
		}
	}

	return deleted, nil
}

// Get returns a copy of the record with id.
func (store *Store) Get(id uuid.UUID) (*outbox.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}

	return record.Clone(), nil
}

// Len returns the number of stored records.
func (store *Store) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return len(store.records)
}

// mutate applies fn to a working copy and stores it only when fn succeeds,
// so a rejected transition leaves the record untouched.
func (store *Store) mutate(ctx context.Context, id uuid.UUID, fn func(*outbox.Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}

	working := record.Clone()
	if err := fn(working); err != nil {
		return err
	}

	store.records[id] = working

	return nil
}

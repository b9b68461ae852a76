// Package redis stores saga instances in Redis as JSON documents under
// "<prefix><id>" with a per-key expiry refreshed on every save.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/codec"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/saga"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "saga:"
	DefaultTTL       = 7 * 24 * time.Hour
)

var ErrClientRequired = errors.New("saga redis store requires a client")

// Store implements saga.StateStore on a go-redis client.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    libLog.Logger
	codec     codec.Serializer[saga.Instance]
}

var _ saga.StateStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix. Blank prefixes are ignored.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if strings.TrimSpace(prefix) != "" {
			store.keyPrefix = prefix
		}
	}
}

// WithTTL sets the expiry applied on every save.
func WithTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl > 0 {
			store.ttl = ttl
		}
	}
}

func WithLogger(logger libLog.Logger) Option {
	return func(store *Store) {
		if !nilcheck.Interface(logger) {
			store.logger = logger
		}
	}
}

// NewStore returns a Store using client.
func NewStore(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	store := &Store{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
		ttl:       DefaultTTL,
		logger:    libLog.NewNop(),
		codec:     codec.NewJSON[saga.Instance](),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

func (store *Store) key(id string) string {
	return store.keyPrefix + id
}

// Create writes the instance with SET ... NX EX ttl.
func (store *Store) Create(ctx context.Context, instance *saga.Instance) error {
	document, err := store.encode(instance)
	if err != nil {
		return err
	}

	created, err := store.client.SetNX(ctx, store.key(instance.ID), document, store.ttl).Result()
	if err != nil {
		store.logger.Log(ctx, libLog.LevelError, "failed to create saga instance",
			libLog.String("saga_id", instance.ID),
			libLog.Err(err),
		)

		return fmt.Errorf("create saga instance %s: %w", instance.ID, err)
	}

	if !created {
		return fmt.Errorf("%w: %s", saga.ErrSagaAlreadyExists, instance.ID)
	}

	return nil
}

// Save writes the instance with SET ... EX ttl.
func (store *Store) Save(ctx context.Context, instance *saga.Instance) error {
	document, err := store.encode(instance)
	if err != nil {
		return err
	}

	if err := store.client.Set(ctx, store.key(instance.ID), document, store.ttl).Err(); err != nil {
		store.logger.Log(ctx, libLog.LevelError, "failed to save saga instance",
			libLog.String("saga_id", instance.ID),
			libLog.String("status", instance.Status.String()),
			libLog.Err(err),
		)

		return fmt.Errorf("save saga instance %s: %w", instance.ID, err)
	}

	return nil
}

func (store *Store) encode(instance *saga.Instance) ([]byte, error) {
	if err := instance.Validate(); err != nil {
		return nil, fmt.Errorf("save saga instance: %w", err)
	}

	document, err := store.codec.Serialize(*instance)
	if err != nil {
		return nil, fmt.Errorf("encode saga instance %s: %w", instance.ID, err)
	}

	return document, nil
}

// Load returns saga.ErrSagaNotFound for missing or expired keys.
func (store *Store) Load(ctx context.Context, id string) (*saga.Instance, error) {
	if strings.TrimSpace(id) == "" {
		return nil, saga.ErrSagaIDRequired
	}

	document, err := store.client.Get(ctx, store.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
		}

		return nil, fmt.Errorf("load saga instance %s: %w", id, err)
	}

	instance, err := store.codec.Deserialize(document)
	if err != nil {
		return nil, fmt.Errorf("decode saga instance %s: %w", id, err)
	}

	return &instance, nil
}

func (store *Store) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return saga.ErrSagaIDRequired
	}

	if err := store.client.Del(ctx, store.key(id)).Err(); err != nil {
		return fmt.Errorf("delete saga instance %s: %w", id, err)
	}

	return nil
}

// TTL returns the remaining lifetime of the stored instance.
func (store *Store) TTL(ctx context.Context, id string) (time.Duration, error) {
	ttl, err := store.client.TTL(ctx, store.key(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl of saga instance %s: %w", id, err)
	}

	if ttl < 0 {
		return 0, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}

	return ttl, nil
}

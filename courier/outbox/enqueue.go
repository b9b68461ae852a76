package outbox

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/codec"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
)

// EnqueueValue serializes value with the serializer registered for T in
// codec.Default and enqueues it inside tx.
func EnqueueValue[T any](ctx context.Context, store Store, tx Tx, kind string, value T) (*Record, error) {
	return EnqueueWith(ctx, store, tx, kind, value, codec.For[T]())
}

// EnqueueWith is EnqueueValue with an explicit serializer.
func EnqueueWith[T any](
	ctx context.Context,
	store Store,
	tx Tx,
	kind string,
	value T,
	serializer codec.Serializer[T],
) (*Record, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	payload, err := serializer.Serialize(value)
	if err != nil {
		return nil, fmt.Errorf("serialize %s payload: %w", kind, err)
	}

	return store.Enqueue(ctx, tx, kind, payload)
}

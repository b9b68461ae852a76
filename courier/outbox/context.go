package outbox

import (
	"context"

	"github.com/google/uuid"
)

type recordMetaContextKey struct{}

// RecordMeta identifies the record a transport is publishing.
type RecordMeta struct {
	ID         uuid.UUID
	Kind       string
	RetryCount int
}

// ContextWithRecord returns a context carrying meta for the transport.
func ContextWithRecord(ctx context.Context, meta RecordMeta) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, recordMetaContextKey{}, meta)
}

// RecordFromContext reads the record being published. Transports use the id
// as message id so consumers can deduplicate redeliveries.
func RecordFromContext(ctx context.Context) (RecordMeta, bool) {
	if ctx == nil {
		return RecordMeta{}, false
	}

	meta, ok := ctx.Value(recordMetaContextKey{}).(RecordMeta)
	if !ok || meta.ID == uuid.Nil {
		return RecordMeta{}, false
	}

	return meta, true
}

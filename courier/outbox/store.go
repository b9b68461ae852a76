package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transaction handle Enqueue writes through. It aliases *sql.Tx so
// producers keep their own database/sql transaction management.
type Tx = *sql.Tx

// Store persists outbox records.
//
// Mutations on a record in a terminal state return ErrRecordTerminal and
// leave it untouched. Unknown ids return ErrRecordNotFound.
type Store interface {
	// Enqueue writes a new pending record inside tx without committing it.
	Enqueue(ctx context.Context, tx Tx, kind string, payload []byte) (*Record, error)
	// FetchDueBatch claims up to limit due pending records, oldest first.
	FetchDueBatch(ctx context.Context, limit int) ([]*Record, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	// MarkFailed returns the record after the failure was applied.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (*Record, error)
	// Release drops the claim of a pending record that was fetched but not
	// attempted.
	Release(ctx context.Context, id uuid.UUID) error
	// DeleteProcessedOlderThan removes processed records whose ProcessedAt is
	// older than now-retention and returns how many were deleted.
	DeleteProcessedOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	courier "github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	libPostgres "github.com/LerianStudio/lib-courier/courier/postgres"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
)

const (
	DefaultTableName          = "outbox_records"
	DefaultClaimTimeout       = time.Minute
	DefaultTransactionTimeout = 30 * time.Second
	MigrationsTable           = "courier_outbox_schema_migrations"

	maxSQLIdentifierLength = 63
	recordColumns          = "id, kind, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at, claimed_until"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	//go:embed migrations/*.sql
	migrationFiles embed.FS
)

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger libLog.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithTableName overrides the table. Schema-qualified names are accepted.
// The embedded migrations only create the default table.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithClaimTimeout sets how long a fetched record stays leased.
func WithClaimTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.claimTimeout = timeout
		}
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// Store persists outbox records in PostgreSQL.
type Store struct {
	db                 dbresolver.DB
	logger             libLog.Logger
	tableName          string
	claimTimeout       time.Duration
	transactionTimeout time.Duration
	now                func() time.Time
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store. Every query other than
// Enqueue runs in a transaction on the primary.
func NewStore(db dbresolver.DB, opts ...Option) (*Store, error) {
	if nilcheck.Interface(db) {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		db:                 db,
		logger:             libLog.NewNop(),
		tableName:          DefaultTableName,
		claimTimeout:       DefaultClaimTimeout,
		transactionTimeout: DefaultTransactionTimeout,
		now:                time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = DefaultTableName
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Migrate applies the embedded outbox schema migrations.
func Migrate(ctx context.Context, db *sql.DB, logger libLog.Logger) error {
	return libPostgres.RunMigrations(ctx, db, libPostgres.Migration{
		Source: migrationFiles,
		Dir:    "migrations",
		Table:  MigrationsTable,
	}, logger)
}

// Enqueue inserts a pending record through tx. It never commits; a nil tx
// returns outbox.ErrTransactionRequired.
func (store *Store) Enqueue(ctx context.Context, tx outbox.Tx, kind string, payload []byte) (*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return nil, outbox.ErrTransactionRequired
	}

	logger, tracer := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_enqueue")
	defer span.End()

	record, err := outbox.NewRecord(kind, payload, store.now())
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid outbox record", err)

		return nil, err
	}

	query := "INSERT INTO " + store.table() + " (" + recordColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"

	if _, err := tx.ExecContext(ctx, query,
		record.ID,
		record.Kind,
		record.Payload,
		string(record.Status),
		record.RetryCount,
		nullString(record.LastError),
		record.CreatedAt,
		record.ProcessedAt,
		record.NextRetryAt,
		record.ClaimedUntil,
	); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to insert outbox record", err)
		logSanitizedError(logger, ctx, "failed to insert outbox record", err)

		return nil, fmt.Errorf("inserting outbox record: %w", err)
	}

	return record, nil
}

// FetchDueBatch claims up to limit due records, oldest first. Rows locked by
// a concurrent fetch are skipped.
func (store *Store) FetchDueBatch(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_fetch_due")
	defer span.End()

	now := store.now().UTC()
	claimedUntil := now.Add(store.claimTimeout)
	table := store.table()

	query := "UPDATE " + table + " SET claimed_until = $1 WHERE id IN (" +
		"SELECT id FROM " + table +
		" WHERE status = $2 AND (next_retry_at IS NULL OR next_retry_at <= $3)" +
		" AND (claimed_until IS NULL OR claimed_until <= $3)" +
		" ORDER BY created_at ASC, id ASC LIMIT $4 FOR UPDATE SKIP LOCKED" +
		") RETURNING " + recordColumns

	records, err := withTx(ctx, store, func(tx dbresolver.Tx) ([]*outbox.Record, error) {
		rows, err := tx.QueryContext(ctx, query, claimedUntil, string(outbox.StatusPending), now, limit)
		if err != nil {
			return nil, fmt.Errorf("claiming due records: %w", err)
		}
		defer rows.Close()

		records := make([]*outbox.Record, 0, limit)

		for rows.Next() {
			record, scanErr := scanRecord(rows)
			if scanErr != nil {
				return nil, scanErr
			}

			records = append(records, record)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating due records: %w", err)
		}

		return records, nil
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to fetch due outbox records", err)
		logSanitizedError(logger, ctx, "failed to fetch due outbox records", err)

		return nil, fmt.Errorf("fetching due records: %w", err)
	}

	// RETURNING does not keep the subquery order.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID.String() < records[j].ID.String()
		}

		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func (store *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := store.mutate(ctx, "postgres.outbox_mark_processed", id, func(record *outbox.Record, now time.Time) error {
		return record.MarkProcessed(now)
	})

	return err
}

func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (*outbox.Record, error) {
	return store.mutate(ctx, "postgres.outbox_mark_failed", id, func(record *outbox.Record, now time.Time) error {
		return record.MarkFailed(errMsg, maxRetries, now)
	})
}

func (store *Store) Release(ctx context.Context, id uuid.UUID) error {
	_, err := store.mutate(ctx, "postgres.outbox_release", id, func(record *outbox.Record, _ time.Time) error {
		return record.Release()
	})

	return err
}

func (store *Store) DeleteProcessedOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_delete_processed")
	defer span.End()

	cutoff := store.now().UTC().Add(-retention)
	query := "DELETE FROM " + store.table() + " WHERE status = $1 AND processed_at < $2"

	deleted, err := withTx(ctx, store, func(tx dbresolver.Tx) (int64, error) {
		result, err := tx.ExecContext(ctx, query, string(outbox.StatusProcessed), cutoff)
		if err != nil {
			return 0, fmt.Errorf("deleting processed records: %w", err)
		}

		return result.RowsAffected()
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to delete processed outbox records", err)
		logSanitizedError(logger, ctx, "failed to delete processed outbox records", err)

		return 0, err
	}

	return deleted, nil
}

// Get loads a record without locking it.
func (store *Store) Get(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := "SELECT " + recordColumns + " FROM " + store.table() + " WHERE id = $1"

	return withTx(ctx, store, func(tx dbresolver.Tx) (*outbox.Record, error) {
		record, err := scanRecord(tx.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
		}

		return record, err
	})
}

// mutate locks the row, applies fn through the record state machine and
// writes the mutable columns back. A rejected transition rolls back.
func (store *Store) mutate(
	ctx context.Context,
	spanName string,
	id uuid.UUID,
	fn func(*outbox.Record, time.Time) error,
) (*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, tracer := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	table := store.table()
	selectQuery := "SELECT " + recordColumns + " FROM " + table + " WHERE id = $1 FOR UPDATE"
	updateQuery := "UPDATE " + table +
		" SET status = $2, retry_count = $3, last_error = $4, processed_at = $5, next_retry_at = $6, claimed_until = $7" +
		" WHERE id = $1"

	record, err := withTx(ctx, store, func(tx dbresolver.Tx) (*outbox.Record, error) {
		record, err := scanRecord(tx.QueryRowContext(ctx, selectQuery, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
		}

		if err != nil {
			return nil, err
		}

		if err := fn(record, store.now().UTC()); err != nil {
			return nil, err
		}

		result, err := tx.ExecContext(ctx, updateQuery,
			record.ID,
			string(record.Status),
			record.RetryCount,
			nullString(record.LastError),
			record.ProcessedAt,
			record.NextRetryAt,
			record.ClaimedUntil,
		)
		if err != nil {
			return nil, fmt.Errorf("updating outbox record: %w", err)
		}

		if err := ensureRowsAffected(result); err != nil {
			return nil, err
		}

		return record, nil
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to update outbox record", err)

		if !errors.Is(err, outbox.ErrRecordTerminal) && !errors.Is(err, outbox.ErrRecordNotFound) {
			logSanitizedError(logger, ctx, "failed to update outbox record", err)
		}

		return nil, err
	}

	return record, nil
}

func (store *Store) table() string {
	return quoteIdentifierPath(store.tableName)
}

func withTx[T any](ctx context.Context, store *Store, fn func(dbresolver.Tx) (T, error)) (result T, err error) {
	ctx, cancel := context.WithTimeout(ctx, store.transactionTimeout)
	defer cancel()

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if err == nil {
			return
		}

		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rolling back transaction: %w", rollbackErr))
		}
	}()

	result, err = fn(tx)
	if err != nil {
		return result, err
	}

	if err = tx.Commit(); err != nil {
		return result, fmt.Errorf("committing transaction: %w", err)
	}

	return result, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.Record, error) {
	var (
		record    outbox.Record
		status    string
		lastError sql.NullString
		processed sql.NullTime
		nextRetry sql.NullTime
		claimed   sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.Kind,
		&record.Payload,
		&status,
		&record.RetryCount,
		&lastError,
		&record.CreatedAt,
		&processed,
		&nextRetry,
		&claimed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	record.Status = parsed
	record.LastError = lastError.String
	record.CreatedAt = record.CreatedAt.UTC()
	record.ProcessedAt = timePtr(processed)
	record.NextRetryAt = timePtr(nextRetry)
	record.ClaimedUntil = timePtr(claimed)

	return &record, nil
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func ensureRowsAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}

	if affected == 0 {
		return outbox.ErrRecordNotFound
	}

	return nil
}

func logSanitizedError(logger libLog.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, libLog.LevelError, message, libLog.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	for _, part := range strings.Split(path, ".") {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

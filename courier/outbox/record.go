package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/google/uuid"
)

const (
	// DefaultMaxPayloadBytes caps a single record payload.
	DefaultMaxPayloadBytes = 1 << 20
	// BaseRetryDelay is multiplied by 2^retryCount to schedule the next attempt.
	BaseRetryDelay = time.Second
)

// Record is a message waiting in the outbox.
type Record struct {
	ID         uuid.UUID
	Kind       string
	Payload    []byte
	Status     Status
	RetryCount int
	// LastError holds the sanitized error of the latest failed attempt.
	// Empty means none.
	LastError   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	// NextRetryAt is set only while a pending record waits for a retry.
	NextRetryAt *time.Time
	// ClaimedUntil is the lease taken by FetchDueBatch. Another fetch skips
	// the record until it expires.
	ClaimedUntil *time.Time
}

// NewRecord validates kind and payload and returns a pending record with a
// time-ordered UUIDv7 id.
func NewRecord(kind string, payload []byte, now time.Time) (*Record, error) {
	kind, err := ValidateEnqueue(kind, payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}

	return &Record{
		ID:         id,
		Kind:       kind,
		Payload:    append([]byte(nil), payload...),
		Status:     StatusPending,
		RetryCount: 0,
		CreatedAt:  now.UTC(),
	}, nil
}

// ValidateEnqueue checks enqueue input and returns the trimmed kind.
func ValidateEnqueue(kind string, payload []byte) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", ErrKindRequired
	}

	if len(payload) == 0 {
		return "", ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	return kind, nil
}

// RetryDelay returns the wait before the attempt following retryCount failures.
func RetryDelay(retryCount int) time.Duration {
	return backoff.Exponential(BaseRetryDelay, retryCount)
}

// IsDue reports whether the record can be fetched at now.
func (record *Record) IsDue(now time.Time) bool {
	if record.Status != StatusPending {
		return false
	}

	if record.NextRetryAt != nil && record.NextRetryAt.After(now) {
		return false
	}

	return record.ClaimedUntil == nil || !record.ClaimedUntil.After(now)
}

// Claim leases the record until now+ttl.
func (record *Record) Claim(now time.Time, ttl time.Duration) {
	until := now.Add(ttl).UTC()
	record.ClaimedUntil = &until
}

// Release drops the lease without touching retry metadata.
func (record *Record) Release() error {
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrRecordTerminal, record.Status)
	}

	record.ClaimedUntil = nil

	return nil
}

// MarkProcessed moves a pending record to PROCESSED.
func (record *Record) MarkProcessed(now time.Time) error {
	if err := ValidateTransition(record.Status, StatusProcessed); err != nil {
		return err
	}

	processedAt := now.UTC()
	record.Status = StatusProcessed
	record.ProcessedAt = &processedAt
	record.NextRetryAt = nil
	record.ClaimedUntil = nil

	return nil
}

// MarkFailed records a failed attempt. Once RetryCount reaches maxRetries
// the record is dead-lettered; otherwise it stays pending with NextRetryAt
// set to now + 2^RetryCount seconds.
func (record *Record) MarkFailed(errMsg string, maxRetries int, now time.Time) error {
	retryCount := record.RetryCount + 1

	next := StatusPending
	if retryCount >= maxRetries {
		next = StatusDeadLettered
	}

	if err := ValidateTransition(record.Status, next); err != nil {
		return err
	}

	record.RetryCount = retryCount
	record.LastError = SanitizeErrorMessage(errMsg)
	record.Status = next
	record.ClaimedUntil = nil

	if next == StatusDeadLettered {
		record.NextRetryAt = nil

		return nil
	}

	nextRetryAt := now.Add(RetryDelay(retryCount)).UTC()
	record.NextRetryAt = &nextRetryAt

	return nil
}

// Clone returns a deep copy.
func (record *Record) Clone() *Record {
	if record == nil {
		return nil
	}

	clone := *record
	clone.Payload = append([]byte(nil), record.Payload...)
	clone.ProcessedAt = cloneTime(record.ProcessedAt)
	clone.NextRetryAt = cloneTime(record.NextRetryAt)
	clone.ClaimedUntil = cloneTime(record.ClaimedUntil)

	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	copied := *t

	return &copied
}

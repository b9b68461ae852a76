// Package outbox implements the transactional outbox pattern.
//
// Producers call Store.Enqueue inside the same *sql.Tx as their business
// write. A Dispatcher later fetches due records, publishes them through a
// Transport guarded by a circuit breaker and records the outcome. Delivery is
// at-least-once: a record published but not yet marked processed is
// published again, so consumers must be idempotent on the record id.
//
// Failed publishes are retried with exponential backoff (2^retryCount
// seconds) until MaxRetries is reached, after which the record is
// dead-lettered. Store implementations live in the memory and postgres
// subpackages.
package outbox

// Package postgres implements outbox.Store on PostgreSQL.
//
// Enqueue writes through the caller's transaction so the record commits or
// rolls back with the business change. FetchDueBatch claims rows with
// FOR UPDATE SKIP LOCKED, which lets several relays poll the same table.
// The schema ships as embedded golang-migrate migrations; see Migrate.
package postgres

// Package postgres opens primary/replica PostgreSQL connections through
// dbresolver and applies embedded golang-migrate migrations.
package postgres

// Package stores provides the SQL persistence layer for conductor.
// SQLStore implements engine.Store on SQLite (modernc, WAL mode) or Postgres
// (pgx), with embedded golang-migrate migrations per dialect. Every update is
// guarded by the record's version; a miss is reported as NotFoundError or
// ConflictError.
package stores

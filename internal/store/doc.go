// Package store provides persistent storage for coven-courier.
//
// # Architecture
//
// The store package splits persistence into three interfaces:
//
//   - TaskStore: the task queue and its guarded status machine
//   - AgentDirectory: agent identities, resolvable by ID or name
//   - MailStore: per-agent mailboxes watched by the event multiplexer
//
// SQLStore implements all of them in a single struct on top of database/sql,
// speaking either SQLite (modernc.org/sqlite) or PostgreSQL (pgx stdlib).
// Queries are written with ? placeholders and rebound to $n for PostgreSQL.
//
// # Task State Machine
//
//	pending --claim--> claimed --complete--> completed
//	                   claimed --fail------> failed
//	pending --complete-direct--------------> completed
//
// Every transition is a single conditional UPDATE guarded on the current
// status, so concurrent callers racing on one task see exactly one winner.
// Losers get a *ConflictError (errors.Is(err, ErrConflict)) carrying the
// status the task actually had; unknown IDs get ErrNotFound. Result, Error,
// ClaimedAt and CompletedAt are written at most once.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC RFC3339 text with nanoseconds, so
// ORDER BY on the text column is chronological on both backends.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//	// s implements Store with the same transition rules
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration
// tests with real SQLite.
//
// # Migrations
//
// createSchema is idempotent and runMigrations adds columns missing from
// databases created by earlier versions.
package store

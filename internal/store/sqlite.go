// ABOUTME: SQL implementation of the Store interface for SQLite and PostgreSQL
// ABOUTME: Provides schema creation, idempotent migrations and placeholder rebinding

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed-width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open creates a store for the given driver ("sqlite" or "postgres").
// For sqlite, path is the database file; for postgres, dsn is the connection string.
func Open(ctx context.Context, driver, path, dsn string) (*SQLStore, error) {
	switch Dialect(driver) {
	case "", DialectSQLite:
		return NewSQLiteStore(path)
	case DialectPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them. busy_timeout
	// makes concurrent claimers wait for the write lock instead of failing.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLStore{db: db, dialect: DialectSQLite, logger: logger}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLStore) init(ctx context.Context) error {
	if err := s.createSchema(ctx); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			address    TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			assigner_id  TEXT NOT NULL,
			assignee_id  TEXT NOT NULL REFERENCES agents(id),
			task_type    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			status       TEXT NOT NULL,
			result       TEXT,
			error        TEXT,
			created_at   TEXT NOT NULL,
			claimed_at   TEXT,
			completed_at TEXT,
			expires_at   TEXT,

			CHECK (status IN ('pending', 'claimed', 'completed', 'failed'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigner ON tasks(assigner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_mail (
			id            TEXT PRIMARY KEY,
			from_agent_id TEXT NOT NULL,
			to_agent_id   TEXT NOT NULL,
			subject       TEXT NOT NULL,
			content       TEXT NOT NULL,
			read_at       TEXT,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_mail_to ON agent_mail(to_agent_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agent_mail",
			column: "content_html",
			apply:  `ALTER TABLE agent_mail ADD COLUMN content_html TEXT`,
		},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(ctx, m.table, m.column)
		if err != nil {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

func (s *SQLStore) columnExists(ctx context.Context, table, column string) (bool, error) {
	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?`
	default:
		query = `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`
	}

	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(query), table, column).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store", "dialect", s.dialect)
	return s.db.Close()
}

// Dialect reports which SQL flavour the store speaks.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

// formatTimePtr returns nil for a nil time so the column stays NULL
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraintViolation checks if the error is a UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if code := pgErrorCode(err); code != "" {
		return code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error is a FOREIGN KEY constraint violation
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if code := pgErrorCode(err); code != "" {
		return code == pgForeignKeyViolation
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// Ensure SQLStore implements Store interface
var _ Store = (*SQLStore)(nil)

// ABOUTME: Shared fixtures for store tests
// ABOUTME: Runs each behavioural test against SQLite, MockStore and PostgreSQL when configured

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// pgDSNEnv names the PostgreSQL connection string the postgres subtests use.
const pgDSNEnv = "COURIER_TEST_PG_DSN"

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newPostgresTestStore connects to COURIER_TEST_PG_DSN with a throwaway
// schema on the search path, dropped again on cleanup.
func newPostgresTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv(pgDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", pgDSNEnv)
	}
	ctx := context.Background()

	admin, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })

	schema := "courier_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = admin.ExecContext(ctx, "DROP SCHEMA "+schema+" CASCADE") })

	s, err := NewPostgresStore(ctx, withSearchPath(dsn, schema))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// withSearchPath adds a search_path runtime parameter to a URL or keyword DSN.
func withSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return dsn + " search_path=" + schema
}

// forEachStore runs fn against a fresh SQLite store, a fresh MockStore and,
// when COURIER_TEST_PG_DSN is set, a fresh PostgreSQL schema.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
	t.Run("postgres", func(t *testing.T) { fn(t, newPostgresTestStore(t)) })
}

func mustAgent(t *testing.T, s Store, name string) *Agent {
	t.Helper()
	a := &Agent{Name: name}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func mustTask(t *testing.T, s Store, assignee *Agent, payload string) *Task {
	t.Helper()
	task := &Task{
		AssignerID: MasterAssignerID,
		AssigneeID: assignee.ID,
		TaskType:   TaskTypeGeneric,
		Payload:    []byte(payload),
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

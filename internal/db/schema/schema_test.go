package schema

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type sqlExecutor struct {
	db *sql.DB
	tx *sql.Tx
}

func (e *sqlExecutor) Exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if e.tx != nil {
		return e.tx.ExecContext(ctx, q, args...)
	}
	return e.db.ExecContext(ctx, q, args...)
}
func (e *sqlExecutor) Select(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if e.tx != nil {
		return e.tx.QueryContext(ctx, q, args...)
	}
	return e.db.QueryContext(ctx, q, args...)
}
func (e *sqlExecutor) Get(ctx context.Context, q string, args ...any) *sql.Row {
	if e.tx != nil {
		return e.tx.QueryRowContext(ctx, q, args...)
	}
	return e.db.QueryRowContext(ctx, q, args...)
}
func (e *sqlExecutor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.tx != nil {
		return fn(ctx)
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	e.tx = tx
	err = fn(ctx)
	e.tx = nil
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func newTestManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(&sqlExecutor{db: db}), db
}

func TestManager_OpenCreatesAllRequiredTables(t *testing.T) {
	m, db := newTestManager(t)
	require.NoError(t, m.Open(context.Background(), "col"))

	for _, table := range requiredTables("col") {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE name = ?", table).Scan(&name)
		require.NoError(t, err, "expected table %s to exist", table)
	}
}

func TestManager_OpenIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, "col"))
	require.NoError(t, m.Open(ctx, "col"))
}

func TestManager_OpenRecreatesPartialSchema(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.EnsureCollectionsTable(ctx))

	_, err := db.Exec("CREATE TABLE documents_col (rowid INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	require.NoError(t, m.Open(ctx, "col"))

	for _, table := range requiredTables("col") {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE name = ?", table).Scan(&name)
		require.NoError(t, err, "expected table %s to exist after recreate", table)
	}
}

func TestManager_RecordsSchemaVersion(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, "col"))

	var version int
	require.NoError(t, db.QueryRow("SELECT schema_version FROM collections WHERE name = ?", "col").Scan(&version))
	assert.Equal(t, CurrentVersion, version)
}

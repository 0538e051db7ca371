package sqlengine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_ExecAndSelectRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	_, err := e.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	_, err = e.Exec(ctx, "INSERT INTO t (name) VALUES (?)", "alpha")
	require.NoError(t, err)

	var name string
	require.NoError(t, e.Get(ctx, "SELECT name FROM t WHERE id = 1").Scan(&name))
	assert.Equal(t, "alpha", name)
}

func TestEngine_WithTxNestsWithoutNewTransaction(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	_, err := e.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	err = e.WithTx(ctx, func(ctx context.Context) error {
		return e.WithTx(ctx, func(ctx context.Context) error {
			_, err := e.Exec(ctx, "INSERT INTO t (name) VALUES (?)", "nested")
			return err
		})
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, e.Get(ctx, "SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestEngine_WithTxRollsBackOnError(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	_, err := e.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	err = e.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.Exec(ctx, "INSERT INTO t (name) VALUES (?)", "doomed"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	var count int
	require.NoError(t, e.Get(ctx, "SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestEngine_BulkInsert(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	_, err := e.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, n INTEGER)")
	require.NoError(t, err)

	rows := [][]any{{"a", 1}, {"b", 2}, {"c", 3}}
	require.NoError(t, e.BulkInsert(ctx, "t", []string{"name", "n"}, rows))

	var count int
	require.NoError(t, e.Get(ctx, "SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestEngine_ExportProducesValidSQLiteHeader(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	_, err := e.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	data, err := e.Export(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, sqliteMagic))
}

func TestEngine_ImportRejectsNonSQLiteData(t *testing.T) {
	e := openTestEngine(t)
	err := e.Import(context.Background(), []byte("not a database"), true)
	require.Error(t, err)
}

func TestEngine_ImportMergeCopiesRowsWithoutOverwriting(t *testing.T) {
	src := openTestEngine(t)
	ctx := context.Background()
	_, err := src.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = src.Exec(ctx, "INSERT INTO t (id, name) VALUES (1, 'from-import')")
	require.NoError(t, err)
	data, err := src.Export(ctx)
	require.NoError(t, err)

	dst := openTestEngine(t)
	_, err = dst.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = dst.Exec(ctx, "INSERT INTO t (id, name) VALUES (2, 'already-here')")
	require.NoError(t, err)

	require.NoError(t, dst.Import(ctx, data, false))

	var count int
	require.NoError(t, dst.Get(ctx, "SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 2, count)
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const testSchema = `CREATE TABLE queue_testcol (
	id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	content TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 2,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// sqlExecutor adapts *sql.DB to the Executor interface without a real
// transaction manager, since these tests only need WithTx's happy path.
type sqlExecutor struct {
	db *sql.DB
	mu sync.Mutex
}

func (s *sqlExecutor) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlExecutor) Select(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlExecutor) Get(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlExecutor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedding provider unavailable")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeVectorWriter struct {
	written map[string][]float32
}

func (f *fakeVectorWriter) UpsertVector(ctx context.Context, docID string, vector []float32) error {
	if f.written == nil {
		f.written = make(map[string][]float32)
	}
	f.written[docID] = vector
	return nil
}

func setupQueue(t *testing.T, embedder Embedder, writer VectorWriter) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return New(&sqlExecutor{db: db}, "testcol", embedder, writer)
}

func TestQueue_EnqueueDefaultsAndValidation(t *testing.T) {
	q := setupQueue(t, &fakeEmbedder{}, &fakeVectorWriter{})

	_, err := q.Enqueue(context.Background(), EnqueueRequest{})
	require.Error(t, err, "enqueue without a doc id must fail validation")

	item, err := q.Enqueue(context.Background(), EnqueueRequest{DocID: "doc-1", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, PriorityNormal, item.Priority)
	require.Equal(t, 3, item.MaxRetries)
	require.Equal(t, StatusPending, item.Status)
}

func TestQueue_ProcessSucceeds(t *testing.T) {
	writer := &fakeVectorWriter{}
	q := setupQueue(t, &fakeEmbedder{}, writer)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{DocID: "doc-1", Content: "hello"})
	require.NoError(t, err)

	result, err := q.Process(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 0, result.Failed)
	require.Contains(t, writer.written, "doc-1")

	status, err := q.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, status[StatusCompleted])
	require.Equal(t, 0, status[StatusPending])
}

func TestQueue_ProcessRetriesThenFails(t *testing.T) {
	q := setupQueue(t, &fakeEmbedder{fail: true}, &fakeVectorWriter{})

	_, err := q.Enqueue(context.Background(), EnqueueRequest{DocID: "doc-1", Content: "hello", MaxRetries: 2})
	require.NoError(t, err)

	// Attempt 1: retry_count goes 0 -> 1, stays pending (1 < 2).
	result, err := q.Process(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	status, err := q.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, status[StatusPending], "item should be retried, not terminal, before exhausting max retries")

	// Attempt 2: retry_count goes 1 -> 2, now terminal (2 >= 2).
	result, err = q.Process(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	status, err = q.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, status[StatusFailed])
	require.Equal(t, 0, status[StatusPending])
}

func TestQueue_ClearFiltersByStatus(t *testing.T) {
	q := setupQueue(t, &fakeEmbedder{}, &fakeVectorWriter{})

	_, err := q.Enqueue(context.Background(), EnqueueRequest{DocID: "doc-1", Content: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), EnqueueRequest{DocID: "doc-2", Content: "b"})
	require.NoError(t, err)

	_, err = q.Process(context.Background(), 10)
	require.NoError(t, err)

	n, err := q.Clear(context.Background(), Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Equal(t, int64(0), n, "nothing failed in this scenario")

	n, err = q.Clear(context.Background(), Filter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestQueue_ClaimOrdersByPriorityThenCreation(t *testing.T) {
	q := setupQueue(t, &fakeEmbedder{}, &fakeVectorWriter{})

	_, err := q.Enqueue(context.Background(), EnqueueRequest{DocID: "low", Content: "x", Priority: PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), EnqueueRequest{DocID: "high", Content: "y", Priority: PriorityHigh})
	require.NoError(t, err)

	claimed, err := q.claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "high", claimed[0].DocID, "high priority item must claim first regardless of insertion order")
}

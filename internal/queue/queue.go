// Package queue implements the priority-scheduled embedding queue (spec
// §4.7): enqueue, batch process with retry, status reporting, clear. Grounded
// in the teacher's table-as-queue idiom (migrations.go's status/timestamp
// columns) generalized into a proper FIFO-by-priority queue; retry is
// client-driven between Process calls, never an internal timer, per spec §9.
package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/engramdb/engram/internal/errs"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Item is an Embedding Queue Item (spec §3).
type Item struct {
	ID         string
	DocID      string
	Content    string
	Priority   Priority
	Status     Status
	RetryCount int
	MaxRetries int
	LastError  string
	CreatedAt  int64
	UpdatedAt  int64
}

// EnqueueRequest is the `enqueue` operation's input.
type EnqueueRequest struct {
	DocID      string
	Content    string
	Priority   Priority
	MaxRetries int
}

// ProcessResult aggregates counts from one `process` call.
type ProcessResult struct {
	Processed int
	Succeeded int
	Failed    int
}

// Filter narrows `clear` to one status; a Queue is already scoped to a
// single collection.
type Filter struct {
	Status Status
}

// Embedder computes a vector for one item's content. The facade's
// implementation resolves the collection's provider through the embedding
// Factory and calls it directly; the Cache Manager is not consulted.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorWriter persists the computed vector keyed by the document's rowid.
type VectorWriter interface {
	UpsertVector(ctx context.Context, docID string, vector []float32) error
}

// Executor is the minimal SQL surface this package needs.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Select(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Get(ctx context.Context, query string, args ...any) *sql.Row
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Queue drives the embedding queue for one collection.
type Queue struct {
	db         Executor
	collection string
	embedder   Embedder
	vectors    VectorWriter
}

func New(db Executor, collection string, embedder Embedder, vectors VectorWriter) *Queue {
	return &Queue{db: db, collection: collection, embedder: embedder, vectors: vectors}
}

func (q *Queue) table() string { return "queue_" + q.collection }

// Enqueue inserts a pending item.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Item, error) {
	if req.DocID == "" {
		return nil, errs.New(errs.Validation, "", errs.SeverityLow, false, "docId is required", nil)
	}
	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = 3
	}

	item := &Item{
		ID:         uuid.NewString(),
		DocID:      req.DocID,
		Content:    req.Content,
		Priority:   req.Priority,
		Status:     StatusPending,
		MaxRetries: req.MaxRetries,
	}

	_, err := q.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, doc_id, content, priority, status, retry_count, max_retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', 0, ?, unixepoch(), unixepoch())`, q.table()),
		item.ID, item.DocID, item.Content, int(item.Priority), item.MaxRetries)
	if err != nil {
		return nil, errs.Wrap(errs.Database, "", errs.SeverityMedium, true, "enqueue item", err, map[string]any{"doc_id": req.DocID})
	}
	return item, nil
}

// Process implements spec §4.7's three-step algorithm: atomically claim up
// to batchSize pending items ordered by (priority, created_at), embed each,
// then mark completed / pending-retry / failed.
func (q *Queue) Process(ctx context.Context, batchSize int) (ProcessResult, error) {
	if batchSize <= 0 {
		batchSize = 25
	}

	items, err := q.claim(ctx, batchSize)
	if err != nil {
		return ProcessResult{}, err
	}

	var result ProcessResult
	for _, item := range items {
		result.Processed++
		if err := q.processOne(ctx, item); err != nil {
			log.Warn().Err(err).Str("item_id", item.ID).Str("doc_id", item.DocID).Msg("embedding queue item failed")
			result.Failed++
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func (q *Queue) claim(ctx context.Context, batchSize int) ([]*Item, error) {
	var claimed []*Item
	err := q.db.WithTx(ctx, func(ctx context.Context) error {
		rows, err := q.db.Select(ctx, fmt.Sprintf(
			`SELECT id, doc_id, content, priority, retry_count, max_retries
			 FROM %s WHERE status = 'pending'
			 ORDER BY priority ASC, created_at ASC LIMIT ?`, q.table()), batchSize)
		if err != nil {
			return errs.Wrap(errs.Database, "", errs.SeverityMedium, true, "select pending items", err, nil)
		}

		type candidate struct {
			id, docID, content         string
			priority, retry, maxRetry int
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.docID, &c.content, &c.priority, &c.retry, &c.maxRetry); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		rows.Close()

		for _, c := range candidates {
			if _, err := q.db.Exec(ctx, fmt.Sprintf(
				"UPDATE %s SET status='processing', updated_at=unixepoch() WHERE id=?", q.table()), c.id); err != nil {
				return err
			}
			claimed = append(claimed, &Item{
				ID: c.id, DocID: c.docID, Content: c.content,
				Priority: Priority(c.priority), Status: StatusProcessing,
				RetryCount: c.retry, MaxRetries: c.maxRetry,
			})
		}
		return nil
	})
	return claimed, err
}

func (q *Queue) processOne(ctx context.Context, item *Item) error {
	vector, err := q.embedder.Embed(ctx, item.Content)
	if err != nil {
		return q.fail(ctx, item, err)
	}
	if err := q.vectors.UpsertVector(ctx, item.DocID, vector); err != nil {
		return q.fail(ctx, item, err)
	}
	_, err = q.db.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET status='completed', updated_at=unixepoch() WHERE id=?", q.table()), item.ID)
	return err
}

// fail implements the retry-or-terminal branch: retry_count < max_retries
// returns the item to pending (client drives backoff between Process
// calls); otherwise the item becomes terminal `failed`.
func (q *Queue) fail(ctx context.Context, item *Item, cause error) error {
	newRetry := item.RetryCount + 1
	status := StatusPending
	if newRetry >= item.MaxRetries {
		status = StatusFailed
	}
	_, err := q.db.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET status=?, retry_count=?, last_error=?, updated_at=unixepoch() WHERE id=?", q.table()),
		string(status), newRetry, cause.Error(), item.ID)
	if err != nil {
		return err
	}
	return cause
}

// GetStatus returns counts per state (spec's `getStatus`).
func (q *Queue) GetStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.Select(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", q.table()))
	if err != nil {
		return nil, errs.Wrap(errs.Database, "", errs.SeverityLow, true, "queue status query", err, nil)
	}
	defer rows.Close()

	counts := map[Status]int{StatusPending: 0, StatusProcessing: 0, StatusCompleted: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, nil
}

// Clear removes items, optionally filtered by status. Failed items never
// expire on their own (spec §9 Open Question decision); Clear with
// Status=StatusFailed is the only removal path.
func (q *Queue) Clear(ctx context.Context, filter Filter) (int64, error) {
	query := "DELETE FROM " + q.table()
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	res, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, errs.Wrap(errs.Database, "", errs.SeverityLow, true, "clear queue", err, nil)
	}
	return res.RowsAffected()
}

// Package document implements validated document insert/update/delete with
// manual FTS synchronization and post-write verification, replacing the
// trigger-based sync the teacher's migrations.go used (spec §4.3, §4.4).
// Grounded in internal/vector/sqlitevec/sync.go's per-document manual-sync
// shape, extended to also own the FTS row (the teacher only synced vectors;
// here FTS sync is the document store's responsibility since triggers are
// banned).
package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/engramdb/engram/internal/errs"
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateCollectionName enforces spec §3's collection-name invariant.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return errs.New(errs.Validation, "", errs.SeverityLow, false,
			"collection name must match ^[A-Za-z0-9_-]{1,64}$", map[string]any{"name": name})
	}
	return nil
}

// Document is the canonical entity (spec §3).
type Document struct {
	RowID     int64
	ID        string
	Title     string
	Content   string
	Metadata  map[string]any
	CreatedAt int64
}

// Validate enforces: at least one of title/content non-empty, metadata
// JSON-serializable.
func (d *Document) Validate() error {
	if d.Title == "" && d.Content == "" {
		return errs.New(errs.Validation, "", errs.SeverityLow, false,
			"document must have a title or content", nil)
	}
	if d.Metadata != nil {
		if _, err := json.Marshal(d.Metadata); err != nil {
			return errs.Wrap(errs.Validation, "", errs.SeverityLow, false, "metadata not serializable", err, nil)
		}
	}
	return nil
}

// Executor is the minimal SQL host surface this package needs.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Select(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Get(ctx context.Context, query string, args ...any) *sql.Row
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store performs validated, FTS-verified document writes for one collection.
type Store struct {
	db         Executor
	collection string
}

func NewStore(db Executor, collection string) (*Store, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	return &Store{db: db, collection: collection}, nil
}

const batchChunkSize = 100

// Insert validates, assigns an id if absent, writes the document row, then
// manually writes the FTS row, then verifies the FTS row exists — all inside
// one transaction. A verification failure rolls back the whole operation and
// returns FTS_SYNC_ERROR, per spec invariant 1 and test scenario S2.
func (s *Store) Insert(ctx context.Context, d *Document) (*Document, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	metaJSON, err := marshalMetadata(d.Metadata)
	if err != nil {
		return nil, err
	}

	docsTable := "documents_" + s.collection
	ftsTable := "docs_fts_" + s.collection

	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (id, title, content, metadata, created_at) VALUES (?, ?, ?, ?, unixepoch())", docsTable),
			d.ID, d.Title, d.Content, metaJSON)
		if err != nil {
			return classifyInsertErr(err, d.ID)
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			return errs.Wrap(errs.Database, "", errs.SeverityHigh, false, "read inserted rowid", err, nil)
		}
		d.RowID = rowid

		if _, err := s.db.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (rowid, title, content, metadata) VALUES (?, ?, ?, ?)", ftsTable),
			rowid, d.Title, d.Content, metaJSON); err != nil {
			return errs.Wrap(errs.FTSSync, "", errs.SeverityHigh, false,
				"manual fts insert failed", err, map[string]any{"doc_id": d.ID, "rowid": rowid})
		}

		var count int
		if err := s.db.Get(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE rowid = ?", ftsTable), rowid).Scan(&count); err != nil {
			return errs.Wrap(errs.FTSSync, "", errs.SeverityHigh, false, "fts verification query failed", err,
				map[string]any{"doc_id": d.ID, "rowid": rowid})
		}
		if count != 1 {
			return errs.New(errs.FTSSync, "", errs.SeverityHigh, false,
				"fts row missing after insert", map[string]any{"doc_id": d.ID, "rowid": rowid})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// InsertBatch processes docs in chunks of ~100, one transaction per chunk,
// matching spec §4.4's batch-insert contract exactly.
func (s *Store) InsertBatch(ctx context.Context, docs []*Document) error {
	for start := 0; start < len(docs); start += batchChunkSize {
		end := min(start+batchChunkSize, len(docs))
		chunk := docs[start:end]
		if err := s.insertChunk(ctx, chunk); err != nil {
			return fmt.Errorf("batch chunk [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

func (s *Store) insertChunk(ctx context.Context, chunk []*Document) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		for _, d := range chunk {
			if _, err := s.Insert(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update rewrites content/metadata and keeps the FTS row in lock-step,
// deleting and reinserting the FTS row (FTS5 has no UPDATE for external
// content tables with arbitrary projections, so delete+insert is the
// idiomatic approach, same as the teacher's external-content tables use).
func (s *Store) Update(ctx context.Context, id string, title, content *string, metadata map[string]any) error {
	docsTable := "documents_" + s.collection
	ftsTable := "docs_fts_" + s.collection

	return s.db.WithTx(ctx, func(ctx context.Context) error {
		var rowid int64
		var curTitle, curContent, curMeta string
		if err := s.db.Get(ctx, fmt.Sprintf("SELECT rowid, title, content, metadata FROM %s WHERE id = ?", docsTable), id).
			Scan(&rowid, &curTitle, &curContent, &curMeta); err != nil {
			if err == sql.ErrNoRows {
				return errs.New(errs.Validation, "", errs.SeverityLow, false, "document not found", map[string]any{"id": id})
			}
			return errs.Wrap(errs.Database, "", errs.SeverityHigh, true, "load document for update", err, nil)
		}

		if title != nil {
			curTitle = *title
		}
		if content != nil {
			curContent = *content
		}
		if metadata != nil {
			m, err := marshalMetadata(metadata)
			if err != nil {
				return err
			}
			curMeta = m
		}

		if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", ftsTable), rowid); err != nil {
			return errs.Wrap(errs.FTSSync, "", errs.SeverityHigh, false, "fts delete on update failed", err,
				map[string]any{"id": id, "rowid": rowid})
		}

		if _, err := s.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET title=?, content=?, metadata=? WHERE rowid=?", docsTable),
			curTitle, curContent, curMeta, rowid); err != nil {
			return classifyInsertErr(err, id)
		}

		if _, err := s.db.Exec(ctx, fmt.Sprintf("INSERT INTO %s (rowid, title, content, metadata) VALUES (?, ?, ?, ?)", ftsTable),
			rowid, curTitle, curContent, curMeta); err != nil {
			return errs.Wrap(errs.FTSSync, "", errs.SeverityHigh, false, "fts reinsert on update failed", err,
				map[string]any{"id": id, "rowid": rowid})
		}
		return nil
	})
}

// Delete removes the document, its FTS row, its vector row, and any queue
// rows together (spec §4.4).
func (s *Store) Delete(ctx context.Context, id string) error {
	docsTable := "documents_" + s.collection
	ftsTable := "docs_fts_" + s.collection
	vecTable := "vectors_" + s.collection
	queueTable := "queue_" + s.collection

	return s.db.WithTx(ctx, func(ctx context.Context) error {
		var rowid int64
		if err := s.db.Get(ctx, fmt.Sprintf("SELECT rowid FROM %s WHERE id = ?", docsTable), id).Scan(&rowid); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return errs.Wrap(errs.Database, "", errs.SeverityHigh, true, "load document for delete", err, nil)
		}
		if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", ftsTable), rowid); err != nil {
			return errs.Wrap(errs.FTSSync, "", errs.SeverityMedium, false, "fts delete failed", err, map[string]any{"id": id})
		}
		if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", vecTable), rowid); err != nil {
			return errs.Wrap(errs.Vector, "", errs.SeverityMedium, false, "vector delete failed", err, map[string]any{"id": id})
		}
		if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE doc_id = ?", queueTable), id); err != nil {
			return errs.Wrap(errs.Database, "", errs.SeverityLow, false, "queue cleanup on delete failed", err, nil)
		}
		if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", docsTable), rowid); err != nil {
			return classifyInsertErr(err, id)
		}
		return nil
	})
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", errs.Wrap(errs.Validation, "", errs.SeverityLow, false, "metadata not serializable", err, nil)
	}
	return string(b), nil
}

func classifyInsertErr(err error, id string) error {
	return errs.Wrap(errs.Database, errs.SubConstraint, errs.SeverityLow, false, "document write failed", err,
		map[string]any{"id": id})
}

package search

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/query"
)

type dbExecutor struct{ db *sql.DB }

func (d *dbExecutor) Select(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, q, args...)
}

func (d *dbExecutor) Get(ctx context.Context, q string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, q, args...)
}

type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

func encodeVec(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func setupSearchDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
CREATE TABLE documents_col (
	rowid INTEGER PRIMARY KEY,
	id TEXT UNIQUE NOT NULL,
	title TEXT,
	content TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE VIRTUAL TABLE docs_fts_col USING fts5(
	title, content, metadata,
	content='documents_col',
	content_rowid='rowid',
	tokenize='unicode61'
);
CREATE TABLE vectors_col (
	rowid INTEGER PRIMARY KEY,
	dim INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	model_version TEXT
);
`)
	require.NoError(t, err)
	return db
}

func insertDoc(t *testing.T, db *sql.DB, id, title, content string, vec []float32) {
	t.Helper()
	res, err := db.Exec(`INSERT INTO documents_col (id, title, content, created_at) VALUES (?, ?, ?, unixepoch())`, id, title, content)
	require.NoError(t, err)
	rowid, err := res.LastInsertId()
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO docs_fts_col (rowid, title, content, metadata) VALUES (?, ?, ?, '{}')`, rowid, title, content)
	require.NoError(t, err)

	if vec != nil {
		_, err = db.Exec(`INSERT INTO vectors_col (rowid, dim, embedding) VALUES (?, ?, ?)`, rowid, len(vec), encodeVec(vec))
		require.NoError(t, err)
	}
}

func TestSearch_FTSBranchFindsMatchingDocument(t *testing.T) {
	db := setupSearchDB(t)
	insertDoc(t, db, "doc-1", "Cache Manager", "the cache manager evicts entries using a two-phase policy", nil)
	insertDoc(t, db, "doc-2", "Unrelated", "something about queues and retries", nil)

	s := NewSearch(&dbExecutor{db: db}, "col", &fakeEmbedder{}, mustCacheManager(t))
	results, debug, err := s.Run(context.Background(), Request{QueryText: "cache manager"}, query.Options{ForceStrategy: query.StrategyFTSOnly}, query.Capabilities{HasFTS: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "doc-1", results[0].DocID)
	require.Contains(t, debug.BranchMS, query.BranchFTS)
}

func TestSearch_VectorBranchRanksClosestFirst(t *testing.T) {
	db := setupSearchDB(t)
	insertDoc(t, db, "doc-close", "Close", "close content", []float32{1, 0, 0})
	insertDoc(t, db, "doc-far", "Far", "far content", []float32{0, 1, 0})

	s := NewSearch(&dbExecutor{db: db}, "col", &fakeEmbedder{}, mustCacheManager(t))
	results, _, err := s.Run(context.Background(), Request{
		QueryText:   "anything",
		QueryVector: []float32{1, 0, 0},
	}, query.Options{ForceStrategy: query.StrategyVectorOnly}, query.Capabilities{HasVectors: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "doc-close", results[0].DocID)
}

func TestSearch_LikeBranchEnforcesMinimumLength(t *testing.T) {
	db := setupSearchDB(t)
	insertDoc(t, db, "doc-1", "Title", "abc", nil)

	s := NewSearch(&dbExecutor{db: db}, "col", &fakeEmbedder{}, mustCacheManager(t))
	results, _, err := s.Run(context.Background(), Request{QueryText: "ab", LikeMinLength: 3}, query.Options{EnableLikeSearch: true}, query.Capabilities{HasFTS: true})
	require.NoError(t, err)
	require.Empty(t, results, "a 2-character query should be skipped by the LIKE branch's minimum length")
}

func TestSearch_HybridFusesBothBranches(t *testing.T) {
	db := setupSearchDB(t)
	insertDoc(t, db, "doc-1", "Cache", "cache manager invalidates entries", []float32{1, 0})
	insertDoc(t, db, "doc-2", "Other", "queue retry logic", []float32{0, 1})

	s := NewSearch(&dbExecutor{db: db}, "col", &fakeEmbedder{}, mustCacheManager(t))
	results, _, err := s.Run(context.Background(), Request{
		QueryText:   "cache manager",
		QueryVector: []float32{1, 0},
	}, query.Options{ForceStrategy: query.StrategyHybrid}, query.Capabilities{HasFTS: true, HasVectors: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "doc-1", results[0].DocID)
}

func mustCacheManager(t *testing.T) *cache.Manager {
	t.Helper()
	m, err := cache.NewManager(cache.Config{MemoryTTL: time.Minute, MemoryMaxEntries: 100}, nil)
	require.NoError(t, err)
	return m
}

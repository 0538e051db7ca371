// Package facade implements the Public API Facade (C13): the engine's one
// externally-visible surface, combining a thin SQL-compatible layer
// (exec/select/get/export/import/close) with a high-level collection API
// (createCollection/insertDocumentWithEmbedding/bulkInsert/search/
// searchSemantic/queue operations). Every operation is also registered as an
// RPC handler on an internal/rpc.Bus, matching spec §6's method set, so a
// caller can reach the engine either as a Go library or by sending Requests
// through the bus exactly as a remote caller eventually would.
//
// Grounded in the teacher's mcp/server.go, which wires one handler per
// JSON-RPC method onto a single dispatcher; here the dispatcher is
// internal/rpc.Bus instead of stdin/stdout framing.
package facade

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/db/schema"
	"github.com/engramdb/engram/internal/db/sqlengine"
	"github.com/engramdb/engram/internal/document"
	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/internal/errs"
	"github.com/engramdb/engram/internal/query"
	"github.com/engramdb/engram/internal/queue"
	"github.com/engramdb/engram/internal/rpc"
	"github.com/engramdb/engram/internal/search"
	"github.com/engramdb/engram/internal/telemetry"
)

// Config configures a Facade instance (spec §6 `open`).
//
// Path reinterprets the spec's browser-native `opfs:/<namespace>/<name>.db`
// persistence layout as a plain filesystem path — OPFS is a browser-only
// storage root with no Go-native equivalent, so a local path plays the same
// role: a durable, named location the engine owns exclusively for the
// lifetime of the process (see DESIGN.md for the cross-tab-coordination
// decision this implies).
type Config struct {
	Path          string
	CacheDir      string
	RPCConfig     rpc.Config
	CacheConfig   cache.Config
}

// collectionState bundles the per-collection components the facade wires
// together once at createCollection/open time, instead of rebuilding them on
// every call.
type collectionState struct {
	config embedding.CollectionConfig
	store  *document.Store
	queue  *queue.Queue
}

// Facade is the engine's single entry point.
type Facade struct {
	engine    *sqlengine.Engine
	schemaMgr *schema.Manager
	factory   *embedding.Factory
	cacheMgr  *cache.Manager
	bus       *rpc.Bus
	metrics   *telemetry.Metrics

	mu          sync.RWMutex
	collections map[string]*collectionState
}

// Open creates or reopens an engine file at cfg.Path and wires every
// component (spec §6 `open`).
func Open(cfg Config) (*Facade, error) {
	if cfg.Path == "" {
		return nil, errs.New(errs.Validation, "", errs.SeverityLow, false, "path is required", nil)
	}

	engine, err := sqlengine.Open(sqlengine.Config{Path: cfg.Path, WALMode: true})
	if err != nil {
		return nil, err
	}

	schemaMgr := schema.NewManager(engine)
	if err := schemaMgr.EnsureCollectionsTable(context.Background()); err != nil {
		_ = engine.Close()
		return nil, err
	}

	cacheCfg := cfg.CacheConfig
	if cacheCfg.PersistentDir == "" {
		cacheCfg.PersistentDir = cfg.CacheDir
		if cacheCfg.PersistentDir == "" && cfg.Path != ":memory:" {
			cacheCfg.PersistentDir = filepath.Join(filepath.Dir(cfg.Path), ".engram-cache")
		}
	}
	cacheMgr, err := cache.NewManager(cacheCfg, engine.DB())
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	f := &Facade{
		engine:      engine,
		schemaMgr:   schemaMgr,
		factory:     embedding.NewFactory(),
		cacheMgr:    cacheMgr,
		bus:         rpc.NewBus(cfg.RPCConfig),
		metrics:     telemetry.NewMetrics(),
		collections: make(map[string]*collectionState),
	}
	f.registerHandlers()
	return f, nil
}

// Close releases the underlying database handle (spec §6 `close`).
func (f *Facade) Close() error {
	return f.engine.Close()
}

// Bus exposes the RPC dispatcher so a caller (or cmd/engramd) can route
// Requests through the exact same path a remote transport would use.
func (f *Facade) Bus() *rpc.Bus { return f.bus }

// Metrics exposes the engine-wide counters for a `getStats` handler or an
// external exporter.
func (f *Facade) Metrics() *telemetry.Metrics { return f.metrics }

// --- SQL-compatible surface ---

func (f *Facade) Exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return f.engine.Exec(ctx, q, args...)
}

func (f *Facade) Select(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return f.engine.Select(ctx, q, args...)
}

func (f *Facade) Get(ctx context.Context, q string, args ...any) *sql.Row {
	return f.engine.Get(ctx, q, args...)
}

// All runs q and materializes every row's columns as maps, mirroring the
// spec's `all` convenience method for ad-hoc SQL.
func (f *Facade) All(ctx context.Context, q string, args ...any) ([]map[string]any, error) {
	rows, err := f.engine.Select(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (f *Facade) Export(ctx context.Context) ([]byte, error) {
	return f.engine.Export(ctx)
}

func (f *Facade) Import(ctx context.Context, data []byte, overwrite bool) error {
	return f.engine.Import(ctx, data, overwrite)
}

// --- collection lifecycle ---

// CreateCollection opens (creating if absent) a collection's schema and
// records its embedding configuration (spec §4.3, §4.6 `createCollection`).
func (f *Facade) CreateCollection(ctx context.Context, name string, cfg embedding.CollectionConfig) error {
	if err := document.ValidateCollectionName(name); err != nil {
		return err
	}
	if r := cfg.Validate(); !r.IsValid {
		return errs.New(errs.Validation, "", errs.SeverityLow, false,
			fmt.Sprintf("invalid collection config: %v", r.Errors), map[string]any{"errors": r.Errors})
	}
	if err := f.schemaMgr.Open(ctx, name); err != nil {
		return err
	}
	if _, err := f.engine.Exec(ctx,
		`UPDATE collections SET provider_kind=?, model_name=?, dimensions=?, batch_size=?, timeout_ms=?, auto_generate=? WHERE name=?`,
		cfg.ProviderKind, cfg.ModelName, cfg.Dimensions, cfg.BatchSize, cfg.TimeoutMS, boolToInt(cfg.AutoGenerate), name); err != nil {
		return errs.Wrap(errs.Database, "", errs.SeverityMedium, true, "record collection config", err, nil)
	}

	store, err := document.NewStore(f.engine, name)
	if err != nil {
		return err
	}
	vw := &vectorWriter{engine: f.engine, collection: name}
	q := queue.New(f.engine, name, &embedderAdapter{factory: f.factory, collection: name, cfg: cfg}, vw)

	f.mu.Lock()
	f.collections[name] = &collectionState{config: cfg, store: store, queue: q}
	f.mu.Unlock()
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// state returns (or lazily opens) a collection's wired components, so a
// facade restarted against an existing database file doesn't need
// CreateCollection called again for every collection it already has.
func (f *Facade) state(ctx context.Context, name string) (*collectionState, error) {
	f.mu.RLock()
	s, ok := f.collections[name]
	f.mu.RUnlock()
	if ok {
		return s, nil
	}

	var cfg embedding.CollectionConfig
	var autoGen int
	err := f.engine.Get(ctx,
		`SELECT provider_kind, model_name, dimensions, batch_size, timeout_ms, auto_generate FROM collections WHERE name=?`, name).
		Scan(&cfg.ProviderKind, &cfg.ModelName, &cfg.Dimensions, &cfg.BatchSize, &cfg.TimeoutMS, &autoGen)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.Validation, "", errs.SeverityLow, false, "collection not found", map[string]any{"name": name})
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, "", errs.SeverityMedium, true, "load collection config", err, nil)
	}
	cfg.AutoGenerate = autoGen != 0

	if err := f.schemaMgr.Open(ctx, name); err != nil {
		return nil, err
	}
	store, err := document.NewStore(f.engine, name)
	if err != nil {
		return nil, err
	}
	vw := &vectorWriter{engine: f.engine, collection: name}
	q := queue.New(f.engine, name, &embedderAdapter{factory: f.factory, collection: name, cfg: cfg}, vw)

	newState := &collectionState{config: cfg, store: store, queue: q}
	f.mu.Lock()
	f.collections[name] = newState
	f.mu.Unlock()
	return newState, nil
}

// CollectionInfo reports a collection's configuration and size (spec's
// `getCollectionInfo`).
type CollectionInfo struct {
	Name         string
	Config       embedding.CollectionConfig
	DocumentCount int
	SchemaVersion int
}

func (f *Facade) GetCollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	st, err := f.state(ctx, name)
	if err != nil {
		return CollectionInfo{}, err
	}
	var count, version int
	if err := f.engine.Get(ctx, fmt.Sprintf("SELECT COUNT(*) FROM documents_%s", name)).Scan(&count); err != nil {
		return CollectionInfo{}, errs.Wrap(errs.Database, "", errs.SeverityLow, true, "count documents", err, nil)
	}
	if err := f.engine.Get(ctx, "SELECT schema_version FROM collections WHERE name=?", name).Scan(&version); err != nil {
		return CollectionInfo{}, errs.Wrap(errs.Database, "", errs.SeverityLow, true, "read schema version", err, nil)
	}
	return CollectionInfo{Name: name, Config: st.config, DocumentCount: count, SchemaVersion: version}, nil
}

// --- document writes ---

// InsertOptions controls embedding generation on a single insert.
type InsertOptions struct {
	// Async enqueues the embedding instead of generating it inline. Spec
	// §4.7: auto-generate collections still let a caller defer the actual
	// vector computation to the queue, e.g. for bulk imports.
	Async    bool
	Priority queue.Priority
}

// InsertDocumentWithEmbedding inserts one document, then (if the collection
// auto-generates embeddings) either computes the vector inline or enqueues
// it, per opts.Async (spec `insertDocumentWithEmbedding`).
func (f *Facade) InsertDocumentWithEmbedding(ctx context.Context, collection string, d *document.Document, opts InsertOptions) (*document.Document, error) {
	st, err := f.state(ctx, collection)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	doc, err := st.store.Insert(ctx, d)
	if err != nil {
		f.metrics.RecordError()
		return nil, err
	}
	f.metrics.RecordCall(time.Since(start))

	if !st.config.AutoGenerate {
		return doc, nil
	}
	if opts.Async {
		if _, err := st.queue.Enqueue(ctx, queue.EnqueueRequest{DocID: doc.ID, Content: doc.Content, Priority: opts.Priority}); err != nil {
			return doc, err
		}
		return doc, nil
	}

	vec, err := (&embedderAdapter{factory: f.factory, collection: collection, cfg: st.config}).Embed(ctx, doc.Content)
	if err != nil {
		f.metrics.RecordError()
		return doc, errs.Wrap(errs.Embedding, "", errs.SeverityMedium, true, "inline embedding generation failed", err, nil)
	}
	vw := &vectorWriter{engine: f.engine, collection: collection}
	if err := vw.UpsertVector(ctx, doc.ID, vec); err != nil {
		return doc, err
	}
	return doc, nil
}

// BulkInsert writes docs in chunks (document.Store.InsertBatch), then
// enqueues an embedding job per document for auto-generate collections
// (bulk inserts never block on inline embedding, spec §4.4/§4.7).
func (f *Facade) BulkInsert(ctx context.Context, collection string, docs []*document.Document) error {
	st, err := f.state(ctx, collection)
	if err != nil {
		return err
	}
	if err := st.store.InsertBatch(ctx, docs); err != nil {
		return err
	}
	if !st.config.AutoGenerate {
		return nil
	}
	for _, d := range docs {
		if _, err := st.queue.Enqueue(ctx, queue.EnqueueRequest{DocID: d.ID, Content: d.Content, Priority: queue.PriorityNormal}); err != nil {
			return err
		}
	}
	return nil
}

// --- search ---

// SearchResponse is the facade-level search result (spec §6 response shape).
type SearchResponse struct {
	Results      []search.FusedResult
	TotalResults int
	SearchTimeMS int64
	Strategy     query.StrategyName
	Fusion       query.FusionMethod
	Debug        search.DebugInfo
}

// Search runs req against collection using opts to steer strategy/fusion
// selection (spec `search`).
func (f *Facade) Search(ctx context.Context, collection string, req search.Request, opts query.Options) (SearchResponse, error) {
	st, err := f.state(ctx, collection)
	if err != nil {
		return SearchResponse{}, err
	}

	caps, err := f.capabilities(ctx, collection, st.config)
	if err != nil {
		return SearchResponse{}, err
	}

	exec := search.NewSearch(f.engine, collection, &embedderAdapter{factory: f.factory, collection: collection, cfg: st.config}, f.cacheMgr)
	start := time.Now()
	results, debug, err := exec.Run(ctx, req, opts, caps)
	elapsed := time.Since(start)
	f.metrics.RecordCall(elapsed)
	telemetry.LogSlowQuery(req.QueryText, elapsed, 2*time.Second)
	if err != nil {
		f.metrics.RecordError()
		return SearchResponse{}, err
	}

	analysis := query.Analyze(req.QueryText)
	plan, _ := query.BuildPlan(analysis, opts, caps)

	return SearchResponse{
		Results:      results,
		TotalResults: len(results),
		SearchTimeMS: debug.TotalMS,
		Strategy:     analysis.SuggestedStrategy,
		Fusion:       plan.Fusion,
		Debug:        debug,
	}, nil
}

// SearchSemantic is Search forced into the vector-only strategy (spec
// `searchSemantic`).
func (f *Facade) SearchSemantic(ctx context.Context, collection string, req search.Request, opts query.Options) (SearchResponse, error) {
	opts.ForceStrategy = query.StrategyVectorOnly
	return f.Search(ctx, collection, req, opts)
}

func (f *Facade) capabilities(ctx context.Context, collection string, cfg embedding.CollectionConfig) (query.Capabilities, error) {
	var vecCount int
	if err := f.engine.Get(ctx, fmt.Sprintf("SELECT COUNT(*) FROM vectors_%s", collection)).Scan(&vecCount); err != nil {
		return query.Capabilities{}, errs.Wrap(errs.Database, "", errs.SeverityLow, true, "count vectors", err, nil)
	}
	return query.Capabilities{HasFTS: true, HasVectors: vecCount > 0}, nil
}

// --- embedding queue ---

func (f *Facade) EnqueueEmbedding(ctx context.Context, collection string, req queue.EnqueueRequest) (*queue.Item, error) {
	st, err := f.state(ctx, collection)
	if err != nil {
		return nil, err
	}
	return st.queue.Enqueue(ctx, req)
}

func (f *Facade) ProcessEmbeddingQueue(ctx context.Context, collection string, batchSize int) (queue.ProcessResult, error) {
	st, err := f.state(ctx, collection)
	if err != nil {
		return queue.ProcessResult{}, err
	}
	return st.queue.Process(ctx, batchSize)
}

func (f *Facade) GetEmbeddingQueueStatus(ctx context.Context, collection string) (map[queue.Status]int, error) {
	st, err := f.state(ctx, collection)
	if err != nil {
		return nil, err
	}
	return st.queue.GetStatus(ctx)
}

func (f *Facade) ClearEmbeddingQueue(ctx context.Context, collection string, status queue.Status) (int64, error) {
	st, err := f.state(ctx, collection)
	if err != nil {
		return 0, err
	}
	return st.queue.Clear(ctx, queue.Filter{Status: status})
}

// --- direct embedding generation ---

func (f *Facade) GenerateEmbedding(ctx context.Context, collection, text string) ([]float32, error) {
	st, err := f.state(ctx, collection)
	if err != nil {
		return nil, err
	}
	return (&embedderAdapter{factory: f.factory, collection: collection, cfg: st.config}).Embed(ctx, text)
}

func (f *Facade) BatchGenerateEmbeddings(ctx context.Context, collection string, texts []string) ([][]float32, error) {
	st, err := f.state(ctx, collection)
	if err != nil {
		return nil, err
	}
	model, err := f.factory.Get(collection, st.config)
	if err != nil {
		return nil, errs.Wrap(errs.Embedding, "", errs.SeverityMedium, true, "load embedding model", err, nil)
	}
	return model.EmbedBatch(texts)
}

// --- maintenance ---

func (f *Facade) Clear(ctx context.Context, collection string) error {
	_, err := f.engine.Exec(ctx, fmt.Sprintf("DELETE FROM documents_%s", collection))
	return err
}

// GetVersion reports the engine's schema version, matching spec `getVersion`.
func (f *Facade) GetVersion() int { return schema.CurrentVersion }

// GetStats reports the engine-wide counters, matching spec `getStats`.
func (f *Facade) GetStats() telemetry.Snapshot {
	f.metrics.SyncFromCacheStats(f.cacheMgr.Stats())
	return f.metrics.Snapshot()
}

// --- adapters ---

// embedderAdapter bridges embedding.EmbeddingModel's synchronous, ctx-free
// API onto the ctx-carrying Embed signature that search.Embedder and
// queue.Embedder expect, resolving the model through the per-collection
// Factory so cache invalidation on config change is handled once, in one
// place (spec §4.6).
type embedderAdapter struct {
	factory    *embedding.Factory
	collection string
	cfg        embedding.CollectionConfig
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	model, err := a.factory.Get(a.collection, a.cfg)
	if err != nil {
		return nil, errs.Wrap(errs.Embedding, "", errs.SeverityMedium, true, "resolve embedding model", err, nil)
	}
	done := make(chan struct{})
	var vec []float32
	var embedErr error
	go func() {
		vec, embedErr = model.Embed(text)
		close(done)
	}()
	select {
	case <-done:
		return vec, embedErr
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Embedding, errs.SubTimeout, errs.SeverityMedium, true, "embedding generation timed out", ctx.Err(), nil)
	}
}

// vectorWriter persists a queue-computed vector into vectors_<collection>,
// looking up the document's rowid by its public id (spec §4.7 step 3).
type vectorWriter struct {
	engine     *sqlengine.Engine
	collection string
}

func (w *vectorWriter) UpsertVector(ctx context.Context, docID string, vector []float32) error {
	var rowid int64
	if err := w.engine.Get(ctx, fmt.Sprintf("SELECT rowid FROM documents_%s WHERE id=?", w.collection), docID).Scan(&rowid); err != nil {
		return errs.Wrap(errs.Database, "", errs.SeverityMedium, true, "resolve document rowid for vector write", err, map[string]any{"doc_id": docID})
	}
	blob := encodeVector(vector)
	_, err := w.engine.Exec(ctx, fmt.Sprintf(
		`INSERT INTO vectors_%s (rowid, dim, embedding) VALUES (?, ?, ?)
		 ON CONFLICT(rowid) DO UPDATE SET dim=excluded.dim, embedding=excluded.embedding`, w.collection),
		rowid, len(vector), blob)
	if err != nil {
		return errs.Wrap(errs.Vector, "", errs.SeverityMedium, true, "write vector", err, map[string]any{"doc_id": docID})
	}
	return nil
}

// encodeVector mirrors cache.go's little-endian float32 encoding so vectors
// written here and read back by search.decodeFloat32s agree on layout.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		bits := math.Float32bits(x)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

// ensureDir creates path, and any missing parents, with owner-only
// permissions.
func ensureDir(path string) error { return os.MkdirAll(path, 0o700) }

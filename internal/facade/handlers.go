package facade

import (
	"context"
	"encoding/json"

	"github.com/engramdb/engram/internal/document"
	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/internal/errs"
	"github.com/engramdb/engram/internal/query"
	"github.com/engramdb/engram/internal/queue"
	"github.com/engramdb/engram/internal/search"
)

// registerHandlers wires one rpc.Handler per spec §6 method onto the bus.
// `open` isn't registered here: opening the database file is how a Facade
// comes to exist in the first place (see Open), so it is a Go-level
// constructor call rather than a call routed through its own Bus.
func (f *Facade) registerHandlers() {
	f.bus.Register("close", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, f.Close()
	})
	f.bus.Register("exec", f.handleExec)
	f.bus.Register("select", f.handleSelect)
	f.bus.Register("createCollection", f.handleCreateCollection)
	f.bus.Register("getCollectionInfo", f.handleGetCollectionInfo)
	f.bus.Register("insertDocumentWithEmbedding", f.handleInsertDocument)
	f.bus.Register("bulkInsert", f.handleBulkInsert)
	f.bus.Register("search", f.handleSearch)
	f.bus.Register("searchSemantic", f.handleSearchSemantic)
	f.bus.Register("generateEmbedding", f.handleGenerateEmbedding)
	f.bus.Register("batchGenerateEmbeddings", f.handleBatchGenerateEmbeddings)
	f.bus.Register("enqueueEmbedding", f.handleEnqueueEmbedding)
	f.bus.Register("processEmbeddingQueue", f.handleProcessEmbeddingQueue)
	f.bus.Register("getEmbeddingQueueStatus", f.handleGetEmbeddingQueueStatus)
	f.bus.Register("clearEmbeddingQueue", f.handleClearEmbeddingQueue)
	f.bus.Register("export", func(ctx context.Context, params json.RawMessage) (any, error) {
		return f.Export(ctx)
	})
	f.bus.Register("import", f.handleImport)
	f.bus.Register("clear", f.handleClear)
	f.bus.Register("getVersion", func(ctx context.Context, params json.RawMessage) (any, error) {
		return f.GetVersion(), nil
	})
	f.bus.Register("getStats", func(ctx context.Context, params json.RawMessage) (any, error) {
		return f.GetStats(), nil
	})
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errs.New(errs.Validation, "", errs.SeverityLow, false, "invalid request parameters", map[string]any{"error": err.Error()})
	}
	return nil
}

type execParams struct {
	Query string `json:"query"`
	Args  []any  `json:"args"`
}

func (f *Facade) handleExec(ctx context.Context, params json.RawMessage) (any, error) {
	var p execParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	res, err := f.Exec(ctx, p.Query, p.Args...)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return map[string]any{"rowsAffected": affected, "lastInsertId": lastID}, nil
}

func (f *Facade) handleSelect(ctx context.Context, params json.RawMessage) (any, error) {
	var p execParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.All(ctx, p.Query, p.Args...)
}

type createCollectionParams struct {
	Name   string                     `json:"name"`
	Config embedding.CollectionConfig `json:"config"`
}

func (f *Facade) handleCreateCollection(ctx context.Context, params json.RawMessage) (any, error) {
	var p createCollectionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, f.CreateCollection(ctx, p.Name, p.Config)
}

type collectionParams struct {
	Collection string `json:"collection"`
}

func (f *Facade) handleGetCollectionInfo(ctx context.Context, params json.RawMessage) (any, error) {
	var p collectionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.GetCollectionInfo(ctx, p.Collection)
}

type insertDocumentParams struct {
	Collection string              `json:"collection"`
	Document   *document.Document  `json:"document"`
	Async      bool                `json:"async"`
	Priority   queue.Priority      `json:"priority"`
}

func (f *Facade) handleInsertDocument(ctx context.Context, params json.RawMessage) (any, error) {
	var p insertDocumentParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.InsertDocumentWithEmbedding(ctx, p.Collection, p.Document, InsertOptions{Async: p.Async, Priority: p.Priority})
}

type bulkInsertParams struct {
	Collection string                `json:"collection"`
	Documents  []*document.Document  `json:"documents"`
}

func (f *Facade) handleBulkInsert(ctx context.Context, params json.RawMessage) (any, error) {
	var p bulkInsertParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, f.BulkInsert(ctx, p.Collection, p.Documents)
}

// searchParams mirrors spec §6's search request shape: a query with either
// text or a precomputed vector, plus mode/strategy/fusion knobs.
type searchParams struct {
	Query struct {
		Text   string    `json:"text"`
		Vector []float32 `json:"vector"`
	} `json:"query"`
	Collection       string         `json:"collection"`
	Limit            int            `json:"limit"`
	Offset           int            `json:"offset"`
	Strategy         string         `json:"strategy"`
	Fusion           string         `json:"fusion"`
	FusionWeights    *query.Weights `json:"fusionWeights"`
	EnableLikeSearch bool           `json:"enableLikeSearch"`
}

func (p searchParams) toRequestAndOptions() (search.Request, query.Options) {
	req := search.Request{QueryText: p.Query.Text, QueryVector: p.Query.Vector}
	opts := query.Options{
		ForceStrategy:    query.StrategyName(p.Strategy),
		Fusion:           query.FusionMethod(p.Fusion),
		Weights:          p.FusionWeights,
		EnableLikeSearch: p.EnableLikeSearch,
		Limit:            p.Limit,
		Offset:           p.Offset,
	}
	return req, opts
}

func (f *Facade) handleSearch(ctx context.Context, params json.RawMessage) (any, error) {
	var p searchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, opts := p.toRequestAndOptions()
	return f.Search(ctx, p.Collection, req, opts)
}

func (f *Facade) handleSearchSemantic(ctx context.Context, params json.RawMessage) (any, error) {
	var p searchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, opts := p.toRequestAndOptions()
	return f.SearchSemantic(ctx, p.Collection, req, opts)
}

type embedTextParams struct {
	Collection string `json:"collection"`
	Text       string `json:"text"`
}

func (f *Facade) handleGenerateEmbedding(ctx context.Context, params json.RawMessage) (any, error) {
	var p embedTextParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.GenerateEmbedding(ctx, p.Collection, p.Text)
}

type embedBatchParams struct {
	Collection string   `json:"collection"`
	Texts      []string `json:"texts"`
}

func (f *Facade) handleBatchGenerateEmbeddings(ctx context.Context, params json.RawMessage) (any, error) {
	var p embedBatchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.BatchGenerateEmbeddings(ctx, p.Collection, p.Texts)
}

type enqueueParams struct {
	Collection string         `json:"collection"`
	DocID      string         `json:"docId"`
	Content    string         `json:"content"`
	Priority   queue.Priority `json:"priority"`
	MaxRetries int            `json:"maxRetries"`
}

func (f *Facade) handleEnqueueEmbedding(ctx context.Context, params json.RawMessage) (any, error) {
	var p enqueueParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.EnqueueEmbedding(ctx, p.Collection, queue.EnqueueRequest{
		DocID: p.DocID, Content: p.Content, Priority: p.Priority, MaxRetries: p.MaxRetries,
	})
}

type processQueueParams struct {
	Collection string `json:"collection"`
	BatchSize  int    `json:"batchSize"`
}

func (f *Facade) handleProcessEmbeddingQueue(ctx context.Context, params json.RawMessage) (any, error) {
	var p processQueueParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.ProcessEmbeddingQueue(ctx, p.Collection, p.BatchSize)
}

func (f *Facade) handleGetEmbeddingQueueStatus(ctx context.Context, params json.RawMessage) (any, error) {
	var p collectionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.GetEmbeddingQueueStatus(ctx, p.Collection)
}

type clearQueueParams struct {
	Collection string       `json:"collection"`
	Status     queue.Status `json:"status"`
}

func (f *Facade) handleClearEmbeddingQueue(ctx context.Context, params json.RawMessage) (any, error) {
	var p clearQueueParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return f.ClearEmbeddingQueue(ctx, p.Collection, p.Status)
}

type importParams struct {
	Data      []byte `json:"data"`
	Overwrite bool   `json:"overwrite"`
}

func (f *Facade) handleImport(ctx context.Context, params json.RawMessage) (any, error) {
	var p importParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, f.Import(ctx, p.Data, p.Overwrite)
}

func (f *Facade) handleClear(ctx context.Context, params json.RawMessage) (any, error) {
	var p collectionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, f.Clear(ctx, p.Collection)
}

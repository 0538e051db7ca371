package search

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/errs"
	"github.com/engramdb/engram/internal/query"
)

// Executor is the minimal SQL surface C11 needs.
type Executor interface {
	Select(ctx context.Context, q string, args ...any) (*sql.Rows, error)
	Get(ctx context.Context, q string, args ...any) *sql.Row
}

// Embedder computes a query vector on a vector-branch cache miss.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Request is one search call (spec §6's request shape, narrowed to what
// the executor needs — the Facade owns parsing the wire shape).
type Request struct {
	QueryText       string
	QueryVector     []float32
	CollectionHash  string // used to build the cache key, spec §4.8
	VectorTimeout   time.Duration
	LikeTimeout     time.Duration
	LikeMinLength   int
	LikeMaxRows     int
}

// DebugInfo carries the per-request timing breakdown and branch flags spec
// §4.15/§6 ask for.
type DebugInfo struct {
	AnalysisMS int64
	PlanningMS int64
	BranchMS   map[query.Branch]int64
	FusionMS   int64
	TotalMS    int64
	LikeSkipped bool
}

// Search runs analysis, planning, concurrent branch execution, and fusion
// end to end for one collection (spec §4.11's "all branches run
// concurrently per request").
type Search struct {
	db         Executor
	collection string
	embedder   Embedder
	cacheMgr   *cache.Manager
}

func NewSearch(db Executor, collection string, embedder Embedder, cacheMgr *cache.Manager) *Search {
	return &Search{db: db, collection: collection, embedder: embedder, cacheMgr: cacheMgr}
}

// Run executes req against caps-derived plan and returns fused, ranked
// results plus debug timing.
func (s *Search) Run(ctx context.Context, req Request, opts query.Options, caps query.Capabilities) ([]FusedResult, DebugInfo, error) {
	var debug DebugInfo
	debug.BranchMS = make(map[query.Branch]int64)
	totalStart := time.Now()

	analysisStart := time.Now()
	analysis := query.Analyze(req.QueryText)
	debug.AnalysisMS = time.Since(analysisStart).Milliseconds()

	planStart := time.Now()
	plan, err := query.BuildPlan(analysis, opts, caps)
	if err != nil {
		return nil, debug, err
	}
	debug.PlanningMS = time.Since(planStart).Milliseconds()

	branchResults := make(map[query.Branch][]BranchResult)
	var mu = &branchMutex{}

	g, gctx := errgroup.WithContext(ctx)
	for _, branch := range plan.Branches {
		branch := branch
		g.Go(func() error {
			start := time.Now()
			var results []BranchResult
			var branchErr error
			skipped := false

			switch branch {
			case query.BranchFTS:
				results, branchErr = s.runFTS(gctx, req.QueryText, plan)
			case query.BranchVector:
				results, branchErr = s.runVector(gctx, req, plan)
			case query.BranchLike:
				results, branchErr, skipped = s.runLike(gctx, req, plan)
			}

			mu.set(debug.BranchMS, branch, time.Since(start).Milliseconds())
			if skipped {
				mu.setSkipped(&debug)
			}
			if branchErr != nil {
				// A branch that fails contributes nothing; other branches
				// still fuse (spec §4.11: partial results on timeout).
				return nil
			}
			mu.setResults(branchResults, branch, results)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, debug, err
	}

	fusionStart := time.Now()
	fused := Fuse(plan, branchResults)
	debug.FusionMS = time.Since(fusionStart).Milliseconds()

	fused = dedupeAndTruncate(fused, plan.Limit, plan.Offset)
	debug.TotalMS = time.Since(totalStart).Milliseconds()
	return fused, debug, nil
}

// branchMutex serializes writes into the shared maps from concurrent
// goroutines without requiring every caller to hand-roll a mutex.
type branchMutex struct{ mu sync.Mutex }

func (m *branchMutex) set(dst map[query.Branch]int64, branch query.Branch, v int64) {
	m.mu.Lock()
	dst[branch] = v
	m.mu.Unlock()
}

func (m *branchMutex) setResults(dst map[query.Branch][]BranchResult, branch query.Branch, v []BranchResult) {
	m.mu.Lock()
	dst[branch] = v
	m.mu.Unlock()
}

func (m *branchMutex) setSkipped(debug *DebugInfo) {
	m.mu.Lock()
	debug.LikeSkipped = true
	m.mu.Unlock()
}

// dedupeAndTruncate applies spec §4.12 steps 3 and 5: Fuse already
// deduplicates by document id since it accumulates into one FusedResult per
// id, so this only needs to paginate.
func dedupeAndTruncate(results []FusedResult, limit, offset int) []FusedResult {
	if offset > 0 {
		if offset >= len(results) {
			return nil
		}
		results = results[offset:]
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// runFTS translates the query into the engine's MATCH expression: multi-word
// plain queries combine with OR by default (or AND when plan.FTSMode says
// so), quoted spans become phrase queries, and boolean operators pass
// through unmodified (spec §4.11).
func (s *Search) runFTS(ctx context.Context, text string, plan query.Plan) ([]BranchResult, error) {
	matchExpr := buildMatchExpression(text, plan.FTSMode)
	if matchExpr == "" {
		return nil, nil
	}

	table := "documents_" + s.collection
	ftsTable := "docs_fts_" + s.collection

	rows, err := s.db.Select(ctx, fmt.Sprintf(
		`SELECT d.id, d.content, bm25(%[2]s) AS rank
		 FROM %[2]s f
		 JOIN %[1]s d ON d.rowid = f.rowid
		 WHERE f.%[2]s MATCH ?
		 ORDER BY rank LIMIT 200`, table, ftsTable), matchExpr)
	if err != nil {
		return nil, errs.Wrap(errs.FTSSync, "", errs.SeverityMedium, true, "fts search", err, nil)
	}
	defer rows.Close()

	var results []BranchResult
	rank := 1
	for rows.Next() {
		var id, content string
		var bm25Score float64
		if err := rows.Scan(&id, &content, &bm25Score); err != nil {
			return nil, err
		}
		results = append(results, BranchResult{DocID: id, Rank: rank, RawScore: -bm25Score, Snippet: content})
		rank++
	}
	return results, nil
}

var quotedSpan = regexp.MustCompile(`"[^"]+"`)

var booleanWord = regexp.MustCompile(`\b(AND|OR|NOT)\b`)

func buildMatchExpression(text string, mode string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if quotedSpan.MatchString(text) {
		// Quoted spans already form valid FTS5 phrase syntax; pass through.
		return text
	}
	if strings.ContainsAny(text, "&|!") || booleanWord.MatchString(text) {
		// Looks like it already carries FTS5/boolean operators.
		return text
	}

	joiner := " OR "
	if mode == "and" {
		joiner = " AND "
	}
	words := strings.Fields(text)
	return strings.Join(words, joiner)
}

// runVector obtains a query vector from the Cache Manager first, then (on
// miss) from the configured provider with a per-call timeout, and executes
// brute-force k-NN over the vector table (spec §4.11; modernc.org/sqlite
// has no vec0 virtual table support, so distance is computed in Go — see
// DESIGN.md).
func (s *Search) runVector(ctx context.Context, req Request, plan query.Plan) ([]BranchResult, error) {
	vec := req.QueryVector
	if vec == nil {
		timeout := req.VectorTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		vctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		key := cache.Key(req.CollectionHash, req.QueryText)
		entry, err := s.cacheMgr.GetOrCompute(vctx, key, func(ctx context.Context) (cache.Entry, error) {
			v, err := s.embedder.Embed(ctx, req.QueryText)
			if err != nil {
				return cache.Entry{}, err
			}
			return cache.Entry{Vector: v}, nil
		})
		if err != nil {
			return nil, errs.Wrap(errs.Embedding, "", errs.SeverityMedium, true, "compute query vector", err, nil)
		}
		vec = entry.Vector
	}
	if len(vec) == 0 {
		return nil, errs.New(errs.Vector, "", errs.SeverityLow, false, "no query vector available", nil)
	}

	table := "documents_" + s.collection
	vecTable := "vectors_" + s.collection

	rows, err := s.db.Select(ctx, fmt.Sprintf(
		`SELECT d.id, d.content, v.embedding FROM %[2]s v
		 JOIN %[1]s d ON d.rowid = v.rowid`, table, vecTable))
	if err != nil {
		return nil, errs.Wrap(errs.Vector, "", errs.SeverityMedium, true, "vector scan", err, nil)
	}
	defer rows.Close()

	type candidate struct {
		id, content string
		distance    float64
	}
	var candidates []candidate
	for rows.Next() {
		var id, content string
		var blob []byte
		if err := rows.Scan(&id, &content, &blob); err != nil {
			return nil, err
		}
		other := decodeFloat32s(blob)
		candidates = append(candidates, candidate{id: id, content: content, distance: cosineDistance(vec, other)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })

	limit := 200
	if len(candidates) < limit {
		limit = len(candidates)
	}
	results := make([]BranchResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = BranchResult{DocID: candidates[i].id, Rank: i + 1, RawScore: candidates[i].distance, Snippet: candidates[i].content}
	}
	return results, nil
}

func decodeFloat32s(buf []byte) []float32 {
	n := len(buf) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		v[i] = math.Float32frombits(bits)
	}
	return v
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1.0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

var likeMetacharEscaper = strings.NewReplacer(
	`\`, `\\`,
	"%", `\%`,
	"_", `\_`,
)

var likeStopWords = map[string]bool{"the": true, "a": true, "an": true, "of": true, "and": true}

// runLike implements the opt-in substring branch: both sides are kept in
// their original case (the engine's lowercase function mishandles
// non-ASCII, spec §4.11), metacharacters are escaped, and the branch is
// dropped with likeSkipped=true if it can't finish within its timeout.
func (s *Search) runLike(ctx context.Context, req Request, plan query.Plan) ([]BranchResult, error, bool) {
	minLen := req.LikeMinLength
	if minLen <= 0 {
		minLen = 3
	}
	maxRows := req.LikeMaxRows
	if maxRows <= 0 {
		maxRows = 100
	}

	text := strings.TrimSpace(req.QueryText)
	if len([]rune(text)) < minLen {
		return nil, nil, false
	}
	if likeStopWords[strings.ToLower(text)] {
		return nil, nil, false
	}

	timeout := req.LikeTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pattern := "%" + likeMetacharEscaper.Replace(text) + "%"
	table := "documents_" + s.collection

	rows, err := s.db.Select(lctx, fmt.Sprintf(
		`SELECT id, content FROM %s WHERE content LIKE ? ESCAPE '\' LIMIT ?`, table), pattern, maxRows)
	if err != nil {
		if lctx.Err() != nil {
			return nil, nil, true
		}
		return nil, errs.Wrap(errs.Database, "", errs.SeverityLow, true, "like search", err, nil), false
	}
	defer rows.Close()

	var results []BranchResult
	rank := 1
	for rows.Next() {
		select {
		case <-lctx.Done():
			return results, nil, true
		default:
		}
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return results, nil, false
		}
		results = append(results, BranchResult{DocID: id, Rank: rank, RawScore: 1.0, Snippet: content})
		rank++
	}
	return results, nil, false
}

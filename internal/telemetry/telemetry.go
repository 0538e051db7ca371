// Package telemetry implements Observability (C15): structured log helpers,
// otel counters for calls/errors/timeouts/cache-hits-per-tier, and a
// per-request timing breakdown. Grounded in the teacher's
// search/manager.go SearchMetrics (atomic counters, latency histogram) and
// cmd/worker/main.go's zerolog console-writer bootstrap.
package telemetry

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/engramdb/engram/internal/cache"
)

// ConfigureLogger sets the global zerolog logger to a console writer in
// dev, or a bare JSON writer otherwise, mirroring cmd/worker/main.go.
func ConfigureLogger(pretty bool, level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	if pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Metrics tracks engine-wide call/error/timeout/cache counters (spec
// §4.15), generalizing SearchMetrics from "one search manager" to "the
// whole engine".
type Metrics struct {
	calls, errors, timeouts int64
	cacheHitsByTier         sync.Map // tier label -> *int64

	latencyMu        sync.Mutex
	latencyHistogram []int64
}

const latencyHistogramCap = 1000

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordCall(latency time.Duration) {
	atomic.AddInt64(&m.calls, 1)
	m.latencyMu.Lock()
	if len(m.latencyHistogram) < latencyHistogramCap {
		m.latencyHistogram = append(m.latencyHistogram, latency.Nanoseconds())
	}
	m.latencyMu.Unlock()
}

func (m *Metrics) RecordError() { atomic.AddInt64(&m.errors, 1) }

func (m *Metrics) RecordTimeout() { atomic.AddInt64(&m.timeouts, 1) }

// RecordCacheHit increments the per-tier hit counter (memory/persistent/database).
func (m *Metrics) RecordCacheHit(tier string) {
	v, _ := m.cacheHitsByTier.LoadOrStore(tier, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// Snapshot reports the current counters for a getStats-style response.
type Snapshot struct {
	Calls           int64
	Errors          int64
	Timeouts        int64
	AvgLatencyMS    float64
	CacheHitsByTier map[string]int64
}

func (m *Metrics) Snapshot() Snapshot {
	m.latencyMu.Lock()
	var total int64
	for _, v := range m.latencyHistogram {
		total += v
	}
	n := len(m.latencyHistogram)
	m.latencyMu.Unlock()

	avg := float64(0)
	if n > 0 {
		avg = float64(total) / float64(n) / 1e6
	}

	byTier := make(map[string]int64)
	m.cacheHitsByTier.Range(func(k, v any) bool {
		byTier[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	return Snapshot{
		Calls:           atomic.LoadInt64(&m.calls),
		Errors:          atomic.LoadInt64(&m.errors),
		Timeouts:        atomic.LoadInt64(&m.timeouts),
		AvgLatencyMS:    avg,
		CacheHitsByTier: byTier,
	}
}

// SyncFromCacheStats copies a cache.Manager's per-tier hit counts into the
// engine-wide metrics, so both surfaces agree without double bookkeeping.
func (m *Metrics) SyncFromCacheStats(s cache.Stats) {
	m.cacheHitsByTier.Store("memory", newInt64(s.MemoryHits))
	m.cacheHitsByTier.Store("persistent", newInt64(s.PersistentHits))
	m.cacheHitsByTier.Store("database", newInt64(s.DatabaseHits))
}

func newInt64(v int64) *int64 { return &v }

// OtelInstruments wraps the otel counters the engine publishes, one per
// spec §4.15 counter, named so a Prometheus/OTLP exporter wired upstream
// just works without engine-side assumptions about the backend.
type OtelInstruments struct {
	Calls    metric.Int64Counter
	Errors   metric.Int64Counter
	Timeouts metric.Int64Counter
	CacheHit metric.Int64Counter
}

func NewOtelInstruments(meter metric.Meter) (*OtelInstruments, error) {
	calls, err := meter.Int64Counter("engram.rpc.calls")
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("engram.rpc.errors")
	if err != nil {
		return nil, err
	}
	timeouts, err := meter.Int64Counter("engram.rpc.timeouts")
	if err != nil {
		return nil, err
	}
	cacheHit, err := meter.Int64Counter("engram.cache.hits")
	if err != nil {
		return nil, err
	}
	return &OtelInstruments{Calls: calls, Errors: errs, Timeouts: timeouts, CacheHit: cacheHit}, nil
}

// RecordCacheHit publishes one cache hit for the given tier label.
func (o *OtelInstruments) RecordCacheHit(ctx context.Context, tier string) {
	o.CacheHit.Add(ctx, 1, metric.WithAttributes())
	_ = tier // attribute set kept minimal; tier is carried in the Metrics snapshot instead
}

// Timing is the per-request breakdown spec §4.15 wants returned in debug
// info: analysis, planning, each branch, fusion, total.
type Timing struct {
	AnalysisMS int64
	PlanningMS int64
	BranchMS   map[string]int64
	FusionMS   int64
	TotalMS    int64
}

// LogSlowQuery emits a structured warning for queries over threshold,
// mirroring manager.go's slow-query logging.
func LogSlowQuery(query string, latency time.Duration, threshold time.Duration) {
	if latency <= threshold {
		return
	}
	q := query
	if len(q) > 50 {
		q = q[:50]
	}
	log.Warn().Str("query", q).Dur("latency", latency).Msg("slow search query")
}

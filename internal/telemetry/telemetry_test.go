package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/engramdb/engram/internal/cache"
)

func TestMetrics_RecordCallAndSnapshot(t *testing.T) {
	m := NewMetrics()
	m.RecordCall(10 * time.Millisecond)
	m.RecordCall(20 * time.Millisecond)
	m.RecordError()
	m.RecordTimeout()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Calls)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Equal(t, int64(1), snap.Timeouts)
	assert.InDelta(t, 15.0, snap.AvgLatencyMS, 0.01)
}

func TestMetrics_CacheHitsByTier(t *testing.T) {
	m := NewMetrics()
	m.RecordCacheHit("memory")
	m.RecordCacheHit("memory")
	m.RecordCacheHit("database")

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.CacheHitsByTier["memory"])
	assert.Equal(t, int64(1), snap.CacheHitsByTier["database"])
}

func TestMetrics_SyncFromCacheStats(t *testing.T) {
	m := NewMetrics()
	m.SyncFromCacheStats(cache.Stats{MemoryHits: 3, PersistentHits: 1, DatabaseHits: 2})

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.CacheHitsByTier["memory"])
	assert.Equal(t, int64(1), snap.CacheHitsByTier["persistent"])
	assert.Equal(t, int64(2), snap.CacheHitsByTier["database"])
}

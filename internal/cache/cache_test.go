package cache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("cfg-hash", "hello world")
	b := Key("cfg-hash", "hello world")
	c := Key("cfg-hash", "different")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestManager_MemoryTierHitAndMiss(t *testing.T) {
	m, err := NewManager(Config{MemoryTTL: time.Minute, MemoryMaxEntries: 10}, nil)
	require.NoError(t, err)

	_, ok := m.Get(context.Background(), "missing")
	assert.False(t, ok)

	m.Set(context.Background(), "k1", Entry{Vector: []float32{1, 2, 3}}, LevelMemory)
	e, ok := m.Get(context.Background(), "k1")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, e.Vector)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestManager_MemoryEntryExpires(t *testing.T) {
	m, err := NewManager(Config{MemoryTTL: time.Millisecond, MemoryMaxEntries: 10}, nil)
	require.NoError(t, err)

	m.Set(context.Background(), "k1", Entry{Vector: []float32{1}}, LevelMemory)
	time.Sleep(5 * time.Millisecond)

	_, ok := m.Get(context.Background(), "k1")
	assert.False(t, ok)
}

func TestManager_PersistentTierPopulatesMemoryOnHit(t *testing.T) {
	m, err := NewManager(Config{
		MemoryTTL:        time.Minute,
		MemoryMaxEntries: 10,
		PersistentDir:    t.TempDir(),
		PersistentTTL:    time.Hour,
	}, nil)
	require.NoError(t, err)

	m.Set(context.Background(), "k1", Entry{Vector: []float32{4, 5}}, LevelPersistent)

	// Not in memory tier yet.
	m.memMu.RLock()
	_, inMem := m.mem["k1"]
	m.memMu.RUnlock()
	assert.False(t, inMem)

	e, ok := m.Get(context.Background(), "k1")
	require.True(t, ok)
	assert.Equal(t, []float32{4, 5}, e.Vector)

	m.memMu.RLock()
	_, inMem = m.mem["k1"]
	m.memMu.RUnlock()
	assert.True(t, inMem, "a persistent-tier hit should populate the memory tier")
}

func TestManager_DatabaseTierRoundTrip(t *testing.T) {
	db := openTestDB(t)
	m, err := NewManager(Config{MemoryTTL: time.Minute, MemoryMaxEntries: 10}, db)
	require.NoError(t, err)

	ctx := context.Background()
	m.Set(ctx, "k1", Entry{Vector: []float32{1, 2, 3, 4}}, LevelDatabase)

	e, ok := m.Get(ctx, "k1")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float32{1, 2, 3, 4}, e.Vector, 0.0001)
}

func TestManager_GetOrCompute_CoalescesConcurrentMisses(t *testing.T) {
	m, err := NewManager(Config{MemoryTTL: time.Minute, MemoryMaxEntries: 10}, nil)
	require.NoError(t, err)

	var calls int
	compute := func(ctx context.Context) (Entry, error) {
		calls++
		time.Sleep(10 * time.Millisecond)
		return Entry{Vector: []float32{9}}, nil
	}

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := m.GetOrCompute(context.Background(), "shared", compute)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, 1, calls, "concurrent identical misses should coalesce into one compute")
}

func TestManager_Invalidate(t *testing.T) {
	m, err := NewManager(Config{MemoryTTL: time.Minute, MemoryMaxEntries: 10}, nil)
	require.NoError(t, err)

	m.Set(context.Background(), "collection-a:1", Entry{Vector: []float32{1}}, LevelMemory)
	m.Set(context.Background(), "collection-b:1", Entry{Vector: []float32{2}}, LevelMemory)

	m.Invalidate(context.Background(), "collection-a:*")

	_, ok := m.Get(context.Background(), "collection-a:1")
	assert.False(t, ok)
	_, ok = m.Get(context.Background(), "collection-b:1")
	assert.True(t, ok)
}

func TestManager_EvictionKeepsSizeBounded(t *testing.T) {
	m, err := NewManager(Config{MemoryTTL: time.Minute, MemoryMaxEntries: 5}, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		m.Set(context.Background(), string(rune('a'+i)), Entry{Vector: []float32{float32(i)}}, LevelMemory)
	}

	m.memMu.RLock()
	size := len(m.mem)
	m.memMu.RUnlock()
	assert.LessOrEqual(t, size, 6)
}

// Package cache implements the three-tier Cache Manager (spec §4.8):
// in-memory (seconds-minutes TTL) → persistent key-value (hours-days) →
// database-backed table (days-weeks), probing in that order on get and
// populating faster tiers on a hit. Grounded in the teacher's
// sqlitevec.Client cache fields (queryCache/resultCache maps with TTL and
// two-phase eviction), generalized from "one cache inside the vector client"
// into a standalone, reusable three-tier manager.
package cache

import (
	"context"
	"database/sql"
	"encoding/gob"
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/engramdb/engram/internal/errs"
)

// Entry is a Cache Entry (spec §3): non-authoritative, derived, disposable.
type Entry struct {
	Vector    []float32
	Metadata  map[string]any
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool { return now.After(e.ExpiresAt) }

// Level selects which tier Set writes to.
type Level int

const (
	LevelMemory Level = iota
	LevelPersistent
	LevelDatabase
)

// Key builds the (collection-config-hash, normalized-query-hash) cache key
// the spec specifies, using blake2b for collision resistance (an upgrade
// from the teacher's hash/fnv).
func Key(collectionConfigHash, normalizedQuery string) string {
	sum := blake2b.Sum256([]byte(collectionConfigHash + "|" + normalizedQuery))
	return hex.EncodeToString(sum[:16])
}

// Manager coordinates the three tiers plus singleflight coalescing of
// concurrent identical misses, mirroring sqlitevec.Client.getOrComputeEmbedding.
type Manager struct {
	memMu       sync.RWMutex
	mem         map[string]Entry
	memMaxSize  int
	memTTL      time.Duration

	persistent *persistentTier
	database   *databaseTier

	group singleflight.Group

	hitsMem, hitsPersistent, hitsDatabase, misses int64
	statsMu                                       sync.Mutex
}

// Config controls tier sizing and TTLs (spec §4.8).
type Config struct {
	MemoryTTL         time.Duration
	MemoryMaxEntries  int
	PersistentTTL     time.Duration
	PersistentDir     string
	DatabaseTTL       time.Duration
}

func NewManager(cfg Config, db *sql.DB) (*Manager, error) {
	if cfg.MemoryMaxEntries <= 0 {
		cfg.MemoryMaxEntries = 1000
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = 2 * time.Minute
	}

	m := &Manager{
		mem:        make(map[string]Entry),
		memMaxSize: cfg.MemoryMaxEntries,
		memTTL:     cfg.MemoryTTL,
	}

	if cfg.PersistentDir != "" {
		pt, err := newPersistentTier(cfg.PersistentDir, cfg.PersistentTTL)
		if err != nil {
			return nil, err
		}
		m.persistent = pt
	}
	if db != nil {
		dt, err := newDatabaseTier(db, cfg.DatabaseTTL)
		if err != nil {
			return nil, err
		}
		m.database = dt
	}
	return m, nil
}

// Get probes memory → persistent → database, populating faster tiers on a
// hit (spec §4.8).
func (m *Manager) Get(ctx context.Context, key string) (Entry, bool) {
	now := time.Now()

	m.memMu.RLock()
	e, ok := m.mem[key]
	m.memMu.RUnlock()
	if ok && !e.expired(now) {
		m.recordHit(&m.hitsMem)
		return e, true
	}

	if m.persistent != nil {
		if e, ok := m.persistent.get(key); ok {
			m.recordHit(&m.hitsPersistent)
			m.setMemory(key, e)
			return e, true
		}
	}

	if m.database != nil {
		if e, ok := m.database.get(ctx, key); ok {
			m.recordHit(&m.hitsDatabase)
			m.setMemory(key, e)
			if m.persistent != nil {
				_ = m.persistent.set(key, e)
			}
			return e, true
		}
	}

	m.statsMu.Lock()
	m.misses++
	m.statsMu.Unlock()
	return Entry{}, false
}

// GetOrCompute coalesces concurrent identical misses via singleflight,
// exactly as sqlitevec.Client.getOrComputeEmbedding does for embeddings.
func (m *Manager) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (Entry, error)) (Entry, error) {
	if e, ok := m.Get(ctx, key); ok {
		return e, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if e, ok := m.Get(ctx, key); ok {
			return e, nil
		}
		e, err := compute(ctx)
		if err != nil {
			return Entry{}, err
		}
		m.Set(ctx, key, e, LevelMemory)
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Set writes to the specified tier.
func (m *Manager) Set(ctx context.Context, key string, e Entry, level Level) {
	switch level {
	case LevelPersistent:
		if m.persistent != nil {
			_ = m.persistent.set(key, e)
		}
	case LevelDatabase:
		if m.database != nil {
			_ = m.database.set(ctx, key, e)
		}
	default:
		m.setMemory(key, e)
	}
}

func (m *Manager) setMemory(key string, e Entry) {
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = time.Now().Add(m.memTTL)
	}

	m.memMu.Lock()
	defer m.memMu.Unlock()

	if len(m.mem) >= m.memMaxSize {
		m.evictLocked()
	}
	m.mem[key] = e
}

// evictLocked implements the teacher's two-phase eviction: expire-first,
// then random-ish eviction of ~10% if still at capacity. Caller holds memMu.
func (m *Manager) evictLocked() {
	now := time.Now()
	removed := 0
	for k, e := range m.mem {
		if e.expired(now) {
			delete(m.mem, k)
			removed++
		}
	}
	if len(m.mem) < m.memMaxSize {
		return
	}
	target := len(m.mem) / 10
	if target < 1 {
		target = 1
	}
	for k := range m.mem {
		delete(m.mem, k)
		target--
		if target <= 0 {
			break
		}
	}
}

// Invalidate purges keys matching a glob-like prefix pattern across all
// tiers, the spec's `invalidate(pattern)`.
func (m *Manager) Invalidate(ctx context.Context, prefix string) {
	m.memMu.Lock()
	for k := range m.mem {
		if matchPrefix(k, prefix) {
			delete(m.mem, k)
		}
	}
	m.memMu.Unlock()

	if m.persistent != nil {
		m.persistent.invalidate(prefix)
	}
	if m.database != nil {
		_ = m.database.invalidate(ctx, prefix)
	}
}

func matchPrefix(key, prefix string) bool {
	if prefix == "" || prefix == "*" {
		return true
	}
	if len(prefix) > 0 && prefix[len(prefix)-1] == '*' {
		p := prefix[:len(prefix)-1]
		return len(key) >= len(p) && key[:len(p)] == p
	}
	return key == prefix
}

func (m *Manager) recordHit(counter *int64) {
	m.statsMu.Lock()
	*counter++
	m.statsMu.Unlock()
}

// Stats reports per-tier hit counts for C15's cache-hits-per-tier counter.
type Stats struct {
	MemoryHits     int64
	PersistentHits int64
	DatabaseHits   int64
	Misses         int64
}

func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return Stats{m.hitsMem, m.hitsPersistent, m.hitsDatabase, m.misses}
}

// --- persistent tier: a simple gob-encoded file-backed KV ---
//
// The teacher wires github.com/gomodule/redigo for a Redis-backed persistent
// tier. An embedded engine shouldn't require a standing Redis process (spec
// §1: "locally persisted"), so the persistent tier here is a small
// directory-of-files KV instead — see DESIGN.md for why redigo was dropped
// rather than forced into this role.
type persistentTier struct {
	dir string
	ttl time.Duration
	mu  sync.Mutex
}

func newPersistentTier(dir string, ttl time.Duration) (*persistentTier, error) {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.Cache, "", errs.SeverityMedium, true, "create persistent cache dir", err, nil)
	}
	return &persistentTier{dir: dir, ttl: ttl}, nil
}

func (p *persistentTier) path(key string) string {
	return filepath.Join(p.dir, key+".gob")
}

func (p *persistentTier) get(key string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.Open(p.path(key))
	if err != nil {
		return Entry{}, false
	}
	defer f.Close()

	var e Entry
	if err := gob.NewDecoder(f).Decode(&e); err != nil {
		return Entry{}, false
	}
	if e.expired(time.Now()) {
		_ = os.Remove(p.path(key))
		return Entry{}, false
	}
	return e, true
}

func (p *persistentTier) set(key string, e Entry) error {
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = time.Now().Add(p.ttl)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.Create(p.path(key))
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(e)
}

func (p *persistentTier) invalidate(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		name := ent.Name()
		if matchPrefix(name[:len(name)-len(filepath.Ext(name))], prefix) {
			_ = os.Remove(filepath.Join(p.dir, ent.Name()))
		}
	}
}

// --- database tier: a table in the same SQLite file, TTL column, no
// automatic eviction (relies on explicit Invalidate), per spec §4.8.

type databaseTier struct {
	db  *sql.DB
	ttl time.Duration
}

func newDatabaseTier(db *sql.DB, ttl time.Duration) (*databaseTier, error) {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		vector BLOB,
		metadata TEXT,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, errs.Wrap(errs.Cache, "", errs.SeverityMedium, true, "create cache table", err, nil)
	}
	return &databaseTier{db: db, ttl: ttl}, nil
}

func (d *databaseTier) get(ctx context.Context, key string) (Entry, bool) {
	row := d.db.QueryRowContext(ctx, "SELECT vector, metadata, expires_at FROM cache_entries WHERE key = ?", key)
	var vecBlob []byte
	var metaJSON string
	var expiresAt int64
	if err := row.Scan(&vecBlob, &metaJSON, &expiresAt); err != nil {
		return Entry{}, false
	}
	if time.Now().Unix() > expiresAt {
		_, _ = d.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
		return Entry{}, false
	}
	return Entry{
		Vector:    decodeVector(vecBlob),
		ExpiresAt: time.Unix(expiresAt, 0),
	}, true
}

func (d *databaseTier) set(ctx context.Context, key string, e Entry) error {
	expires := e.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().Add(d.ttl)
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, vector, metadata, expires_at) VALUES (?, ?, '{}', ?)
		 ON CONFLICT(key) DO UPDATE SET vector=excluded.vector, expires_at=excluded.expires_at`,
		key, encodeVector(e.Vector), expires.Unix())
	return err
}

func (d *databaseTier) invalidate(ctx context.Context, prefix string) error {
	if prefix == "" || prefix == "*" {
		_, err := d.db.ExecContext(ctx, "DELETE FROM cache_entries")
		return err
	}
	if prefix[len(prefix)-1] == '*' {
		_, err := d.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key LIKE ?", prefix[:len(prefix)-1]+"%")
		return err
	}
	_, err := d.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", prefix)
	return err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		v[i] = math.Float32frombits(bits)
	}
	return v
}

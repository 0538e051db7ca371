// Package schema manages the per-collection SQLite schema: documents table,
// FTS virtual table, vector virtual table, and queue table, plus versioned
// migrations. Grounded in the teacher's migrations.go, with one deliberate
// deviation: no AFTER INSERT/UPDATE/DELETE triggers. Spec §4.3 calls these
// out as the anti-pattern that caused memory exhaustion on large imports;
// FTS/vector sync here is done manually by internal/document instead.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/engramdb/engram/internal/errs"
)

// CurrentVersion is the schema version new collections are created at.
const CurrentVersion = 1

// Migration is a pure function from version N's DDL state to N+1's,
// executed inside one transaction. Mirrors the teacher's Migration struct.
type Migration struct {
	Version int
	Name    string
	SQL     func(collection string) string
}

// Migrations lists the ordered schema changes, keyed by collection name at
// apply time via the SQL closures (teacher's migrations are global; these are
// per-collection since each collection gets its own table set).
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: func(c string) string {
			return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS documents_%[1]s (
	rowid INTEGER PRIMARY KEY,
	id TEXT UNIQUE NOT NULL,
	title TEXT,
	content TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS docs_fts_%[1]s USING fts5(
	title, content, metadata,
	content='documents_%[1]s',
	content_rowid='rowid',
	tokenize='unicode61'
);

CREATE TABLE IF NOT EXISTS vectors_%[1]s (
	rowid INTEGER PRIMARY KEY,
	dim INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	model_version TEXT,
	FOREIGN KEY(rowid) REFERENCES documents_%[1]s(rowid) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS queue_%[1]s (
	id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	content TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 2,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_%[1]s_status ON queue_%[1]s(status, priority, created_at);
`, c)
		},
	},
}

// requiredTables returns the table/virtual-table names schema integrity
// requires for a given collection (spec §4.3 "required tables per collection").
func requiredTables(collection string) []string {
	return []string{
		"documents_" + collection,
		"docs_fts_" + collection,
		"vectors_" + collection,
		"queue_" + collection,
	}
}

// Executor is the minimal surface schema needs from the SQL host wrapper.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Select(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Get(ctx context.Context, query string, args ...any) *sql.Row
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Manager drives schema lifecycle for all collections sharing one engine.
type Manager struct {
	db Executor
}

func NewManager(db Executor) *Manager { return &Manager{db: db} }

// EnsureCollectionsTable creates the top-level collections registry if absent.
func (m *Manager) EnsureCollectionsTable(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL,
	provider_kind TEXT,
	model_name TEXT,
	dimensions INTEGER,
	batch_size INTEGER,
	timeout_ms INTEGER,
	auto_generate INTEGER NOT NULL DEFAULT 1,
	doc_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`)
	if err != nil {
		return errs.Wrap(errs.Database, "", errs.SeverityCritical, false, "create collections table", err, nil)
	}
	return nil
}

// Open implements spec §4.3's four-branch schema lifecycle for one collection:
// no tables → create; all tables + current version → pass; partial → drop and
// recreate (consistency over preservation); stale version → migrate in order.
func (m *Manager) Open(ctx context.Context, collection string) error {
	if err := m.EnsureCollectionsTable(ctx); err != nil {
		return err
	}

	existing, err := m.existingTables(ctx, collection)
	if err != nil {
		return err
	}
	required := requiredTables(collection)

	switch {
	case len(existing) == 0:
		return m.create(ctx, collection)
	case len(existing) == len(required):
		version, err := m.recordedVersion(ctx, collection)
		if err != nil {
			return err
		}
		if version == CurrentVersion {
			return nil
		}
		return m.migrate(ctx, collection, version)
	default:
		log.Warn().Str("collection", collection).Int("found", len(existing)).Int("required", len(required)).
			Msg("partial schema detected, dropping and recreating")
		if err := m.drop(ctx, collection); err != nil {
			return err
		}
		return m.create(ctx, collection)
	}
}

func (m *Manager) existingTables(ctx context.Context, collection string) ([]string, error) {
	required := requiredTables(collection)
	placeholders := ""
	args := make([]any, 0, len(required))
	for i, t := range required {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, t)
	}
	rows, err := m.db.Select(ctx, fmt.Sprintf(
		"SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name IN (%s)", placeholders), args...)
	if err != nil {
		return nil, errs.Wrap(errs.Database, "", errs.SeverityHigh, true, "enumerate tables", err, nil)
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		found = append(found, name)
	}
	return found, nil
}

func (m *Manager) create(ctx context.Context, collection string) error {
	return m.db.WithTx(ctx, func(ctx context.Context) error {
		for _, mig := range Migrations {
			if _, err := m.db.Exec(ctx, mig.SQL(collection)); err != nil {
				return errs.Wrap(errs.Database, "", errs.SeverityCritical, false, "apply migration "+mig.Name, err, nil)
			}
		}
		_, err := m.db.Exec(ctx, `
INSERT INTO collections (name, schema_version, auto_generate, created_at)
VALUES (?, ?, 1, unixepoch())
ON CONFLICT(name) DO UPDATE SET schema_version=excluded.schema_version`,
			collection, CurrentVersion)
		if err != nil {
			return errs.Wrap(errs.Database, "", errs.SeverityCritical, false, "record collection version", err, nil)
		}
		return nil
	})
}

func (m *Manager) drop(ctx context.Context, collection string) error {
	return m.db.WithTx(ctx, func(ctx context.Context) error {
		for _, t := range requiredTables(collection) {
			if _, err := m.db.Exec(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
				return errs.Wrap(errs.Database, "", errs.SeverityHigh, false, "drop table "+t, err, nil)
			}
		}
		return nil
	})
}

func (m *Manager) recordedVersion(ctx context.Context, collection string) (int, error) {
	var version int
	err := m.db.Get(ctx, "SELECT schema_version FROM collections WHERE name = ?", collection).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.Database, "", errs.SeverityHigh, true, "read collection version", err, nil)
	}
	return version, nil
}

func (m *Manager) migrate(ctx context.Context, collection string, from int) error {
	for _, mig := range Migrations {
		if mig.Version <= from {
			continue
		}
		if err := m.db.WithTx(ctx, func(ctx context.Context) error {
			if _, err := m.db.Exec(ctx, mig.SQL(collection)); err != nil {
				return errs.Wrap(errs.Database, "", errs.SeverityCritical, false, "apply migration "+mig.Name, err, nil)
			}
			_, err := m.db.Exec(ctx, "UPDATE collections SET schema_version = ? WHERE name = ?", mig.Version, collection)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

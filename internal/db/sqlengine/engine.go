// Package sqlengine owns the single SQLite handle the rest of the engine
// mutates through. It prepares/binds/steps/finalizes statements, guarantees
// UTF-8 byte-safe parameter binding, and exposes the transaction-scope and
// bulk-insert primitives every higher component builds on (spec §4.2).
package sqlengine

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/engramdb/engram/internal/errs"
)

// Config configures a new Engine.
type Config struct {
	Path     string
	MaxConns int
	WALMode  bool
}

// Engine owns one *sql.DB handle plus a prepared-statement cache, exactly as
// the teacher's sqlite.Store does, adapted to modernc.org/sqlite (the pure-Go
// driver already declared in the teacher's go.mod, replacing the
// mattn/go-sqlite3 import its store.go used — see DESIGN.md).
type Engine struct {
	db        *sql.DB
	path      string
	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex

	txMu    sync.Mutex // guards activeTx/txDepth; any caller that runs while a transaction is open joins it
	activeTx *sql.Tx
	txDepth  int
}

// Open creates the engine handle, applies pragmas, and verifies connectivity.
func Open(cfg Config) (*Engine, error) {
	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Database, "", errs.SeverityCritical, false, "open database", err, nil)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, classifyOpenErr(err)
	}

	return &Engine{db: db, path: cfg.Path, stmtCache: make(map[string]*sql.Stmt)}, nil
}

func classifyOpenErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "locked") || strings.Contains(msg, "busy"):
		return errs.Wrap(errs.Database, errs.SubLocked, errs.SeverityMedium, true, "database locked", err, nil)
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "permission"):
		return errs.Wrap(errs.Database, errs.SubPermission, errs.SeverityCritical, false, "cannot open database file", err, nil)
	case strings.Contains(msg, "disk") || strings.Contains(msg, "full"):
		return errs.Wrap(errs.Database, errs.SubDiskFull, errs.SeverityCritical, false, "disk full", err, nil)
	default:
		return errs.Wrap(errs.Database, errs.SubCorruption, errs.SeverityCritical, false, "ping database", err, nil)
	}
}

// Close closes the connection and all cached statements.
func (e *Engine) Close() error {
	e.stmtMu.Lock()
	for _, stmt := range e.stmtCache {
		_ = stmt.Close()
	}
	e.stmtCache = nil
	e.stmtMu.Unlock()
	return e.db.Close()
}

// DB returns the underlying handle for components (schema manager, queue)
// that need raw access beyond Exec/Select.
func (e *Engine) DB() *sql.DB { return e.db }

func (e *Engine) getStmt(query string) (*sql.Stmt, error) {
	e.stmtMu.RLock()
	stmt, ok := e.stmtCache[query]
	e.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	e.stmtMu.Lock()
	defer e.stmtMu.Unlock()
	if stmt, ok := e.stmtCache[query]; ok {
		return stmt, nil
	}
	stmt, err := e.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	e.stmtCache[query] = stmt
	return stmt, nil
}

// bindText is the single chokepoint every caller routes string parameters
// through. Go's database/sql already binds strings by their native byte
// representation, so this function's job is to make sure nothing upstream of
// it truncates by rune count first. The spec's "critical contract" (UTF-8
// byte-length binding) is this function's entire reason to exist.
func bindText(s string) string { return s }

// bindArgs rewrites string arguments through bindText so every exec/select
// call site gets the byte-safe behavior without remembering to call it.
func bindArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			out[i] = bindText(s)
			continue
		}
		out[i] = a
	}
	return out
}

// Exec runs a statement that doesn't return rows, inside the engine's
// active transaction scope if one is open.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	args = bindArgs(args)
	if tx := e.currentTx(); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	stmt, err := e.getStmt(query)
	if err != nil {
		return e.db.ExecContext(ctx, query, args...)
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return nil, classifyExecErr(err)
	}
	return res, nil
}

// Select runs a query returning rows.
func (e *Engine) Select(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	args = bindArgs(args)
	if tx := e.currentTx(); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	stmt, err := e.getStmt(query)
	if err != nil {
		return e.db.QueryContext(ctx, query, args...)
	}
	return stmt.QueryContext(ctx, args...)
}

// Get runs a query expected to return at most one row.
func (e *Engine) Get(ctx context.Context, query string, args ...any) *sql.Row {
	args = bindArgs(args)
	if tx := e.currentTx(); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	stmt, err := e.getStmt(query)
	if err != nil {
		return e.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

func classifyExecErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "CHECK") || strings.Contains(msg, "FOREIGN KEY") || strings.Contains(msg, "NOT NULL"):
		return errs.Wrap(errs.Database, errs.SubConstraint, errs.SeverityLow, false, "constraint violation", err, nil)
	case strings.Contains(msg, "locked") || strings.Contains(msg, "busy"):
		return errs.Wrap(errs.Database, errs.SubLocked, errs.SeverityMedium, true, "database locked", err, nil)
	default:
		return errs.Wrap(errs.Database, "", errs.SeverityHigh, false, "exec failed", err, nil)
	}
}

// currentTx returns the open transaction, if any. Transactions are scoped
// per-Engine (single background execution context owns the handle, per
// spec §5), not per-goroutine.
func (e *Engine) currentTx() *sql.Tx {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	return e.activeTx
}

// WithTx runs fn inside a transaction scope, supporting nested calls via
// reference counting: only the outermost call issues BEGIN/COMMIT/ROLLBACK,
// matching spec §4.2's "nested-call reference counting" requirement.
func (e *Engine) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	e.txMu.Lock()
	if e.activeTx != nil {
		e.txDepth++
		e.txMu.Unlock()
		defer func() {
			e.txMu.Lock()
			e.txDepth--
			e.txMu.Unlock()
		}()
		return fn(ctx)
	}

	tx, txErr := e.db.BeginTx(ctx, nil)
	if txErr != nil {
		e.txMu.Unlock()
		return errs.Wrap(errs.Database, "", errs.SeverityHigh, true, "begin transaction", txErr, nil)
	}
	e.activeTx = tx
	e.txDepth = 1
	e.txMu.Unlock()

	defer func() {
		e.txMu.Lock()
		e.activeTx = nil
		e.txDepth = 0
		e.txMu.Unlock()

		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx)
	return err
}

// BulkInsert runs all rows through a single transaction, grounded in the
// teacher's "one tx per chunk" AddDocuments pattern (sqlitevec/client.go),
// generalized to an arbitrary table/columns shape.
func (e *Engine) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	return e.WithTx(ctx, func(ctx context.Context) error {
		for _, row := range rows {
			if _, err := e.Exec(ctx, query, row...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Export serializes the database to bytes via SQLite's backup-to-file idiom:
// VACUUM INTO a temp file, then read it back. This is the engine's "native
// serialized bytes" export format (spec §6).
func (e *Engine) Export(ctx context.Context) ([]byte, error) {
	tmp, err := os.CreateTemp("", "engram-export-*.db")
	if err != nil {
		return nil, errs.Wrap(errs.Persistence, "", errs.SeverityHigh, false, "create export temp file", err, nil)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := e.Exec(ctx, fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(tmpPath, "'", "''"))); err != nil {
		return nil, errs.Wrap(errs.Persistence, "", errs.SeverityHigh, false, "vacuum into export file", err, nil)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, errs.Wrap(errs.Persistence, "", errs.SeverityHigh, false, "read export file", err, nil)
	}
	return data, nil
}

// sqliteMagic is the file header every valid SQLite database file starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

// Import validates the header and opens data as the new engine file,
// replacing or merging depending on overwrite. Merge (overwrite=false) attaches
// the imported file and copies rows table-by-table; replace closes and swaps
// the underlying file.
func (e *Engine) Import(ctx context.Context, data []byte, overwrite bool) error {
	if !bytes.HasPrefix(data, sqliteMagic) {
		return errs.New(errs.Persistence, "", errs.SeverityHigh, false, "invalid import header", map[string]any{"reason": "IMPORT_ERROR"})
	}

	tmp, err := os.CreateTemp("", "engram-import-*.db")
	if err != nil {
		return errs.Wrap(errs.Persistence, "", errs.SeverityHigh, false, "create import temp file", err, nil)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		_ = tmp.Close()
		return errs.Wrap(errs.Persistence, "", errs.SeverityHigh, false, "write import temp file", err, nil)
	}
	_ = tmp.Close()

	if overwrite {
		return e.replaceFrom(tmpPath)
	}
	return e.mergeFrom(ctx, tmpPath)
}

func (e *Engine) replaceFrom(tmpPath string) error {
	if err := e.Close(); err != nil {
		log.Warn().Err(err).Msg("close before import replace")
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return errs.Wrap(errs.Persistence, "", errs.SeverityCritical, false, "read import source", err, nil)
	}
	if err := os.WriteFile(e.path, data, 0o600); err != nil {
		return errs.Wrap(errs.Persistence, "", errs.SeverityCritical, false, "write engine file", err, nil)
	}
	reopened, err := Open(Config{Path: e.path})
	if err != nil {
		return err
	}
	*e = *reopened
	return nil
}

func (e *Engine) mergeFrom(ctx context.Context, tmpPath string) error {
	attachQ := fmt.Sprintf("ATTACH DATABASE '%s' AS import_src", strings.ReplaceAll(tmpPath, "'", "''"))
	if _, err := e.Exec(ctx, attachQ); err != nil {
		return errs.Wrap(errs.Persistence, "", errs.SeverityHigh, false, "attach import source", err, nil)
	}
	defer func() { _, _ = e.Exec(ctx, "DETACH DATABASE import_src") }()

	rows, err := e.Select(ctx, "SELECT name FROM import_src.sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE '%_fts%'")
	if err != nil {
		return errs.Wrap(errs.Persistence, "", errs.SeverityHigh, false, "enumerate import tables", err, nil)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}

	return e.WithTx(ctx, func(ctx context.Context) error {
		for _, t := range tables {
			q := fmt.Sprintf("INSERT OR IGNORE INTO %s SELECT * FROM import_src.%s", t, t)
			if _, err := e.Exec(ctx, q); err != nil {
				return errs.Wrap(errs.Persistence, "", errs.SeverityMedium, false, "merge table "+t, err, nil)
			}
		}
		return nil
	})
}

// Ping verifies the connection is alive.
func (e *Engine) Ping() error { return e.db.Ping() }

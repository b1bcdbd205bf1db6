package store

import (
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NowExpr() string { return "datetime('now')" }

func (d *SQLiteDialect) IntervalDeleteExpr(createdAtCol string, days int) string {
	return fmt.Sprintf("%s < datetime('now', '-%d days')", createdAtCol, days)
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _tables (
    id          TEXT PRIMARY KEY,
    base_id     TEXT NOT NULL,
    name        TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tables_base ON _tables (base_id);

CREATE TABLE IF NOT EXISTS _fields (
    id          TEXT PRIMARY KEY,
    table_id    TEXT NOT NULL REFERENCES _tables(id) ON DELETE CASCADE,
    definition  TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_fields_table ON _fields (table_id);

CREATE TABLE IF NOT EXISTS _oplog (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    transaction_key TEXT,
    collection      TEXT NOT NULL,
    doc_id          TEXT NOT NULL,
    ops             TEXT,
    deleted         INTEGER DEFAULT 0,
    doc_version     INTEGER NOT NULL,
    created_at      TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_oplog_tx ON _oplog (transaction_key);
CREATE INDEX IF NOT EXISTS idx_oplog_doc ON _oplog (collection, doc_id);

CREATE TABLE IF NOT EXISTS _events (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    trace_id       TEXT,
    span_id        TEXT,
    parent_span_id TEXT,
    event_type     TEXT,
    source         TEXT,
    component      TEXT,
    action         TEXT,
    table_id       TEXT,
    record_id      TEXT,
    duration_ms    REAL,
    status         TEXT,
    metadata       TEXT,
    created_at     TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON _events (trace_id);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events (created_at);
`

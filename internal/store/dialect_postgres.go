package store

import (
	"fmt"
	"strings"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NowExpr() string { return "NOW()" }

func (d *PostgresDialect) IntervalDeleteExpr(createdAtCol string, days int) string {
	return fmt.Sprintf("%s < now() - interval '%d days'", createdAtCol, days)
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	// With pgx/stdlib the error message carries the PG code.
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _tables (
    id          TEXT PRIMARY KEY,
    base_id     TEXT NOT NULL,
    name        TEXT NOT NULL,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tables_base ON _tables (base_id);

CREATE TABLE IF NOT EXISTS _fields (
    id          TEXT PRIMARY KEY,
    table_id    TEXT NOT NULL REFERENCES _tables(id) ON DELETE CASCADE,
    definition  JSONB NOT NULL,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_fields_table ON _fields (table_id);

CREATE TABLE IF NOT EXISTS _oplog (
    seq             BIGSERIAL PRIMARY KEY,
    transaction_key TEXT,
    collection      TEXT NOT NULL,
    doc_id          TEXT NOT NULL,
    ops             JSONB,
    deleted         BOOLEAN DEFAULT FALSE,
    doc_version     BIGINT NOT NULL,
    created_at      TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_oplog_tx ON _oplog (transaction_key);
CREATE INDEX IF NOT EXISTS idx_oplog_doc ON _oplog (collection, doc_id);

CREATE TABLE IF NOT EXISTS _events (
    id             BIGSERIAL PRIMARY KEY,
    trace_id       TEXT,
    span_id        TEXT,
    parent_span_id TEXT,
    event_type     TEXT,
    source         TEXT,
    component      TEXT,
    action         TEXT,
    table_id       TEXT,
    record_id      TEXT,
    duration_ms    DOUBLE PRECISION,
    status         TEXT,
    metadata       JSONB,
    created_at     TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON _events (trace_id);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events (created_at);
`

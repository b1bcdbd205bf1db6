package store

import (
	"context"
	"encoding/json"
	"fmt"

	"lattice-backend/internal/docstore"
)

// OpLogWriter persists committed document-store transactions into the _oplog
// table for session catch-up and audit.
type OpLogWriter struct {
	db      Querier
	dialect Dialect
}

func NewOpLogWriter(db Querier, dialect Dialect) *OpLogWriter {
	return &OpLogWriter{db: db, dialect: dialect}
}

// Append implements docstore.Persister.
func (w *OpLogWriter) Append(ctx context.Context, entry docstore.LogEntry) error {
	var opsJSON any
	if entry.Ops != nil {
		b, err := json.Marshal(entry.Ops)
		if err != nil {
			return fmt.Errorf("marshal ops: %w", err)
		}
		opsJSON = string(b)
	}

	pb := w.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO _oplog (transaction_key, collection, doc_id, ops, deleted, doc_version) VALUES (%s, %s, %s, %s, %s, %s)`,
		pb.Add(entry.TransactionKey), pb.Add(entry.Collection), pb.Add(entry.DocID),
		pb.Add(opsJSON), pb.Add(entry.Deleted), pb.Add(entry.Version),
	)
	if _, err := Exec(ctx, w.db, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("append oplog entry for %s/%s: %w", entry.Collection, entry.DocID, err)
	}
	return nil
}

package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// querier is the subset of database/sql used by the loader. Satisfied by
// *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LoadAll reads all tables and field definitions from the database and
// populates the registry. Called at startup and after structural admin
// mutations.
func LoadAll(ctx context.Context, q querier, reg *Registry) error {
	tables, err := loadTables(ctx, q)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}

	fields, err := loadFields(ctx, q)
	if err != nil {
		return fmt.Errorf("load fields: %w", err)
	}

	reg.Load(tables, fields)

	log.Printf("Loaded %d tables, %d fields into registry", len(tables), len(fields))
	return nil
}

func loadTables(ctx context.Context, q querier) ([]*Table, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, base_id, name FROM _tables ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []*Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.ID, &t.Base, &t.Name); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		tables = append(tables, &t)
	}
	return tables, rows.Err()
}

func loadFields(ctx context.Context, q querier) ([]*Field, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, table_id, definition FROM _fields ORDER BY table_id, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []*Field
	for rows.Next() {
		var id, tableID string
		var defJSON []byte
		if err := rows.Scan(&id, &tableID, &defJSON); err != nil {
			return nil, fmt.Errorf("scan field row: %w", err)
		}

		var f Field
		if err := json.Unmarshal(defJSON, &f); err != nil {
			log.Printf("WARN: skipping field %s (invalid JSON): %v", id, err)
			continue
		}
		f.ID = id
		f.Table = tableID
		if err := f.Validate(); err != nil {
			log.Printf("WARN: skipping field %s (invalid definition): %v", id, err)
			continue
		}
		fields = append(fields, &f)
	}
	return fields, rows.Err()
}

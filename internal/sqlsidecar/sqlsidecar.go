// Package sqlsidecar is an optional ad hoc SQL surface backed by
// mattn/go-sqlite3, kept entirely outside the engine's commit path: it is
// a read/write convenience for operators who want to run relational
// queries over a mirrored table, not a participant in the event log's
// durability or replay story. Disabled unless cfg.SQLSidecarPath is set.
package sqlsidecar

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Sidecar wraps a single sqlite3 database file.
type Sidecar struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite3 database at path and
// ensures its bookkeeping table exists.
func Open(path string) (*Sidecar, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlsidecar: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid pool contention errors

	const schema = `
CREATE TABLE IF NOT EXISTS mirrored_documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlsidecar: init schema: %w", err)
	}
	return &Sidecar{db: db}, nil
}

// MirrorDoc upserts one document's flattened JSON into the sidecar table,
// called by the API layer after a successful docstore write so operators
// can run SQL (joins, aggregates) over document data without touching the
// engine's own storage.
func (s *Sidecar) MirrorDoc(ctx context.Context, collection, id, docJSON string, revision int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mirrored_documents (collection, id, doc, revision) VALUES (?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET doc = excluded.doc, revision = excluded.revision`,
		collection, id, docJSON, revision)
	if err != nil {
		return fmt.Errorf("sqlsidecar: mirror doc: %w", err)
	}
	return nil
}

// ForgetDoc removes a mirrored document, called after a docstore delete.
func (s *Sidecar) ForgetDoc(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mirrored_documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("sqlsidecar: forget doc: %w", err)
	}
	return nil
}

// Exec runs an arbitrary write statement (INSERT/UPDATE/DELETE/DDL) and
// returns the number of rows affected, for the /v1/sql/exec debug
// endpoint.
func (s *Sidecar) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlsidecar: exec: %w", err)
	}
	return res.RowsAffected()
}

// Query runs an arbitrary read-only SQL statement and returns the rows as
// a slice of column-name-keyed maps, for the /v1/sql/query debug
// endpoint.
func (s *Sidecar) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsidecar: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlsidecar: columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlsidecar: scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Sidecar) Close() error {
	return s.db.Close()
}

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/function"
)

// SQLiteStore is a WAL-mode SQLite implementation of Store. It is safe for
// concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" selects an in-memory database.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		sqliteDDL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("catalog: init %q: %w", path, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS functions (
    name       TEXT PRIMARY KEY,
    source     BLOB NOT NULL DEFAULT x'',
    kind       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// Put inserts or replaces r.
func (s *SQLiteStore) Put(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO functions (name, source, kind, status, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		     source     = excluded.source,
		     kind       = excluded.kind,
		     status     = excluded.status,
		     updated_at = excluded.updated_at`,
		r.Name,
		nonNil(r.Source),
		string(r.Kind),
		r.Status.String(),
		stamp(r.UpdatedAt).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("catalog: put %q: %w", r.Name, err)
	}
	return nil
}

// Delete removes the record for name. Deleting a missing name is not an
// error.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM functions WHERE name = ?`, name); err != nil {
		return fmt.Errorf("catalog: delete %q: %w", name, err)
	}
	return nil
}

// List returns every record ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, source, kind, status, updated_at FROM functions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			r            Record
			kind, status string
			updated      string
		)
		if err := rows.Scan(&r.Name, &r.Source, &kind, &status, &updated); err != nil {
			return nil, fmt.Errorf("catalog: list scan: %w", err)
		}
		r.Kind = bpf.AttachKind(kind)
		// An unknown status reads as Empty and is not replayed.
		r.Status, _ = function.ParseStatus(status)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list rows: %w", err)
	}
	return recs, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

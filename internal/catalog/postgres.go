package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/function"
)

// PostgresStore is the PostgreSQL implementation of Store, for daemons that
// share one catalog across hosts managed together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pgxpool connection to connStr, pings the database and
// applies the schema.
func NewPostgres(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("catalog: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS bpffs_functions (
    name       TEXT        PRIMARY KEY,
    source     BYTEA       NOT NULL DEFAULT '',
    kind       TEXT        NOT NULL DEFAULT '',
    status     TEXT        NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

// Put inserts r or, on name conflict, updates every field.
func (s *PostgresStore) Put(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bpffs_functions (name, source, kind, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			source     = EXCLUDED.source,
			kind       = EXCLUDED.kind,
			status     = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		r.Name,
		nonNil(r.Source),
		string(r.Kind),
		r.Status.String(),
		stamp(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("catalog: put %q: %w", r.Name, err)
	}
	return nil
}

// PutBatch writes recs in a single round-trip.
func (s *PostgresStore) PutBatch(ctx context.Context, recs []Record) error {
	const query = `
		INSERT INTO bpffs_functions (name, source, kind, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			source     = EXCLUDED.source,
			kind       = EXCLUDED.kind,
			status     = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(query, r.Name, nonNil(r.Source), string(r.Kind), r.Status.String(), stamp(r.UpdatedAt))
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for _, r := range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("catalog: batch put %q: %w", r.Name, err)
		}
	}
	return nil
}

// Delete removes the record for name.
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bpffs_functions WHERE name = $1`, name); err != nil {
		return fmt.Errorf("catalog: delete %q: %w", name, err)
	}
	return nil
}

// List returns every record ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, source, kind, status, updated_at FROM bpffs_functions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			r            Record
			kind, status string
			updated      time.Time
		)
		if err := rows.Scan(&r.Name, &r.Source, &kind, &status, &updated); err != nil {
			return nil, fmt.Errorf("catalog: list scan: %w", err)
		}
		r.Kind = bpf.AttachKind(kind)
		r.Status, _ = function.ParseStatus(status)
		r.UpdatedAt = updated.UTC()
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

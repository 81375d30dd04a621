package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCorpusRegistry is the C4 corpus-CRUD backing store: a single
// shared "corpora" table, unlike the vector/sparse/graph legs which get one
// table per corpus. Corpus metadata is small and global, so there is no
// benefit to the per-corpus-table split those stores use for scale.
type PostgresCorpusRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresCorpusRegistry(pool *pgxpool.Pool) *PostgresCorpusRegistry {
	return &PostgresCorpusRegistry{pool: pool}
}

// EnsureTable creates the shared corpora table if absent.
func (s *PostgresCorpusRegistry) EnsureTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS corpora (
			corpus_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			root_path TEXT NOT NULL,
			description TEXT
		)`
	if err := execWithRetry(ctx, s.pool, ddl); err != nil {
		return fmt.Errorf("ensure corpora table: %w", err)
	}
	return nil
}

func (s *PostgresCorpusRegistry) UpsertCorpus(ctx context.Context, c Corpus) error {
	const q = `
		INSERT INTO corpora (corpus_id, name, root_path, description)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (corpus_id) DO UPDATE SET
			name = EXCLUDED.name,
			root_path = EXCLUDED.root_path,
			description = EXCLUDED.description`
	if err := execWithRetry(ctx, s.pool, q, c.CorpusID, c.Name, c.RootPath, c.Description); err != nil {
		return fmt.Errorf("upsert corpus %s: %w", c.CorpusID, err)
	}
	return nil
}

func (s *PostgresCorpusRegistry) ListCorpora(ctx context.Context) ([]Corpus, error) {
	rows, err := s.pool.Query(ctx, `SELECT corpus_id, name, root_path, COALESCE(description, '') FROM corpora ORDER BY corpus_id`)
	if err != nil {
		return nil, fmt.Errorf("list corpora: %w", err)
	}
	defer rows.Close()

	var out []Corpus
	for rows.Next() {
		var c Corpus
		if err := rows.Scan(&c.CorpusID, &c.Name, &c.RootPath, &c.Description); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresCorpusRegistry) DeleteCorpus(ctx context.Context, corpusID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM corpora WHERE corpus_id = $1`, corpusID); err != nil {
		return fmt.Errorf("delete corpus %s: %w", corpusID, err)
	}
	return nil
}

// GetCorpus returns ErrCorpusNotFound on a miss rather than a zero value, per
// the CorpusRegistry contract's no-auto-create rule.
func (s *PostgresCorpusRegistry) GetCorpus(ctx context.Context, corpusID string) (Corpus, error) {
	row := s.pool.QueryRow(ctx, `SELECT corpus_id, name, root_path, COALESCE(description, '') FROM corpora WHERE corpus_id = $1`, corpusID)
	var c Corpus
	if err := row.Scan(&c.CorpusID, &c.Name, &c.RootPath, &c.Description); err != nil {
		if err == pgx.ErrNoRows {
			return Corpus{}, ErrCorpusNotFound
		}
		return Corpus{}, fmt.Errorf("get corpus %s: %w", corpusID, err)
	}
	return c, nil
}

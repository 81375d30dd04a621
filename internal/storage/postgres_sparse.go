package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSparseStore is the C4 sparse leg backing store: a tsvector column
// plus GIN index on each corpus's chunks table, scored with ts_rank as a
// BM25-like measure. A pg_search_available probe lets callers skip this leg
// cleanly when the extension or table is absent rather than fail the whole
// request.
type PostgresSparseStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSparseStore(pool *pgxpool.Pool) *PostgresSparseStore {
	return &PostgresSparseStore{pool: pool}
}

// EnsureFTSColumn adds a generated tsvector column and GIN index to
// corpusID's chunks table if not already present.
func (s *PostgresSparseStore) EnsureFTSColumn(ctx context.Context, corpusID, languageConfig string) error {
	if languageConfig == "" {
		languageConfig = "english"
	}
	tbl := tableName(corpusID)
	addCol := fmt.Sprintf(`
		ALTER TABLE %s ADD COLUMN IF NOT EXISTS content_tsv tsvector
		GENERATED ALWAYS AS (to_tsvector('%s', content)) STORED`, tbl, languageConfig)
	if err := execWithRetry(ctx, s.pool, addCol); err != nil {
		return fmt.Errorf("ensure fts column on %s: %w", tbl, err)
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_tsv_idx ON %s USING GIN (content_tsv)", tbl, tbl)
	if err := execWithRetry(ctx, s.pool, idx); err != nil {
		return fmt.Errorf("ensure gin index on %s: %w", tbl, err)
	}
	return nil
}

// UpsertFTS is a no-op beyond EnsureFTSColumn: the tsvector column is
// generated from content already written by UpsertEmbeddings, so there is
// nothing additional to persist once the column/index exist.
func (s *PostgresSparseStore) UpsertFTS(ctx context.Context, corpusID string, chunks []Chunk, languageConfig string) error {
	return s.EnsureFTSColumn(ctx, corpusID, languageConfig)
}

func queryFunc(mode BM25Mode) string {
	switch mode {
	case BM25Phrase:
		return "phraseto_tsquery"
	case BM25Boolean:
		return "to_tsquery"
	default:
		return "plainto_tsquery"
	}
}

// BM25Search ranks chunks by ts_rank against the parsed query, surfacing
// the rank verbatim as ChunkMatch.Score.
func (s *PostgresSparseStore) BM25Search(ctx context.Context, corpusID, queryText string, k int, mode BM25Mode) ([]ChunkMatch, error) {
	tbl := tableName(corpusID)
	fn := queryFunc(mode)
	q := fmt.Sprintf(`
		SELECT chunk_id, content, file_path, start_line, end_line, COALESCE(language, ''), token_count,
			ts_rank(content_tsv, %s('english', $1)) AS rank
		FROM %s
		WHERE content_tsv @@ %s('english', $1)
		ORDER BY rank DESC
		LIMIT $2`, fn, tbl, fn)

	rows, err := s.pool.Query(ctx, q, queryText, k)
	if err != nil {
		return nil, fmt.Errorf("bm25 search on %s: %w", tbl, err)
	}
	defer rows.Close()

	var out []ChunkMatch
	for rows.Next() {
		var m ChunkMatch
		if err := rows.Scan(&m.ChunkID, &m.Content, &m.FilePath, &m.StartLine, &m.EndLine, &m.Language, &m.TokenCount, &m.Score); err != nil {
			return nil, err
		}
		m.Source = SourceSparse
		m.Metadata = map[string]any{"corpus_id": corpusID}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PGSearchAvailable probes for the tsvector search capability by checking
// that pg_proc lists a to_tsvector function; on absence the sparse leg
// returns no matches instead of failing the request.
func (s *PostgresSparseStore) PGSearchAvailable(ctx context.Context) bool {
	var ok bool
	err := s.pool.QueryRow(ctx, "SELECT true FROM pg_proc WHERE proname = 'to_tsvector' LIMIT 1").Scan(&ok)
	return err == nil && ok
}

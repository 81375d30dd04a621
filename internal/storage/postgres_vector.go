package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
)

// VectorMetric selects the distance operator backing KNN search.
type VectorMetric string

const (
	MetricCosine    VectorMetric = "cosine"
	MetricInnerProd VectorMetric = "inner_product"
)

func (m VectorMetric) ivfflatOpClass() string {
	if m == MetricInnerProd {
		return "vector_ip_ops"
	}
	return "vector_cosine_ops"
}

func (m VectorMetric) distanceOperator() string {
	if m == MetricInnerProd {
		return "<#>"
	}
	return "<=>"
}

// PostgresVectorStore is the C4 vector leg backing store: one
// chunks_<corpus_id> table per corpus, each with an ivfflat index over its
// embedding column. Generalized from a single shared "documents" table to
// per-corpus tables so corpora can carry independent dimensions and metrics.
type PostgresVectorStore struct {
	pool   *pgxpool.Pool
	metric VectorMetric
}

// NewPostgresVectorStore wraps an existing pool; callers own pool lifecycle.
func NewPostgresVectorStore(pool *pgxpool.Pool, metric VectorMetric) *PostgresVectorStore {
	if metric == "" {
		metric = MetricCosine
	}
	return &PostgresVectorStore{pool: pool, metric: metric}
}

func tableName(corpusID string) string {
	return fmt.Sprintf("chunks_%s", sanitizeIdent(corpusID))
}

// sanitizeIdent keeps corpus-derived identifiers safe to interpolate into
// DDL: only lowercase ascii, digits, and underscore survive. Callers are
// expected to validate corpus_id slugs upstream (C10); this is a defensive
// second layer, not the primary validation point.
func sanitizeIdent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+32)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "default"
	}
	return string(out)
}

// execWithRetry executes a DDL/DML statement, retrying any failure up to
// three attempts with linear backoff. Ported from the sefii engine's retry
// helper; the final error is a plain wrapped error, not an errs type.
func execWithRetry(ctx context.Context, pool *pgxpool.Pool, sqlStmt string, args ...any) error {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = pool.Exec(ctx, sqlStmt, args...)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max_retries", maxRetries).Msg("postgres exec failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return fmt.Errorf("postgres exec failed after %d retries: %w", maxRetries, err)
}

// EnsureTable creates chunks_<corpus_id> (if absent) with an ivfflat index
// matching the configured metric, sized for embeddingDim.
func (s *PostgresVectorStore) EnsureTable(ctx context.Context, corpusID string, embeddingDim int) error {
	tbl := tableName(corpusID)
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			content TEXT NOT NULL,
			start_line INT NOT NULL,
			end_line INT NOT NULL,
			language TEXT,
			token_count INT NOT NULL,
			chunk_ordinal INT,
			parent_doc_id TEXT,
			embedding vector(%d) NOT NULL
		)`, tbl, embeddingDim)
	if err := execWithRetry(ctx, s.pool, createTable); err != nil {
		return fmt.Errorf("ensure table %s: %w", tbl, err)
	}

	idx := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding %s) WITH (lists = 100)",
		tbl, tbl, s.metric.ivfflatOpClass(),
	)
	if err := execWithRetry(ctx, s.pool, idx); err != nil {
		return fmt.Errorf("ensure ivfflat index on %s: %w", tbl, err)
	}
	return nil
}

// UpsertEmbeddings persists chunks (each must carry a populated Embedding)
// into corpusID's table.
func (s *PostgresVectorStore) UpsertEmbeddings(ctx context.Context, corpusID string, chunks []Chunk) error {
	tbl := tableName(corpusID)
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("upsert embeddings: chunk %s has no embedding", c.ChunkID)
		}
		ordinal, _ := c.Metadata["chunk_ordinal"].(int)
		parentDocID, _ := c.Metadata["parent_doc_id"].(string)
		q := fmt.Sprintf(`
			INSERT INTO %s (chunk_id, file_path, content, start_line, end_line, language, token_count, chunk_ordinal, parent_doc_id, embedding)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (chunk_id) DO UPDATE SET
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				token_count = EXCLUDED.token_count
		`, tbl)
		if err := execWithRetry(ctx, s.pool, q,
			c.ChunkID, c.FilePath, c.Content, c.StartLine, c.EndLine,
			nullableString(c.Language), c.TokenCount, nullableOrdinal(ordinal, c.Metadata),
			nullableString(parentDocID), pgvector.NewVector(c.Embedding),
		); err != nil {
			return fmt.Errorf("upsert embedding for %s: %w", c.ChunkID, err)
		}
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableOrdinal(v int, meta map[string]any) any {
	if _, ok := meta["chunk_ordinal"]; !ok {
		return nil
	}
	return v
}

// KNN returns the k nearest chunks to queryEmbedding under the store's
// configured metric; distances follow the chosen operator convention
// (smaller is closer for both cosine distance and negative inner product).
func (s *PostgresVectorStore) KNN(ctx context.Context, corpusID string, queryEmbedding []float32, k int) ([]KNNResult, error) {
	tbl := tableName(corpusID)
	op := s.metric.distanceOperator()
	q := fmt.Sprintf(
		"SELECT chunk_id, embedding %s $1 AS distance FROM %s ORDER BY embedding %s $1 LIMIT $2",
		op, tbl, op,
	)
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(queryEmbedding), k)
	if err != nil {
		return nil, fmt.Errorf("knn query on %s: %w", tbl, err)
	}
	defer rows.Close()

	var out []KNNResult
	for rows.Next() {
		var r KNNResult
		if err := rows.Scan(&r.ChunkID, &r.Distance); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetChunks hydrates full chunk rows for a set of chunk ids; used by
// VectorLeg to turn KNN's (chunk_id, distance) contract into ChunkMatch
// values without widening the KNN contract itself.
func (s *PostgresVectorStore) GetChunks(ctx context.Context, corpusID string, chunkIDs []string) (map[string]Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	tbl := tableName(corpusID)
	q := fmt.Sprintf(`
		SELECT chunk_id, content, file_path, start_line, end_line, COALESCE(language, ''), token_count, chunk_ordinal, parent_doc_id
		FROM %s WHERE chunk_id = ANY($1)`, tbl)
	rows, err := s.pool.Query(ctx, q, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("get chunks on %s: %w", tbl, err)
	}
	defer rows.Close()

	out := make(map[string]Chunk, len(chunkIDs))
	for rows.Next() {
		var c Chunk
		var ordinal *int
		var parentDocID *string
		if err := rows.Scan(&c.ChunkID, &c.Content, &c.FilePath, &c.StartLine, &c.EndLine, &c.Language, &c.TokenCount, &ordinal, &parentDocID); err != nil {
			return nil, err
		}
		c.Metadata = map[string]any{}
		if ordinal != nil {
			c.Metadata["chunk_ordinal"] = *ordinal
		}
		if parentDocID != nil {
			c.Metadata["parent_doc_id"] = *parentDocID
		}
		out[c.ChunkID] = c
	}
	return out, rows.Err()
}

// FetchChunkByOrdinal fetches the chunk with chunkOrdinal in parentDocID,
// used by fusion's neighbor expansion stage.
func (s *PostgresVectorStore) FetchChunkByOrdinal(ctx context.Context, corpusID, parentDocID string, chunkOrdinal int) (Chunk, bool, error) {
	tbl := tableName(corpusID)
	q := fmt.Sprintf(`
		SELECT chunk_id, content, file_path, start_line, end_line, language, token_count, chunk_ordinal, parent_doc_id
		FROM %s WHERE parent_doc_id = $1 AND chunk_ordinal = $2`, tbl)
	row := s.pool.QueryRow(ctx, q, parentDocID, chunkOrdinal)

	var c Chunk
	var lang, pdid *string
	var ordinal *int
	if err := row.Scan(&c.ChunkID, &c.Content, &c.FilePath, &c.StartLine, &c.EndLine, &lang, &c.TokenCount, &ordinal, &pdid); err != nil {
		if err == pgx.ErrNoRows {
			return Chunk{}, false, nil
		}
		return Chunk{}, false, err
	}
	c.Metadata = map[string]any{}
	if lang != nil {
		c.Language = *lang
	}
	if ordinal != nil {
		c.Metadata["chunk_ordinal"] = *ordinal
	}
	if pdid != nil {
		c.Metadata["parent_doc_id"] = *pdid
	}
	return c, true, nil
}

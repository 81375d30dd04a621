package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PostgresGraphStore is the C4 graph leg backing store: an edges table per
// corpus (subject_entity, predicate, object_entity, weight, chunk_id)
// derived from the same corpus as the vector/sparse legs. Traversal is a
// bounded breadth-first walk from seed entities, executed as a recursive
// CTE so depth-bounding happens in the database rather than in a loop of
// round trips.
type PostgresGraphStore struct {
	pool pgxQueryer
}

// pgxQueryer is the minimal subset of *pgxpool.Pool this store needs; kept
// as an interface so tests can swap in a fake without a live database.
// *pgxpool.Pool satisfies it directly since pgx.Rows is itself an interface.
type pgxQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func NewPostgresGraphStore(pool pgxQueryer) *PostgresGraphStore {
	return &PostgresGraphStore{pool: pool}
}

func edgesTableName(corpusID string) string {
	return fmt.Sprintf("graph_edges_%s", sanitizeIdent(corpusID))
}

// GraphSearch walks up to depth hops from seedEntities, scoring each reached
// chunk 1/(depth+1) * edge_weight (summed over paths that reach it), and
// returns the top k as ChunkMatch with source=graph.
func (s *PostgresGraphStore) GraphSearch(ctx context.Context, corpusID string, seedEntities []string, depth, k int) ([]ChunkMatch, error) {
	if len(seedEntities) == 0 {
		return nil, nil
	}
	tbl := edgesTableName(corpusID)
	q := fmt.Sprintf(`
		WITH RECURSIVE walk(entity, hop, weight_acc, chunk_id) AS (
			SELECT e.object_entity, 1, e.weight, e.chunk_id
			FROM %s e
			WHERE e.subject_entity = ANY($1)
			UNION ALL
			SELECT e.object_entity, w.hop + 1, w.weight_acc * e.weight, e.chunk_id
			FROM %s e
			JOIN walk w ON e.subject_entity = w.entity
			WHERE w.hop < $2
		)
		SELECT c.chunk_id, c.content, c.file_path, c.start_line, c.end_line, COALESCE(c.language, ''), c.token_count,
			SUM(w.weight_acc / (w.hop + 1)) AS score
		FROM walk w
		JOIN %s c ON c.chunk_id = w.chunk_id
		GROUP BY c.chunk_id, c.content, c.file_path, c.start_line, c.end_line, c.language, c.token_count
		ORDER BY score DESC
		LIMIT $3`, tbl, tbl, tableName(corpusID))

	rows, err := s.pool.Query(ctx, q, seedEntities, depth, k)
	if err != nil {
		return nil, fmt.Errorf("graph search on %s: %w", tbl, err)
	}
	defer rows.Close()

	var out []ChunkMatch
	for rows.Next() {
		var m ChunkMatch
		if err := rows.Scan(&m.ChunkID, &m.Content, &m.FilePath, &m.StartLine, &m.EndLine, &m.Language, &m.TokenCount, &m.Score); err != nil {
			return nil, err
		}
		m.Source = SourceGraph
		m.Metadata = map[string]any{"corpus_id": corpusID}
		out = append(out, m)
	}
	return out, rows.Err()
}

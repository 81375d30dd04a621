// Package retrieval implements the three per-leg retrievers (C5): vector,
// sparse, and graph, each a thin adapter from storage.*Store onto the
// common Leg interface fusion fans out over.
package retrieval

import (
	"context"
	"fmt"

	"github.com/tribrid/fusionengine/internal/storage"
)

// QueryEmbedder produces a query embedding for the vector leg; implemented
// by whatever embedding client the caller wires (remote API or local model).
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config carries the per-corpus retrieval knobs each leg consults.
type Config struct {
	TopK       int              `yaml:"top_k" json:"top_k"`
	BM25Mode   storage.BM25Mode `yaml:"bm25_mode" json:"bm25_mode"`
	GraphDepth int              `yaml:"graph_depth" json:"graph_depth"`
}

// Leg is the common per-retriever capability fusion fans out over.
type Leg interface {
	Search(ctx context.Context, corpusID, query string, cfg Config) ([]storage.ChunkMatch, error)
}

// VectorLeg converts KNN distances to a similarity score (1 - cosine
// distance for the cosine metric; callers using inner product should
// interpret the resulting score accordingly since similarity there is
// unbounded).
type VectorLeg struct {
	Store    storage.VectorStore
	Embedder QueryEmbedder
}

func (l *VectorLeg) Search(ctx context.Context, corpusID, query string, cfg Config) ([]storage.ChunkMatch, error) {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}
	queryEmbedding, err := l.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector leg embed query: %w", err)
	}
	results, err := l.Store.KNN(ctx, corpusID, queryEmbedding, topK)
	if err != nil {
		return nil, fmt.Errorf("vector leg knn: %w", err)
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	hydrator, ok := l.Store.(chunkHydrator)
	var chunks map[string]storage.Chunk
	if ok {
		chunks, err = hydrator.GetChunks(ctx, corpusID, ids)
		if err != nil {
			return nil, fmt.Errorf("vector leg hydrate chunks: %w", err)
		}
	}

	out := make([]storage.ChunkMatch, 0, len(results))
	for _, r := range results {
		sim := 1 - r.Distance
		chunk, found := chunks[r.ChunkID]
		if !found {
			chunk = storage.Chunk{ChunkID: r.ChunkID}
		}
		m, err := storage.NewChunkMatch(chunk, sim, storage.SourceVector, corpusID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// chunkHydrator is implemented by storage.PostgresVectorStore to turn the
// KNN contract's bare (chunk_id, distance) pairs into full chunk rows.
type chunkHydrator interface {
	GetChunks(ctx context.Context, corpusID string, chunkIDs []string) (map[string]storage.Chunk, error)
}

// SparseLeg surfaces the BM25/ts_rank score verbatim.
type SparseLeg struct {
	Store storage.SparseStore
}

func (l *SparseLeg) Search(ctx context.Context, corpusID, query string, cfg Config) ([]storage.ChunkMatch, error) {
	if !l.Store.PGSearchAvailable(ctx) {
		return nil, nil // optional backend missing: skip cleanly with no matches, not an error
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}
	mode := cfg.BM25Mode
	if mode == "" {
		mode = storage.BM25Plain
	}
	return l.Store.BM25Search(ctx, corpusID, query, topK, mode)
}

// GraphLeg assigns a bounded score via storage.PostgresGraphStore's
// 1/(depth+1) * edge_weight walk; seed entity extraction from the query
// text is the caller's responsibility (e.g. an NER pass upstream), passed
// in via SeedEntities.
type GraphLeg struct {
	Store        storage.GraphStore
	SeedEntities func(query string) []string
}

func (l *GraphLeg) Search(ctx context.Context, corpusID, query string, cfg Config) ([]storage.ChunkMatch, error) {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}
	depth := cfg.GraphDepth
	if depth <= 0 {
		depth = 2
	}
	var seeds []string
	if l.SeedEntities != nil {
		seeds = l.SeedEntities(query)
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	return l.Store.GraphSearch(ctx, corpusID, seeds, depth, topK)
}

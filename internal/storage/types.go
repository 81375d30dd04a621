// Package storage defines the data model shared by every storage backend
// and retrieval leg (Chunk, ChunkMatch, Corpus), plus the contract-only
// interfaces (C4) that the vector, sparse, and graph stores implement.
// Concrete implementations (PostgresVectorStore, PostgresSparseStore,
// RedisQueryCache) live alongside the interfaces in this package.
package storage

import (
	"context"
	"fmt"

	"github.com/tribrid/fusionengine/internal/errs"
)

// Source identifies which retrieval leg produced a ChunkMatch. "neighbor" is
// deliberately not a member: neighbor-expanded matches retain their seed's
// source and are distinguished only by metadata.neighbor_of.
type Source string

const (
	SourceVector Source = "vector"
	SourceSparse Source = "sparse"
	SourceGraph  Source = "graph"
)

// Valid reports whether s is one of the three retrieval legs.
func (s Source) Valid() bool {
	switch s {
	case SourceVector, SourceSparse, SourceGraph:
		return true
	default:
		return false
	}
}

// Chunk is a contiguous span of one document, line/char anchored, produced
// by the Chunker or Late-Chunk Embedder and read-only once persisted.
type Chunk struct {
	ChunkID    string
	Content    string
	FilePath   string
	StartLine  int // 1-based, inclusive
	EndLine    int // inclusive
	Language   string
	TokenCount int
	Embedding  []float32 // nil unless populated by an embedder
	Metadata   map[string]any
}

// Validate enforces the Chunk invariants from the data model: line ordering,
// char-span ordering, and (when maxChunkTokens > 0) the token budget.
func (c Chunk) Validate(maxChunkTokens int) error {
	if c.StartLine < 1 || c.EndLine < c.StartLine {
		return errs.NewConfigError("chunk", fmt.Sprintf("invalid line span [%d,%d] for %s", c.StartLine, c.EndLine, c.ChunkID))
	}
	if cs, ce, ok := charSpan(c.Metadata); ok && cs > ce {
		return errs.NewConfigError("chunk", fmt.Sprintf("char_start %d > char_end %d for %s", cs, ce, c.ChunkID))
	}
	if maxChunkTokens > 0 && c.TokenCount > maxChunkTokens {
		return errs.NewConfigError("chunk", fmt.Sprintf("token_count %d exceeds max_chunk_tokens %d for %s", c.TokenCount, maxChunkTokens, c.ChunkID))
	}
	return nil
}

func charSpan(meta map[string]any) (start, end int, ok bool) {
	s, sok := meta["char_start"].(int)
	e, eok := meta["char_end"].(int)
	if !sok || !eok {
		return 0, 0, false
	}
	return s, e, true
}

// ChunkMatch is a Chunk retrieved and annotated with ranking context. It
// never carries the raw embedding (that stays server-side in the store).
type ChunkMatch struct {
	ChunkID    string         `json:"chunk_id"`
	Content    string         `json:"content"`
	FilePath   string         `json:"file_path"`
	StartLine  int            `json:"start_line"`
	EndLine    int            `json:"end_line"`
	Language   string         `json:"language,omitempty"`
	TokenCount int            `json:"token_count,omitempty"`
	Score      float64        `json:"score"`
	Source     Source         `json:"source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewChunkMatch constructs a ChunkMatch, rejecting an invalid source
// up-front (constructing with source="neighbor" must fail validation).
func NewChunkMatch(c Chunk, score float64, source Source, corpusID string) (ChunkMatch, error) {
	if !source.Valid() {
		return ChunkMatch{}, errs.NewConfigError("source", fmt.Sprintf("invalid ChunkMatch source %q", source))
	}
	meta := cloneMeta(c.Metadata)
	meta["corpus_id"] = corpusID
	return ChunkMatch{
		ChunkID:    c.ChunkID,
		Content:    c.Content,
		FilePath:   c.FilePath,
		StartLine:  c.StartLine,
		EndLine:    c.EndLine,
		Language:   c.Language,
		TokenCount: c.TokenCount,
		Score:      score,
		Source:     source,
		Metadata:   meta,
	}, nil
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Corpus is a named logical document collection.
type Corpus struct {
	CorpusID    string
	Name        string
	RootPath    string
	Description string
}

// ErrCorpusNotFound is returned by CorpusRegistry.GetCorpus and related
// lookups for an unknown corpus id; callers must not auto-create on a miss.
var ErrCorpusNotFound = errs.NewConfigError("corpus_id", "unknown corpus")

// VectorStore is the C4 contract for the dense leg's backing store.
type VectorStore interface {
	UpsertEmbeddings(ctx context.Context, corpusID string, chunks []Chunk) error
	// KNN returns the k nearest chunk ids to queryEmbedding with their
	// distance under the store's configured metric (cosine or inner
	// product).
	KNN(ctx context.Context, corpusID string, queryEmbedding []float32, k int) ([]KNNResult, error)
}

// KNNResult pairs a chunk id with its distance from a KNN query.
type KNNResult struct {
	ChunkID  string
	Distance float64
}

// BM25Mode selects how the sparse store parses a query string.
type BM25Mode string

const (
	BM25Plain    BM25Mode = "plain"
	BM25Phrase   BM25Mode = "phrase"
	BM25Boolean  BM25Mode = "boolean"
)

// SparseStore is the C4 contract for the lexical leg's backing store.
type SparseStore interface {
	UpsertFTS(ctx context.Context, corpusID string, chunks []Chunk, languageConfig string) error
	BM25Search(ctx context.Context, corpusID, queryText string, k int, mode BM25Mode) ([]ChunkMatch, error)
	// PGSearchAvailable reports whether the BM25-capable extension is
	// installed; callers use this to skip the leg cleanly rather than fail
	// the request when the extension is absent.
	PGSearchAvailable(ctx context.Context) bool
}

// GraphStore is the C4 contract for the graph leg's backing store.
type GraphStore interface {
	GraphSearch(ctx context.Context, corpusID string, seedEntities []string, depth, k int) ([]ChunkMatch, error)
}

// CorpusRegistry is the C4 contract for corpus CRUD. GetCorpus must fail
// with ErrCorpusNotFound for an unknown id without creating it.
type CorpusRegistry interface {
	UpsertCorpus(ctx context.Context, c Corpus) error
	ListCorpora(ctx context.Context) ([]Corpus, error)
	DeleteCorpus(ctx context.Context, corpusID string) error
	GetCorpus(ctx context.Context, corpusID string) (Corpus, error)
}

// ConversationStore is the C4 contract for chat history persistence backing
// GET/DELETE /api/chat/history/{conversation_id}.
type ConversationStore interface {
	AppendMessage(ctx context.Context, conversationID string, msg ConversationMessage) error
	GetHistory(ctx context.Context, conversationID string) ([]ConversationMessage, bool, error)
	DeleteHistory(ctx context.Context, conversationID string) (bool, error)
}

// TraceReader is the C4 contract GET /api/traces/latest reads through.
type TraceReader interface {
	GetTrace(ctx context.Context, runID string) ([]byte, bool)
	GetLatestRunID(ctx context.Context, repo string) (string, bool)
}

// Package lateembed implements the late-chunking embedder (C3): embed an
// entire document in a single forward pass, then mean-pool and L2-normalize
// per chunk span, rather than embedding each chunk independently.
package lateembed

import (
	"context"
	"fmt"
	"math"

	"github.com/tribrid/fusionengine/internal/errs"
	"github.com/tribrid/fusionengine/internal/storage"
	"github.com/tribrid/fusionengine/internal/tokenizer"
)

// ContextualModel is the caller-supplied local embedding model: a single
// forward pass over the whole (tokenized) document, returning one
// hidden-state vector per token. Implementations own model load/caching;
// this package only consumes the interface.
type ContextualModel interface {
	// HiddenSize reports the model's embedding dimensionality.
	HiddenSize() int
	// Forward runs the model over tokenIDs and returns one vector of
	// length HiddenSize() per input token.
	Forward(ctx context.Context, tokenIDs []int) ([][]float32, error)
}

// Config is the embedding-section fields relevant to late chunking.
type Config struct {
	EmbeddingDim             int `yaml:"embedding_dim" json:"embedding_dim"` // 0 means "accept whatever the model reports"
	LateChunkingMaxDocTokens int `yaml:"late_chunking_max_doc_tokens" json:"late_chunking_max_doc_tokens"`
	EmbeddingMaxTokens       int `yaml:"embedding_max_tokens" json:"embedding_max_tokens"`
	TargetTokens             int `yaml:"target_tokens" json:"target_tokens"` // chunk span step size, identical to fixed_tokens
	OverlapTokens            int `yaml:"overlap_tokens" json:"overlap_tokens"`
}

// Embedder pools a single whole-document forward pass into one embedding
// per chunk span.
type Embedder struct {
	cfg   Config
	model ContextualModel
	tok   *tokenizer.Tokenizer
}

func New(cfg Config, model ContextualModel, tok *tokenizer.Tokenizer) (*Embedder, error) {
	if cfg.EmbeddingDim != 0 && cfg.EmbeddingDim != model.HiddenSize() {
		return nil, errs.NewConfigError("embedding_dim",
			fmt.Sprintf("configured embedding_dim=%d disagrees with model hidden size=%d", cfg.EmbeddingDim, model.HiddenSize()))
	}
	return &Embedder{cfg: cfg, model: model, tok: tok}, nil
}

// EmbedDocument tokenizes content once, runs the model once, and returns one
// chunk per target/overlap-token window with a pooled, L2-normalized
// embedding. Requires a tokenizer capable of offset mapping (TokenizeWithOffsets).
func (e *Embedder) EmbedDocument(ctx context.Context, filePath, content string) ([]storage.Chunk, error) {
	r := e.tok.TokenizeWithOffsets(content)
	maxDocTokens := e.cfg.LateChunkingMaxDocTokens
	if e.cfg.EmbeddingMaxTokens > 0 && (maxDocTokens == 0 || e.cfg.EmbeddingMaxTokens < maxDocTokens) {
		maxDocTokens = e.cfg.EmbeddingMaxTokens
	}
	tokenIDs := r.TokenIDs
	if maxDocTokens > 0 && len(tokenIDs) > maxDocTokens {
		tokenIDs = tokenIDs[:maxDocTokens]
		r.TokenStarts = r.TokenStarts[:maxDocTokens]
	}
	if len(tokenIDs) == 0 {
		return nil, nil
	}

	hidden, err := e.model.Forward(ctx, tokenIDs)
	if err != nil {
		return nil, fmt.Errorf("late chunking forward pass: %w", err)
	}
	if len(hidden) != len(tokenIDs) {
		return nil, errs.NewFatal(fmt.Sprintf("model returned %d vectors for %d tokens", len(hidden), len(tokenIDs)))
	}

	target := e.cfg.TargetTokens
	if target <= 0 {
		target = 256
	}
	overlap := e.cfg.OverlapTokens
	if overlap >= target {
		overlap = target - 1
	}
	if overlap < 0 {
		overlap = 0
	}

	n := len(r.TokenStarts)
	var chunks []storage.Chunk
	ordinal := 0
	startTok := 0
	for startTok < n {
		endTok := startTok + target
		if endTok > n {
			endTok = n
		}
		startChar := r.TokenStarts[startTok]
		endChar := len(r.Text)
		if endTok < n {
			endChar = r.TokenStarts[endTok]
		}

		pooled := meanPool(hidden[startTok:endTok])
		l2Normalize(pooled)

		text := r.Text[startChar:endChar]
		chunks = append(chunks, storage.Chunk{
			ChunkID:    fmt.Sprintf("%s:late:%d:%d", filePath, ordinal, startChar),
			Content:    text,
			FilePath:   filePath,
			StartLine:  1,
			EndLine:    1,
			TokenCount: endTok - startTok,
			Embedding:  pooled,
			Metadata: map[string]any{
				"char_start":    startChar,
				"char_end":      endChar,
				"chunk_ordinal": ordinal,
				"parent_doc_id": filePath,
			},
		})
		ordinal++

		if endTok >= n {
			break
		}
		next := endTok - overlap
		if next <= startTok {
			next = startTok + 1
		}
		startTok = next
	}
	return chunks, nil
}

func meanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	out := make([]float32, dim)
	for _, v := range vectors {
		for i, x := range v {
			out[i] += x
		}
	}
	n := float32(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out
}

func l2Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

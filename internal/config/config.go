// Package config implements the validated, typed configuration snapshot
// (C10) every other component consumes: Tokenization, Chunking, Embedding,
// Retrieval, Fusion, Reranking, Chat, and Indexing sections, each reusing
// the section-owning package's own Config type rather than redeclaring its
// fields here.
package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/tribrid/fusionengine/internal/chat"
	"github.com/tribrid/fusionengine/internal/chunking"
	"github.com/tribrid/fusionengine/internal/fusion"
	"github.com/tribrid/fusionengine/internal/lateembed"
	"github.com/tribrid/fusionengine/internal/retrieval"
	"github.com/tribrid/fusionengine/internal/tokenizer"
)

// RerankingConfig is the reranking section: cross-encoder rescoring applied
// to the fused shortlist before truncate. The core contracts this knob but
// does not own the model; Enabled=false is the common case.
type RerankingConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ModelName  string `yaml:"model_name" json:"model_name"`
	TopN       int    `yaml:"top_n" json:"top_n"`
	YesTokenID int    `yaml:"yes_token_id" json:"yes_token_id"`
	NoTokenID  int    `yaml:"no_token_id" json:"no_token_id"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
}

// IndexingConfig is the indexing section: the corpus-ingestion backend
// connection info the core needs to materialize storage handles (C4), not
// ingestion policy (scheduling, file discovery) which stays a collaborator.
type IndexingConfig struct {
	PostgresDSN    string `yaml:"postgres_dsn" json:"postgres_dsn"`
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword  string `yaml:"redis_password" json:"redis_password"`
	RedisDB        int    `yaml:"redis_db" json:"redis_db"`
	EmbeddingDim   int    `yaml:"embedding_dim" json:"embedding_dim"`
	VectorMetric   string `yaml:"vector_metric" json:"vector_metric"` // "cosine" | "inner_product"
	LanguageConfig string `yaml:"language_config" json:"language_config"` // postgres text search config, e.g. "english"
}

// Snapshot is the full deeply-nested configuration tree, deserialized from
// YAML via gopkg.in/yaml.v2 and validated as a whole before use.
type Snapshot struct {
	Tokenization tokenizer.Config  `yaml:"tokenization" json:"tokenization"`
	Chunking     chunking.Config   `yaml:"chunking" json:"chunking"`
	Embedding    lateembed.Config  `yaml:"embedding" json:"embedding"`
	Retrieval    retrieval.Config  `yaml:"retrieval" json:"retrieval"`
	Fusion       fusion.Config     `yaml:"fusion" json:"fusion"`
	Reranking    RerankingConfig   `yaml:"reranking" json:"reranking"`
	Chat         chat.Config       `yaml:"chat" json:"chat"`
	Indexing     IndexingConfig    `yaml:"indexing" json:"indexing"`
}

// Default constructs the snapshot defaults are derived from: the
// section-owning packages' own defaults, composed. Defaults are the source
// of truth — every corpus overlay deep-merges over this.
func Default() Snapshot {
	return Snapshot{
		Tokenization: tokenizer.DefaultConfig(),
		Chunking:     chunking.DefaultConfig(),
		Embedding: lateembed.Config{
			LateChunkingMaxDocTokens: 8192,
			EmbeddingMaxTokens:       8192,
			TargetTokens:             256,
			OverlapTokens:            32,
		},
		Retrieval: retrieval.Config{
			TopK:       10,
			BM25Mode:   "plain",
			GraphDepth: 2,
		},
		Fusion: fusion.DefaultConfig(),
		Reranking: RerankingConfig{
			Enabled: false,
			TopN:    20,
		},
		Chat: chat.Config{
			SystemPromptBase:      "You are a helpful assistant.",
			RecallDefaultCorpusID: "recall_default",
			Temperature:           0.7,
			TemperatureNoRetrieval: 0.7,
			MaxTokens:             1024,
			StreamTimeout:         120_000_000_000, // 120s, in time.Duration nanoseconds
		},
		Indexing: IndexingConfig{
			VectorMetric:   "cosine",
			LanguageConfig: "english",
		},
	}
}

// Validate enforces every section constraint plus the cross-section
// agreement between embedding_dim and the indexing store's configured
// vector dimension.
func (s Snapshot) Validate() error {
	if err := s.Chunking.Validate(); err != nil {
		return err
	}
	if s.Indexing.EmbeddingDim != 0 && s.Embedding.EmbeddingDim != 0 && s.Indexing.EmbeddingDim != s.Embedding.EmbeddingDim {
		return fmt.Errorf("config: indexing.embedding_dim (%d) disagrees with embedding.embedding_dim (%d)", s.Indexing.EmbeddingDim, s.Embedding.EmbeddingDim)
	}
	switch s.Indexing.VectorMetric {
	case "", "cosine", "inner_product":
	default:
		return fmt.Errorf("config: indexing.vector_metric must be cosine or inner_product, got %q", s.Indexing.VectorMetric)
	}
	return nil
}

// LoadFile reads and validates a YAML snapshot from disk, logging and
// wrapping any failure the way the ambient logger reports operational
// errors elsewhere in this module.
func LoadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("config: read file failed")
		return Snapshot{}, fmt.Errorf("read config file: %w", err)
	}
	snap := Default()
	if err := yaml.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", path).Msg("config: unmarshal failed")
		return Snapshot{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

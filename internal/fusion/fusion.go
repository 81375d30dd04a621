// Package fusion implements tri-brid score fusion and result shaping (C6):
// concurrent per-leg fan-out, min-max normalization, RRF or weighted
// fusion, then a fixed shaping pipeline (dedup, per-file cap, MMR,
// neighbor expansion, truncate).
package fusion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tribrid/fusionengine/internal/retrieval"
	"github.com/tribrid/fusionengine/internal/storage"
)

// Method selects the fusion formula.
type Method string

const (
	MethodRRF      Method = "rrf"
	MethodWeighted Method = "weighted"
)

// DedupKey selects what Dedup collapses matches by.
type DedupKey string

const (
	DedupByChunkID  DedupKey = "chunk_id"
	DedupByFilePath DedupKey = "file_path"
)

// Config is the fusion section of the configuration snapshot (C10).
type Config struct {
	Method         Method                      `yaml:"method" json:"method"`
	RRFK           int                         `yaml:"rrf_k" json:"rrf_k"`
	Weights        map[storage.Source]float64  `yaml:"weights" json:"weights"` // optional; equal weights over enabled legs if unset
	DedupBy        DedupKey                    `yaml:"dedup_by" json:"dedup_by"`
	MaxPerFile     int                         `yaml:"max_per_file" json:"max_per_file"`
	MMREnabled     bool                        `yaml:"mmr_enabled" json:"mmr_enabled"`
	MMRLambda      float64                     `yaml:"mmr_lambda" json:"mmr_lambda"`
	FinalK         int                         `yaml:"final_k" json:"final_k"`
	NeighborWindow int                         `yaml:"neighbor_window" json:"neighbor_window"`
	SeedLimit      int                         `yaml:"seed_limit" json:"seed_limit"`
	TopK           int                         `yaml:"top_k" json:"top_k"`
}

// DefaultConfig returns the fusion defaults: RRF with k=60, dedup by
// chunk_id, MMR disabled.
func DefaultConfig() Config {
	return Config{
		Method:     MethodRRF,
		RRFK:       60,
		DedupBy:    DedupByChunkID,
		MaxPerFile: 5,
		MMRLambda:  0.5,
		FinalK:     20,
		TopK:       20,
	}
}

// Flags selects which legs participate in a given search call.
type Flags struct {
	IncludeVector bool
	IncludeSparse bool
	IncludeGraph  bool
}

// StageDebug records one shaping-pipeline stage's effect for fusion_debug.
type StageDebug struct {
	Name     string `json:"name"`
	CountIn  int    `json:"count_in"`
	CountOut int    `json:"count_out"`
	Summary  string `json:"summary"`
}

// Result is the output of Engine.Search.
type Result struct {
	Matches     []storage.ChunkMatch
	FusionDebug []StageDebug
}

// NeighborFetcher resolves the chunk adjacent to a seed's chunk_ordinal
// within the same parent_doc_id, used by the neighbor-expansion stage.
type NeighborFetcher interface {
	FetchChunkByOrdinal(ctx context.Context, corpusID, parentDocID string, chunkOrdinal int) (storage.Chunk, bool, error)
}

// Engine is the C6 fusion entry point.
type Engine struct {
	Vector   retrieval.Leg
	Sparse   retrieval.Leg
	Graph    retrieval.Leg
	Neighbor NeighborFetcher
}

// legResult carries one leg's raw matches plus any error, so a single
// failing leg never aborts the others (survive-subset-failures).
type legResult struct {
	source  storage.Source
	matches []storage.ChunkMatch
	err     error
}

// Search fans out the enabled legs across all corpusIDs concurrently,
// normalizes and fuses their scores, then applies the shaping pipeline.
func (e *Engine) Search(ctx context.Context, corpusIDs []string, query string, cfg Config, flags Flags, topK int) (*Result, error) {
	if topK <= 0 {
		topK = cfg.TopK
	}
	if topK <= 0 {
		topK = 20
	}

	type job struct {
		corpusID string
		leg      retrieval.Leg
		source   storage.Source
	}
	var jobs []job
	if flags.IncludeVector && e.Vector != nil {
		for _, c := range corpusIDs {
			jobs = append(jobs, job{c, e.Vector, storage.SourceVector})
		}
	}
	if flags.IncludeSparse && e.Sparse != nil {
		for _, c := range corpusIDs {
			jobs = append(jobs, job{c, e.Sparse, storage.SourceSparse})
		}
	}
	if flags.IncludeGraph && e.Graph != nil {
		for _, c := range corpusIDs {
			jobs = append(jobs, job{c, e.Graph, storage.SourceGraph})
		}
	}

	results := make([]legResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			matches, err := j.leg.Search(gctx, j.corpusID, query, retrieval.Config{TopK: topK})
			for k := range matches {
				if matches[k].Metadata == nil {
					matches[k].Metadata = map[string]any{}
				}
				matches[k].Metadata["corpus_id"] = j.corpusID
			}
			results[i] = legResult{source: j.source, matches: matches, err: err}
			return nil // per-task error capture: never propagate to abort siblings
		})
	}
	_ = g.Wait() // g.Go never returns non-nil, but Wait still joins all goroutines

	perLeg := map[storage.Source][]storage.ChunkMatch{}
	var debugLegCounts []string
	for _, r := range results {
		if r.err != nil {
			debugLegCounts = append(debugLegCounts, fmt.Sprintf("%s:error(%v)", r.source, r.err))
			continue
		}
		perLeg[r.source] = append(perLeg[r.source], r.matches...)
		debugLegCounts = append(debugLegCounts, fmt.Sprintf("%s:%d", r.source, len(r.matches)))
	}

	for source, matches := range perLeg {
		normalizeMinMax(matches)
		perLeg[source] = matches
	}

	fused := fuse(perLeg, cfg)
	debug := []StageDebug{{
		Name:     "retrieve+normalize+fuse",
		CountIn:  len(jobs),
		CountOut: len(fused),
		Summary:  fmt.Sprintf("method=%s legs=[%s]", cfg.Method, strings.Join(debugLegCounts, ",")),
	}}

	shaped, shapeDebug := e.shape(ctx, fused, cfg, topK)
	debug = append(debug, shapeDebug...)

	return &Result{Matches: shaped, FusionDebug: debug}, nil
}

func normalizeMinMax(matches []storage.ChunkMatch) {
	if len(matches) == 0 {
		return
	}
	min, max := matches[0].Score, matches[0].Score
	for _, m := range matches {
		if m.Score < min {
			min = m.Score
		}
		if m.Score > max {
			max = m.Score
		}
	}
	spread := max - min
	for i := range matches {
		if spread == 0 {
			matches[i].Score = 1
		} else {
			matches[i].Score = (matches[i].Score - min) / spread
		}
	}
}

func fuse(perLeg map[storage.Source][]storage.ChunkMatch, cfg Config) []storage.ChunkMatch {
	switch cfg.Method {
	case MethodWeighted:
		return fuseWeighted(perLeg, cfg)
	default:
		return fuseRRF(perLeg, cfg)
	}
}

func fuseRRF(perLeg map[storage.Source][]storage.ChunkMatch, cfg Config) []storage.ChunkMatch {
	k := cfg.RRFK
	if k <= 0 {
		k = 60
	}
	scores := map[string]float64{}
	rep := map[string]storage.ChunkMatch{}
	for _, matches := range perLeg {
		sortByScoreDesc(matches)
		for rank, m := range matches {
			scores[m.ChunkID] += 1.0 / float64(k+rank+1)
			if _, ok := rep[m.ChunkID]; !ok {
				rep[m.ChunkID] = m
			}
		}
	}
	return materializeFused(scores, rep)
}

func fuseWeighted(perLeg map[storage.Source][]storage.ChunkMatch, cfg Config) []storage.ChunkMatch {
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = map[storage.Source]float64{}
		if len(perLeg) > 0 {
			w := 1.0 / float64(len(perLeg))
			for source := range perLeg {
				weights[source] = w
			}
		}
	}
	scores := map[string]float64{}
	rep := map[string]storage.ChunkMatch{}
	for source, matches := range perLeg {
		w := weights[source]
		for _, m := range matches {
			scores[m.ChunkID] += w * m.Score
			if _, ok := rep[m.ChunkID]; !ok {
				rep[m.ChunkID] = m
			}
		}
	}
	return materializeFused(scores, rep)
}

func materializeFused(scores map[string]float64, rep map[string]storage.ChunkMatch) []storage.ChunkMatch {
	out := make([]storage.ChunkMatch, 0, len(rep))
	for chunkID, m := range rep {
		m.Score = scores[chunkID]
		out = append(out, m)
	}
	sortByScoreDesc(out)
	return out
}

// sortByScoreDesc stable-sorts by fused score descending, tie-broken by
// (file_path, start_line, chunk_id) ascending.
func sortByScoreDesc(matches []storage.ChunkMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].FilePath != matches[j].FilePath {
			return matches[i].FilePath < matches[j].FilePath
		}
		if matches[i].StartLine != matches[j].StartLine {
			return matches[i].StartLine < matches[j].StartLine
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})
}

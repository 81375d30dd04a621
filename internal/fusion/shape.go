package fusion

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tribrid/fusionengine/internal/storage"
)

// shape runs the fixed post-fusion pipeline: dedup, per-file cap, MMR
// diversification, neighbor expansion, truncate to top_k. Each stage
// records a StageDebug entry regardless of whether it changed anything.
func (e *Engine) shape(ctx context.Context, fused []storage.ChunkMatch, cfg Config, topK int) ([]storage.ChunkMatch, []StageDebug) {
	var debug []StageDebug

	deduped := dedup(fused, cfg.DedupBy)
	debug = append(debug, StageDebug{
		Name: "dedup", CountIn: len(fused), CountOut: len(deduped),
		Summary: fmt.Sprintf("by=%s", cfg.DedupBy),
	})

	capped, droppedByFile := capPerFile(deduped, cfg.MaxPerFile)
	debug = append(debug, StageDebug{
		Name: "per_file_cap", CountIn: len(deduped), CountOut: len(capped),
		Summary: fmt.Sprintf("max_per_file=%d dropped=%d", cfg.MaxPerFile, droppedByFile),
	})

	diversified := capped
	mmrSummary := "disabled"
	if cfg.MMREnabled {
		diversified = mmr(capped, cfg.MMRLambda, cfg.FinalK)
		mmrSummary = fmt.Sprintf("lambda=%.2f final_k=%d", cfg.MMRLambda, cfg.FinalK)
	}
	debug = append(debug, StageDebug{
		Name: "mmr", CountIn: len(capped), CountOut: len(diversified), Summary: mmrSummary,
	})

	expanded := diversified
	neighborsAdded := 0
	if e.Neighbor != nil && cfg.NeighborWindow > 0 {
		seeds := diversified
		if cfg.SeedLimit > 0 && len(seeds) > cfg.SeedLimit {
			ordered := append([]storage.ChunkMatch(nil), seeds...)
			sortByScoreDesc(ordered)
			seeds = ordered[:cfg.SeedLimit]
		}
		expanded, neighborsAdded = e.expandNeighbors(ctx, diversified, seeds, cfg.NeighborWindow)
	}
	debug = append(debug, StageDebug{
		Name: "neighbor_expansion", CountIn: len(diversified), CountOut: len(expanded),
		Summary: fmt.Sprintf("window=%d added=%d", cfg.NeighborWindow, neighborsAdded),
	})

	sortByScoreDesc(expanded)
	truncated := expanded
	if topK > 0 && len(truncated) > topK {
		truncated = truncated[:topK]
	}
	debug = append(debug, StageDebug{
		Name: "truncate", CountIn: len(expanded), CountOut: len(truncated),
		Summary: fmt.Sprintf("top_k=%d", topK),
	})

	return truncated, debug
}

// dedup collapses matches sharing a key (chunk_id or file_path), keeping
// the highest-scoring match for each key. Order among survivors is
// otherwise unspecified here; callers re-sort downstream.
func dedup(matches []storage.ChunkMatch, by DedupKey) []storage.ChunkMatch {
	best := map[string]storage.ChunkMatch{}
	order := []string{}
	for _, m := range matches {
		key := m.ChunkID
		if by == DedupByFilePath {
			key = m.FilePath
		}
		if existing, ok := best[key]; !ok {
			best[key] = m
			order = append(order, key)
		} else if m.Score > existing.Score {
			best[key] = m
		}
	}
	out := make([]storage.ChunkMatch, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

// capPerFile enforces at most maxPerFile matches per file_path, keeping the
// highest-scoring ones per file via a stable score-descending sort followed
// by an Nth-occurrence drop. maxPerFile <= 0 disables the cap.
func capPerFile(matches []storage.ChunkMatch, maxPerFile int) ([]storage.ChunkMatch, int) {
	if maxPerFile <= 0 {
		return matches, 0
	}
	ordered := append([]storage.ChunkMatch(nil), matches...)
	sortByScoreDesc(ordered)

	counts := map[string]int{}
	out := make([]storage.ChunkMatch, 0, len(ordered))
	dropped := 0
	for _, m := range ordered {
		if counts[m.FilePath] >= maxPerFile {
			dropped++
			continue
		}
		counts[m.FilePath]++
		out = append(out, m)
	}
	return out, dropped
}

var tokenRe = regexp.MustCompile(`\w+`)

// jaccardTokenSim is the MMR similarity measure: Jaccard similarity over
// each chunk's lowercased word-token set.
func jaccardTokenSim(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	tokens := tokenRe.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// mmr greedily selects up to finalK matches maximizing
// lambda*relevance - (1-lambda)*max_similarity_to_already_selected,
// breaking the curse of near-duplicate top results clustering the
// context window. finalK <= 0 means "keep them all, just reorder".
func mmr(matches []storage.ChunkMatch, lambda float64, finalK int) []storage.ChunkMatch {
	if len(matches) == 0 {
		return matches
	}
	candidates := append([]storage.ChunkMatch(nil), matches...)
	sortByScoreDesc(candidates)

	limit := finalK
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	selected := make([]storage.ChunkMatch, 0, limit)
	remaining := candidates
	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := 0
		bestScore := -1.0
		for i, cand := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				if sim := jaccardTokenSim(cand.Content, s.Content); sim > maxSim {
					maxSim = sim
				}
			}
			mmrScore := lambda*cand.Score - (1-lambda)*maxSim
			if mmrScore > bestScore {
				bestScore = mmrScore
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// expandNeighbors adds the window chunks immediately before/after each of
// seeds' chunk_ordinal within its parent_doc_id (seeds is the top
// seed_limit subset of base to expand around), tagged metadata.neighbor_of
// pointing back at the seed's chunk_id, scored just under the seed's so
// neighbor-added rows still compete fairly during truncate.
func (e *Engine) expandNeighbors(ctx context.Context, base, seeds []storage.ChunkMatch, window int) ([]storage.ChunkMatch, int) {
	seen := map[string]bool{}
	for _, s := range base {
		seen[s.ChunkID] = true
	}

	out := append([]storage.ChunkMatch(nil), base...)
	added := 0
	for _, s := range seeds {
		parentDocID, _ := s.Metadata["parent_doc_id"].(string)
		ordinal, ok := s.Metadata["chunk_ordinal"].(int)
		if parentDocID == "" || !ok {
			continue
		}
		corpusID, _ := s.Metadata["corpus_id"].(string)
		for delta := -window; delta <= window; delta++ {
			if delta == 0 {
				continue
			}
			neighbor, found, err := e.Neighbor.FetchChunkByOrdinal(ctx, corpusID, parentDocID, ordinal+delta)
			if err != nil || !found || seen[neighbor.ChunkID] {
				continue
			}
			seen[neighbor.ChunkID] = true
			// Score slightly below the seed's so neighbor-expanded rows never
			// outrank the match that pulled them in, per the shaping order.
			m, err := storage.NewChunkMatch(neighbor, s.Score*0.999, s.Source, corpusID)
			if err != nil {
				continue
			}
			m.Metadata["neighbor_of"] = s.ChunkID
			out = append(out, m)
			added++
		}
	}
	return out, added
}

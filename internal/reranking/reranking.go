// Package reranking implements the optional cross-encoder rescoring pass
// (C10 reranking section) applied to the fused shortlist before truncate.
// It calls an external reranker endpoint (llama.cpp-server-compatible
// /rerank contract) rather than owning a model itself.
package reranking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tribrid/fusionengine/internal/errs"
	"github.com/tribrid/fusionengine/internal/observability"
	"github.com/tribrid/fusionengine/internal/storage"
)

// request is the payload sent to the reranker endpoint.
type request struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

// result is one document's rerank score.
type result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// response is the complete reranker response.
type response struct {
	Model   string   `json:"model"`
	Object  string   `json:"object"`
	Results []result `json:"results"`
}

// Reranker calls an HTTP reranker endpoint to rescore a fused shortlist.
type Reranker struct {
	Host   string
	Client *http.Client
}

// NewReranker validates the configured yes/no token ids and constructs a
// Reranker bound to host. It returns a *errs.Fatal when enabled and the
// ids degenerate (equal) — the reranker's caller-visible scoring contract
// cannot be trusted once those ids collide. The token ids themselves are
// not sent to the HTTP endpoint (that contract only takes query/documents);
// they exist to validate an in-process model's setup, grounded on
// RerankingConfig's yes_token_id/no_token_id fields for a future
// logit-scoring implementation (see DESIGN.md).
func NewReranker(enabled bool, yesTokenID, noTokenID int, host string) (*Reranker, error) {
	if enabled && yesTokenID == noTokenID {
		return nil, errs.NewFatal(fmt.Sprintf("reranking: yes_token_id == no_token_id (%d), token-id resolution degenerate", yesTokenID))
	}
	return &Reranker{Host: host, Client: observability.NewHTTPClient(nil)}, nil
}

// Rerank calls the reranker endpoint with the shortlist's content and
// returns matches reordered by relevance_score, truncated to topN. On any
// transport or decode failure it returns matches unchanged alongside the
// error, so a reranker outage degrades to "skip rerank" rather than failing
// the whole search (per the core's survive-subset-failures posture).
func (r *Reranker) Rerank(ctx context.Context, modelName string, query string, matches []storage.ChunkMatch, topN int) ([]storage.ChunkMatch, error) {
	if len(matches) == 0 {
		return matches, nil
	}
	if topN <= 0 || topN > len(matches) {
		topN = len(matches)
	}

	docs := make([]string, len(matches))
	for i, m := range matches {
		docs[i] = m.Content
	}

	payload, err := json.Marshal(request{Model: modelName, Query: query, TopN: topN, Documents: docs})
	if err != nil {
		return matches, fmt.Errorf("reranking: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Host, bytes.NewReader(payload))
	if err != nil {
		return matches, fmt.Errorf("reranking: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("host", r.Host).Msg("reranking: request failed, passing through unreranked")
		return matches, &errs.TransientRemote{Op: "reranking.rerank", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return matches, fmt.Errorf("reranking: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return matches, fmt.Errorf("reranking: decode response: %w", err)
	}

	scores := make(map[int]float64, len(parsed.Results))
	for _, res := range parsed.Results {
		scores[res.Index] = res.RelevanceScore
	}

	reordered := make([]storage.ChunkMatch, len(matches))
	copy(reordered, matches)
	sort.SliceStable(reordered, func(i, j int) bool {
		return scoreFor(reordered[i], matches, scores) > scoreFor(reordered[j], matches, scores)
	})
	for i := range reordered {
		if s, ok := scores[indexOf(reordered[i], matches)]; ok {
			reordered[i].Score = s
		}
	}
	if topN < len(reordered) {
		reordered = reordered[:topN]
	}
	return reordered, nil
}

func indexOf(m storage.ChunkMatch, matches []storage.ChunkMatch) int {
	for i, x := range matches {
		if x.ChunkID == m.ChunkID {
			return i
		}
	}
	return -1
}

func scoreFor(m storage.ChunkMatch, matches []storage.ChunkMatch, scores map[int]float64) float64 {
	return scores[indexOf(m, matches)]
}

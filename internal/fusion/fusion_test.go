package fusion

import (
	"context"
	"testing"

	"github.com/tribrid/fusionengine/internal/retrieval"
	"github.com/tribrid/fusionengine/internal/storage"
)

type fakeLeg struct {
	matches []storage.ChunkMatch
	err     error
}

func (f *fakeLeg) Search(ctx context.Context, corpusID, query string, cfg retrieval.Config) ([]storage.ChunkMatch, error) {
	return f.matches, f.err
}

func mustMatch(t *testing.T, chunkID, filePath, content string, score float64, source storage.Source) storage.ChunkMatch {
	t.Helper()
	c := storage.Chunk{ChunkID: chunkID, FilePath: filePath, Content: content, StartLine: 1, EndLine: 1}
	m, err := storage.NewChunkMatch(c, score, source, "corpus-a")
	if err != nil {
		t.Fatalf("NewChunkMatch: %v", err)
	}
	return m
}

func TestRRFFusionIsDeterministicAcrossRuns(t *testing.T) {
	vector := &fakeLeg{matches: []storage.ChunkMatch{
		mustMatch(t, "c1", "a.go", "alpha beta gamma", 0.9, storage.SourceVector),
		mustMatch(t, "c2", "b.go", "delta epsilon", 0.5, storage.SourceVector),
	}}
	sparse := &fakeLeg{matches: []storage.ChunkMatch{
		mustMatch(t, "c2", "b.go", "delta epsilon", 3.0, storage.SourceSparse),
		mustMatch(t, "c3", "c.go", "zeta eta theta", 1.0, storage.SourceSparse),
	}}

	run := func() []storage.ChunkMatch {
		eng := &Engine{Vector: vector, Sparse: sparse}
		res, err := eng.Search(context.Background(), []string{"corpus-a"}, "q", DefaultConfig(), Flags{IncludeVector: true, IncludeSparse: true}, 10)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return res.Matches
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("non-deterministic result count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ChunkID != b[i].ChunkID || a[i].Score != b[i].Score {
			t.Fatalf("non-deterministic ordering/score at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
	if len(a) != 3 {
		t.Fatalf("expected 3 fused chunks, got %d", len(a))
	}
}

func TestDedupKeepsHighestScore(t *testing.T) {
	matches := []storage.ChunkMatch{
		mustMatch(t, "c1", "a.go", "x", 0.4, storage.SourceVector),
		mustMatch(t, "c1", "a.go", "x", 0.9, storage.SourceSparse),
	}
	out := dedup(matches, DedupByChunkID)
	if len(out) != 1 {
		t.Fatalf("expected 1 deduped match, got %d", len(out))
	}
	if out[0].Score != 0.9 {
		t.Fatalf("expected highest score 0.9 kept, got %v", out[0].Score)
	}
}

func TestPerFileCapDropsExcess(t *testing.T) {
	var matches []storage.ChunkMatch
	for i := 0; i < 5; i++ {
		matches = append(matches, mustMatch(t, string(rune('a'+i)), "same.go", "text", float64(5-i), storage.SourceVector))
	}
	out, dropped := capPerFile(matches, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 kept, got %d", len(out))
	}
	if dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}
	if out[0].ChunkID != "a" || out[1].ChunkID != "b" {
		t.Fatalf("expected highest-scoring two kept in order, got %+v", out)
	}
}

func TestMMRPrefersDiverseOverNearDuplicate(t *testing.T) {
	matches := []storage.ChunkMatch{
		mustMatch(t, "c1", "a.go", "the quick brown fox jumps", 1.0, storage.SourceVector),
		mustMatch(t, "c2", "b.go", "the quick brown fox leaps", 0.95, storage.SourceVector), // near-duplicate of c1
		mustMatch(t, "c3", "c.go", "completely unrelated content about databases", 0.5, storage.SourceVector),
	}
	out := mmr(matches, 0.5, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 selected, got %d", len(out))
	}
	if out[0].ChunkID != "c1" {
		t.Fatalf("expected top match first, got %s", out[0].ChunkID)
	}
	if out[1].ChunkID != "c3" {
		t.Fatalf("expected diverse match c3 preferred over near-duplicate c2, got %s", out[1].ChunkID)
	}
}

func TestOneLegFailureDoesNotAbortOthers(t *testing.T) {
	vector := &fakeLeg{err: context.DeadlineExceeded}
	sparse := &fakeLeg{matches: []storage.ChunkMatch{
		mustMatch(t, "c1", "a.go", "alpha", 1.0, storage.SourceSparse),
	}}
	eng := &Engine{Vector: vector, Sparse: sparse}
	res, err := eng.Search(context.Background(), []string{"corpus-a"}, "q", DefaultConfig(), Flags{IncludeVector: true, IncludeSparse: true}, 10)
	if err != nil {
		t.Fatalf("Search returned error despite partial leg failure: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("expected surviving sparse match, got %d matches", len(res.Matches))
	}
}

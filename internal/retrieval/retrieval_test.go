package retrieval

import (
	"context"
	"testing"

	"github.com/tribrid/fusionengine/internal/storage"
)

type fakeVectorStore struct {
	knn    []storage.KNNResult
	chunks map[string]storage.Chunk
}

func (f *fakeVectorStore) UpsertEmbeddings(ctx context.Context, corpusID string, chunks []storage.Chunk) error {
	return nil
}

func (f *fakeVectorStore) KNN(ctx context.Context, corpusID string, queryEmbedding []float32, k int) ([]storage.KNNResult, error) {
	return f.knn, nil
}

func (f *fakeVectorStore) GetChunks(ctx context.Context, corpusID string, chunkIDs []string) (map[string]storage.Chunk, error) {
	out := map[string]storage.Chunk{}
	for _, id := range chunkIDs {
		if c, ok := f.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return f.vec, nil }

func TestVectorLegHydratesChunksAndConvertsDistance(t *testing.T) {
	store := &fakeVectorStore{
		knn: []storage.KNNResult{{ChunkID: "c1", Distance: 0.2}},
		chunks: map[string]storage.Chunk{
			"c1": {ChunkID: "c1", Content: "hello", FilePath: "a.go", StartLine: 1, EndLine: 2},
		},
	}
	leg := &VectorLeg{Store: store, Embedder: &fakeEmbedder{vec: []float32{0.1, 0.2}}}
	matches, err := leg.Search(context.Background(), "corpus-a", "query", Config{TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Content != "hello" {
		t.Fatalf("expected hydrated content, got %q", matches[0].Content)
	}
	if matches[0].Score != 0.8 {
		t.Fatalf("expected score 1-distance=0.8, got %v", matches[0].Score)
	}
	if matches[0].Source != storage.SourceVector {
		t.Fatalf("expected source=vector, got %s", matches[0].Source)
	}
}

func TestVectorLegWithoutHydratorFallsBackToBareChunk(t *testing.T) {
	store := &bareVectorStore{knn: []storage.KNNResult{{ChunkID: "c9", Distance: 0.5}}}
	leg := &VectorLeg{Store: store, Embedder: &fakeEmbedder{vec: []float32{0.1}}}
	matches, err := leg.Search(context.Background(), "corpus-a", "query", Config{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].ChunkID != "c9" {
		t.Fatalf("expected bare chunk_id fallback, got %+v", matches)
	}
}

type bareVectorStore struct{ knn []storage.KNNResult }

func (b *bareVectorStore) UpsertEmbeddings(ctx context.Context, corpusID string, chunks []storage.Chunk) error {
	return nil
}
func (b *bareVectorStore) KNN(ctx context.Context, corpusID string, queryEmbedding []float32, k int) ([]storage.KNNResult, error) {
	return b.knn, nil
}

type fakeSparseStore struct {
	available bool
	matches   []storage.ChunkMatch
}

func (f *fakeSparseStore) UpsertFTS(ctx context.Context, corpusID string, chunks []storage.Chunk, languageConfig string) error {
	return nil
}
func (f *fakeSparseStore) BM25Search(ctx context.Context, corpusID, queryText string, k int, mode storage.BM25Mode) ([]storage.ChunkMatch, error) {
	return f.matches, nil
}
func (f *fakeSparseStore) PGSearchAvailable(ctx context.Context) bool { return f.available }

func TestSparseLegSkipsCleanlyWhenUnavailable(t *testing.T) {
	leg := &SparseLeg{Store: &fakeSparseStore{available: false}}
	matches, err := leg.Search(context.Background(), "corpus-a", "q", Config{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if matches != nil {
		t.Fatalf("expected nil matches when backend unavailable, got %+v", matches)
	}
}

func TestGraphLegSkipsWithNoSeeds(t *testing.T) {
	leg := &GraphLeg{SeedEntities: func(string) []string { return nil }}
	matches, err := leg.Search(context.Background(), "corpus-a", "q", Config{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if matches != nil {
		t.Fatalf("expected nil matches with no seed entities")
	}
}

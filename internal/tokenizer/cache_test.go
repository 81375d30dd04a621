package tokenizer

import "testing"

func TestCachedCountTokens_HitsOnRepeat(t *testing.T) {
	tok := New(DefaultConfig(), nil, nil)
	cache := NewCountCache(CacheConfig{})

	first := cache.CachedCountTokens(tok, "hello world")
	second := cache.CachedCountTokens(tok, "hello world")
	if first != second {
		t.Fatalf("expected stable count, got %d then %d", first, second)
	}
	hits, misses := cache.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got hits=%d misses=%d", hits, misses)
	}
}

func TestCachedCountTokens_EvictsAtCapacity(t *testing.T) {
	tok := New(DefaultConfig(), nil, nil)
	cache := NewCountCache(CacheConfig{MaxSize: 2})

	cache.CachedCountTokens(tok, "a")
	cache.CachedCountTokens(tok, "b")
	cache.CachedCountTokens(tok, "c")

	if got := cache.Size(); got > 2 {
		t.Fatalf("expected cache size capped at 2, got %d", got)
	}
}

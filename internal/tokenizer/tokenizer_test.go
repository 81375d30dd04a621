package tokenizer

import "testing"

func TestOffsetsValidAndNonDecreasing(t *testing.T) {
	tok := New(DefaultConfig(), nil, nil)
	r := tok.TokenizeWithOffsets("the quick brown fox jumps, over! the lazy dog.")
	prev := -1
	for i, s := range r.TokenStarts {
		if s < 0 || s > len(r.Text) {
			t.Fatalf("token_starts[%d]=%d out of range for text of length %d", i, s, len(r.Text))
		}
		if s < prev {
			t.Fatalf("token_starts not non-decreasing at %d: %d < %d", i, s, prev)
		}
		prev = s
	}
}

func TestLengthPreservingNormalizationLigature(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyWhitespace
	tok := New(cfg, nil, nil)

	// U+FB01 LATIN SMALL LIGATURE FI normalizes (NFKC) to "fi", which is two
	// runes -- length is not preserved, so normalization must be skipped and
	// the returned text must still be exactly one rune.
	r := tok.TokenizeWithOffsets("ﬁ")
	if got := []rune(r.Text); len(got) != 1 {
		t.Fatalf("expected length-preserving normalization to keep ligature as one rune, got %d runes (%q)", len(got), r.Text)
	}
}

func TestLengthPreservingNormalizationDottedI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lowercase = true
	tok := New(cfg, nil, nil)

	// U+0130 LATIN CAPITAL LETTER I WITH DOT ABOVE lowercases (locale-aware)
	// to two runes in some implementations; Go's strings.ToLower keeps it to
	// one rune, but the length check must still hold regardless.
	r := tok.TokenizeWithOffsets("İ")
	if got := []rune(r.Text); len(got) != 1 {
		t.Fatalf("expected length-preserving result for dotted-I, got %d runes (%q)", len(got), r.Text)
	}
}

func TestEstimateOnlyCountsCeilLenOverFour(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EstimateOnly = true
	tok := New(cfg, nil, nil)

	got := tok.CountTokens("abcdefghi") // 9 chars -> ceil(9/4) = 3
	if got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestTruncateEndIdempotent(t *testing.T) {
	tok := New(DefaultConfig(), nil, nil)
	text := "one two three four five six seven eight nine ten eleven twelve"

	once, err := tok.TruncateByTokens(text, 4, TruncateEnd)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := tok.TruncateByTokens(once, 4, TruncateEnd)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Fatalf("truncation not idempotent: %q != %q", once, twice)
	}
}

func TestTruncateErrorModeFailsOverBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyWhitespace
	tok := New(cfg, nil, nil)

	_, err := tok.TruncateByTokens("one two three four five", 2, TruncateError)
	if err == nil {
		t.Fatal("expected error when text exceeds max tokens in error mode")
	}
}

func TestWhitespaceTokenizeOffsets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyWhitespace
	tok := New(cfg, nil, nil)

	r := tok.TokenizeWithOffsets("  foo  bar baz ")
	want := []int{2, 7, 11}
	if len(r.TokenStarts) != len(want) {
		t.Fatalf("expected %d tokens, got %d (%v)", len(want), len(r.TokenStarts), r.TokenStarts)
	}
	for i, w := range want {
		if r.TokenStarts[i] != w {
			t.Fatalf("token %d: expected start %d, got %d", i, w, r.TokenStarts[i])
		}
	}
}

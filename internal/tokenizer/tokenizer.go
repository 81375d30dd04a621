// Package tokenizer provides offset-preserving tokenization used both for
// chunk budgeting and for embedding-input truncation. The critical invariant
// throughout this package is that token start offsets must remain valid
// indices into the text they were computed against; see Normalize.
package tokenizer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/tribrid/fusionengine/internal/errs"
)

// Strategy selects the tokenization algorithm.
type Strategy string

const (
	StrategyWhitespace   Strategy = "whitespace"
	StrategyTiktoken     Strategy = "tiktoken"
	StrategyHuggingFace  Strategy = "huggingface"
	StrategyEstimateOnly Strategy = "estimate_only"
)

// TruncateMode selects how truncate_by_tokens trims overlong text.
type TruncateMode string

const (
	TruncateEnd    TruncateMode = "truncate_end"
	TruncateMiddle TruncateMode = "truncate_middle"
	TruncateError  TruncateMode = "error"
)

// Config is the tokenization section of the configuration snapshot (C10).
type Config struct {
	Strategy         Strategy `yaml:"strategy" json:"strategy"`
	NormalizeUnicode bool     `yaml:"normalize_unicode" json:"normalize_unicode"`
	Lowercase        bool     `yaml:"lowercase" json:"lowercase"`
	EstimateOnly     bool     `yaml:"estimate_only" json:"estimate_only"`
	TiktokenEncoding string   `yaml:"tiktoken_encoding" json:"tiktoken_encoding"`
	HFTokenizerName  string   `yaml:"hf_tokenizer_name" json:"hf_tokenizer_name"`
}

// DefaultConfig returns the tokenization defaults used when no override is
// configured: tiktoken strategy, NFKC normalization on, no lowercasing.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyTiktoken,
		NormalizeUnicode: true,
		Lowercase:        false,
		TiktokenEncoding: "o200k_base",
	}
}

// Result is a tokenization result whose TokenStarts index into Text.
type Result struct {
	Text        string
	TokenStarts []int
	TokenIDs    []int // nil when the strategy does not produce stable IDs
}

// BPEEncoder is the pluggable interface a tiktoken-style encoder must
// satisfy. Tokenizer ships a pure-Go approximate encoder (see
// approxBPEEncoder) so the strategy is usable without vendoring a real BPE
// table; callers wanting exact tiktoken parity inject their own encoder.
type BPEEncoder interface {
	// Encode returns token ids and, for each, the byte offset into text
	// where the token starts.
	Encode(text string) (ids []int, starts []int)
}

// FastTokenizer is the pluggable interface a huggingface-style fast
// tokenizer must satisfy: offsets are required, matching the "requires
// offset mapping" contract.
type FastTokenizer interface {
	EncodeWithOffsets(text string) (ids []int, starts []int)
}

// Tokenizer is the C1 contract: normalize, count, tokenize-with-offsets, and
// budgeted truncation, all driven by Config.
type Tokenizer struct {
	cfg     Config
	bpe     BPEEncoder
	fast    FastTokenizer
	nowhite bool // true once surfaced a non-whitespace strategy warning (reserved)
}

// New constructs a Tokenizer. bpe and fast may be nil; when nil, the
// tiktoken and huggingface strategies fall back to an approximate
// whitespace+subword heuristic documented on approxBPEEncoder.
func New(cfg Config, bpe BPEEncoder, fast FastTokenizer) *Tokenizer {
	if bpe == nil {
		bpe = approxBPEEncoder{encoding: cfg.TiktokenEncoding}
	}
	if fast == nil {
		fast = approxFastTokenizer{}
	}
	return &Tokenizer{cfg: cfg, bpe: bpe, fast: fast}
}

// Normalize applies full normalization (NFKC + optional lowercasing),
// regardless of whether it changes string length. Used for embedding-input
// truncation where offsets are not returned to the caller.
func (t *Tokenizer) Normalize(text string) string {
	out := text
	if t.cfg.NormalizeUnicode {
		out = norm.NFKC.String(out)
	}
	if t.cfg.Lowercase {
		out = strings.ToLower(out)
	}
	return out
}

// normalizeLengthPreserving applies the configured normalization only when
// doing so preserves the string's length in runes. Chunking depends on
// token start offsets indexing into this exact text; some Unicode
// normalization and case folding (ligatures, dotted-I lowercasing) can
// change length and would corrupt those offsets if applied unconditionally.
func (t *Tokenizer) normalizeLengthPreserving(text string) string {
	out := text
	if t.cfg.NormalizeUnicode {
		if n := norm.NFKC.String(out); utf8.RuneCountInString(n) == utf8.RuneCountInString(out) {
			out = n
		}
	}
	if t.cfg.Lowercase {
		if l := strings.ToLower(out); utf8.RuneCountInString(l) == utf8.RuneCountInString(out) {
			out = l
		}
	}
	return out
}

// EstimateTokenCount is the fast heuristic: 4 chars/token, ceil-rounded.
func (t *Tokenizer) EstimateTokenCount(text string) int {
	n := t.Normalize(text)
	return int(math.Ceil(float64(len([]rune(n))) / 4.0))
}

// CountTokens returns the token count for text under the configured
// strategy, without materializing offsets when EstimateOnly is set.
func (t *Tokenizer) CountTokens(text string) int {
	if t.cfg.EstimateOnly || t.cfg.Strategy == StrategyEstimateOnly {
		return t.EstimateTokenCount(text)
	}
	r := t.TokenizeWithOffsets(text)
	return len(r.TokenStarts)
}

// TokenizeWithOffsets tokenizes text and returns offsets valid into the
// returned (length-preserving-normalized) Result.Text.
func (t *Tokenizer) TokenizeWithOffsets(text string) Result {
	normed := t.normalizeLengthPreserving(text)
	if t.cfg.EstimateOnly || t.cfg.Strategy == StrategyEstimateOnly {
		return estimateOffsets(normed)
	}
	switch t.cfg.Strategy {
	case StrategyWhitespace:
		return tokenizeWhitespace(normed)
	case StrategyHuggingFace:
		ids, starts := t.fast.EncodeWithOffsets(normed)
		return Result{Text: normed, TokenStarts: starts, TokenIDs: ids}
	default:
		ids, starts := t.bpe.Encode(normed)
		return Result{Text: normed, TokenStarts: starts, TokenIDs: ids}
	}
}

// TruncateByTokens trims text to at most maxTokens tokens. Truncation uses
// full normalization (length changes are acceptable here, unlike
// TokenizeWithOffsets) since the result is consumed directly, not indexed.
func (t *Tokenizer) TruncateByTokens(text string, maxTokens int, mode TruncateMode) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	normed := t.Normalize(text)

	if t.cfg.EstimateOnly || t.cfg.Strategy == StrategyEstimateOnly {
		approxChars := maxTokens * 4
		runes := []rune(normed)
		if len(runes) <= approxChars {
			return normed, nil
		}
		if mode == TruncateMiddle {
			half := approxChars / 2
			if half < 1 {
				half = 1
			}
			return strings.TrimSpace(string(runes[:half]) + "…" + string(runes[len(runes)-half:])), nil
		}
		return string(runes[:approxChars]), nil
	}

	var r Result
	switch t.cfg.Strategy {
	case StrategyWhitespace:
		r = tokenizeWhitespace(normed)
	case StrategyHuggingFace:
		ids, starts := t.fast.EncodeWithOffsets(normed)
		r = Result{Text: normed, TokenStarts: starts, TokenIDs: ids}
	default:
		ids, starts := t.bpe.Encode(normed)
		r = Result{Text: normed, TokenStarts: starts, TokenIDs: ids}
	}

	n := len(r.TokenStarts)
	if n <= maxTokens {
		return normed, nil
	}

	switch mode {
	case TruncateError:
		return "", errs.NewFatal(fmt.Sprintf("text exceeds max tokens (%d > %d)", n, maxTokens))
	case TruncateMiddle:
		head := maxTokens / 2
		tail := maxTokens - head
		headEnd := len(normed)
		if head < n {
			headEnd = r.TokenStarts[head]
		}
		tailStartTok := n - tail
		if tailStartTok < 0 {
			tailStartTok = 0
		}
		tailStart := len(normed)
		if tailStartTok < n {
			tailStart = r.TokenStarts[tailStartTok]
		}
		return strings.TrimSpace(normed[:headEnd] + "…" + normed[tailStart:]), nil
	default: // TruncateEnd
		endChar := len(normed)
		if maxTokens < n {
			endChar = r.TokenStarts[maxTokens]
		}
		return normed[:endChar], nil
	}
}

func estimateOffsets(text string) Result {
	var starts []int
	for i := 0; i < len(text); i += 4 {
		starts = append(starts, i)
	}
	return Result{Text: text, TokenStarts: starts}
}

func tokenizeWhitespace(text string) Result {
	var starts []int
	inTok := false
	for i, ch := range text {
		if unicode.IsSpace(ch) {
			inTok = false
			continue
		}
		if !inTok {
			starts = append(starts, i)
			inTok = true
		}
	}
	return Result{Text: text, TokenStarts: starts}
}

// approxBPEEncoder is the documented pure-Go fallback used when no real
// tiktoken table is wired in: it approximates subword boundaries by
// splitting on whitespace and punctuation runs, which tracks a real BPE
// encoder's token count to within a small constant factor for budgeting
// purposes without vendoring a fake dependency.
type approxBPEEncoder struct{ encoding string }

func (e approxBPEEncoder) Encode(text string) ([]int, []int) {
	starts := splitWordPunct(text)
	ids := make([]int, len(starts))
	for i := range ids {
		ids[i] = i
	}
	return ids, starts
}

type approxFastTokenizer struct{}

func (approxFastTokenizer) EncodeWithOffsets(text string) ([]int, []int) {
	starts := splitWordPunct(text)
	ids := make([]int, len(starts))
	for i := range ids {
		ids[i] = i
	}
	return ids, starts
}

// splitWordPunct returns token start offsets where a token is a maximal run
// of letters/digits, or a single punctuation rune, skipping whitespace.
func splitWordPunct(text string) []int {
	var starts []int
	inWord := false
	for i, ch := range text {
		switch {
		case unicode.IsSpace(ch):
			inWord = false
		case unicode.IsLetter(ch) || unicode.IsDigit(ch):
			if !inWord {
				starts = append(starts, i)
				inWord = true
			}
		default:
			starts = append(starts, i)
			inWord = false
		}
	}
	return starts
}

// sortedInsertionRank returns the count of values in sorted ss strictly
// less than x — the Go analogue of Python's bisect.bisect_left, used by the
// chunker for line-span computation against newline positions.
func sortedInsertionRank(ss []int, x int) int {
	return sort.Search(len(ss), func(i int) bool { return ss[i] >= x })
}

// SortedInsertionRank exports sortedInsertionRank for the chunking package.
func SortedInsertionRank(ss []int, x int) int { return sortedInsertionRank(ss, x) }

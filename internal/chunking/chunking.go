// Package chunking implements the strategy-driven segmentation of raw text
// into bounded chunks (C2): fixed_chars, fixed_tokens, recursive, markdown,
// sentence, and qa_blocks, plus the post-pass that re-splits any
// over-budget chunk by token windows.
package chunking

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tribrid/fusionengine/internal/storage"
	"github.com/tribrid/fusionengine/internal/tokenizer"
)

// Strategy selects the segmentation algorithm.
type Strategy string

const (
	StrategyFixedChars  Strategy = "fixed_chars"
	StrategyFixedTokens Strategy = "fixed_tokens"
	StrategyRecursive   Strategy = "recursive"
	StrategyMarkdown    Strategy = "markdown"
	StrategySentence    Strategy = "sentence"
	StrategyQABlocks    Strategy = "qa_blocks"
)

// SeparatorKeep controls where a split separator ends up in recursive
// chunking.
type SeparatorKeep string

const (
	KeepPrefix SeparatorKeep = "prefix"
	KeepSuffix SeparatorKeep = "suffix"
	KeepNone   SeparatorKeep = "none"
)

// Config is the chunking section of the configuration snapshot (C10).
type Config struct {
	ChunkingStrategy        Strategy      `yaml:"chunking_strategy" json:"chunking_strategy"`
	ChunkSize               int           `yaml:"chunk_size" json:"chunk_size"` // fixed_chars window size, chars
	ChunkOverlap            int           `yaml:"chunk_overlap" json:"chunk_overlap"` // fixed_chars window overlap, chars
	MinChunkChars           int           `yaml:"min_chunk_chars" json:"min_chunk_chars"`
	MaxChunkTokens          int           `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`
	TargetTokens            int           `yaml:"target_tokens" json:"target_tokens"` // fixed_tokens / recursive / sentence / qa_blocks pack target
	OverlapTokens           int           `yaml:"overlap_tokens" json:"overlap_tokens"` // fixed_tokens overlap
	Separators              []string      `yaml:"separators" json:"separators"`
	SeparatorKeep           SeparatorKeep `yaml:"separator_keep" json:"separator_keep"`
	RecursiveMaxDepth       int           `yaml:"recursive_max_depth" json:"recursive_max_depth"`
	MarkdownMaxHeadingLevel int           `yaml:"markdown_max_heading_level" json:"markdown_max_heading_level"`
	EmitChunkOrdinal        bool          `yaml:"emit_chunk_ordinal" json:"emit_chunk_ordinal"`
	EmitParentDocID         bool          `yaml:"emit_parent_doc_id" json:"emit_parent_doc_id"`
}

// DefaultConfig returns the chunking defaults: fixed_chars strategy, 1000
// char windows with 200 char overlap, 256-token recursive packing target.
func DefaultConfig() Config {
	return Config{
		ChunkingStrategy:        StrategyFixedChars,
		ChunkSize:               1000,
		ChunkOverlap:            200,
		MinChunkChars:           32,
		MaxChunkTokens:          512,
		TargetTokens:            256,
		OverlapTokens:           32,
		Separators:              []string{"\n\n", "\n", ". ", " ", ""},
		SeparatorKeep:           KeepSuffix,
		RecursiveMaxDepth:       8,
		MarkdownMaxHeadingLevel: 2,
		EmitChunkOrdinal:        true,
		EmitParentDocID:         true,
	}
}

// Validate enforces the C10 constraints that bear on chunking.
func (c Config) Validate() error {
	if c.ChunkSize < 200 {
		return fmt.Errorf("chunking: chunk_size must be >= 200, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunking: chunk_overlap (%d) must be < chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.MinChunkChars < 10 || c.MinChunkChars > 500 {
		return fmt.Errorf("chunking: min_chunk_chars must be in [10, 500], got %d", c.MinChunkChars)
	}
	if c.TargetTokens > c.MaxChunkTokens && c.MaxChunkTokens > 0 {
		return fmt.Errorf("chunking: target_tokens (%d) must be <= max_tokens_per_chunk_hard (%d)", c.TargetTokens, c.MaxChunkTokens)
	}
	if c.OverlapTokens >= c.TargetTokens {
		return fmt.Errorf("chunking: overlap_tokens (%d) must be < target_tokens (%d)", c.OverlapTokens, c.TargetTokens)
	}
	if c.MarkdownMaxHeadingLevel < 1 || c.MarkdownMaxHeadingLevel > 6 {
		return fmt.Errorf("chunking: markdown_max_heading_level must be in [1, 6], got %d", c.MarkdownMaxHeadingLevel)
	}
	return nil
}

// Chunker produces storage.Chunk slices from raw document text.
type Chunker struct {
	cfg Config
	tok *tokenizer.Tokenizer
}

// New builds a Chunker; tok must not be nil.
func New(cfg Config, tok *tokenizer.Tokenizer) *Chunker {
	return &Chunker{cfg: cfg, tok: tok}
}

type span struct{ start, end int }

// ChunkText segments content from file_path into chunks. baseCharOffset and
// baseLine let callers chunk a sub-range of a larger logical document (used
// by the post-pass and by callers pre-splitting very large files);
// startingOrdinal seeds chunk_ordinal continuation across such calls.
func (c *Chunker) ChunkText(filePath, content string, baseCharOffset, baseLine, startingOrdinal int) ([]storage.Chunk, error) {
	strategy := normalizeStrategy(c.cfg.ChunkingStrategy)
	language := detectLanguage(filePath)
	var parentDocID string
	if c.cfg.EmitParentDocID {
		parentDocID = filePath
	}
	nlPositions := newlinePositions(content)

	var spans []span
	switch strategy {
	case StrategyFixedTokens:
		spans = c.spansFixedTokens(content)
	case StrategyRecursive:
		spans = c.spansRecursive(content)
	case StrategyMarkdown:
		spans = c.spansMarkdown(content)
	case StrategySentence:
		spans = c.spansSentence(content)
	case StrategyQABlocks:
		spans = c.spansQABlocks(content)
	default:
		spans = c.spansFixedChars(content)
	}

	minChars := c.cfg.MinChunkChars
	allowSmallSingleton := len(spans) == 1 && strings.TrimSpace(content) != ""

	var chunks []storage.Chunk
	ordinal := startingOrdinal
	for _, sp := range spans {
		if sp.end <= sp.start {
			continue
		}
		text := content[sp.start:sp.end]
		if len(text) < minChars && !allowSmallSingleton {
			continue
		}
		absStart := baseCharOffset + sp.start
		startLine, endLine := lineSpan(nlPositions, sp.start, sp.end, baseLine)
		tokenCount := c.tok.CountTokens(text)

		meta := map[string]any{
			"char_start": absStart,
			"char_end":   baseCharOffset + sp.end,
		}
		if c.cfg.EmitChunkOrdinal {
			meta["chunk_ordinal"] = ordinal
		}
		if parentDocID != "" {
			meta["parent_doc_id"] = parentDocID
		}

		chunks = append(chunks, storage.Chunk{
			ChunkID:    fmt.Sprintf("%s:%d-%d:%d", filePath, startLine, endLine, absStart),
			Content:    text,
			FilePath:   filePath,
			StartLine:  startLine,
			EndLine:    endLine,
			Language:   language,
			TokenCount: tokenCount,
			Metadata:   meta,
		})
		ordinal++
	}

	maxTokens := c.cfg.MaxChunkTokens
	if maxTokens > 0 && len(chunks) > 0 {
		out := make([]storage.Chunk, 0, len(chunks))
		for _, ch := range chunks {
			if ch.TokenCount <= maxTokens {
				out = append(out, ch)
				continue
			}
			out = append(out, c.splitChunkByTokens(ch, maxTokens, language, parentDocID)...)
		}
		// The per-base-chunk split above can expand one chunk into several,
		// which would otherwise leave chunk_ordinal restarting at each base
		// chunk's own ordinal instead of strictly increasing across the
		// whole document (§8). Renumber the expanded list in one final pass.
		if c.cfg.EmitChunkOrdinal {
			for i := range out {
				out[i].Metadata["chunk_ordinal"] = startingOrdinal + i
			}
		}
		return out, nil
	}
	return chunks, nil
}

func normalizeStrategy(v Strategy) Strategy {
	s := strings.ToLower(strings.TrimSpace(string(v)))
	if s == "" {
		return StrategyFixedChars
	}
	if s == "greedy" {
		return StrategyFixedChars
	}
	// AST/hybrid/semantic are unspecified per the source's own contradiction
	// between its dispatch site and its AST-specific tests; ship only the
	// strategies fully specified here and fall back to fixed_chars like the
	// dispatch site does.
	switch s {
	case "ast", "hybrid", "semantic":
		return StrategyFixedChars
	}
	return Strategy(s)
}

func detectLanguage(filePath string) string {
	switch {
	case strings.HasSuffix(filePath, ".py"):
		return "python"
	case strings.HasSuffix(filePath, ".ts"), strings.HasSuffix(filePath, ".tsx"):
		return "typescript"
	case strings.HasSuffix(filePath, ".js"), strings.HasSuffix(filePath, ".jsx"):
		return "javascript"
	default:
		return ""
	}
}

func newlinePositions(content string) []int {
	var out []int
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			out = append(out, i)
		}
	}
	return out
}

// lineSpan computes [start_line, end_line] (inclusive) for [start, end) via
// the rank of newlines strictly before each offset, as in the original
// bisect.bisect_left-based computation.
func lineSpan(nlPositions []int, start, end, baseLine int) (int, int) {
	startLine := baseLine + tokenizer.SortedInsertionRank(nlPositions, start)
	e := end
	if start > e {
		e = start
	}
	endLine := baseLine + tokenizer.SortedInsertionRank(nlPositions, e)
	if endLine < startLine {
		endLine = startLine
	}
	return startLine, endLine
}

func (c *Chunker) spansFixedChars(content string) []span {
	size := c.cfg.ChunkSize
	if size < 100 {
		size = 100
	}
	overlap := c.cfg.ChunkOverlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 5
	}
	var spans []span
	start := 0
	n := len(content)
	for start < n {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, span{start, end})
		if end == n {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return spans
}

func (c *Chunker) spansFixedTokens(content string) []span {
	r := c.tok.TokenizeWithOffsets(content)
	target := c.cfg.TargetTokens
	if c.cfg.MaxChunkTokens > 0 && target > c.cfg.MaxChunkTokens {
		target = c.cfg.MaxChunkTokens
	}
	overlap := c.cfg.OverlapTokens
	if overlap > target-1 {
		overlap = target - 1
	}
	if overlap < 0 {
		overlap = 0
	}

	n := len(r.TokenStarts)
	if n == 0 {
		if strings.TrimSpace(content) != "" {
			return []span{{0, len(content)}}
		}
		return nil
	}

	var spans []span
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
		spans = append(spans, span{startChar, endChar})
		if endTok >= n {
			break
		}
		next := endTok - overlap
		if next <= startTok {
			next = startTok + 1 // guarantee forward progress
		}
		startTok = next
	}
	return spans
}

// splitSpanBySeparator splits content[start:end) at occurrences of sep,
// attaching the separator to the previous piece (suffix), the next piece
// (prefix), or dropping it (none). The prefix branch builds an explicit cut
// list so leading/consecutive separators still guarantee forward progress.
func (c *Chunker) splitSpanBySeparator(content string, start, end int, sep string, keep SeparatorKeep) []span {
	if sep == "" {
		sub := content[start:end]
		out := make([]span, 0)
		for _, s := range c.spansFixedTokens(sub) {
			out = append(out, span{start + s.start, start + s.end})
		}
		return out
	}

	if keep == KeepPrefix {
		j := indexFrom(content, sep, start, end)
		if j < 0 {
			if end > start {
				return []span{{start, end}}
			}
			return nil
		}
		cuts := []int{start}
		for j >= 0 {
			cuts = append(cuts, j)
			next := j + len(sep)
			if next <= j {
				next = j + 1
			}
			j = indexFrom(content, sep, next, end)
		}
		cuts = append(cuts, end)
		var spans []span
		for i := 0; i < len(cuts)-1; i++ {
			if cuts[i+1] > cuts[i] {
				spans = append(spans, span{cuts[i], cuts[i+1]})
			}
		}
		return spans
	}

	var spans []span
	i := start
	for {
		j := indexFrom(content, sep, i, end)
		if j < 0 {
			break
		}
		if keep == KeepSuffix {
			cut := j + len(sep)
			spans = append(spans, span{i, cut})
			i = cut
		} else {
			spans = append(spans, span{i, j})
			i = j + len(sep)
		}
	}
	if i < end {
		spans = append(spans, span{i, end})
	}
	out := spans[:0]
	for _, s := range spans {
		if s.end > s.start {
			out = append(out, s)
		}
	}
	return out
}

func indexFrom(content, sep string, start, end int) int {
	if start >= end || start >= len(content) {
		return -1
	}
	if end > len(content) {
		end = len(content)
	}
	idx := strings.Index(content[start:end], sep)
	if idx < 0 {
		return -1
	}
	return start + idx
}

func (c *Chunker) spansRecursive(content string) []span {
	seps := c.cfg.Separators
	if len(seps) == 0 {
		seps = []string{"\n\n", "\n", ". ", " ", ""}
	}
	keep := c.cfg.SeparatorKeep
	if keep == "" {
		keep = KeepSuffix
	}
	maxDepth := c.cfg.RecursiveMaxDepth
	target := c.cfg.TargetTokens

	var rec func(start, end, depth int) []span
	rec = func(start, end, depth int) []span {
		if end <= start {
			return nil
		}
		txt := content[start:end]
		if depth >= maxDepth {
			return []span{{start, end}}
		}
		if c.tok.CountTokens(txt) <= target {
			return []span{{start, end}}
		}
		sepIdx := depth
		if sepIdx >= len(seps) {
			sepIdx = len(seps) - 1
		}
		pieces := c.splitSpanBySeparator(content, start, end, seps[sepIdx], keep)
		var out []span
		for _, p := range pieces {
			out = append(out, rec(p.start, p.end, depth+1)...)
		}
		return out
	}

	atomic := rec(0, len(content), 0)
	return c.packByTokenBudget(content, atomic, target)
}

// packByTokenBudget greedily merges adjacent atomic spans while their
// combined token count stays within target; shared by recursive, sentence,
// and qa_blocks leaf-packing.
func (c *Chunker) packByTokenBudget(content string, atomic []span, target int) []span {
	var packed []span
	var cur *span
	curTok := 0
	for _, s := range atomic {
		partTok := c.tok.CountTokens(content[s.start:s.end])
		if cur == nil {
			cp := s
			cur = &cp
			curTok = partTok
			continue
		}
		if curTok+partTok <= target {
			cur.end = s.end
			curTok += partTok
			continue
		}
		packed = append(packed, *cur)
		cp := s
		cur = &cp
		curTok = partTok
	}
	if cur != nil {
		packed = append(packed, *cur)
	}
	return packed
}

var markdownHeadingRe = func(maxLevel int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?m)^#{1,%d}\s+.+$`, maxLevel))
}

func (c *Chunker) spansMarkdown(content string) []span {
	maxLevel := c.cfg.MarkdownMaxHeadingLevel
	if maxLevel < 1 {
		maxLevel = 6
	}
	rx := markdownHeadingRe(maxLevel)
	locs := rx.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return c.spansRecursive(content)
	}
	hits := make([]int, len(locs))
	for i, l := range locs {
		hits[i] = l[0]
	}
	cuts := uniqueSortedInts(append(append([]int{0}, hits...), len(content)))

	var spans []span
	for i := 0; i < len(cuts)-1; i++ {
		a, b := cuts[i], cuts[i+1]
		if b <= a {
			continue
		}
		for _, s := range c.spansRecursive(content[a:b]) {
			spans = append(spans, span{a + s.start, a + s.end})
		}
	}
	out := spans[:0]
	for _, s := range spans {
		if s.end > s.start {
			out = append(out, s)
		}
	}
	return out
}

func uniqueSortedInts(xs []int) []int {
	sort.Ints(xs)
	out := xs[:0]
	var prev int
	first := true
	for _, x := range xs {
		if first || x != prev {
			out = append(out, x)
			prev = x
			first = false
		}
	}
	return out
}

var sentenceBoundaryRe = regexp.MustCompile(`[.!?]\s+`)

// sentenceBoundaries reports split points satisfying the lookbehind/lookahead
// boundary `(?<=[.!?])\s+(?=[A-Z0-9"'(])`, which Go's RE2 cannot express
// directly; this walks the terminator matches and re-checks the lookahead
// class by hand.
func sentenceBoundaries(content string) []int {
	var bounds []int
	for _, m := range sentenceBoundaryRe.FindAllStringIndex(content, -1) {
		end := m[1]
		if end >= len(content) {
			continue
		}
		r := rune(content[end])
		if isSentenceStartClass(r) {
			bounds = append(bounds, m[0]+1) // boundary right after the terminator
		}
	}
	return bounds
}

func isSentenceStartClass(r rune) bool {
	if r >= 'A' && r <= 'Z' {
		return true
	}
	if r >= '0' && r <= '9' {
		return true
	}
	switch r {
	case '"', '\'', '(':
		return true
	}
	return false
}

func (c *Chunker) spansSentence(content string) []span {
	bounds := sentenceBoundaries(content)
	var parts []span
	start := 0
	for _, end := range bounds {
		if end > start {
			parts = append(parts, span{start, end})
		}
		// advance past the whitespace run that follows the terminator
		i := end
		for i < len(content) && (content[i] == ' ' || content[i] == '\t' || content[i] == '\n' || content[i] == '\r') {
			i++
		}
		start = i
	}
	if start < len(content) {
		parts = append(parts, span{start, len(content)})
	}
	return c.packByTokenBudget(content, parts, c.cfg.TargetTokens)
}

var qaBlockRe = regexp.MustCompile(`(?m)^(?:Q:|A:)`)

func (c *Chunker) spansQABlocks(content string) []span {
	locs := qaBlockRe.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return c.spansSentence(content)
	}
	hits := make([]int, len(locs))
	for i, l := range locs {
		hits[i] = l[0]
	}
	cuts := uniqueSortedInts(append(append([]int{0}, hits...), len(content)))
	var parts []span
	for i := 0; i < len(cuts)-1; i++ {
		if cuts[i+1] > cuts[i] {
			parts = append(parts, span{cuts[i], cuts[i+1]})
		}
	}
	return c.packByTokenBudget(content, parts, c.cfg.TargetTokens)
}

func (c *Chunker) splitChunkByTokens(chunk storage.Chunk, maxTokens int, language, parentDocID string) []storage.Chunk {
	text := chunk.Content
	r := c.tok.TokenizeWithOffsets(text)
	n := len(r.TokenStarts)
	if n <= maxTokens {
		return []storage.Chunk{chunk}
	}

	var spans []span
	startTok := 0
	for startTok < n {
		endTok := startTok + maxTokens
		if endTok > n {
			endTok = n
		}
		startChar := r.TokenStarts[startTok]
		endChar := len(r.Text)
		if endTok < n {
			endChar = r.TokenStarts[endTok]
		}
		spans = append(spans, span{startChar, endChar})
		startTok = endTok
	}

	baseChar, _ := chunk.Metadata["char_start"].(int)
	baseLine := chunk.StartLine
	if baseLine < 1 {
		baseLine = 1
	}
	nlPositions := newlinePositions(text)

	var out []storage.Chunk
	for _, sp := range spans {
		sub := text[sp.start:sp.end]
		if len(sub) < c.cfg.MinChunkChars {
			continue
		}
		absStart := baseChar + sp.start
		startLine, endLine := lineSpan(nlPositions, sp.start, sp.end, baseLine)
		tokCount := c.tok.CountTokens(sub)

		meta := make(map[string]any, len(chunk.Metadata)+2)
		for k, v := range chunk.Metadata {
			meta[k] = v
		}
		meta["char_start"] = absStart
		meta["char_end"] = baseChar + sp.end
		// chunk_ordinal is deliberately not set here: splitting one
		// over-budget chunk into several sub-chunks happens per-chunk, so any
		// ordinal assigned here would restart per split instead of
		// continuing the document-wide sequence. ChunkText renumbers the
		// whole expanded list in one final pass after all splits are done.
		delete(meta, "chunk_ordinal")
		if parentDocID != "" {
			meta["parent_doc_id"] = parentDocID
		}

		out = append(out, storage.Chunk{
			ChunkID:    fmt.Sprintf("%s:%d-%d:%d", chunk.FilePath, startLine, endLine, absStart),
			Content:    sub,
			FilePath:   chunk.FilePath,
			StartLine:  startLine,
			EndLine:    endLine,
			Language:   language,
			TokenCount: tokCount,
			Metadata:   meta,
		})
	}
	return out
}

// Package chat implements the chat orchestrator (C8): system prompt
// assembly, fusion-backed context retrieval, provider routing, and both
// the non-streaming and SSE-streaming OpenAI-compatible completion calls.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tribrid/fusionengine/internal/errs"
	"github.com/tribrid/fusionengine/internal/fusion"
	"github.com/tribrid/fusionengine/internal/observability"
	"github.com/tribrid/fusionengine/internal/provider"
	"github.com/tribrid/fusionengine/internal/reranking"
	"github.com/tribrid/fusionengine/internal/storage"
)

// ImageAttachment is one multimodal input image, either by URL or inline
// base64 (sent without a "data:" URI prefix; Go adds it when building the
// OpenAI-compatible request).
type ImageAttachment struct {
	URL      string
	MimeType string
	Base64   string
}

// Request is one chat turn's input.
type Request struct {
	Message       string
	CorpusIDs     []string
	IncludeVector bool
	IncludeSparse bool
	IncludeGraph  bool
	TopK          int
	ModelOverride string
	Images        []ImageAttachment

	// ContextText, when non-nil, is used verbatim as the "## Context" block
	// instead of rendering the retrieved chunks. An empty string is a valid
	// override (suppresses the Context block entirely); distinguish "not
	// supplied" from "supplied empty" with a pointer, matching context_text's
	// None-vs-"" semantics in the original chat generation code.
	ContextText *string
}

// Config is the chat section of the configuration snapshot (C10).
type Config struct {
	SystemPromptBase       string          `yaml:"system_prompt_base" json:"system_prompt_base"`
	SystemPromptRecallSuf  string          `yaml:"system_prompt_recall_suffix" json:"system_prompt_recall_suffix"`
	SystemPromptRAGSuf     string          `yaml:"system_prompt_rag_suffix" json:"system_prompt_rag_suffix"`
	RecallDefaultCorpusID  string          `yaml:"recall_default_corpus_id" json:"recall_default_corpus_id"`
	Temperature            float64         `yaml:"temperature" json:"temperature"`
	TemperatureNoRetrieval float64         `yaml:"temperature_no_retrieval" json:"temperature_no_retrieval"`
	MaxTokens              int             `yaml:"max_tokens" json:"max_tokens"`
	StreamTimeout          time.Duration   `yaml:"stream_timeout" json:"stream_timeout"`
	Provider               provider.Config `yaml:"provider" json:"provider"`
}

// Result is the outcome of a non-streaming chat turn.
type Result struct {
	Text        string
	Sources     []storage.ChunkMatch
	FusionDebug []fusion.StageDebug
	Route       provider.Route
}

// Orchestrator wires fusion retrieval, provider routing, and the
// OpenAI-compatible wire protocol into one chat turn.
type Orchestrator struct {
	Fusion *fusion.Engine
	Cfg    Config
	Env    provider.Environ
	HTTP   *http.Client

	// Reranker rescopes the fused shortlist before it is rendered into the
	// prompt; nil disables reranking regardless of RerankModel/RerankTopN.
	Reranker    *reranking.Reranker
	RerankModel string
	RerankTopN  int
}

func (o *Orchestrator) httpClient() *http.Client {
	if o.HTTP != nil {
		return o.HTTP
	}
	timeout := o.Cfg.StreamTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return observability.NewHTTPClient(&http.Client{Timeout: timeout})
}

// buildSystemPrompt appends the recall and/or RAG suffix depending on which
// corpora were selected, mirroring the distinction between the always-on
// conversational-memory corpus and user-selected retrieval corpora.
func buildSystemPrompt(cfg Config, corpusIDs []string) string {
	var b strings.Builder
	b.WriteString(cfg.SystemPromptBase)

	recallID := cfg.RecallDefaultCorpusID
	if recallID == "" {
		recallID = "recall_default"
	}
	hasRecall, hasRAG := false, false
	for _, id := range corpusIDs {
		if id == recallID {
			hasRecall = true
		} else if id != "" {
			hasRAG = true
		}
	}
	if hasRecall {
		b.WriteString(cfg.SystemPromptRecallSuf)
	}
	if hasRAG {
		b.WriteString(cfg.SystemPromptRAGSuf)
	}
	prompt := strings.TrimSpace(b.String())
	if prompt == "" {
		return "You are a helpful assistant."
	}
	return prompt
}

// formatChunksForContext renders retrieved chunks as a markdown context
// block, one fenced code section per chunk headed by its file:line span.
func formatChunksForContext(matches []storage.ChunkMatch) string {
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		header := fmt.Sprintf("## %s:%d-%d", m.FilePath, m.StartLine, m.EndLine)
		if m.Language != "" {
			header += fmt.Sprintf(" (%s)", m.Language)
		}
		parts = append(parts, fmt.Sprintf("%s\n```\n%s\n```", header, m.Content))
	}
	return strings.Join(parts, "\n\n")
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

func attachmentToPart(att ImageAttachment) openAIContentPart {
	url := att.URL
	if url == "" {
		url = fmt.Sprintf("data:%s;base64,%s", att.MimeType, att.Base64)
	}
	return openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: url}}
}

func buildMessages(systemPrompt, userMessage string, images []ImageAttachment) []openAIMessage {
	var userContent any = userMessage
	if len(images) > 0 {
		parts := []openAIContentPart{{Type: "text", Text: userMessage}}
		for _, att := range images {
			parts = append(parts, attachmentToPart(att))
		}
		userContent = parts
	}
	return []openAIMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}
}

type chatCompletionBody struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
}

func requestURL(route provider.Route) string {
	base := strings.TrimRight(route.BaseURL, "/")
	if route.Kind == provider.KindOpenRouter {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

func requestHeaders(route provider.Route, cfg Config) (http.Header, error) {
	h := http.Header{"Content-Type": {"application/json"}}
	if route.Kind == provider.KindOpenRouter {
		if route.APIKey == "" {
			return nil, errs.NewFatal("OpenRouter enabled but OPENROUTER_API_KEY is not set")
		}
		h.Set("Authorization", "Bearer "+route.APIKey)
		if site := strings.TrimSpace(cfg.Provider.OpenRouter.SiteName); site != "" {
			h.Set("X-Title", site)
		}
	}
	return h, nil
}

// retrieve runs fusion search over the selected corpora, or returns no
// sources when the caller selected none (a plain, no-retrieval chat turn).
func (o *Orchestrator) retrieve(ctx context.Context, req Request) ([]storage.ChunkMatch, []fusion.StageDebug, error) {
	if len(req.CorpusIDs) == 0 || o.Fusion == nil {
		return nil, nil, nil
	}
	flags := fusion.Flags{IncludeVector: req.IncludeVector, IncludeSparse: req.IncludeSparse, IncludeGraph: req.IncludeGraph}
	res, err := o.Fusion.Search(ctx, req.CorpusIDs, req.Message, fusion.DefaultConfig(), flags, req.TopK)
	if err != nil {
		return nil, nil, fmt.Errorf("chat retrieval: %w", err)
	}
	matches := res.Matches
	if o.Reranker != nil {
		reranked, err := o.Reranker.Rerank(ctx, o.RerankModel, req.Message, matches, o.RerankTopN)
		if err != nil {
			// Reranker outage degrades to the unreranked fused order rather
			// than failing the whole chat turn.
			return matches, res.FusionDebug, nil
		}
		matches = reranked
	}
	return matches, res.FusionDebug, nil
}

func (o *Orchestrator) temperature(hasSources bool) float64 {
	if hasSources {
		return o.Cfg.Temperature
	}
	return o.Cfg.TemperatureNoRetrieval
}

func (o *Orchestrator) buildRequestBody(req Request, route provider.Route, sources []storage.ChunkMatch) chatCompletionBody {
	systemPrompt := buildSystemPrompt(o.Cfg, req.CorpusIDs)
	var contextBlock string
	if req.ContextText != nil {
		contextBlock = strings.TrimSpace(*req.ContextText)
	} else {
		contextBlock = formatChunksForContext(sources)
	}
	prompt := systemPrompt
	if contextBlock != "" {
		prompt = systemPrompt + "\n\n## Context\n" + contextBlock
	}
	return chatCompletionBody{
		Model:       route.Model,
		Messages:    buildMessages(prompt, req.Message, req.Images),
		Temperature: o.temperature(len(req.CorpusIDs) > 0),
		MaxTokens:   o.Cfg.MaxTokens,
	}
}

// Chat runs one non-streaming chat turn: retrieve, route, call, return.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Result, error) {
	sources, debug, err := o.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	route := provider.SelectRoute(o.Cfg.Provider, req.ModelOverride, o.Env)
	if route.Kind == provider.KindCloudDirect {
		return nil, errs.NewFatal("no cloud_direct provider configured")
	}

	body := o.buildRequestBody(req, route, sources)
	body.Stream = false

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	headers, err := requestHeaders(route, o.Cfg)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL(route), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header = headers

	resp, err := o.httpClient().Do(httpReq)
	if err != nil {
		return nil, &errs.TransientRemote{Op: "chat completion", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s chat completion error (status %d): %s", route.ProviderName, resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	text := ""
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
	}

	return &Result{Text: text, Sources: sources, FusionDebug: debug, Route: route}, nil
}

// StreamEvent is one SSE frame emitted by ChatStream; Type is one of
// "text", "done", or "error".
type StreamEvent struct {
	Type           string                `json:"type"`
	Content        string                `json:"content,omitempty"`
	Message        string                `json:"message,omitempty"`
	RunID          string                `json:"run_id,omitempty"`
	StartedAtMs    int64                 `json:"started_at_ms,omitempty"`
	EndedAtMs      int64                 `json:"ended_at_ms,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Sources        []storage.ChunkMatch  `json:"sources,omitempty"`
}

// ChatStream runs one streaming chat turn, emitting incremental "text"
// events followed by a terminal "done" event (or an "error" event on
// failure), then closing the channel. Callers render each StreamEvent as
// an SSE "data: {...}\n\n" frame.
func (o *Orchestrator) ChatStream(ctx context.Context, req Request, runID, conversationID string, startedAtMs int64) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go o.runStream(ctx, req, runID, conversationID, startedAtMs, out)
	return out
}

func (o *Orchestrator) runStream(ctx context.Context, req Request, runID, conversationID string, startedAtMs int64, out chan<- StreamEvent) {
	defer close(out)

	sources, _, err := o.retrieve(ctx, req)
	if err != nil {
		out <- StreamEvent{Type: "error", Message: err.Error()}
		return
	}
	route := provider.SelectRoute(o.Cfg.Provider, req.ModelOverride, o.Env)
	if route.Kind == provider.KindCloudDirect {
		out <- StreamEvent{Type: "error", Message: "no cloud_direct provider configured"}
		return
	}

	body := o.buildRequestBody(req, route, sources)
	body.Stream = true
	payload, err := json.Marshal(body)
	if err != nil {
		out <- StreamEvent{Type: "error", Message: err.Error()}
		return
	}
	headers, err := requestHeaders(route, o.Cfg)
	if err != nil {
		out <- StreamEvent{Type: "error", Message: err.Error()}
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL(route), bytes.NewReader(payload))
	if err != nil {
		out <- StreamEvent{Type: "error", Message: err.Error()}
		return
	}
	httpReq.Header = headers

	resp, err := o.httpClient().Do(httpReq)
	if err != nil {
		out <- StreamEvent{Type: "error", Message: err.Error()}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		out <- StreamEvent{Type: "error", Message: fmt.Sprintf("%s chat completion error (status %d): %s", route.ProviderName, resp.StatusCode, string(respBody))}
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		select {
		case out <- StreamEvent{Type: "text", Content: chunk.Choices[0].Delta.Content}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamEvent{Type: "error", Message: err.Error()}
		return
	}

	out <- StreamEvent{
		Type:           "done",
		RunID:          runID,
		StartedAtMs:    startedAtMs,
		EndedAtMs:      nowMs(),
		ConversationID: conversationID,
		Sources:        sources,
	}
}

// nowMs is a seam so tests can avoid wall-clock timestamps entirely by
// calling runStream's constituent pieces directly; production call sites
// use the real clock.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Package httpapi exposes the fusion engine's HTTP surface (§6): config
// CRUD, non-streaming and SSE-streaming chat, conversation history, and the
// latest-trace lookup, each a thin adapter onto config.Registry,
// chat.Orchestrator, storage.ConversationStore, and storage.TraceReader.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/tribrid/fusionengine/internal/chat"
	"github.com/tribrid/fusionengine/internal/config"
	"github.com/tribrid/fusionengine/internal/errs"
	"github.com/tribrid/fusionengine/internal/storage"
	"github.com/tribrid/fusionengine/internal/trace"
)

// Server wires the HTTP surface to the engine's core components.
type Server struct {
	Config        *config.Registry
	Chat          *chat.Orchestrator
	Conversations storage.ConversationStore
	Traces        storage.TraceReader
	TraceMirror   trace.Mirror

	mux *http.ServeMux
}

// NewServer builds a Server and registers its routes.
func NewServer(cfgRegistry *config.Registry, chatOrch *chat.Orchestrator, conversations storage.ConversationStore, traces storage.TraceReader, traceMirror trace.Mirror) *Server {
	s := &Server{
		Config:        cfgRegistry,
		Chat:          chatOrch,
		Conversations: conversations,
		Traces:        traces,
		TraceMirror:   traceMirror,
		mux:           http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	s.mux.HandleFunc("PATCH /api/config/{section}", s.handlePatchConfigSection)
	s.mux.HandleFunc("POST /api/config/reset", s.handleResetConfig)

	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("GET /api/chat/history/{conversation_id}", s.handleGetHistory)
	s.mux.HandleFunc("DELETE /api/chat/history/{conversation_id}", s.handleDeleteHistory)

	s.mux.HandleFunc("GET /api/traces/latest", s.handleLatestTrace)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeConfigError maps the config package's narrower error surface (always
// either "unknown corpus" or a validation failure) without depending on
// fmt.Errorf-wrapped messages carrying an errs type.
func writeConfigError(w http.ResponseWriter, err error) {
	if errors.Is(err, config.ErrCorpusNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func writeError(w http.ResponseWriter, err error) {
	var cfgErr *errs.ConfigError
	var fatal *errs.Fatal
	switch {
	case errors.Is(err, config.ErrCorpusNotFound) || errors.Is(err, storage.ErrCorpusNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &fatal):
		log.Error().Err(err).Msg("fatal error serving request")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("unhandled error serving request")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// GET /api/config?corpus_id=...
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	corpusID := r.URL.Query().Get("corpus_id")
	snap, err := s.Config.GetConfig(corpusID)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// PUT /api/config?corpus_id=...
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	corpusID := r.URL.Query().Get("corpus_id")
	var snap config.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.Config.PutSnapshot(corpusID, snap); err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// PATCH /api/config/{section}?corpus_id=...
func (s *Server) handlePatchConfigSection(w http.ResponseWriter, r *http.Request) {
	corpusID := r.URL.Query().Get("corpus_id")
	section := r.PathValue("section")

	var fields map[string]any
	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	// PatchSection deep-merges one YAML document with a single top-level
	// section key; re-wrap the caller's JSON body (bare section fields)
	// under that key and re-encode as YAML for the registry's contract.
	wrapped, err := yaml.Marshal(map[string]any{section: fields})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.Config.PatchSection(corpusID, wrapped); err != nil {
		writeConfigError(w, err)
		return
	}
	snap, err := s.Config.GetConfig(corpusID)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// POST /api/config/reset?corpus_id=...
func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	corpusID := r.URL.Query().Get("corpus_id")
	s.Config.Reset(corpusID)
	snap, err := s.Config.GetConfig(corpusID)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type chatRequestBody struct {
	Message        string   `json:"message"`
	CorpusIDs      []string `json:"corpus_ids"`
	IncludeVector  bool     `json:"include_vector"`
	IncludeSparse  bool     `json:"include_sparse"`
	IncludeGraph   bool     `json:"include_graph"`
	TopK           int      `json:"top_k"`
	ModelOverride  string   `json:"model_override"`
	ConversationID string   `json:"conversation_id"`
	ContextText    *string  `json:"context_text"`
}

func (b chatRequestBody) toChatRequest() chat.Request {
	return chat.Request{
		Message:       b.Message,
		CorpusIDs:     b.CorpusIDs,
		IncludeVector: b.IncludeVector,
		IncludeSparse: b.IncludeSparse,
		IncludeGraph:  b.IncludeGraph,
		TopK:          b.TopK,
		ModelOverride: b.ModelOverride,
		ContextText:   b.ContextText,
	}
}

// POST /api/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	runID := uuid.NewString()
	startedAt := time.Now()
	sink := trace.Start(r.Context(), runID, s.TraceMirror)
	sink.SetRepo(firstCorpusOrEmpty(body.CorpusIDs))
	sink.AddEvent("chat_start", map[string]any{"message": body.Message, "corpus_ids": body.CorpusIDs})

	result, err := s.Chat.Chat(r.Context(), body.toChatRequest())
	if err != nil {
		sink.AddEvent("chat_error", map[string]any{"error": err.Error()})
		_ = sink.End()
		writeError(w, err)
		return
	}
	sink.AddEvent("chat_end", map[string]any{"source_count": len(result.Sources)})
	_ = sink.End()

	if body.ConversationID != "" && s.Conversations != nil {
		now := time.Now()
		_ = s.Conversations.AppendMessage(r.Context(), body.ConversationID, storage.ConversationMessage{Role: "user", Content: body.Message, Timestamp: now})
		_ = s.Conversations.AppendMessage(r.Context(), body.ConversationID, storage.ConversationMessage{Role: "assistant", Content: result.Text, Timestamp: now})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":          runID,
		"started_at_ms":   startedAt.UnixMilli(),
		"ended_at_ms":     time.Now().UnixMilli(),
		"debug":           result.FusionDebug,
		"conversation_id": body.ConversationID,
		"message":         result.Text,
		"sources":         result.Sources,
	})
}

func firstCorpusOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// POST /api/chat/stream
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported by this response writer"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	runID := uuid.NewString()
	startedAtMs := time.Now().UnixMilli()
	sink := trace.Start(r.Context(), runID, s.TraceMirror)
	sink.SetRepo(firstCorpusOrEmpty(body.CorpusIDs))
	sink.AddEvent("chat_stream_start", map[string]any{"message": body.Message, "corpus_ids": body.CorpusIDs})

	events := s.Chat.ChatStream(r.Context(), body.toChatRequest(), runID, body.ConversationID, startedAtMs)
	enc := json.NewEncoder(w)
	var assembled string
	for ev := range events {
		if ev.Type == "text" {
			assembled += ev.Content
		}
		writeSSE(w, enc, ev)
		flusher.Flush()
		if ev.Type == "error" {
			sink.AddEvent("chat_stream_error", map[string]any{"error": ev.Message})
			_ = sink.End()
			return
		}
	}
	sink.AddEvent("chat_stream_end", map[string]any{"char_count": len(assembled)})
	_ = sink.End()

	if body.ConversationID != "" && s.Conversations != nil {
		now := time.Now()
		_ = s.Conversations.AppendMessage(r.Context(), body.ConversationID, storage.ConversationMessage{Role: "user", Content: body.Message, Timestamp: now})
		_ = s.Conversations.AppendMessage(r.Context(), body.ConversationID, storage.ConversationMessage{Role: "assistant", Content: assembled, Timestamp: now})
	}
}

func writeSSE(w http.ResponseWriter, enc *json.Encoder, ev chat.StreamEvent) {
	_, _ = w.Write([]byte("data: "))
	_ = enc.Encode(ev)
	_, _ = w.Write([]byte("\n"))
}

// GET /api/chat/history/{conversation_id}
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversation_id")
	if s.Conversations == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no conversation history configured"})
		return
	}
	history, found, err := s.Conversations.GetHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown conversation_id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "messages": history})
}

// DELETE /api/chat/history/{conversation_id}
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversation_id")
	if s.Conversations == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no conversation history configured"})
		return
	}
	deleted, err := s.Conversations.DeleteHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown conversation_id"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/traces/latest?repo=...&run_id=...
func (s *Server) handleLatestTrace(w http.ResponseWriter, r *http.Request) {
	if s.Traces == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no trace reader configured"})
		return
	}
	runID := r.URL.Query().Get("run_id")
	repo := r.URL.Query().Get("repo")
	if runID == "" {
		found := false
		runID, found = s.Traces.GetLatestRunID(r.Context(), repo)
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no trace recorded yet"})
			return
		}
	}
	raw, found := s.Traces.GetTrace(r.Context(), runID)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run_id"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

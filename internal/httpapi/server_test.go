package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tribrid/fusionengine/internal/chat"
	"github.com/tribrid/fusionengine/internal/config"
	"github.com/tribrid/fusionengine/internal/storage"
)

type fakeConversationStore struct {
	history map[string][]storage.ConversationMessage
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{history: map[string][]storage.ConversationMessage{}}
}

func (f *fakeConversationStore) AppendMessage(ctx context.Context, conversationID string, msg storage.ConversationMessage) error {
	f.history[conversationID] = append(f.history[conversationID], msg)
	return nil
}

func (f *fakeConversationStore) GetHistory(ctx context.Context, conversationID string) ([]storage.ConversationMessage, bool, error) {
	msgs, ok := f.history[conversationID]
	return msgs, ok, nil
}

func (f *fakeConversationStore) DeleteHistory(ctx context.Context, conversationID string) (bool, error) {
	_, ok := f.history[conversationID]
	delete(f.history, conversationID)
	return ok, nil
}

type fakeTraceReader struct {
	traces     map[string][]byte
	latestByID map[string]string
}

func (f *fakeTraceReader) GetTrace(ctx context.Context, runID string) ([]byte, bool) {
	v, ok := f.traces[runID]
	return v, ok
}

func (f *fakeTraceReader) GetLatestRunID(ctx context.Context, repo string) (string, bool) {
	v, ok := f.latestByID[repo]
	return v, ok
}

func newServerForTest() (*Server, *fakeConversationStore, *fakeTraceReader) {
	reg := config.NewRegistry(config.Default())
	convs := newFakeConversationStore()
	traces := &fakeTraceReader{traces: map[string][]byte{}, latestByID: map[string]string{}}
	orch := &chat.Orchestrator{}
	s := NewServer(reg, orch, convs, traces, nil)
	return s, convs, traces
}

func TestHandleGetConfig_UnknownCorpusReturns404(t *testing.T) {
	s, _, _ := newServerForTest()
	req := httptest.NewRequest(http.MethodGet, "/api/config?corpus_id=nope", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlePutThenGetConfig_RoundTrips(t *testing.T) {
	s, _, _ := newServerForTest()
	snap := config.Default()
	snap.Chat.SystemPromptBase = "custom prompt"
	body, _ := json.Marshal(snap)

	putReq := httptest.NewRequest(http.MethodPut, "/api/config?corpus_id=acme", bytes.NewReader(body))
	putW := httptest.NewRecorder()
	s.ServeHTTP(putW, putReq)
	if putW.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d: %s", putW.Code, putW.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/config?corpus_id=acme", nil)
	getW := httptest.NewRecorder()
	s.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", getW.Code)
	}
	var got config.Snapshot
	if err := json.Unmarshal(getW.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Chat.SystemPromptBase != "custom prompt" {
		t.Fatalf("expected custom prompt to round-trip, got %q", got.Chat.SystemPromptBase)
	}
}

func TestHandlePatchConfigSection_MergesIntoDefaults(t *testing.T) {
	s, _, _ := newServerForTest()
	patchBody, _ := json.Marshal(map[string]any{"system_prompt_base": "patched"})
	req := httptest.NewRequest(http.MethodPatch, "/api/config/chat?corpus_id=acme", bytes.NewReader(patchBody))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got config.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Chat.SystemPromptBase != "patched" {
		t.Fatalf("expected patched prompt, got %q", got.Chat.SystemPromptBase)
	}
}

func TestHandleResetConfig_RestoresDefaults(t *testing.T) {
	s, _, _ := newServerForTest()
	patchBody, _ := json.Marshal(map[string]any{"system_prompt_base": "patched"})
	patchReq := httptest.NewRequest(http.MethodPatch, "/api/config/chat?corpus_id=acme", bytes.NewReader(patchBody))
	s.ServeHTTP(httptest.NewRecorder(), patchReq)

	resetReq := httptest.NewRequest(http.MethodPost, "/api/config/reset?corpus_id=acme", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, resetReq)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got config.Snapshot
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Chat.SystemPromptBase != config.Default().Chat.SystemPromptBase {
		t.Fatalf("expected reset to restore default prompt, got %q", got.Chat.SystemPromptBase)
	}
}

func TestHandleGetHistory_UnknownConversationReturns404(t *testing.T) {
	s, _, _ := newServerForTest()
	req := httptest.NewRequest(http.MethodGet, "/api/chat/history/nope", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleGetAndDeleteHistory(t *testing.T) {
	s, convs, _ := newServerForTest()
	_ = convs.AppendMessage(context.Background(), "conv1", storage.ConversationMessage{Role: "user", Content: "hi"})

	getReq := httptest.NewRequest(http.MethodGet, "/api/chat/history/conv1", nil)
	getW := httptest.NewRecorder()
	s.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getW.Code, getW.Body.String())
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/chat/history/conv1", nil)
	delW := httptest.NewRecorder()
	s.ServeHTTP(delW, delReq)
	if delW.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delW.Code)
	}

	getReq2 := httptest.NewRequest(http.MethodGet, "/api/chat/history/conv1", nil)
	getW2 := httptest.NewRecorder()
	s.ServeHTTP(getW2, getReq2)
	if getW2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", getW2.Code)
	}
}

func TestHandleLatestTrace_NoTraceReturns404(t *testing.T) {
	s, _, _ := newServerForTest()
	req := httptest.NewRequest(http.MethodGet, "/api/traces/latest?repo=acme", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleLatestTrace_ByRepoResolvesLatestRunID(t *testing.T) {
	s, _, traces := newServerForTest()
	traces.latestByID["acme"] = "run-123"
	traces.traces["run-123"] = []byte(`[{"kind":"chat_start"}]`)

	req := httptest.NewRequest(http.MethodGet, "/api/traces/latest?repo=acme", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `[{"kind":"chat_start"}]` {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

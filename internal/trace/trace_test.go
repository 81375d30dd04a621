package trace

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeMirror struct {
	runID string
	saved []byte
}

func (f *fakeMirror) SetTrace(ctx context.Context, runID string, eventsJSON []byte) error {
	f.runID = runID
	f.saved = eventsJSON
	return nil
}

func TestSinkRecordsEventsAndMirrorsOnEnd(t *testing.T) {
	m := &fakeMirror{}
	s := Start(context.Background(), "run-1", m)
	s.AddEvent("retrieve_start", map[string]any{"corpus_ids": []string{"docs"}})
	s.AddEvent("retrieve_end", map[string]any{"count": 3})

	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if m.runID != "run-1" {
		t.Fatalf("expected mirror to receive run-1, got %s", m.runID)
	}
	var events []Event
	if err := json.Unmarshal(m.saved, &events); err != nil {
		t.Fatalf("unmarshal mirrored events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != "retrieve_start" {
		t.Fatalf("unexpected first event kind %s", events[0].Kind)
	}
}

func TestSinkEndIsIdempotent(t *testing.T) {
	m := &fakeMirror{}
	s := Start(context.Background(), "run-2", m)
	s.AddEvent("a", nil)
	if err := s.End(); err != nil {
		t.Fatalf("first End: %v", err)
	}
	firstSaved := m.saved
	m.saved = nil
	if err := s.End(); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if m.saved != nil {
		t.Fatalf("expected second End to be a no-op, mirror was called again")
	}
	_ = firstSaved
}

func TestAddEvent_RedactsSensitiveFieldsBeforeMirroring(t *testing.T) {
	m := &fakeMirror{}
	s := Start(context.Background(), "run-4", m)
	s.AddEvent("chat_start", map[string]any{"message": "hi", "authorization": "Bearer sk-secret"})
	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	var events []Event
	if err := json.Unmarshal(m.saved, &events); err != nil {
		t.Fatalf("unmarshal mirrored events: %v", err)
	}
	if got := events[0].Data["authorization"]; got != "[REDACTED]" {
		t.Fatalf("expected authorization to be redacted in mirrored snapshot, got %v", got)
	}
	if got := events[0].Data["message"]; got != "hi" {
		t.Fatalf("expected non-sensitive field to survive redaction, got %v", got)
	}
}

func TestAddEventAfterEndIsDiscarded(t *testing.T) {
	s := Start(context.Background(), "run-3", nil)
	s.AddEvent("before_end", nil)
	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	s.AddEvent("after_end", nil)
	if len(s.Events()) != 1 {
		t.Fatalf("expected discarded post-End event, got %d events", len(s.Events()))
	}
}

// Package trace implements the run trace sink (C9): one Sink per chat/query
// run_id, recording Start/AddEvent/End as both a structured zerolog stream
// and (optionally) a Redis-backed snapshot for the latest-trace API.
package trace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tribrid/fusionengine/internal/observability"
)

// Event is one recorded trace point.
type Event struct {
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Mirror persists a run's JSON-encoded event list for later retrieval (e.g.
// GET /api/traces/latest); RedisQueryCache's connection backs the concrete
// implementation. The payload is pre-marshaled JSON rather than []Event so
// this package has no dependents reaching back into it for the type.
type Mirror interface {
	SetTrace(ctx context.Context, runID string, eventsJSON []byte) error
}

// latestSetter is an optional capability a Mirror may also implement to back
// GET /api/traces/latest?repo=... with no run_id query. Detected via type
// assertion in End so Mirror itself stays a single-method contract.
type latestSetter interface {
	SetLatestRunID(ctx context.Context, repo, runID string) error
}

// Sink accumulates one run's events. Safe for concurrent AddEvent calls;
// End is idempotent and a subsequent AddEvent after End is discarded with a
// warning rather than panicking or silently corrupting an already-closed run.
type Sink struct {
	runID  string
	mu     sync.Mutex
	events []Event
	ended  bool
	logger zerolog.Logger
	mirror Mirror
	ctx    context.Context
	repo   string // optional label for the latest-trace-by-repo lookup
}

// SetRepo tags this run with a repo label used by GET /api/traces/latest
// when no run_id is given. Safe to call at any point before End.
func (s *Sink) SetRepo(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo = repo
}

// Start begins a new trace for runID. The supplied context is retained only
// for the Mirror write at End; it is not used to cancel in-flight AddEvent
// calls. The sink's logger is trace-enriched from ctx (trace_id/span_id) the
// same way every other component in this module derives its logger.
func Start(ctx context.Context, runID string, mirror Mirror) *Sink {
	logger := observability.LoggerWithTrace(ctx).With().Str("run_id", runID).Logger()
	return &Sink{
		runID:  runID,
		logger: logger,
		mirror: mirror,
		ctx:    ctx,
	}
}

// AddEvent records one event and logs it immediately. Once End has been
// called, further AddEvent calls are discarded with a warning log instead
// of being appended to the (already persisted) event list.
func (s *Sink) AddEvent(kind string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		s.logger.Warn().Str("kind", kind).Msg("trace event discarded: sink already ended")
		return
	}
	entry := s.logger.Info().Str("kind", kind)
	if len(data) > 0 {
		if raw, err := json.Marshal(data); err == nil {
			redacted := observability.RedactJSON(raw)
			entry = entry.RawJSON("data", redacted)
			// Store the redacted form too: events are mirrored verbatim to
			// Redis and served back by GET /api/traces/latest, so a secret
			// redacted from the log stream must not survive in the at-rest
			// snapshot either.
			var redactedData map[string]any
			if err := json.Unmarshal(redacted, &redactedData); err == nil {
				data = redactedData
			}
		}
	}
	entry.Msg("trace event")

	ev := Event{Kind: kind, Data: data, Timestamp: time.Now()}
	s.events = append(s.events, ev)
}

// End finalizes the run, mirroring the full event list if a Mirror was
// configured. Idempotent: subsequent calls are no-ops and return nil.
func (s *Sink) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	events := append([]Event(nil), s.events...)
	repo := s.repo
	s.mu.Unlock()

	s.logger.Info().Int("event_count", len(events)).Msg("trace ended")

	if s.mirror == nil {
		return nil
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return err
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.mirror.SetTrace(ctx, s.runID, payload); err != nil {
		return err
	}
	if repo != "" {
		if ls, ok := s.mirror.(latestSetter); ok {
			if err := ls.SetLatestRunID(ctx, repo, s.runID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Events returns a snapshot of the events recorded so far.
func (s *Sink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

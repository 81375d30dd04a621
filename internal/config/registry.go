package config

import (
	"errors"
	"sync"

	"gopkg.in/yaml.v2"
)

// ErrCorpusNotFound is returned by GetConfig for a corpus with no stored
// overlay; callers must not auto-create an entry on a miss.
var ErrCorpusNotFound = errors.New("config: unknown corpus_id")

// Registry holds a default snapshot plus one overlay per corpus_id, with
// per-corpus write serialization so concurrent section PATCHes never
// interleave and clobber one another (spec scenario: two concurrent
// PATCH /api/config/{section} calls for the same corpus).
type Registry struct {
	mu       sync.RWMutex // guards defaults and the overlays map itself
	defaults Snapshot
	overlays map[string]*corpusEntry
}

type corpusEntry struct {
	mu   sync.Mutex // serializes writes to this one corpus's snapshot
	snap Snapshot
}

// NewRegistry builds a Registry seeded with defaults.
func NewRegistry(defaults Snapshot) *Registry {
	return &Registry{defaults: defaults, overlays: map[string]*corpusEntry{}}
}

// GetConfig returns corpusID's effective snapshot, failing with
// ErrCorpusNotFound and no mutation if no overlay has ever been written for
// it. Corpora with no explicit config yet must be created via PutSnapshot
// or PatchSection first (typically at corpus-registration time).
func (r *Registry) GetConfig(corpusID string) (Snapshot, error) {
	r.mu.RLock()
	e, ok := r.overlays[corpusID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrCorpusNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap, nil
}

// GetConfigOrDefault is GetConfig with the registry defaults as a fallback
// for a missing overlay, for read paths that run with sane defaults rather than fail a corpus that simply hasn't had
// its config explicitly touched yet.
func (r *Registry) GetConfigOrDefault(corpusID string) Snapshot {
	snap, err := r.GetConfig(corpusID)
	if err != nil {
		return r.defaults
	}
	return snap
}

// PutSnapshot replaces corpusID's overlay wholesale (PUT /api/config).
func (r *Registry) PutSnapshot(corpusID string, snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	r.entry(corpusID).withLock(func(cur *Snapshot) error {
		*cur = snap
		return nil
	})
	return nil
}

// PatchSection deep-merges sectionYAML (a YAML document for exactly one
// top-level section key, e.g. "chunking: {chunk_size: 512}") into
// corpusID's current snapshot (starting from defaults if no overlay yet
// exists), validating the result before committing it. Per-corpus
// serialization (corpusEntry.mu) makes two concurrent PATCHes to the same
// corpus apply in some order rather than racing to clobber each other.
func (r *Registry) PatchSection(corpusID string, sectionYAML []byte) error {
	entry := r.entry(corpusID)
	return entry.withLock(func(cur *Snapshot) error {
		merged := *cur
		if err := yaml.Unmarshal(sectionYAML, &merged); err != nil {
			return err
		}
		if err := merged.Validate(); err != nil {
			return err
		}
		*cur = merged
		return nil
	})
}

// Reset restores corpusID's overlay to the registry defaults.
func (r *Registry) Reset(corpusID string) {
	r.entry(corpusID).withLock(func(cur *Snapshot) error {
		*cur = r.defaults
		return nil
	})
}

func (r *Registry) entry(corpusID string) *corpusEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.overlays[corpusID]
	if !ok {
		e = &corpusEntry{snap: r.defaults}
		r.overlays[corpusID] = e
	}
	return e
}

func (e *corpusEntry) withLock(fn func(cur *Snapshot) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.snap)
}

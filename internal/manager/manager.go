package manager

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/loader"
)

// Manager owns the native backend, the loaded model, the contexts created
// from it, per-session sequence ids and the on-disk session KV caches.
//
// Locks: mu guards the model and its stats (RLock for reads such as
// tokenization, Lock for load); kvMu guards cache metadata; seqMu guards
// sequence ids. Each Context additionally carries its own lock.
type Manager struct {
	cfg Config
	log zerolog.Logger
	pub EventPublisher
	now func() time.Time

	mu           sync.RWMutex
	state        State
	err          string
	backend      engine.Backend
	loader       *loader.Loader
	model        engine.Model
	stats        *LoadStats
	liveContexts int

	kvMu   sync.Mutex
	kvMeta map[string]*KVCacheMetadata
	// saving counts in-flight saves per session; eviction skips them.
	saving map[string]int

	seqMu sync.Mutex
	seqs  map[string]int
}

// New constructs a Manager for the given model configuration.
func New(mc config.ModelConfig) (*Manager, error) {
	return NewWithConfig(Config{Model: mc})
}

// Ready reports whether a model is loaded.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.model != nil
}

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	s := Snapshot{State: m.state, Err: m.err, LiveContexts: m.liveContexts}
	if m.stats != nil {
		st := *m.stats
		s.Stats = &st
	}
	m.mu.RUnlock()

	m.seqMu.Lock()
	s.Sequences = len(m.seqs)
	m.seqMu.Unlock()

	m.kvMu.Lock()
	s.KVCacheEntries = len(m.kvMeta)
	m.kvMu.Unlock()
	return s
}

// Tokenize converts text with the loaded model's vocabulary.
func (m *Manager) Tokenize(text string, addBOS bool) ([]engine.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return nil, ErrModelNotLoaded
	}
	return m.model.Tokenize(text, addBOS)
}

// TokenToPiece returns the text for a single token.
func (m *Manager) TokenToPiece(tok engine.Token) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return "", ErrModelNotLoaded
	}
	return m.model.TokenToPiece(tok)
}

// IsEOG reports whether tok ends generation.
func (m *Manager) IsEOG(tok engine.Token) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return true
	}
	return m.model.IsEOG(tok)
}

// Close frees the model. Contexts must be closed first. The backend is
// process-wide and stays initialized, so LoadModel may be called again.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		_ = m.model.Close()
		m.model = nil
	}
	m.state = StateIdle
	m.pub.Publish(Event{Name: "manager_closed"})
	return nil
}

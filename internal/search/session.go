package search

import (
	"sync"

	"github.com/shopscout/shopscout/internal/metrics"
)

// SourceState is one source's standing within a session.
type SourceState struct {
	Enabled bool
	Reason  string // why it was disabled, empty while enabled
}

// Session tracks per-source circuit state across the searches of one
// user session. Disabling is monotonic: once a source is out, nothing
// re-enables it until a new session starts.
type Session struct {
	mu     sync.Mutex
	states map[string]SourceState
}

// NewSession starts a session with every source enabled.
func NewSession() *Session {
	return &Session{states: make(map[string]SourceState)}
}

// Enabled reports whether the source is still in rotation. Sources
// never seen before are enabled by default.
func (s *Session) Enabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	if !ok {
		return true
	}
	return state.Enabled
}

// Disable takes a source out of rotation for the rest of the session.
// The first reason wins; later calls are no-ops.
func (s *Session) Disable(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[name]; ok && !state.Enabled {
		return
	}
	s.states[name] = SourceState{Enabled: false, Reason: reason}
	metrics.SourceDisabledTotal.WithLabelValues(name, reason).Inc()
}

// State returns the source's current state.
func (s *Session) State(name string) SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[name]; ok {
		return state
	}
	return SourceState{Enabled: true}
}

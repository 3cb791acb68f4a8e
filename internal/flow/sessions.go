package flow

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Sessions maps conversation ids to their task states. The registry is safe
// for concurrent use; each state is only touched by its own conversation.
type Sessions struct {
	mu     sync.RWMutex
	states map[string]*TaskState
}

// NewSessions creates an empty registry.
func NewSessions() *Sessions {
	return &Sessions{states: make(map[string]*TaskState)}
}

// Begin registers state under id, replacing any previous state.
func (s *Sessions) Begin(id string, state *TaskState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[id]; exists {
		slog.Warn("Sessions.Begin: replacing existing session", "sessionID", id)
	}
	s.states[id] = state
	slog.Debug("Sessions.Begin: session registered", "sessionID", id, "domain", state.Domain().Name, "active", len(s.states))
}

// Get returns the state of a session.
func (s *Sessions) Get(id string) (*TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return state, nil
}

// End discards a session. Ending an unknown session is a no-op.
func (s *Sessions) End(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	slog.Debug("Sessions.End: session discarded", "sessionID", id, "active", len(s.states))
}

// IDs lists active session ids, sorted.
func (s *Sessions) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of active sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Package session runs the lifecycle of one phone call: media
// WebSocket in, agent graph in the middle, paced audio out.
package session

import (
	"fmt"
	"sync"
)

// Registry tracks live sessions by call id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session. A second session for the same call id is
// rejected.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.CallID()]; ok {
		return fmt.Errorf("session: call %s already active", s.CallID())
	}
	r.sessions[s.CallID()] = s
	return nil
}

// Remove drops the session for callID, if any.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	delete(r.sessions, callID)
	r.mu.Unlock()
}

// Get returns the session for callID.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Len reports how many calls are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

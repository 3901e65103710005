package session

import (
	"fmt"
	"iter"
	"sync"
)

// Registry maps session ids to live sessions. It is the only state shared
// across sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s under id
func (r *Registry) Register(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("register %s: %w", id, ErrDuplicateID)
	}
	r.sessions[id] = s
	return nil
}

// Unregister removes and returns the session for id
func (r *Registry) Unregister(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unregister %s: %w", id, ErrNotFound)
	}
	delete(r.sessions, id)
	return s, nil
}

// Get returns the session for id
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// All returns a sequence over the sessions present at the time of the call.
// Later registrations and removals do not affect it.
func (r *Registry) All() iter.Seq[*Session] {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	return func(yield func(*Session) bool) {
		for _, s := range snapshot {
			if !yield(s) {
				return
			}
		}
	}
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

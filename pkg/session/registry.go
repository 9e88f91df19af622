package session

import (
	"fmt"
	"sync"
)

// Registry is the in-memory table of sessions. Values are copied in and
// out so callers never share a record with the table.
type Registry struct {
	sessions map[string]Session
	mutex    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Add inserts a new session, failing if the id is taken
func (r *Registry) Add(s Session) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	r.sessions[s.ID] = s.clone()
	return nil
}

// Get returns a copy of the session
func (r *Registry) Get(id string) (Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Update stores s, inserting it if absent
func (r *Registry) Update(s Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sessions[s.ID] = s.clone()
}

// Mutate applies fn to the stored session as one atomic step. Nothing is
// written if the id is absent or fn returns an error, so a removed session
// is never brought back by a late writer.
func (r *Registry) Mutate(id string, fn func(s *Session) error) (Session, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	current, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := current.clone()
	if err := fn(&next); err != nil {
		return current.clone(), err
	}
	r.sessions[id] = next
	return next.clone(), nil
}

// Remove deletes the session and reports whether it existed
func (r *Registry) Remove(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns a copy of every session keyed by id
func (r *Registry) List() map[string]Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make(map[string]Session, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s.clone()
	}
	return out
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

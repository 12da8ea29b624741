// Package sessions tracks live execution sessions (container names and
// backend session ids) in one owned, guarded table. Components register
// sessions while work is in flight and destroy them on teardown, so leaked
// contexts are always discoverable.
package sessions

import (
	"sync"
	"time"
)

// Kind distinguishes what a session handle points at
type Kind string

const (
	KindContainer Kind = "container"
	KindProcess   Kind = "process"
	KindBackend   Kind = "backend"
)

// Session is one live execution context
type Session struct {
	ID        string
	Kind      Kind
	RunID     string
	BatchID   string
	AttemptID string
	CreatedAt time.Time
}

// Registry is the guarded session table
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewRegistry creates an empty session registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create registers a session under its id and stamps the creation time
func (r *Registry) Create(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.CreatedAt = time.Now()
	r.sessions[s.ID] = s
}

// Lookup returns the session with the given id, or nil
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Destroy removes a session. Removing an unknown id is a no-op.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// DestroyRun removes every session belonging to a run and returns the
// removed sessions so callers can tear down what they point at.
func (r *Registry) DestroyRun(runID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Session
	for id, s := range r.sessions {
		if s.RunID == runID {
			removed = append(removed, s)
			delete(r.sessions, id)
		}
	}
	return removed
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of every live session
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

package session

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks live sessions by id. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	empty    chan struct{} // closed while no session is registered
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		empty:    make(chan struct{}),
	}
	close(r.empty)
	return r
}

// Add registers s. Ids must be unique.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sessions[s.id]; dup {
		return fmt.Errorf("duplicate session id %s", s.id)
	}
	if len(r.sessions) == 0 {
		r.empty = make(chan struct{})
	}
	r.sessions[s.id] = s
	return nil
}

// Remove unregisters the session with the given id. Unknown ids are
// ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	if len(r.sessions) == 0 {
		close(r.empty)
	}
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions, oldest first.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].started.Before(out[j].started) })
	return out
}

// Empty returns a channel that is closed while the registry holds no
// sessions. Fetch it again after it fires if sessions may still arrive.
func (r *Registry) Empty() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.empty
}

// Package registry maps each identity to its single active session.
package registry

import (
	"sort"
	"sync"

	"github.com/pockode/chatrelay/session"
)

// Registry is the in-memory presence map. All operations are atomic with
// respect to each other; the map itself is never exposed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session // identity -> active session
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*session.Session),
	}
}

// Associate records that identity is reachable via s, replacing any previous
// session (last writer wins). The previous session is returned but not closed.
// changed is false when identity was already mapped to s.
func (r *Registry) Associate(identity string, s *session.Session) (previous *session.Session, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.sessions[identity]
	if previous == s {
		return nil, false
	}
	r.sessions[identity] = s
	return previous, true
}

func (r *Registry) Lookup(identity string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[identity]
	return s, ok
}

// Remove deletes the entry for s's identity only if s is still the stored
// session. A stale session never evicts its successor.
func (r *Registry) Remove(s *session.Session) bool {
	if s == nil {
		return false
	}
	identity := s.Identity()
	if identity == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[identity] != s {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// Snapshot returns the identities present at call time, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Others returns every registered session except the one given.
func (r *Registry) Others(except *session.Session) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != except {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

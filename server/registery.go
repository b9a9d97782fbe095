package server

import (
	"sync"
	"time"

	"github.com/mbocsi/statusync/metrics"
)

// SessionRegistry holds the live sessions of every transport by id.
type SessionRegistry struct {
	mu    sync.RWMutex
	store map[string]Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{store: make(map[string]Session)}
}

// Store records s as opened now. Storing an id twice keeps the first session.
func (r *SessionRegistry) Store(s Session) bool {
	meta := s.Meta()

	r.mu.Lock()
	if _, exists := r.store[meta.Id]; exists {
		r.mu.Unlock()
		return false
	}
	r.store[meta.Id] = s
	r.mu.Unlock()

	meta.Mu.Lock()
	meta.Opened = time.Now()
	meta.LastSeen = meta.Opened
	transport := meta.Transport
	meta.Mu.Unlock()

	metrics.ServerSessions.WithLabelValues(transport).Inc()
	return true
}

func (r *SessionRegistry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	val, ok := r.store[id]
	return val, ok
}

// Delete removes the session and returns it. Only the first of several
// concurrent deletes of the same id gets ok.
func (r *SessionRegistry) Delete(id string) (Session, bool) {
	r.mu.Lock()
	s, ok := r.store[id]
	delete(r.store, id)
	r.mu.Unlock()

	if ok {
		metrics.ServerSessions.WithLabelValues(s.Meta().Transport).Dec()
	}
	return s, ok
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}

func (r *SessionRegistry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.store))
	for _, s := range r.store {
		sessions = append(sessions, s)
	}

	return sessions
}

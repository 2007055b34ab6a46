package session

import (
	"log/slog"
	"sync"
)

// Default registry sizing.
const (
	DefaultMaxTurns  = 8
	DefaultJobBuffer = 256
)

// Registry hands out the one Session per user id. Sessions are created
// lazily on first reference and never shared across users.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	maxTurns  int
	jobBuffer int
	logger    *slog.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(maxTurns int, logger *slog.Logger) *Registry {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		maxTurns:  maxTurns,
		jobBuffer: DefaultJobBuffer,
		logger:    logger.With("component", "session.registry"),
	}
}

// Get returns the session for id, creating it on first reference.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, r.maxTurns, r.jobBuffer)
		r.sessions[id] = s
		r.logger.Debug("session created", "session_id", id)
	}
	return s
}

// Peek returns the session for id without creating one.
func (r *Registry) Peek(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and forgets the session for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.Interrupt()
		s.Close()
		r.logger.Debug("session removed", "session_id", id)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll shuts down every session executor.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Interrupt()
		s.Close()
	}
}

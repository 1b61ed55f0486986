package session

import (
	"net"
	"sync"
	"time"
)

// Registry maps session ids to live Session records. It is written by the
// negotiator (on register/deregister); the receiver only looks sessions up.
// Reads take a short-lived lock, since sessions are
// independent and contention is expected to be negligible at realistic
// session counts.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register creates or updates a session. Repeat registration with the same
// id is idempotent beyond replacing the endpoint and declared format: a new
// endpoint replaces the old one, driven by control-plane re-registration.
func (r *Registry) Register(id string, remote *net.UDPAddr, fmt Format, now time.Time) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		existing.Lock()
		existing.RemoteAddr = remote
		existing.Fmt = fmt
		existing.Unlock()
		return existing
	}
	sess := NewSession(id, remote, fmt, now)
	r.sessions[id] = sess
	return sess
}

// Lookup returns the session for id, or nil if absent.
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Deregister removes a session and returns its final statistics. ok is
// false if the session did not exist (a no-op).
func (r *Registry) Deregister(id string, now time.Time) (Stats, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return sess.FinalStats(now), true
}

// ExpireIdle scans for sessions idle longer than timeout and
// returns their ids. Callers are expected to deregister each one
// afterwards; ExpireIdle itself does not mutate the registry so that the
// negotiator can apply its own draining/teardown sequence first.
func (r *Registry) ExpireIdle(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []string
	for id, s := range r.sessions {
		s.Lock()
		state := s.State
		last := s.LastPacketAt
		if last.IsZero() {
			last = s.CreatedAt
		}
		s.Unlock()
		if state == StateTerminated {
			continue
		}
		if now.Sub(last) > timeout {
			expired = append(expired, id)
		}
	}
	return expired
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot slice of live sessions, used by periodic tick
// drivers that iterate every session's jitter buffer.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

package server

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/postern/pkg/metrics"
)

// Registry tracks the live sessions of one protocol server and enforces its
// connection cap. Admission is an atomic check-and-insert, so the registry
// never holds more than max sessions.
type Registry struct {
	protocol string
	max      int

	mu       sync.RWMutex
	sessions map[string]Session

	total    atomic.Int64
	rejected atomic.Int64
}

// NewRegistry returns a registry for protocol holding at most max sessions.
// max <= 0 means unlimited.
func NewRegistry(protocol string, max int) *Registry {
	return &Registry{
		protocol: strings.ToLower(protocol),
		max:      max,
		sessions: make(map[string]Session),
	}
}

// Full reports whether a new session would be refused.
func (r *Registry) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max > 0 && len(r.sessions) >= r.max
}

// Admit inserts s unless the registry is full.
func (r *Registry) Admit(s Session) bool {
	r.mu.Lock()
	if r.max > 0 && len(r.sessions) >= r.max {
		r.mu.Unlock()
		r.Reject()
		return false
	}
	r.sessions[s.ID()] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.total.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(r.protocol).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(r.protocol).Set(float64(n))
	return true
}

// Reject counts a connection refused at admission.
func (r *Registry) Reject() {
	r.rejected.Add(1)
}

// Remove deletes the session with id. It reports whether it was present, so
// a second Remove for the same id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		metrics.ConnectionsCurrent.WithLabelValues(r.protocol).Set(float64(n))
	}
	return ok
}

// Get returns the session with id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Max() int { return r.max }

// Total is the number of sessions ever admitted.
func (r *Registry) Total() int64 { return r.total.Load() }

// Rejected is the number of connections refused at admission.
func (r *Registry) Rejected() int64 { return r.rejected.Load() }

// Snapshot returns info for every live session, oldest first.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

func (r *Registry) list() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll closes every live session and returns how many were closed.
// Sessions remove themselves from the registry as their workers exit.
func (r *Registry) CloseAll() int {
	sessions := r.list()
	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

// CloseExpired closes sessions older than maxAge and returns how many were
// closed. maxAge <= 0 disables the sweep.
func (r *Registry) CloseExpired(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	closed := 0
	for _, s := range r.list() {
		if time.Since(s.Info().StartedAt) > maxAge {
			s.Close()
			closed++
		}
	}
	return closed
}

package hub

import (
	"sync"
)

// Registry tracks the sessions of one hub and their group membership so
// services can broadcast to a group efficiently.
type Registry struct {
	hub string

	mu       sync.RWMutex
	sessions map[string]*Session
	groups   map[string]map[*Session]struct{}
}

// NewRegistry creates an empty registry for hub.
func NewRegistry(hub string) *Registry {
	return &Registry{
		hub:      hub,
		sessions: make(map[string]*Session),
		groups:   make(map[string]map[*Session]struct{}),
	}
}

// Register tracks a negotiated session.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
	hubSessions.WithLabelValues(r.hub).Set(float64(len(r.sessions)))
}

// Unregister forgets the session and removes it from every group.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] != s {
		return
	}
	delete(r.sessions, s.id)
	for group, members := range r.groups {
		delete(members, s)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	hubSessions.WithLabelValues(r.hub).Set(float64(len(r.sessions)))
}

// Session looks up a session by connection id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every tracked session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Join adds the session to group.
func (r *Registry) Join(group string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] != s {
		return
	}
	if r.groups[group] == nil {
		r.groups[group] = make(map[*Session]struct{})
	}
	r.groups[group][s] = struct{}{}
	s.addGroup(group)
}

// Leave removes the session from group.
func (r *Registry) Leave(group string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.groups[group]
	if members == nil {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.groups, group)
	}
	s.removeGroup(group)
}

// Members returns how many sessions belong to group.
func (r *Registry) Members(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// Broadcast delivers frame to every session in group except the session
// whose id equals skip, and returns how many accepted it.
func (r *Registry) Broadcast(group string, frame []byte, skip string) int {
	r.mu.RLock()
	members := r.groups[group]
	if len(members) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Session, 0, len(members))
	for s := range members {
		if skip != "" && s.id == skip {
			continue
		}
		recipients = append(recipients, s)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range recipients {
		if err := s.Send(frame); err == nil {
			sent++
		}
	}
	return sent
}

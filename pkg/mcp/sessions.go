package mcp

import "sync"

// SessionRegistry maps operators to the MCP session they last called a tool
// from.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // operator → session id
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register binds operator to sessionID, replacing any earlier session.
func (r *SessionRegistry) Register(operator, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[operator] = sessionID
}

// SessionFor returns the session of operator, if connected.
func (r *SessionRegistry) SessionFor(operator string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[operator]
	return sid, ok
}

// Remove drops every operator bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, op)
		}
	}
}

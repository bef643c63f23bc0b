// Package dispatch routes validated client envelopes to agent sessions and
// agent traffic back to the owning connections. It owns the session table
// and the session-id migration that happens when an agent names its own
// session.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/acpgate/internal/agent"
	"github.com/HyphaGroup/acpgate/internal/metrics"
)

// SessionState is the client-visible lifecycle state of a session.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateReady        SessionState = "ready"
	StateError        SessionState = "error"
	StateClosed       SessionState = "closed"
)

// Session is one agent session owned by one connection. The id is rewritten
// at most once, when the agent names its own session; the owning connection
// never changes.
type Session struct {
	ID           string
	ConnectionID string
	Principal    string
	Cwd          string
	Model        string
	State        SessionState
	AuthMethods  []agent.AuthMethod
	Models       *agent.ModelState
	Modes        *agent.ModeState
	CreatedAt    time.Time
}

// SessionManager is the session table, keyed by current session id.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty session table.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Add registers a session under its current id. The active-sessions gauge
// tracks table membership, so Add and Remove are its only writers.
func (m *SessionManager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s
	metrics.SessionsActive.Inc()
	return nil
}

// Get returns the session with the given id, or nil.
func (m *SessionManager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Remove drops a session from the table. Removing an absent id is a no-op
// and does not touch the gauge.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		metrics.SessionsActive.Dec()
	}
}

// Migrate rekeys a session and rewrites its id field.
func (m *SessionManager) Migrate(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[oldID]
	if !ok {
		return fmt.Errorf("no session %s", oldID)
	}
	if _, taken := m.sessions[newID]; taken {
		return fmt.Errorf("session %s already exists", newID)
	}
	delete(m.sessions, oldID)
	s.ID = newID
	m.sessions[newID] = s
	return nil
}

// ForConnection returns the sessions owned by a connection.
func (m *SessionManager) ForConnection(connectionID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ConnectionID == connectionID {
			out = append(out, s)
		}
	}
	return out
}

// Count reports the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

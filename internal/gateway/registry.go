package gateway

import (
	"fmt"
	"sync"

	"github.com/HyphaGroup/acpgate/internal/protocol"
)

// Registry tracks live connections by id. The dispatcher sends envelopes to
// clients through it without holding connection objects itself.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Get returns the connection with the given id, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send delivers an envelope to one connection. A missing connection is an
// error; the caller decides whether that matters.
func (r *Registry) Send(connectionID string, env *protocol.Envelope) error {
	c := r.Get(connectionID)
	if c == nil {
		return fmt.Errorf("no connection %s", connectionID)
	}
	return c.Send(env)
}

// CloseAll tears down every connection. Used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

package relay

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// connState is the mutable per-connection record. Every mutation takes the
// connection's own mutex, so mutations on one connection are linearized while
// different connections stay independent.
type connState struct {
	mu       sync.Mutex
	role     Role
	identity string
	channels map[string]struct{}
	closed   bool
}

// Registry owns all per-connection state. It is the only component allowed to
// mutate it; the transport handle stays with the Router.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connState
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connState)}
}

// Register creates a new connection record in the unauthenticated state and
// returns its opaque id.
func (r *Registry) Register() string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = &connState{role: RoleUnauthenticated, channels: make(map[string]struct{})}
	r.mu.Unlock()
	return id
}

func (r *Registry) get(id string) *connState {
	r.mu.RLock()
	c := r.conns[id]
	r.mu.RUnlock()
	return c
}

// MarkAuthenticated upgrades the connection to the given role and identity.
func (r *Registry) MarkAuthenticated(id string, role Role, identity string) error {
	c := r.get(id)
	if c == nil {
		return fmt.Errorf("unknown connection %s", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %s already closed", id)
	}
	c.role = role
	c.identity = identity
	return nil
}

// Role returns the connection's current role and identity.
func (r *Registry) Role(id string) (Role, string) {
	c := r.get(id)
	if c == nil {
		return RoleUnauthenticated, ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.identity
}

// AddSubscription records that the connection subscribed to the channel.
func (r *Registry) AddSubscription(id, channel string) error {
	c := r.get(id)
	if c == nil {
		return fmt.Errorf("unknown connection %s", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %s already closed", id)
	}
	c.channels[channel] = struct{}{}
	return nil
}

// RemoveSubscription drops the channel from the connection's subscribed set.
func (r *Registry) RemoveSubscription(id, channel string) {
	c := r.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// Subscribed reports whether the connection currently holds the channel.
func (r *Registry) Subscribed(id, channel string) bool {
	c := r.get(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// Deregister closes the connection record and returns the channels it held so
// the caller can release them. It is idempotent: the second call for the same
// id returns nil and has no further side effect.
func (r *Registry) Deregister(id string) []string {
	c := r.get(id)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]struct{})
	c.mu.Unlock()

	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
	return channels
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

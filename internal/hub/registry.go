package hub

import (
	"sync"

	"github.com/samber/lo"
)

// Conn is the delivery side of one live client connection, implemented by
// the transport.
type Conn interface {
	// ID is unique among currently open connections.
	ID() string

	// Send enqueues a frame without blocking. It reports false when the
	// connection is closed or cannot accept more frames.
	Send(frame []byte) bool

	// Close tears the connection down. It must be safe to call more than once.
	Close()
}

// Registry is the set of open connections, keyed by connection id.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Add inserts c unless a connection with the same id is already present.
// It reports whether c was inserted.
func (r *Registry) Add(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.ID()]; exists {
		return false
	}
	r.conns[c.ID()] = c
	return true
}

// Remove deletes the connection with the given id and returns it. Removing
// an unknown id is a no-op.
func (r *Registry) Remove(id string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

// removeIf deletes id only while it still maps to c, so a failed delivery
// never evicts a newer connection that reused the id.
func (r *Registry) removeIf(id string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == c {
		delete(r.conns, id)
		return true
	}
	return false
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Snapshot returns the current members. The slice is a copy taken under the
// read lock, so concurrent Add/Remove calls never show up half-applied.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.conns)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// drain removes and returns every member.
func (r *Registry) drain() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := lo.Values(r.conns)
	r.conns = make(map[string]Conn)
	return conns
}

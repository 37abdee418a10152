package networking

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Registry is the ordered list of connections shown to the user. Entries are
// only ever appended, so an index stays valid while it is selected.
type Registry struct {
	opts     Options
	selfName string

	mu          sync.RWMutex
	connections []*Connection
}

// NewRegistry creates an empty registry. Every connection it creates uses
// opts, and announces selfName to the peer when selfName is not empty.
func NewRegistry(opts Options, selfName string) *Registry {
	return &Registry{opts: opts, selfName: selfName}
}

// Add wraps an established socket, starts its reader and appends it. With
// the raw codec, frames sent right after Add can merge with the name
// announcement if the peer has not started reading yet.
func (r *Registry) Add(conn net.Conn, outbound bool) *Connection {
	opts := r.opts
	opts.Outbound = outbound
	c := NewConnection(conn, opts)
	c.StartReader()

	if r.selfName != "" {
		if err := c.Announce(r.selfName); err != nil {
			c.logf("Announce to %s failed: %v", c.RemoteAddr(), err)
		}
	}

	r.mu.Lock()
	r.connections = append(r.connections, c)
	r.mu.Unlock()
	return c
}

// Accept drains every socket the listener has queued, oldest first, and
// returns how many were added.
func (r *Registry) Accept(l *Listener) int {
	n := 0
	for {
		conn, ok := l.Pop()
		if !ok {
			return n
		}
		r.Add(conn, false)
		n++
	}
}

// Dial connects to a peer's advertised address and appends the connection.
func (r *Registry) Dial(ctx context.Context, addr string, timeout time.Duration) (*Connection, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return r.Add(conn, true), nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// At returns the connection at index i, or nil when out of range.
func (r *Registry) At(i int) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.connections) {
		return nil
	}
	return r.connections[i]
}

// Snapshot returns the connections in insertion order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, len(r.connections))
	copy(out, r.connections)
	return out
}

// CloseAll disconnects every connection. Entries stay in the registry.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Disconnect()
	}
}

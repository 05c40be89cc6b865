// Package registry keeps the authoritative set of live connections.
// A connection is live exactly while it is registered.
package registry

import (
	"log/slog"
	"sync"

	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/metrics"
)

type Registry struct {
	mu    sync.RWMutex
	conns map[string]chat.Conn // connID -> conn

	metrics *metrics.Metrics
}

func New(m *metrics.Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]chat.Conn),
		metrics: m,
	}
}

// Register marks c live. Registering the same connection twice is a no-op.
func (r *Registry) Register(c chat.Conn) {
	r.mu.Lock()
	if cur, ok := r.conns[c.ID()]; ok && cur == c {
		r.mu.Unlock()
		return
	}
	r.conns[c.ID()] = c
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetLiveConnections(n)
	slog.Info("connection registered", "conn_id", c.ID(), "live", n)
}

// Unregister drops c from the live set. Unknown connections are ignored.
func (r *Registry) Unregister(c chat.Conn) {
	r.mu.Lock()
	cur, ok := r.conns[c.ID()]
	if !ok || cur != c {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID())
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetLiveConnections(n)
	slog.Info("connection unregistered", "conn_id", c.ID(), "live", n)
}

func (r *Registry) IsLive(c chat.Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cur, ok := r.conns[c.ID()]
	return ok && cur == c
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the live connections at the time of the call.
func (r *Registry) Snapshot() []chat.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chat.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

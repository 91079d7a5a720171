package hub

import (
	"log/slog"
	"sync"

	"github.com/ashureev/quotebroker/internal/metrics"
	"github.com/coder/websocket"
)

// Registry tracks open client connections by connection ID.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*websocket.Conn),
	}
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[id]
}

// Register adds a connection.
func (r *Registry) Register(id string, conn *websocket.Conn) {
	r.mu.Lock()
	r.active[id] = conn
	n := len(r.active)
	r.mu.Unlock()

	metrics.Connections.Set(float64(n))
	slog.Info("Connection registered", "connection_id", id, "active", n)
}

// Unregister removes a connection if it is still the one registered under id.
func (r *Registry) Unregister(id string, conn *websocket.Conn) {
	r.mu.Lock()
	current, ok := r.active[id]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.active, id)
	n := len(r.active)
	r.mu.Unlock()

	metrics.Connections.Set(float64(n))
	slog.Info("Connection unregistered", "connection_id", id, "active", n)
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CloseAll closes every open connection. Their handlers unregister them.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(r.active))
	for id, conn := range r.active {
		conns[id] = conn
	}
	r.mu.RUnlock()

	for id, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, reason)
		slog.Info("Connection closed", "connection_id", id, "reason", reason)
	}
}

// Package hub fans out JSON events to websocket listeners grouped by key.
// Keys are "tenant:<uid>" for a tenant's browsers and "login:<token>" for a
// browser waiting on a login handshake.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	Key    string
	Writer Writer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	logger      *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{connections: make(map[string]map[*Connection]struct{}), logger: logger}
}

// TenantKey is the listener key of a tenant. It uses the immutable uid so
// listeners survive a rename.
func TenantKey(uid string) string { return "tenant:" + uid }

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.Key] == nil {
		h.connections[conn.Key] = make(map[*Connection]struct{})
	}
	h.connections[conn.Key][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.Key]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.Key)
	}
}

// Count reports how many listeners are registered under key.
func (h *Hub) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[key])
}

func (h *Hub) Broadcast(key string, message []byte) {
	h.mu.RLock()
	set := h.connections[key]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}

// Notify marshals event and broadcasts it under key.
func (h *Hub) Notify(key string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("hub event not encodable", "key", key, "err", err)
		return
	}
	h.Broadcast(key, data)
}

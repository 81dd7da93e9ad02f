// Package hub tracks live protocol connections process-wide.
//
// Ownership boundary:
// - the id -> connection index shared by all receive loops
// - guarded delivery with lazy dead-peer teardown
// - bulk close at daemon shutdown
package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/pulsectl/internal/logging"
	"github.com/danmuck/pulsectl/internal/observability"
	"github.com/danmuck/pulsectl/internal/protocol"
	"github.com/danmuck/pulsectl/internal/session"
	"github.com/danmuck/pulsectl/internal/transport"
)

// ConnectionInfo is one hub entry rendered for the HTTP surface.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Subscriptions int       `json:"subscriptions"`
	Operations    []string  `json:"operations,omitempty"`
	Opened        time.Time `json:"opened"`
}

// Hub indexes live connections by id. It implements session.Registry.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*session.Conn
}

func New() *Hub {
	return &Hub{conns: make(map[string]*session.Conn)}
}

// Add registers c. A stale entry under the same id is closed and
// replaced.
func (h *Hub) Add(c *session.Conn) {
	h.mu.Lock()
	old := h.conns[c.ID()]
	h.conns[c.ID()] = c
	h.mu.Unlock()
	if old != nil && old != c {
		_ = old.Close()
	}
	logging.Debugf("hub.add conn=%s tracked=%d", c.ID(), h.Len())
}

// Remove drops id and closes its connection, subscriptions included.
// Idempotent; safe for ids already gone.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	c := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if c == nil {
		return
	}
	_ = c.Close()
	logging.Debugf("hub.remove conn=%s tracked=%d", id, h.Len())
}

// Get returns the connection registered under id.
func (h *Hub) Get(id string) (*session.Conn, bool) {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	return c, ok
}

// Len returns the number of tracked connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}

// SendTo delivers msg on c after checking it is still open. A non-open
// state or a failed write tears the connection down asynchronously, so
// delivery pumps never block behind their own teardown.
func (h *Hub) SendTo(ctx context.Context, c *session.Conn, msg protocol.ServerMessage) error {
	if c.State() != session.StateOpen {
		go h.Remove(c.ID())
		return fmt.Errorf("hub: send to %s: %w", c.ID(), transport.ErrClosed)
	}
	if err := c.Send(ctx, msg); err != nil {
		if ctx.Err() == nil {
			observability.RecordTransportFault()
			logging.Warnf("hub.sendTo conn=%s type=%s: %v", c.ID(), protocol.ServerWireType(msg), err)
			go h.Remove(c.ID())
		}
		return err
	}
	return nil
}

// CloseAll closes every connection and clears the index.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*session.Conn, 0, len(h.conns))
	for id, c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, id)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	if len(conns) > 0 {
		logging.Infof("hub.closeAll closed=%d", len(conns))
	}
}

// Snapshot lists tracked connections sorted by id.
func (h *Hub) Snapshot() []ConnectionInfo {
	h.mu.RLock()
	out := make([]ConnectionInfo, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, ConnectionInfo{
			ID:            c.ID(),
			State:         c.State().String(),
			Subscriptions: c.SubscriptionCount(),
			Operations:    c.SubscriptionIDs(),
			Opened:        c.OpenedAt(),
		})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

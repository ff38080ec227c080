package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/whisper2/server/internal/metrics"
	"github.com/whisper2/server/internal/protocol"
)

// WriterRegistry is how routing code reaches online identities without
// depending on connection internals.
type WriterRegistry interface {
	// LookupWriter returns the live connection for an identity, or
	// (nil, false) when the identity is not connected to this node.
	LookupWriter(identity string) (ConnWriter, bool)
}

// Hub tracks open connections and the identity index over them.
type Hub struct {
	handler FrameHandler
	metrics *metrics.Metrics

	mu         sync.RWMutex
	conns      map[string]*Conn // by connection id
	byIdentity map[string]*Conn
	draining   bool
}

// New builds an empty hub. The frame handler is attached later with
// SetHandler because the dispatcher needs the hub first.
func New(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics:    m,
		conns:      make(map[string]*Conn),
		byIdentity: make(map[string]*Conn),
	}
}

// SetHandler attaches the frame handler. Must be called before
// ServeWS accepts traffic.
func (h *Hub) SetHandler(handler FrameHandler) {
	h.handler = handler
}

// ServeWS upgrades the request and starts the connection's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	draining := h.draining
	h.mu.RUnlock()
	if draining {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := newConn(ws, h, r.RemoteAddr)
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	h.metrics.ConnectionsActive.Inc()
	slog.Info("connection opened", "conn", c.ID, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump(h.handler)
}

// Bind associates an authenticated identity with a connection. If the
// identity already has a connection on this node, that connection is
// kicked with a force_logout before the new binding takes effect.
func (h *Hub) Bind(c *Conn, identity, deviceID, token string) {
	h.mu.Lock()
	prev := h.byIdentity[identity]
	h.byIdentity[identity] = c
	h.mu.Unlock()

	c.bind(identity, deviceID, token)

	if prev != nil && prev != c {
		h.kick(prev, protocol.ReasonAnotherDevice)
	}
}

// Unbind detaches the identity index entry if it still points at c.
func (h *Hub) Unbind(c *Conn) {
	identity := c.Identity()
	if identity == "" {
		return
	}
	h.mu.Lock()
	if h.byIdentity[identity] == c {
		delete(h.byIdentity, identity)
	}
	h.mu.Unlock()
}

// Kick force-logs-out the connection currently bound to identity, if
// any. Used when a registration elsewhere revokes this node's session.
func (h *Hub) Kick(identity, reason string) {
	h.mu.RLock()
	c := h.byIdentity[identity]
	h.mu.RUnlock()
	if c != nil {
		h.kick(c, reason)
	}
}

func (h *Hub) kick(c *Conn, reason string) {
	frame, err := json.Marshal(protocol.MustFrame(protocol.TypeForceLogout, "", protocol.ForceLogout{Reason: reason}))
	if err == nil {
		c.Send(frame)
	}
	c.CloseWith(CloseKicked)
	slog.Info("connection kicked", "conn", c.ID, "identity", c.Identity(), "reason", reason)
}

// LookupWriter implements WriterRegistry.
func (h *Hub) LookupWriter(identity string) (ConnWriter, bool) {
	h.mu.RLock()
	c, ok := h.byIdentity[identity]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c, true
}

// drop removes the connection from both indexes. Called from the read
// pump's unwind path.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	if id := c.Identity(); id != "" && h.byIdentity[id] == c {
		delete(h.byIdentity, id)
	}
	h.mu.Unlock()

	h.metrics.ConnectionsActive.Dec()
	h.metrics.ConnectionsTotal.WithLabelValues(c.closeRsn).Inc()
	slog.Info("connection closed", "conn", c.ID, "identity", c.Identity(), "reason", c.closeRsn)
}

// ConnCount reports open connections on this node.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Drain rejects new upgrades and tells every open connection the server
// is going away, then closes them. Part of graceful shutdown.
func (h *Hub) Drain() {
	h.mu.Lock()
	h.draining = true
	open := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	frame, err := json.Marshal(protocol.MustFrame(protocol.TypeForceLogout, "", protocol.ForceLogout{Reason: protocol.ReasonServerDraining}))
	for _, c := range open {
		if err == nil {
			c.Send(frame)
		}
		c.CloseWith(CloseDrain)
	}
	slog.Info("hub drained", "connections", len(open))
}

// Package hub owns websocket connections: the single-writer pump per
// socket, heartbeat enforcement and the identity-to-connection registry.
package hub

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whisper2/server/internal/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pingPeriod is the heartbeat interval; pongWait allows two missed
	// pongs before the read deadline trips.
	pingPeriod = 30 * time.Second
	pongWait   = 2*pingPeriod + 15*time.Second

	// sendBuffer is the outbound queue per connection. A consumer that
	// falls this far behind is closed as slow.
	sendBuffer = 64
)

// Close reasons reported to metrics and logs.
const (
	CloseClient      = "client"
	ClosePongTimeout = "pong_timeout"
	CloseKicked      = "kicked"
	CloseDrain       = "drain"
	CloseSlow        = "slow_consumer"
	CloseProtocol    = "protocol"
)

// FrameHandler receives inbound frames and lifecycle events. The hub
// calls it from each connection's read pump.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Conn, data []byte)
	HandleDisconnect(ctx context.Context, c *Conn)
}

// ConnWriter is the outbound side of a connection, as seen by routing
// code. Frames queued through it are serialized by the write pump.
type ConnWriter interface {
	// Send queues a frame for writing. It never blocks; a full queue
	// closes the connection and returns false.
	Send(frame []byte) bool
	// CloseWith queues a close and tears the connection down.
	CloseWith(reason string)
}

// Conn is one client websocket. All writes go through the out channel
// so exactly one goroutine touches the underlying socket writer.
type Conn struct {
	ID string

	ws         *websocket.Conn
	hub        *Hub
	out        chan []byte
	remoteAddr string

	mu        sync.RWMutex
	identity  string // whisper id, empty until authenticated
	deviceID  string
	token     string
	closeOnce sync.Once
	closeRsn  string

	done chan struct{}
}

func newConn(ws *websocket.Conn, h *Hub, remoteAddr string) *Conn {
	return &Conn{
		ID:         uuid.New().String(),
		ws:         ws,
		hub:        h,
		out:        make(chan []byte, sendBuffer),
		remoteAddr: remoteAddr,
		done:       make(chan struct{}),
	}
}

// RemoteAddr returns the client address from the upgrade request,
// host-only when it parses. Pre-auth rate limits key on it.
func (c *Conn) RemoteAddr() string {
	if host, _, err := net.SplitHostPort(c.remoteAddr); err == nil {
		return host
	}
	return c.remoteAddr
}

// Identity returns the bound whisper id, empty before authentication.
func (c *Conn) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// DeviceID returns the bound device id, empty before authentication.
func (c *Conn) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// SessionToken returns the token this connection authenticated with.
func (c *Conn) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Authenticated reports whether the connection is bound to an identity.
func (c *Conn) Authenticated() bool {
	return c.Identity() != ""
}

// bind records the authenticated identity on the connection. Called by
// the hub under its own lock via Bind.
func (c *Conn) bind(identity, deviceID, token string) {
	c.mu.Lock()
	c.identity = identity
	c.deviceID = deviceID
	c.token = token
	c.mu.Unlock()
}

// Send implements ConnWriter.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		slog.Warn("closing slow consumer", "conn", c.ID, "identity", c.Identity())
		c.CloseWith(CloseSlow)
		return false
	}
}

// CloseWith implements ConnWriter.
func (c *Conn) CloseWith(reason string) {
	c.closeOnce.Do(func() {
		c.closeRsn = reason
		close(c.done)
	})
}

// readPump reads frames until error or close, then unwinds the
// connection. Runs as its own goroutine per connection.
func (c *Conn) readPump(handler FrameHandler) {
	defer func() {
		c.CloseWith(CloseClient)
		c.hub.drop(c)
		handler.HandleDisconnect(context.Background(), c)
	}()

	c.ws.SetReadLimit(protocol.MaxBackupFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.CloseWith(readCloseReason(err))
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read ended", "conn", c.ID, "err", err)
			}
			return
		}
		handler.HandleFrame(context.Background(), c, data)
	}
}

// readCloseReason classifies a read-pump error. A read-deadline expiry
// means the peer missed its pongs; everything else counts as the client
// going away.
func readCloseReason(err error) string {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ClosePongTimeout
	}
	return CloseClient
}

// writePump is the single writer for the socket. It drains the out
// channel, emits heartbeat pings and performs the final close
// handshake.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.CloseWith(CloseProtocol)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseWith(CloseProtocol)
				return
			}
		case <-c.done:
			// Flush whatever is already queued before closing.
			for {
				select {
				case frame := <-c.out:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeRsn))
					return
				}
			}
		}
	}
}

// Upgrader accepts any origin; the handshake carries no credentials and
// every operation is authenticated at the frame layer.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

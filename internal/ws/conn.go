// Package ws wraps a gorilla/websocket connection in the read/write pump
// pattern: a buffered outbound queue drained by a single writer goroutine,
// periodic pings with a pong-reset read deadline, and a non-blocking Send
// that disconnects subscribers too slow to keep up instead of letting them
// backpressure the fan-out.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetmap-io/relay/internal/protocol"
)

// Options carries the transport tunables, lifted from config at wiring time.
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// upgrader performs the HTTP → WebSocket upgrade. Per-message compression is
// negotiated when the client offers it; route geometries compress well.
// CheckOrigin always returns true — origin validation is the reverse proxy's
// job in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// frame is one outbound message waiting in the send queue.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn is a single connected peer. Each Conn runs two goroutines: readPump
// (inbound frames, pong handling, disconnect detection) and writePump (the
// only goroutine that writes to the wire — gorilla connections are not safe
// for concurrent writes).
type Conn struct {
	id   string
	conn *websocket.Conn
	opts Options

	// send is the handoff point between the engine's fan-out and writePump.
	// It is never closed; writePump exits via done so a concurrent Send can
	// never hit a closed channel.
	send chan frame

	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool

	logger *zap.Logger
}

// Upgrade performs the WebSocket handshake and returns the wrapped
// connection. The caller must invoke Run to start the pumps.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options, logger *zap.Logger) (*Conn, error) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	c := &Conn{
		id:   id,
		conn: sock,
		opts: opts,
		send: make(chan frame, opts.SendBuffer),
		done: make(chan struct{}),
		logger: logger.With(
			zap.String("conn_id", id),
			zap.String("remote_addr", r.RemoteAddr),
		),
	}
	c.alive.Store(true)
	return c, nil
}

// ID returns the ephemeral connection handle. Never reused across links.
func (c *Conn) ID() string { return c.id }

// Alive reports whether the transport still considers the link usable.
func (c *Conn) Alive() bool { return c.alive.Load() }

// Send queues a message for delivery. It reports false — and closes the
// connection — when the peer is gone or its queue is full: a subscriber that
// cannot drain its buffer must not stall the producers feeding it.
func (c *Conn) Send(event string, data any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame{Event: event, Data: data}:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("ws: send buffer full, dropping connection", zap.String("event", event))
		c.Close()
		return false
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times. The read pump observes the closed socket and fires the
// onClose callback passed to Run.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
	})
}

// Run starts the pumps and blocks until the connection is closed. onMessage
// is invoked on the read goroutine for every well-formed frame; onClose is
// invoked exactly once after the read pump exits.
func (c *Conn) Run(onMessage func(protocol.Envelope), onClose func()) {
	go c.writePump()
	c.readPump(onMessage, onClose)
}

func (c *Conn) readPump(onMessage func(protocol.Envelope), onClose func()) {
	defer func() {
		c.Close()
		_ = c.conn.Close()
		onClose()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		// A responsive peer keeps pushing the deadline out.
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			// Malformed frames are answered, not fatal: clients in the field
			// occasionally ship garbage during their own reconnect dance.
			c.Send(protocol.EventError, protocol.ErrorPayload{Message: "malformed message"})
			continue
		}
		onMessage(env)
	}
}

// writePump is the single wire writer. It drains the send queue, emits
// keepalive pings, and on shutdown sends a close frame before tearing the
// socket down.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

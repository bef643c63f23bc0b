// Package gateway serves the client-facing WebSocket endpoint. It upgrades
// connections, enforces token auth, tracks liveness, validates inbound
// envelopes against the schema registry, and hands well-formed traffic to
// the dispatcher.
package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/acpgate/internal/metrics"
	"github.com/HyphaGroup/acpgate/internal/protocol"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// livenessInterval is how often the connection is probed. A peer that
	// has neither ponged nor sent anything for a full interval is dropped.
	livenessInterval = 25 * time.Second

	// sendBufferSize is the per-connection outbound queue. A client that
	// cannot drain this is considered dead.
	sendBufferSize = 256
)

// ErrConnectionClosed is returned when sending on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Connection is one authenticated WebSocket client. All writes go through
// the send channel so the write pump is the only writer on the socket.
type Connection struct {
	ID        string
	Principal string

	ws    *websocket.Conn
	send  chan []byte
	alive atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(ws *websocket.Conn, principal string) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		Principal: principal,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// Send queues an envelope for delivery. It never blocks: a full queue means
// the client has stopped draining, so the connection is torn down instead.
func (c *Connection) Send(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		metrics.RecordEnvelopeOut(string(env.Type))
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		c.close()
		return ErrConnectionClosed
	}
}

// close makes the write pump exit, which closes the underlying socket.
func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// writePump is the single socket writer: queued envelopes, liveness pings,
// and the final close frame all leave through here.
func (c *Connection) writePump() {
	ticker := time.NewTicker(livenessInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if !c.alive.Swap(false) {
				// No pong and no traffic since the last probe.
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "liveness timeout"))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

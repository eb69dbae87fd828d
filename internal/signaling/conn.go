package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/egressd/server/internal/core"
)

var errSendBufferFull = errors.New("signaling: send buffer full")

const (
	writeWait = 5 * time.Second
	sendBuf   = 32
)

// wsConn adapts a gorilla websocket connection to core.SignalConn.
// Grounded on the teacher's internal/adapters/signal.WsSignalConn: a
// buffered send channel drained by a single writer goroutine, and an
// idempotent Close guarded by a bool under the same lock.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, send: make(chan core.Frame, sendBuf)}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.send <- f:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
	_ = c.conn.Close()
}

// writePump drains the send channel onto the socket until the channel is
// closed (by Close) or a write fails. One per connection (spec §9 "one task per
// signaling channel").
func (c *wsConn) writePump() {
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

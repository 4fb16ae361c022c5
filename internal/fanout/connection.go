// Package fanout implements C6: the connection registry and per-user,
// best-effort socket delivery with back-pressure.
package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// highWaterMark bounds each connection's outbound queue; beyond it, further
// messages to that connection are dropped rather than buffered unbounded.
const highWaterMark = 256

// Connection wraps one socket with a bounded outbound queue, matching the
// send-channel-per-client shape used throughout this codebase's websocket
// layer, sized down for a single-process consumer tier rather than a
// thousands-of-clients broadcast fleet.
type Connection struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	slowStrikes int32
}

// NewConnection wraps a live websocket connection. Registry.Register starts
// its writer (see StartWriter); messages queued before then wait in the
// outbound queue.
func NewConnection(id, userID string, conn *websocket.Conn) *Connection {
	return &Connection{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, highWaterMark),
		closed: make(chan struct{}),
	}
}

// enqueue attempts a non-blocking send; it reports false (and this is a
// slow-consumer strike) if the outbound queue is already full.
func (c *Connection) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		atomic.AddInt32(&c.slowStrikes, 1)
		return false
	}
}

// StartWriter drains the outbound queue onto the socket until the
// connection closes. Call once, in its own goroutine, per connection.
func (c *Connection) StartWriter() {
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close shuts the connection down. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

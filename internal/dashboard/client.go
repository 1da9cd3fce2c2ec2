package dashboard

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// client is one connected observability-dashboard viewer: a send channel
// drained by a write pump, closed exactly once. The dashboard has no
// per-client subscription state — every viewer receives every broadcast
// event — so it carries far less state than a per-symbol-subscribed
// client connection would.
type client struct {
	id   uint64
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	Dropped uint64
}

var clientIDCounter uint64

func newClient(conn *websocket.Conn, bufferSize int) *client {
	return &client{
		id:   atomic.AddUint64(&clientIDCounter, 1),
		conn: conn,
		send: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
}

// trySend enqueues data for delivery, dropping it (and counting the drop)
// if the viewer's buffer is full rather than blocking the broadcaster.
func (c *client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		atomic.AddUint64(&c.Dropped, 1)
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

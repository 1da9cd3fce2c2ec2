package dashboard

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// hub owns the set of connected dashboard viewers: a client registry plus
// broadcast, with no per-ticker subscription bookkeeping, since a
// dashboard viewer always wants every event.
type hub struct {
	mu         sync.RWMutex
	clients    map[uint64]*client
	bufferSize int
}

func newHub(bufferSize int) *hub {
	return &hub{clients: make(map[uint64]*client), bufferSize: bufferSize}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := newClient(conn, h.bufferSize)
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	log.Printf("dashboard: viewer %d connected (%s)", c.id, conn.RemoteAddr())
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	log.Printf("dashboard: viewer %d disconnected", c.id)
}

// broadcast marshals v once and fans it out to every connected viewer.
func (h *hub) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("dashboard: marshal broadcast event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.trySend(data)
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const tailSendBuffer = 64

type tailClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newTailClient(conn *websocket.Conn) *tailClient {
	c := &tailClient{
		conn: conn,
		send: make(chan []byte, tailSendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *tailClient) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close signals the write pump down. send stays open so a publisher
// holding a stale snapshot of the client list cannot hit a closed
// channel.
func (c *tailClient) close() {
	close(c.done)
}

// TailFrame is one observer-stream record: an owner-bound event plus
// where it came from.
type TailFrame struct {
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
	Event  any       `json:"event"`
}

// Hub fans session traffic out to read-only observer sockets. An
// observer that cannot keep up is disconnected rather than allowed to
// stall the rest.
type Hub struct {
	log *log.Logger

	mu      sync.RWMutex
	clients map[*tailClient]bool
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log:     logger,
		clients: make(map[*tailClient]bool),
	}
}

func (h *Hub) AddClient(conn *websocket.Conn) *tailClient {
	c := newTailClient(conn)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func (h *Hub) RemoveClient(c *tailClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts one frame to every observer.
func (h *Hub) Publish(source string, event any) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	clients := make([]*tailClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(TailFrame{Source: source, Time: time.Now(), Event: event})
	if err != nil {
		h.log.Error("tail frame marshal failed", "error", err)
		return
	}

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.log.Debug("observer too slow, disconnecting")
			h.RemoveClient(c)
		}
	}
}

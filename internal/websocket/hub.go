package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one connected UI's socket: an ID, a conn, and a buffered
// outbound channel.
type Client struct {
	ID   uint64
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub
}

// Hub fans broadcast messages out to every connected client through
// register/unregister/broadcast channels.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint64]*Client
	nextID  uint64

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	stop chan struct{}
	done chan struct{}
}

// NewHub creates a Hub. Call Run to start its dispatch loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uint64]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run is the hub's dispatch loop; run it in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			h.mu.Unlock()
			log.Printf("[websocket] client %d connected (%d total)", c.ID, len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				close(c.Send)
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.Send <- data:
				default:
					log.Printf("[websocket] client %d send buffer full, dropping message", c.ID)
				}
			}
			h.mu.RUnlock()

		case <-ticker.C:
			h.Broadcast(Message{Type: MessageTypePing, Timestamp: time.Now()})

		case <-h.stop:
			return
		}
	}
}

// Stop shuts the hub down and waits for its goroutine to exit.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done
}

// Register adds a client to the hub; call from the HTTP upgrade handler.
func (h *Hub) Register() *Client {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	c := &Client{ID: id, Send: make(chan []byte, 64), Hub: h}
	h.register <- c
	return c
}

// Unregister removes a client, closing its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Broadcast marshals msg and fans it out to every connected client.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[websocket] marshal broadcast: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("[websocket] broadcast channel full, dropping message")
	}
}

// BroadcastStat is a convenience wrapper used by the stat-push loop
// to notify UIs of a torrent's latest snapshot.
func (h *Hub) BroadcastStat(infoHash string, stat interface{}) {
	h.Broadcast(Message{Type: MessageTypeStat, Timestamp: time.Now(), InfoHash: infoHash, Payload: stat})
}

// BroadcastCompleteness notifies UIs that a torrent's completeness
// status changed.
func (h *Hub) BroadcastCompleteness(infoHash string, status string) {
	h.Broadcast(Message{Type: MessageTypeCompleteness, Timestamp: time.Now(), InfoHash: infoHash, Payload: status})
}

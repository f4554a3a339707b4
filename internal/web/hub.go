// Package web serves the operator dashboard: a JSON API over the
// store, an SSE stream, and a WebSocket hub pushing state snapshots.
package web

import (
	"context"
	"sync"

	"stock_sentinel/internal/core"
)

// Message is one payload pushed to dashboard clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client is one WebSocket subscriber.
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with a buffered send queue.
func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Message, 256),
	}
}

// Send queues a message without blocking. A false return means the
// client is slow and should be evicted.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// SendChan exposes the queue to the write pump.
func (c *Client) SendChan() <-chan Message {
	return c.send
}

// Close closes the client's queue once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans snapshot messages out to WebSocket clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     core.ILogger
}

// NewHub creates an empty hub.
func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.WithField("component", "ws_hub"),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client registered", "client_id", client.id, "total_clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client unregistered", "client_id", client.id, "total_clients", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			clientList := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clientList = append(clientList, client)
			}
			h.mu.RUnlock()

			// Deliver outside the lock; evict slow clients.
			for _, client := range clientList {
				if !client.Send(message) {
					select {
					case h.unregister <- client:
					default:
					}
				}
			}
		}
	}
}

// Register adds a client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a message for every client, dropping it when the
// hub is backed up.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", "type", msg.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"framebroker/internal/logger"
	"framebroker/internal/metric"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	// clientQueue is how many frames may wait for a slow viewer before
	// newer frames are dropped for it.
	clientQueue = 4
)

// Client is one connected viewer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// writePump owns all writes to the connection.
func (c *Client) writePump(h *HubService) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("Error sending message: %v", err)
				h.Unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unregister(c)
				return
			}
		}
	}
}

// HubService fans frames out to connected viewers. Broadcast never blocks:
// a viewer that cannot keep up misses frames instead of slowing the
// consumer loop.
type HubService struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	logger     *logger.Logger
	metrics    *metric.Metrics
	count      int
}

// NewHubService creates a hub. metrics may be nil.
func NewHubService(logger *logger.Logger, metrics *metric.Metrics) *HubService {
	return &HubService{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, clientQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client, 16),
		logger:     logger,
		metrics:    metrics,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *HubService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.count = 0
			h.mutex.Unlock()
			h.setViewers(0)
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.count = len(h.clients)
			n := h.count
			h.mutex.Unlock()
			h.setViewers(n)
			h.logger.Info("Client connected. Total: %d", n)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.count = len(h.clients)
			n := h.count
			h.mutex.Unlock()
			h.setViewers(n)
			h.logger.Info("Client disconnected. Total: %d", n)

		case message := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.drop()
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// Register adds conn as a viewer and starts its writer. The caller owns the
// read side of the connection and must call Unregister when it ends.
func (h *HubService) Register(ctx context.Context, conn *websocket.Conn) (*Client, error) {
	client := &Client{conn: conn, send: make(chan []byte, clientQueue)}
	select {
	case h.register <- client:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	go client.writePump(h)
	return client, nil
}

// Unregister removes a viewer. It is safe to call more than once.
func (h *HubService) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	default:
		// Run is busy or gone; close directly, Run skips unknown clients.
		h.mutex.Lock()
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			client.close()
			h.count = len(h.clients)
		}
		h.mutex.Unlock()
	}
}

// Broadcast queues message for every viewer. It drops the message if the
// hub queue is full.
func (h *HubService) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.drop()
	}
}

// HasClients reports whether anyone is watching.
func (h *HubService) HasClients() bool {
	return h.GetClientCount() > 0
}

// GetClientCount returns the number of connected viewers.
func (h *HubService) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

func (h *HubService) drop() {
	if h.metrics != nil {
		h.metrics.BroadcastDrops.Inc()
	}
}

func (h *HubService) setViewers(n int) {
	if h.metrics != nil {
		h.metrics.Viewers.Set(float64(n))
	}
}

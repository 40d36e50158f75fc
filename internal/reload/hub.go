// Package reload pushes live-reload notifications to connected browsers
// over websockets.
//
// A single hub goroutine owns registration and broadcasting. Each client
// has a read pump that only detects disconnects and a write pump that
// drains the client's send queue and keeps the connection alive with
// pings. A client whose queue is full is dropped rather than allowed to
// stall the others.
package reload

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/google/uuid"
)

const (
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 16
)

// Hub tracks connected browsers and broadcasts reload messages to them.
type Hub struct {
	clients      map[string]*Client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	originPatterns []string
	logger         logging.Logger

	statsMutex sync.Mutex
	reloads    int
	lastReload time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
}

// NewHub creates a hub and starts its goroutine. originPatterns are passed
// to websocket.Accept; same-origin connections are always accepted.
func NewHub(logger logging.Logger, originPatterns ...string) *Hub {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:        make(map[string]*Client),
		broadcast:      make(chan []byte, 64),
		register:       make(chan *Client, 32),
		unregister:     make(chan *Client, 32),
		originPatterns: originPatterns,
		logger:         logger.WithComponent("reload"),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	go h.run()

	return h
}

// ServeHTTP upgrades the request and registers the browser.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.originPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.clientsMutex.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.clientsMutex.Unlock()

			h.logger.Debug(h.ctx, "Browser connected", "client", client.ID, "clients", count)
			h.sendTo(client, h.encode(Message{Type: TypeConnected, Content: client.ID}))

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.clientsMutex.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				clients = append(clients, c)
			}
			h.clientsMutex.RUnlock()

			for _, c := range clients {
				h.sendTo(c, message)
			}

		case <-h.ctx.Done():
			h.disconnectAll()
			return
		}
	}
}

// disconnectAll runs on the hub goroutine. Only the hub sends on client
// queues, so it is also the only place they are closed.
func (h *Hub) disconnectAll() {
	h.clientsMutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.clientsMutex.Unlock()

	for _, c := range clients {
		c.closeSend()
		go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// sendTo queues message for c, dropping c if its queue is full.
func (h *Hub) sendTo(c *Client, message []byte) {
	select {
	case c.send <- message:
	default:
		h.logger.Warn(h.ctx, nil, "Browser not keeping up, disconnecting", "client", c.ID)
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	h.clientsMutex.Lock()
	_, exists := h.clients[c.ID]
	delete(h.clients, c.ID)
	count := len(h.clients)
	h.clientsMutex.Unlock()

	if exists {
		c.closeSend()
		h.logger.Debug(h.ctx, "Browser disconnected", "client", c.ID, "clients", count)
	}
}

// readPump discards incoming frames; it exists to notice the close.
func (h *Hub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) encode(msg Message) []byte {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(h.ctx, err, "Failed to encode reload message")
		return nil
	}
	return data
}

// Broadcast sends msg to every connected browser.
func (h *Hub) Broadcast(msg Message) {
	data := h.encode(msg)
	if data == nil {
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	default:
		h.logger.Warn(h.ctx, nil, "Broadcast queue full, dropping message", "type", msg.Type)
	}
}

// Reload tells every browser to reload the page.
func (h *Hub) Reload() {
	h.statsMutex.Lock()
	h.reloads++
	h.lastReload = time.Now()
	h.statsMutex.Unlock()

	h.logger.Info(h.ctx, "Reloading browsers", "clients", h.Count())
	h.Broadcast(Message{Type: TypeFullReload})
}

// NotifyBuildError shows err in every browser without reloading.
func (h *Hub) NotifyBuildError(err error) {
	if err == nil {
		return
	}
	h.Broadcast(Message{Type: TypeBuildError, Content: err.Error()})
}

// Count returns the number of connected browsers.
func (h *Hub) Count() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Clients lists the connected browsers, oldest first.
func (h *Hub) Clients() []ClientInfo {
	h.clientsMutex.RLock()
	infos := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		infos = append(infos, c.info())
	}
	h.clientsMutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// Reloads returns how many reloads were requested and when the last was.
func (h *Hub) Reloads() (int, time.Time) {
	h.statsMutex.Lock()
	defer h.statsMutex.Unlock()
	return h.reloads, h.lastReload
}

// Shutdown disconnects every browser and stops the hub.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(h.cancel)

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

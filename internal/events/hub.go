package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// subscribeMessage is the only inbound message the hub understands; the
// command surface lives in the external API, not here.
type subscribeMessage struct {
	Type      string `json:"type"` // subscribe, unsubscribe
	ProjectID string `json:"project_id,omitempty"`
}

// Hub bridges the event publisher to websocket peers. It is the
// notification-bus implementation consumed by the external API server.
type Hub struct {
	upgrader    websocket.Upgrader
	publisher   Publisher
	connections map[*websocket.Conn]*hubConn
	mu          sync.RWMutex
	logger      *slog.Logger
}

type hubConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	projectID string
	eventChan <-chan Event
	send      chan []byte
	done      chan struct{}
}

// NewHub creates a websocket hub over the given publisher.
func NewHub(pub Publisher, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		publisher:   pub,
		connections: make(map[*websocket.Conn]*hubConn),
		logger:      logger,
	}
}

// ServeHTTP handles websocket upgrade requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubConn{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.connections[conn] = c
	h.mu.Unlock()

	// Default subscription from query param; may be changed by messages.
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		h.subscribe(c, projectID)
	}

	go h.writePump(c)
	go h.readPump(c)
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) subscribe(c *hubConn, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eventChan != nil {
		h.publisher.Unsubscribe(c.projectID, c.eventChan)
	}
	c.projectID = projectID
	c.eventChan = h.publisher.Subscribe(projectID)
	go h.forward(c, c.eventChan)
}

func (h *Hub) unsubscribe(c *hubConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eventChan != nil {
		h.publisher.Unsubscribe(c.projectID, c.eventChan)
		c.eventChan = nil
		c.projectID = ""
	}
}

// forward copies events from a subscription channel onto the send queue.
func (h *Hub) forward(c *hubConn, ch <-chan Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case c.send <- data:
			default:
				// Slow consumer: drop rather than block the publisher.
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) readPump(c *hubConn) {
	defer h.dropConn(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			if msg.ProjectID != "" {
				h.subscribe(c, msg.ProjectID)
			}
		case "unsubscribe":
			h.unsubscribe(c)
		}
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) dropConn(c *hubConn) {
	h.unsubscribe(c)

	h.mu.Lock()
	delete(h.connections, c.conn)
	h.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
}

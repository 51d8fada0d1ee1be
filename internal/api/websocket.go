package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsMaxMessageSize = 512 * 1024
	wsSendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Message is the WebSocket envelope in both directions. Clients send
// subscribe/unsubscribe/ping methods; the hub pushes event frames.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one connected WebSocket peer. Frames are dropped when its send
// buffer is full rather than blocking the hub.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func (c *Client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) == 0 {
		return false
	}
	return c.subs[channel] || c.subs["*"]
}

// Hub fans engine events out to WebSocket clients by event-type channel.
type Hub struct {
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	sub     *events.Subscription
}

func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:     bus,
		logger:  logger.Named("ws"),
		clients: make(map[string]*Client),
	}
}

// Start attaches the hub to the event bus. Every published event becomes a
// broadcast frame on the channel named after its type.
func (h *Hub) Start() {
	if h.bus == nil {
		return
	}
	h.sub = h.bus.Subscribe(func(ev events.Event) {
		h.broadcastEvent(ev)
	})
}

// Stop detaches from the bus and closes every client.
func (h *Hub) Stop() {
	if h.bus != nil && h.sub != nil {
		h.bus.Unsubscribe(h.sub)
	}
	h.mu.Lock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		subs: make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("clientId", client.ID))

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.removeClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("clientId", c.ID), zap.Error(err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(c, msg.ID, "malformed message")
			continue
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *Hub) handleClientMessage(c *Client, msg Message) {
	switch msg.Method {
	case "subscribe":
		channels := decodeChannels(msg.Payload)
		if len(channels) == 0 {
			h.sendError(c, msg.ID, "subscribe requires channels")
			return
		}
		c.mu.Lock()
		for _, ch := range channels {
			c.subs[ch] = true
		}
		c.mu.Unlock()
		h.ack(c, msg.ID, "subscribed")
	case "unsubscribe":
		c.mu.Lock()
		for _, ch := range decodeChannels(msg.Payload) {
			delete(c.subs, ch)
		}
		c.mu.Unlock()
		h.ack(c, msg.ID, "unsubscribed")
	case "ping":
		h.ack(c, msg.ID, "pong")
	default:
		h.sendError(c, msg.ID, "unknown method")
	}
}

func decodeChannels(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var body struct {
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	return body.Channels
}

func (h *Hub) ack(c *Client, id, status string) {
	payload, _ := json.Marshal(map[string]string{"status": status})
	h.enqueue(c, Message{
		ID:        id,
		Type:      "ack",
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Hub) sendError(c *Client, id, msg string) {
	h.enqueue(c, Message{
		ID:        id,
		Type:      "error",
		Error:     msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Hub) enqueue(c *Client, msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
		h.logger.Warn("websocket send buffer full, dropping frame",
			zap.String("clientId", c.ID), zap.String("type", msg.Type))
	}
}

func (h *Hub) broadcastEvent(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := Message{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Payload:   payload,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.subscribed(string(ev.Type)) {
			continue
		}
		select {
		case c.send <- raw:
		default:
		}
	}
}

// ClientCount reports the number of attached peers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

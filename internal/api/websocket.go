package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/shellbridge/internal/accessory"
	"github.com/nerrad567/shellbridge/internal/infrastructure/config"
	"github.com/nerrad567/shellbridge/internal/infrastructure/logging"
)

// Message types exchanged over /ws.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels.
const (
	// ChannelStateChanged carries accessory.StateChange payloads.
	ChannelStateChanged = "accessory.state_changed"

	// ChannelAccessoryChanged carries AccessoryEvent payloads for devices
	// added, modified or removed through the API.
	ChannelAccessoryChanged = "accessory.changed"
)

// clientQueueSize is how many outbound frames a client may lag behind
// before further events are dropped for it.
const clientQueueSize = 256

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload names the channels to (un)subscribe. Accessories, when
// set on subscribe, limits events to those device names; an empty list
// means every device.
type WSSubscribePayload struct {
	Channels    []string `json:"channels"`
	Accessories []string `json:"accessories,omitempty"`
}

// AccessoryEvent is the payload on ChannelAccessoryChanged.
type AccessoryEvent struct {
	Action    string              `json:"action"`
	Name      string              `json:"name"`
	Accessory *accessory.Snapshot `json:"accessory,omitempty"`
}

// Hub fans platform events out to WebSocket clients. It implements
// accessory.StateObserver.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// wsClient is one connection. filter is nil until the client narrows its
// subscription to named accessories.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu       sync.Mutex
	queue    chan []byte
	closed   bool
	channels map[string]struct{}
	filter   map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware; the ticket is the credential.
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewHub creates a hub with no clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		c.conn.Close()
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StateChanged implements accessory.StateObserver. It runs on the platform
// loop and never blocks; a lagging client misses events.
func (h *Hub) StateChanged(change accessory.StateChange) {
	h.publish(ChannelStateChanged, change.Name, change)
}

// AccessoryChanged announces an API edit. snap is nil for removals.
func (h *Hub) AccessoryChanged(action, name string, snap *accessory.Snapshot) {
	h.publish(ChannelAccessoryChanged, name, AccessoryEvent{Action: action, Name: name, Accessory: snap})
}

func (h *Hub) publish(channel, name string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.wants(channel, name) {
			c.enqueue(data)
		}
	}
}

// handleWebSocket upgrades the connection. Authentication is a ticket from
// POST /auth/ws-ticket passed as ?ticket=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	if !s.tickets.consume(ticket, time.Now()) {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:      s.hub,
		conn:     conn,
		queue:    make(chan []byte, clientQueueSize),
		channels: make(map[string]struct{}),
	}
	s.hub.add(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *wsClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any frame counts as alive.
		//nolint:errcheck // a failed deadline surfaces as a read error
		c.conn.SetReadDeadline(time.Now().Add(idle))
		c.handle(frame)
	}
}

func (c *wsClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case frame, ok := <-c.queue:
			//nolint:errcheck // a failed deadline surfaces as a write error
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				//nolint:errcheck // connection is going away regardless
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			//nolint:errcheck // a failed deadline surfaces as a write error
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handle(frame []byte) {
	var msg WSMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.subscribe(msg)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

var knownChannels = []string{ChannelStateChanged, ChannelAccessoryChanged}

func (c *wsClient) subscribe(msg WSMessage) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		c.reply(msg.ID, WSTypeError, errorPayload("invalid payload"))
		return
	}
	var req WSSubscribePayload
	if err := json.Unmarshal(raw, &req); err != nil || len(req.Channels) == 0 {
		c.reply(msg.ID, WSTypeError, errorPayload("payload must list channels"))
		return
	}
	for _, ch := range req.Channels {
		if !slices.Contains(knownChannels, ch) {
			c.reply(msg.ID, WSTypeError, errorPayload("unknown channel: "+ch))
			return
		}
	}

	on := msg.Type == WSTypeSubscribe
	c.mu.Lock()
	for _, ch := range req.Channels {
		if on {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	if on && len(req.Accessories) > 0 {
		c.filter = make(map[string]struct{}, len(req.Accessories))
		for _, name := range req.Accessories {
			c.filter[name] = struct{}{}
		}
	} else if on {
		c.filter = nil
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if on {
		key = "subscribed"
	}
	body := map[string]any{key: req.Channels}
	if on && len(req.Accessories) > 0 {
		body["accessories"] = req.Accessories
	}
	c.reply(msg.ID, WSTypeResponse, body)
}

// wants reports whether an event on channel about device name should reach
// this client.
func (c *wsClient) wants(channel, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[name]
	return ok
}

// enqueue drops the frame when the client is closed or its queue is full.
func (c *wsClient) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- frame:
	default:
	}
}

// close ends writeLoop. Safe to call more than once.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

func (c *wsClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lurtz/denon-control/internal/bridges/denon"
	"github.com/lurtz/denon-control/internal/infrastructure/config"
	"github.com/lurtz/denon-control/internal/infrastructure/logging"
)

// Message types exchanged with WebSocket clients.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// ChannelStateChanged carries every decoded receiver report.
	ChannelStateChanged = "state.changed"

	// ChannelConnection carries receiver connect/disconnect transitions.
	ChannelConnection = "receiver.connection"

	wsSendBufferSize = 256
)

var knownChannels = map[string]struct{}{
	ChannelStateChanged: {},
	ChannelConnection:   {},
}

// WSMessage is the envelope of every message sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a message received from a client. The payload is decoded
// once the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, for ChannelStateChanged, an
// optional set of state keys. An empty Keys list means every key.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Keys     []string `json:"keys,omitempty"`
}

// StateEvent is the payload broadcast on ChannelStateChanged.
type StateEvent struct {
	Key       string           `json:"key"`
	Value     denon.StateValue `json:"value"`
	Changed   bool             `json:"changed"`
	Timestamp string           `json:"timestamp"`
}

// ConnectionEvent is the payload broadcast on ChannelConnection.
type ConnectionEvent struct {
	Connected bool `json:"connected"`
}

// Hub tracks connected WebSocket clients and fans receiver events out to
// the ones subscribed.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	dropped atomic.Uint64
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	keys          map[denon.StateKey]struct{}
	mu            sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client. Only the caller that actually removed it
// closes the send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends an event to all clients subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	h.deliver(channel, payload, func(c *WSClient) bool {
		return c.isSubscribed(channel)
	})
}

// HandleUpdate broadcasts a receiver report on ChannelStateChanged,
// honouring per-client key filters. It has the denon update callback
// signature so it can be passed to denon.Fanout.
func (h *Hub) HandleUpdate(u denon.Update) {
	event := StateEvent{
		Key:       u.Key.Slug(),
		Value:     u.Value,
		Changed:   u.Changed,
		Timestamp: u.Timestamp.UTC().Format(timeFormat),
	}
	h.deliver(ChannelStateChanged, event, func(c *WSClient) bool {
		return c.isSubscribed(ChannelStateChanged) && c.wantsKey(u.Key)
	})
}

// HandleConnectionChange broadcasts receiver connection transitions.
func (h *Hub) HandleConnectionChange(connected bool) {
	h.Broadcast(ChannelConnection, ConnectionEvent{Connected: connected})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded because a client's send
// buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// deliver marshals one event and queues it for every client accepted by
// want. The client list is copied so no client lock is taken under the
// hub lock.
func (h *Hub) deliver(channel string, payload any, want func(*WSClient) bool) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(timeFormat),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if want(client) && !client.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the request. Clients start with no
// subscriptions and opt in with "subscribe" messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "websocket hub not running")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Application messages count as liveness too.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(req, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(req, false)
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// updateSubscriptions applies a subscribe or unsubscribe request. The
// request is rejected as a whole if it names an unknown channel or key.
func (c *WSClient) updateSubscriptions(req wsRequest, subscribe bool) {
	var sub WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
		c.sendError(req.ID, "invalid "+req.Type+" payload")
		return
	}
	if len(sub.Channels) == 0 && len(sub.Keys) == 0 {
		c.sendError(req.ID, "payload must name channels or keys")
		return
	}

	for _, ch := range sub.Channels {
		if _, ok := knownChannels[ch]; !ok {
			c.sendError(req.ID, "unknown channel: "+ch)
			return
		}
	}
	keys := make([]denon.StateKey, 0, len(sub.Keys))
	for _, name := range sub.Keys {
		key, err := denon.ParseStateKey(name)
		if err != nil {
			c.sendError(req.ID, fmt.Sprintf("unknown key: %s", name))
			return
		}
		keys = append(keys, key)
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	for _, key := range keys {
		if subscribe {
			if c.keys == nil {
				c.keys = make(map[denon.StateKey]struct{})
			}
			c.keys[key] = struct{}{}
		} else {
			delete(c.keys, key)
		}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket subscriptions updated",
		"type", req.Type, "channels", sub.Channels, "keys", sub.Keys)

	result := "subscribed"
	if !subscribe {
		result = "unsubscribed"
	}
	c.sendResponse(req.ID, WSTypeResponse, map[string]any{
		result: sub.Channels,
		"keys": sub.Keys,
	})
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client has already been closed.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// wantsKey reports whether the client's key filter admits key. No filter
// admits everything.
func (c *WSClient) wantsKey(key denon.StateKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.keys) == 0 {
		return true
	}
	_, ok := c.keys[key]
	return ok
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(timeFormat),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

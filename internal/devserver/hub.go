package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	widget "github.com/supportline/widget-go"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
	filterPrefix   = "conversation_id=eq."
)

type joinConfig struct {
	Config struct {
		Broadcast struct {
			Self bool `json:"self"`
		} `json:"broadcast"`
		PostgresChanges []struct {
			Event  string `json:"event"`
			Schema string `json:"schema"`
			Table  string `json:"table"`
			Filter string `json:"filter"`
		} `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token"`
}

type subscription struct {
	joinRef      string
	self         bool
	conversation string
}

// Hub serves the realtime websocket endpoint. It speaks the Phoenix channel
// protocol: joins, leaves, heartbeats, broadcast fan-out and message INSERT
// notifications.
type Hub struct {
	logger   *zap.Logger
	issuer   *Issuer
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	once sync.Once

	mu     sync.Mutex
	topics map[string]*subscription
}

// NewHub creates a hub. A nil issuer accepts joins without an access token.
func NewHub(logger *zap.Logger, issuer *Issuer) *Hub {
	return &Hub{
		logger: logger.Named("realtime"),
		issuer: issuer,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	c := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: make(map[string]*subscription),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("remote", r.RemoteAddr))

	go c.writeLoop()
	c.readLoop()
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns how many connections have joined topic.
func (h *Hub) Subscribers(topic string) int {
	n := 0
	for _, c := range h.snapshot() {
		if c.subscription(topic) != nil {
			n++
		}
	}
	return n
}

func (h *Hub) snapshot() []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Broadcast sends a server-originated broadcast to every subscriber of topic.
func (h *Hub) Broadcast(topic, event string, payload any) {
	body, err := json.Marshal(map[string]any{"type": "broadcast", "event": event, "payload": payload})
	if err != nil {
		h.logger.Error("marshal broadcast", zap.Error(err))
		return
	}
	h.fanout(topic, widget.EventBroadcast, body, nil)
}

// PublishInsert notifies subscribers with a matching message filter that m
// was inserted.
func (h *Hub) PublishInsert(m *Message) {
	body, err := json.Marshal(map[string]any{
		"ids": []int{},
		"data": map[string]any{
			"type":             "INSERT",
			"schema":           "public",
			"table":            "messages",
			"record":           m.Row(),
			"commit_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		h.logger.Error("marshal insert", zap.Error(err))
		return
	}
	for _, c := range h.snapshot() {
		for topic, sub := range c.subscriptions() {
			if sub.conversation == m.ConversationID {
				c.push(widget.Frame{Topic: topic, Event: widget.EventPostgresChanges, Payload: body, JoinRef: sub.joinRef})
			}
		}
	}
}

// CloseTopic sends phx_close to every subscriber of topic and drops their
// subscriptions.
func (h *Hub) CloseTopic(topic string) {
	for _, c := range h.snapshot() {
		sub := c.unsubscribe(topic)
		if sub != nil {
			c.push(widget.Frame{Topic: topic, Event: widget.PhxClose, Payload: json.RawMessage(`{}`), JoinRef: sub.joinRef})
		}
	}
}

// DisconnectAll closes every connection.
func (h *Hub) DisconnectAll() {
	for _, c := range h.snapshot() {
		c.close()
	}
}

func (h *Hub) fanout(topic, event string, payload json.RawMessage, from *wsClient) {
	for _, c := range h.snapshot() {
		sub := c.subscription(topic)
		if sub == nil || (c == from && !sub.self) {
			continue
		}
		c.push(widget.Frame{Topic: topic, Event: event, Payload: payload, JoinRef: sub.joinRef})
	}
}

func (c *wsClient) subscription(topic string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *wsClient) subscriptions() map[string]*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*subscription, len(c.topics))
	for k, v := range c.topics {
		out[k] = v
	}
	return out
}

func (c *wsClient) unsubscribe(topic string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.topics[topic]
	delete(c.topics, topic)
	return sub
}

func (c *wsClient) push(f widget.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	defer func() {
		// send is closed once the client is gone.
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("send buffer full, dropping client")
		go c.close()
	}
}

func (c *wsClient) reply(f widget.Frame, status string, response any) {
	if response == nil {
		response = map[string]any{}
	}
	body, _ := json.Marshal(map[string]any{"status": status, "response": response})
	c.push(widget.Frame{Topic: f.Topic, Event: widget.PhxReply, Payload: body, Ref: f.Ref, JoinRef: f.JoinRef})
}

func (c *wsClient) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *wsClient) writeLoop() {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.hub.logger.Debug("write failed", zap.Error(err))
			break
		}
	}
	c.close()
}

func (c *wsClient) readLoop() {
	defer c.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		var f widget.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.logger.Debug("invalid frame", zap.Error(err))
			continue
		}
		c.handle(f)
	}
}

func (c *wsClient) handle(f widget.Frame) {
	if f.Topic == widget.PhoenixTopic {
		if f.Event == widget.EventHeartbeat {
			c.reply(f, "ok", nil)
		}
		return
	}

	switch f.Event {
	case widget.PhxJoin:
		c.join(f)
	case widget.PhxLeave:
		c.unsubscribe(f.Topic)
		c.reply(f, "ok", nil)
	case widget.EventAccessToken:
		var body struct {
			AccessToken string `json:"access_token"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		if !c.authorized(body.AccessToken) {
			c.unsubscribe(f.Topic)
			c.push(widget.Frame{Topic: f.Topic, Event: widget.PhxError, Payload: json.RawMessage(`{"reason":"invalid access token"}`), JoinRef: f.JoinRef})
		}
	case widget.EventBroadcast:
		if c.subscription(f.Topic) == nil {
			return
		}
		c.hub.fanout(f.Topic, widget.EventBroadcast, f.Payload, c)
	}
}

func (c *wsClient) join(f widget.Frame) {
	var cfg joinConfig
	if err := json.Unmarshal(f.Payload, &cfg); err != nil {
		c.reply(f, "error", map[string]string{"reason": "malformed join payload"})
		return
	}
	if !c.authorized(cfg.AccessToken) {
		c.reply(f, "error", map[string]string{"reason": "invalid access token"})
		return
	}

	sub := &subscription{joinRef: f.JoinRef, self: cfg.Config.Broadcast.Self}
	changes := make([]map[string]any, 0, len(cfg.Config.PostgresChanges))
	for i, pc := range cfg.Config.PostgresChanges {
		if pc.Table == "messages" && strings.HasPrefix(pc.Filter, filterPrefix) {
			sub.conversation = strings.TrimPrefix(pc.Filter, filterPrefix)
		}
		changes = append(changes, map[string]any{
			"id": i + 1, "event": pc.Event, "schema": pc.Schema, "table": pc.Table, "filter": pc.Filter,
		})
	}

	c.mu.Lock()
	c.topics[f.Topic] = sub
	c.mu.Unlock()
	c.hub.logger.Debug("channel joined", zap.String("topic", f.Topic), zap.String("conversation", sub.conversation))
	c.reply(f, "ok", map[string]any{"postgres_changes": changes})
}

func (c *wsClient) authorized(token string) bool {
	if c.hub.issuer == nil {
		return true
	}
	_, err := c.hub.issuer.Validate(token)
	return err == nil
}

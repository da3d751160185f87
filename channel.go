package widget

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ============================================================================
// Transport abstraction
// ============================================================================

// SubscribeStatus is reported to the Subscribe callback of a channel.
type SubscribeStatus string

const (
	SubscribeSubscribed   SubscribeStatus = "SUBSCRIBED"
	SubscribeTimedOut     SubscribeStatus = "TIMED_OUT"
	SubscribeClosed       SubscribeStatus = "CLOSED"
	SubscribeChannelError SubscribeStatus = "CHANNEL_ERROR"
)

// ChannelState is the join state of a realtime channel.
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelJoining ChannelState = "joining"
	ChannelJoined  ChannelState = "joined"
	ChannelErrored ChannelState = "errored"
)

// Binding types.
const (
	BindBroadcast       = "broadcast"
	BindPostgresChanges = "postgres_changes"
)

// EventFilter selects the inbound events a handler receives. An empty or "*"
// Event matches every event of Type.
type EventFilter struct {
	Type  string
	Event string
	Table string
}

func (f EventFilter) matches(e ChannelEvent) bool {
	if f.Type != e.Type {
		return false
	}
	if f.Event != "" && f.Event != "*" && f.Event != e.Event {
		return false
	}
	return f.Table == "" || f.Table == e.Table
}

// ChannelEvent is an inbound event delivered to channel handlers.
type ChannelEvent struct {
	Type    string
	Event   string
	Table   string
	Payload RawRecord
}

// ChannelOptions configure a channel at creation.
type ChannelOptions struct {
	// ConversationID enables database INSERT events for the conversation's
	// messages.
	ConversationID string
	// BroadcastSelf echoes the client's own broadcasts back to it.
	BroadcastSelf bool
}

// RealtimeChannel is a named subscription on a Transport.
type RealtimeChannel interface {
	Name() string
	// On binds h to events matching filter and returns a func that unbinds it.
	On(filter EventFilter, h func(ChannelEvent)) func()
	// Subscribe starts joining. cb may be called more than once: first with
	// the join result, later when the channel closes or errors.
	Subscribe(cb func(SubscribeStatus, error))
	// OnStatus registers fn for every status the channel reports from now
	// on, next to the Subscribe callback. It returns a func that unbinds fn.
	OnStatus(fn func(SubscribeStatus, error)) func()
	Send(ctx context.Context, event string, payload any) error
	State() ChannelState
	Unsubscribe(ctx context.Context) error
}

// Transport creates realtime channels.
type Transport interface {
	SetAuth(token string)
	Channel(name string, opts ChannelOptions) RealtimeChannel
}

// ============================================================================
// Socket channel
// ============================================================================

type binding struct {
	id     uint64
	filter EventFilter
	fn     func(ChannelEvent)
}

type statusListener struct {
	id uint64
	fn func(SubscribeStatus, error)
}

func report(handlers []func(SubscribeStatus, error), status SubscribeStatus, err error) {
	for _, h := range handlers {
		h(status, err)
	}
}

type socketChannel struct {
	socket *Socket
	name   string
	topic  string
	opts   ChannelOptions

	mu       sync.Mutex
	state    ChannelState
	joinRef  string
	statusCb  func(SubscribeStatus, error)
	listeners []statusListener
	bindings  []binding
	nextBind  uint64
}

// statusHandlersLocked returns the Subscribe callback followed by the
// listeners. c.mu must be held.
func (c *socketChannel) statusHandlersLocked() []func(SubscribeStatus, error) {
	hs := make([]func(SubscribeStatus, error), 0, len(c.listeners)+1)
	if c.statusCb != nil {
		hs = append(hs, c.statusCb)
	}
	for _, l := range c.listeners {
		hs = append(hs, l.fn)
	}
	return hs
}

func (c *socketChannel) Name() string { return c.name }

func (c *socketChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *socketChannel) On(filter EventFilter, h func(ChannelEvent)) func() {
	c.mu.Lock()
	c.nextBind++
	id := c.nextBind
	c.bindings = append(c.bindings, binding{id: id, filter: filter, fn: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, b := range c.bindings {
			if b.id == id {
				c.bindings = append(c.bindings[:i:i], c.bindings[i+1:]...)
				return
			}
		}
	}
}

func (c *socketChannel) OnStatus(fn func(SubscribeStatus, error)) func() {
	c.mu.Lock()
	c.nextBind++
	id := c.nextBind
	c.listeners = append(c.listeners, statusListener{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *socketChannel) Subscribe(cb func(SubscribeStatus, error)) {
	c.mu.Lock()
	if c.state == ChannelJoining || c.state == ChannelJoined {
		c.mu.Unlock()
		return
	}
	c.statusCb = cb
	c.state = ChannelJoining
	c.mu.Unlock()

	go c.join()
}

func (c *socketChannel) join() {
	ctx, cancel := context.WithTimeout(context.Background(), c.socket.dialTimeout)
	defer cancel()

	if err := c.socket.connect(ctx); err != nil {
		c.fail(SubscribeChannelError, err)
		return
	}

	ref := c.socket.makeRef()
	c.mu.Lock()
	if c.state != ChannelJoining {
		c.mu.Unlock()
		return
	}
	c.joinRef = ref
	c.mu.Unlock()

	c.socket.attach(c)
	frame := Frame{
		Topic:   c.topic,
		Event:   PhxJoin,
		Payload: c.joinPayload(),
		Ref:     ref,
		JoinRef: ref,
	}
	if err := c.socket.request(ctx, frame, func(reply Frame) { c.onJoinReply(ref, reply) }); err != nil {
		c.socket.detach(c)
		c.fail(SubscribeChannelError, err)
	}
}

func (c *socketChannel) joinPayload() json.RawMessage {
	config := map[string]any{
		"broadcast": map[string]any{"self": c.opts.BroadcastSelf, "ack": false},
		"presence":  map[string]any{"key": ""},
	}
	if c.opts.ConversationID != "" {
		config["postgres_changes"] = []map[string]any{{
			"event":  "INSERT",
			"schema": "public",
			"table":  "messages",
			"filter": "conversation_id=eq." + c.opts.ConversationID,
		}}
	}
	payload := map[string]any{"config": config}
	if token := c.socket.accessToken(); token != "" {
		payload["access_token"] = token
	}
	data, _ := json.Marshal(payload)
	return data
}

func (c *socketChannel) onJoinReply(ref string, reply Frame) {
	var body replyPayload
	_ = json.Unmarshal(reply.Payload, &body)

	c.mu.Lock()
	if c.state != ChannelJoining || c.joinRef != ref {
		c.mu.Unlock()
		return
	}
	handlers := c.statusHandlersLocked()
	if body.Status == "ok" {
		c.state = ChannelJoined
		c.mu.Unlock()
		report(handlers, SubscribeSubscribed, nil)
		return
	}
	c.state = ChannelErrored
	c.mu.Unlock()

	c.socket.detach(c)
	report(handlers, SubscribeChannelError, errors.New("join rejected: "+body.reason()))
}

// fail reports a join failure unless the channel was closed meanwhile.
func (c *socketChannel) fail(status SubscribeStatus, err error) {
	c.mu.Lock()
	if c.state != ChannelJoining && c.state != ChannelJoined {
		c.mu.Unlock()
		return
	}
	c.state = ChannelErrored
	handlers := c.statusHandlersLocked()
	c.mu.Unlock()
	report(handlers, status, err)
}

// closed handles a server-initiated close or a lost socket.
func (c *socketChannel) closed(status SubscribeStatus, err error) {
	c.socket.detach(c)
	if status == SubscribeClosed {
		c.mu.Lock()
		live := c.state == ChannelJoining || c.state == ChannelJoined
		if live {
			c.state = ChannelClosed
		}
		handlers := c.statusHandlersLocked()
		c.mu.Unlock()
		if live {
			report(handlers, status, err)
		}
		return
	}
	c.fail(status, err)
}

func (c *socketChannel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	state, joinRef := c.state, c.joinRef
	c.mu.Unlock()
	if state != ChannelJoined {
		return ErrNotConnected
	}

	data, err := json.Marshal(broadcastPayload{Type: BindBroadcast, Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return c.socket.push(ctx, Frame{
		Topic:   c.topic,
		Event:   EventBroadcast,
		Payload: data,
		Ref:     c.socket.makeRef(),
		JoinRef: joinRef,
	})
}

// Unsubscribe leaves the channel. Status handlers observe CLOSED.
func (c *socketChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	if prev == ChannelClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelClosed
	handlers := c.statusHandlersLocked()
	joinRef := c.joinRef
	c.mu.Unlock()

	c.socket.detach(c)

	var err error
	if prev == ChannelJoined || prev == ChannelJoining {
		err = c.socket.push(ctx, Frame{
			Topic:   c.topic,
			Event:   PhxLeave,
			Payload: json.RawMessage(`{}`),
			Ref:     c.socket.makeRef(),
			JoinRef: joinRef,
		})
		if errors.Is(err, ErrNotConnected) {
			err = nil
		}
	}
	report(handlers, SubscribeClosed, nil)
	return err
}

func (c *socketChannel) currentJoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef
}

func (c *socketChannel) handle(f Frame) {
	switch f.Event {
	case PhxClose:
		c.closed(SubscribeClosed, nil)
	case PhxError:
		c.closed(SubscribeChannelError, errors.New("channel error"))
	case EventBroadcast:
		var b struct {
			Event   string    `json:"event"`
			Payload RawRecord `json:"payload"`
		}
		if json.Unmarshal(f.Payload, &b) == nil {
			c.dispatch(ChannelEvent{Type: BindBroadcast, Event: b.Event, Payload: b.Payload})
		}
	case EventPostgresChanges:
		var p postgresChangesPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			c.dispatch(ChannelEvent{Type: BindPostgresChanges, Event: p.Data.Type, Table: p.Data.Table, Payload: p.Data.Record})
		}
	}
}

func (c *socketChannel) dispatch(e ChannelEvent) {
	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	c.mu.Unlock()
	for _, b := range bindings {
		if b.filter.matches(e) {
			b.fn(e)
		}
	}
}

package widget

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// tempIDPrefix marks ids of optimistic placeholders.
const tempIDPrefix = "temp-"

// PersistenceAPI is the subset of the persistence API the bridge needs.
// *Client implements it.
type PersistenceAPI interface {
	CreateConversation(ctx context.Context, req *CreateConversationRequest) (*CreateConversationResponse, error)
	SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error)
	MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error)
	ListMessages(ctx context.Context, conversationID string, after time.Time) ([]Message, error)
}

// Broadcaster publishes events on the live channel. *ConnectionManager
// implements it.
type Broadcaster interface {
	IsConnected() bool
	Broadcast(ctx context.Context, event string, payload any) error
}

// MessageEventType classifies a change to the message list.
type MessageEventType string

const (
	MessageAdded     MessageEventType = "added"
	MessageUpdated   MessageEventType = "updated"
	MessageConfirmed MessageEventType = "confirmed"
	MessageRemoved   MessageEventType = "removed"
)

// MessageEvent reports a change to the message list. For MessageConfirmed,
// PreviousID is the placeholder id the message replaces.
type MessageEvent struct {
	Type       MessageEventType
	Message    Message
	PreviousID string
}

// BridgeConfig configures a MessageBridge.
type BridgeConfig struct {
	OrganizationID string
	// CustomerName is sent when creating the conversation.
	CustomerName string
	// SenderName is attached to outgoing messages and typing signals.
	SenderName   string
	TypingExpiry time.Duration
}

// MessageBridge turns widget actions into persistence calls and realtime
// broadcasts, and folds inbound events into the message list.
type MessageBridge struct {
	cfg      BridgeConfig
	api      PersistenceAPI
	realtime Broadcaster
	identity func(ctx context.Context) (string, error)
	store    SessionStore
	logger   *zap.Logger
	now      func() time.Time

	messages       *MessageList
	typing         *typingTracker
	onMessage      *emitter[MessageEvent]
	onTyping       *emitter[TypingSignal]
	onConversation *emitter[string]

	group          singleflight.Group
	mu             sync.Mutex
	conversationID string
	visitorID      string
}

type BridgeOption func(*MessageBridge)

func WithBridgeLogger(l *zap.Logger) BridgeOption {
	return func(b *MessageBridge) { b.logger = l }
}

// WithConversationStore memoizes the conversation id in store.
func WithConversationStore(store SessionStore) BridgeOption {
	return func(b *MessageBridge) { b.store = store }
}

// NewMessageBridge creates a bridge. identity returns the visitor id used to
// create the conversation and to recognize the visitor's own typing echoes.
func NewMessageBridge(cfg BridgeConfig, api PersistenceAPI, realtime Broadcaster, identity func(ctx context.Context) (string, error), opts ...BridgeOption) *MessageBridge {
	b := &MessageBridge{
		cfg:      cfg,
		api:      api,
		realtime: realtime,
		identity: identity,
		logger:   zap.NewNop(),
		now:      time.Now,
		messages: NewMessageList(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("bridge")
	b.onMessage = newEmitter[MessageEvent]("message", b.logger)
	b.onTyping = newEmitter[TypingSignal]("typing", b.logger)
	b.onConversation = newEmitter[string]("conversation", b.logger)
	b.typing = newTypingTracker(cfg.TypingExpiry, b.onTyping.emit)
	return b
}

func (b *MessageBridge) OnMessage(fn func(MessageEvent)) func() { return b.onMessage.subscribe(fn) }

func (b *MessageBridge) OnTyping(fn func(TypingSignal)) func() { return b.onTyping.subscribe(fn) }

// OnConversation is called once when the conversation id becomes known.
func (b *MessageBridge) OnConversation(fn func(string)) func() { return b.onConversation.subscribe(fn) }

// Messages returns the ordered message list.
func (b *MessageBridge) Messages() []Message { return b.messages.Snapshot() }

// RemoteTyping returns the remote party's active typing signal, if any.
func (b *MessageBridge) RemoteTyping() (TypingSignal, bool) { return b.typing.current() }

func (b *MessageBridge) ConversationID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversationID
}

// SetConversationID adopts an existing conversation.
func (b *MessageBridge) SetConversationID(id string) {
	b.mu.Lock()
	changed := b.conversationID != id
	b.conversationID = id
	b.mu.Unlock()
	if changed && id != "" {
		b.onConversation.emit(id)
	}
}

func (b *MessageBridge) visitor(ctx context.Context) (string, error) {
	b.mu.Lock()
	id := b.visitorID
	b.mu.Unlock()
	if id != "" || b.identity == nil {
		return id, nil
	}
	id, err := b.identity(ctx)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.visitorID = id
	b.mu.Unlock()
	return id, nil
}

func conversationKey(org, visitor string) string {
	return "conversation:" + org + ":" + visitor
}

// ============================================================================
// Conversation
// ============================================================================

// EnsureConversation returns the conversation id, restoring it from the store
// or creating it on first use. Concurrent callers share one create request; a
// failed create is not memoized.
func (b *MessageBridge) EnsureConversation(ctx context.Context) (string, error) {
	if id := b.ConversationID(); id != "" {
		return id, nil
	}
	v, err, _ := b.group.Do("conversation", func() (any, error) {
		if id := b.ConversationID(); id != "" {
			return id, nil
		}
		visitor, err := b.visitor(ctx)
		if err != nil {
			return "", err
		}
		key := conversationKey(b.cfg.OrganizationID, visitor)
		if b.store != nil {
			if id, err := b.store.Get(ctx, key); err != nil {
				b.logger.Warn("reading stored conversation failed", zap.Error(err))
			} else if id != "" {
				b.SetConversationID(id)
				return id, nil
			}
		}

		res, err := b.api.CreateConversation(ctx, &CreateConversationRequest{
			OrganizationID: b.cfg.OrganizationID,
			VisitorID:      visitor,
			CustomerName:   b.cfg.CustomerName,
		})
		if err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
		if b.store != nil {
			if err := b.store.Set(ctx, key, res.ConversationID); err != nil {
				b.logger.Warn("storing conversation failed", zap.Error(err))
			}
		}
		b.logger.Info("conversation created", zap.String("conversation", res.ConversationID))
		b.SetConversationID(res.ConversationID)
		return res.ConversationID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// StoredConversation looks up a memoized conversation without creating one.
func (b *MessageBridge) StoredConversation(ctx context.Context) (string, error) {
	if id := b.ConversationID(); id != "" || b.store == nil {
		return id, nil
	}
	visitor, err := b.visitor(ctx)
	if err != nil {
		return "", err
	}
	id, err := b.store.Get(ctx, conversationKey(b.cfg.OrganizationID, visitor))
	if err != nil {
		return "", err
	}
	if id != "" {
		b.SetConversationID(id)
	}
	return id, nil
}

// ============================================================================
// Outbound
// ============================================================================

// SendMessage persists content. A placeholder is visible in Messages until
// the call returns; it is then replaced by the stored message, or removed if
// the call fails. Broadcasting the stored message is best effort.
func (b *MessageBridge) SendMessage(ctx context.Context, content string, sender SenderType) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if sender == "" {
		sender = SenderVisitor
	}

	placeholder := Message{
		ID:             tempIDPrefix + uuid.NewString(),
		ConversationID: b.ConversationID(),
		Content:        content,
		SenderType:     sender,
		SenderName:     b.cfg.SenderName,
		CreatedAt:      b.now().UTC(),
		Status:         StatusSending,
	}
	b.messages.Upsert(placeholder)
	b.onMessage.emit(MessageEvent{Type: MessageAdded, Message: placeholder})

	convID, err := b.EnsureConversation(ctx)
	if err != nil {
		b.rollback(placeholder)
		return nil, err
	}

	msg, err := b.api.SendMessage(ctx, &SendMessageRequest{
		ConversationID: convID,
		Content:        content,
		SenderType:     sender,
		SenderName:     b.cfg.SenderName,
	})
	if err != nil {
		b.rollback(placeholder)
		return nil, fmt.Errorf("send message: %w", err)
	}
	if msg.Status == StatusSending || msg.Status == "" {
		msg.Status = StatusSent
	}

	b.messages.Replace(placeholder.ID, *msg)
	confirmed, _ := b.messages.Get(msg.ID)
	b.onMessage.emit(MessageEvent{Type: MessageConfirmed, Message: confirmed, PreviousID: placeholder.ID})

	if b.realtime != nil && b.realtime.IsConnected() {
		if err := b.realtime.Broadcast(ctx, EventMessageCreated, msg); err != nil {
			b.logger.Warn("broadcast after send failed", zap.String("message", msg.ID), zap.Error(err))
		}
	}
	return msg, nil
}

func (b *MessageBridge) rollback(placeholder Message) {
	if b.messages.Remove(placeholder.ID) {
		placeholder.Status = StatusFailed
		b.onMessage.emit(MessageEvent{Type: MessageRemoved, Message: placeholder})
	}
}

// SendTyping broadcasts the visitor's typing state. It does nothing unless
// connected, and failures are only logged.
func (b *MessageBridge) SendTyping(ctx context.Context, isTyping bool) {
	if b.realtime == nil || !b.realtime.IsConnected() {
		return
	}
	visitor, _ := b.visitor(ctx)
	event := EventTypingStop
	if isTyping {
		event = EventTypingStart
	}
	signal := TypingSignal{
		IsTyping:   isTyping,
		UserName:   b.cfg.SenderName,
		SenderType: SenderVisitor,
		VisitorID:  visitor,
	}
	if err := b.realtime.Broadcast(ctx, event, signal); err != nil {
		b.logger.Debug("typing broadcast failed", zap.Error(err))
	}
}

// MarkRead marks ids as read. With no ids every message from the support side
// is marked.
func (b *MessageBridge) MarkRead(ctx context.Context, ids ...string) (int, error) {
	convID := b.ConversationID()
	if convID == "" {
		return 0, ErrNoConversation
	}
	res, err := b.api.MarkRead(ctx, &MarkReadRequest{ConversationID: convID, MessageIDs: ids})
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}

	if len(ids) == 0 {
		for _, m := range b.messages.Snapshot() {
			if m.SenderType != SenderVisitor && m.Status != StatusRead {
				ids = append(ids, m.ID)
			}
		}
	}
	b.messages.MarkStatus(StatusRead, ids...)
	for _, id := range ids {
		if m, ok := b.messages.Get(id); ok {
			b.onMessage.emit(MessageEvent{Type: MessageUpdated, Message: m})
		}
	}
	return res.Updated, nil
}

// ============================================================================
// Inbound
// ============================================================================

// HandleEvent folds an inbound channel event into the bridge.
func (b *MessageBridge) HandleEvent(e ChannelEvent) {
	switch {
	case e.Type == BindPostgresChanges,
		e.Type == BindBroadcast && e.Event == EventMessageCreated:
		b.Ingest(e.Payload)
	case e.Type == BindBroadcast && (e.Event == EventTypingStart || e.Event == EventTypingStop):
		signal := normalizeTyping(e.Payload, e.Event)
		b.mu.Lock()
		own := signal.VisitorID != "" && signal.VisitorID == b.visitorID
		b.mu.Unlock()
		if own {
			return
		}
		b.typing.update(signal)
	}
}

// Ingest normalizes raw and upserts it into the message list. Records for
// another conversation are ignored. It reports whether the list changed.
func (b *MessageBridge) Ingest(raw RawRecord) bool {
	m, ok := NormalizeRecord(raw)
	if !ok {
		b.logger.Debug("dropping record without id")
		return false
	}
	return b.ingest(m)
}

func (b *MessageBridge) ingest(m Message) bool {
	conv := b.ConversationID()
	if conv != "" && m.ConversationID != "" && m.ConversationID != conv {
		return false
	}
	if existing, ok := b.messages.Get(m.ID); ok && sameMessage(existing, m) {
		return false
	}
	typ := MessageUpdated
	if b.messages.Upsert(m) {
		typ = MessageAdded
	}
	stored, _ := b.messages.Get(m.ID)
	b.onMessage.emit(MessageEvent{Type: typ, Message: stored})

	// A message from the other side ends their typing indicator.
	if m.SenderType != SenderVisitor {
		if s, active := b.typing.current(); active {
			s.IsTyping = false
			b.typing.update(s)
		}
	}
	return true
}

func sameMessage(a, b Message) bool {
	return a.Content == b.Content && (a.Status == b.Status || a.Status == StatusRead)
}

// Sync fetches messages newer than the latest confirmed one and ingests them.
// It returns the number of new or changed messages.
func (b *MessageBridge) Sync(ctx context.Context) (int, error) {
	convID := b.ConversationID()
	if convID == "" {
		return 0, nil
	}
	msgs, err := b.api.ListMessages(ctx, convID, b.messages.LatestConfirmed())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if b.ingest(m) {
			n++
		}
	}
	return n, nil
}

// Reset forgets the conversation and all messages.
func (b *MessageBridge) Reset() {
	b.typing.stop()
	b.messages.Reset()
	b.mu.Lock()
	b.conversationID = ""
	b.visitorID = ""
	b.mu.Unlock()
}

// Close stops the typing timer.
func (b *MessageBridge) Close() {
	b.typing.stop()
}

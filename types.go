package widget

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the persistence API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Message Types
// ============================================================================

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderVisitor     SenderType = "visitor"
	SenderAgent       SenderType = "agent"
	SenderAIAssistant SenderType = "ai_assistant"
	SenderSystem      SenderType = "system"
)

// ParseSenderType maps a wire value to a SenderType. Unknown or empty values
// become SenderSystem.
func ParseSenderType(s string) SenderType {
	switch SenderType(s) {
	case SenderVisitor, SenderAgent, SenderAIAssistant, SenderSystem:
		return SenderType(s)
	}
	return SenderSystem
}

// MessageStatus tracks the delivery lifecycle of a message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
	StatusRead    MessageStatus = "read"
)

// Message is the widget's internal message model.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Content        string        `json:"content"`
	SenderType     SenderType    `json:"senderType"`
	SenderName     string        `json:"senderName,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
}

// Optimistic reports whether m is a client-side placeholder that has not been
// confirmed by the server yet.
func (m Message) Optimistic() bool {
	return m.Status == StatusSending && strings.HasPrefix(m.ID, tempIDPrefix)
}

// TypingSignal is an ephemeral typing indicator. It is never persisted.
type TypingSignal struct {
	IsTyping   bool       `json:"isTyping"`
	UserName   string     `json:"userName,omitempty"`
	SenderType SenderType `json:"senderType,omitempty"`
	VisitorID  string     `json:"visitorId,omitempty"`
}

// ============================================================================
// Persistence API Types
// ============================================================================

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	OrganizationID string `json:"organizationId"`
	VisitorID      string `json:"visitorId"`
	CustomerName   string `json:"customerName,omitempty"`
}

// CreateConversationResponse is the result of POST /conversations.
type CreateConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content"`
	SenderType     SenderType `json:"senderType"`
	SenderName     string     `json:"senderName,omitempty"`
}

// MarkReadRequest is the body of PATCH /messages.
type MarkReadRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// MarkReadResponse is the result of PATCH /messages.
type MarkReadResponse struct {
	Updated int `json:"updated"`
}

// apiErrorBody is the error envelope returned on non-2xx responses.
type apiErrorBody struct {
	Error *APIError `json:"error"`
}

// ============================================================================
// Realtime Event Names
// ============================================================================

const (
	EventMessageCreated = "MESSAGE_CREATED"
	EventTypingStart    = "TYPING_START"
	EventTypingStop     = "TYPING_STOP"
	EventHeartbeat      = "heartbeat"
)

// RawRecord is an untyped record as delivered by the persistence or realtime
// layer, before normalization.
type RawRecord map[string]any

// DecodeRawRecord decodes JSON into a RawRecord.
func DecodeRawRecord(data json.RawMessage) (RawRecord, error) {
	var r RawRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}

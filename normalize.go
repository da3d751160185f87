package widget

import (
	"strconv"
	"time"
)

// NormalizeRecord converts a raw record into a Message. It accepts both the
// snake_case column names of database change events and the camelCase names
// used by the API and broadcasts. Records without an id are rejected.
func NormalizeRecord(r RawRecord) (Message, bool) {
	id := strOr(r, "id", "")
	if id == "" {
		return Message{}, false
	}
	m := Message{
		ID:             id,
		ConversationID: strOr(r, "conversationId", strOr(r, "conversation_id", "")),
		Content:        strOr(r, "content", ""),
		SenderType:     ParseSenderType(strOr(r, "senderType", strOr(r, "sender_type", ""))),
		SenderName:     strOr(r, "senderName", strOr(r, "sender_name", "")),
		CreatedAt:      timeOr(r, "createdAt", timeOr(r, "created_at", time.Time{})),
		Status:         StatusSent,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	switch MessageStatus(strOr(r, "status", "")) {
	case StatusRead:
		m.Status = StatusRead
	case StatusFailed:
		m.Status = StatusFailed
	}
	if boolOr(r, "isRead", boolOr(r, "is_read", false)) {
		m.Status = StatusRead
	}
	return m, true
}

// normalizeTyping converts a typing broadcast payload into a TypingSignal.
func normalizeTyping(r RawRecord, event string) TypingSignal {
	s := TypingSignal{
		IsTyping:  boolOr(r, "isTyping", event == EventTypingStart),
		UserName:  strOr(r, "userName", strOr(r, "user_name", "")),
		VisitorID: strOr(r, "visitorId", strOr(r, "visitor_id", "")),
	}
	if st := strOr(r, "senderType", strOr(r, "sender_type", "")); st != "" {
		s.SenderType = ParseSenderType(st)
	}
	if event == EventTypingStop {
		s.IsTyping = false
	}
	return s
}

// ============================================================================
// Helpers
// ============================================================================

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolOr(m map[string]any, key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

// timeOr reads an RFC 3339 string or a unix millisecond number.
func timeOr(m map[string]any, key string, fallback time.Time) time.Time {
	switch v := m[key].(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02T15:04:05.999999"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	}
	return fallback
}

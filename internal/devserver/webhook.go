package devserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 signature of an agent webhook body.
const SignatureHeader = "X-Signature"

// Agent webhook events.
const (
	AgentEventMessage     = "message"
	AgentEventTypingStart = "typing_start"
	AgentEventTypingStop  = "typing_stop"
)

// AgentReply is posted by the agent desk (or an AI assistant) to reply to a
// visitor's conversation.
type AgentReply struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	SenderType     string `json:"senderType"`
	SenderName     string `json:"senderName"`
}

// AgentReplyFunc handles a verified and parsed agent reply. The returned value
// is written as the JSON response body.
type AgentReplyFunc func(reply *AgentReply) (any, error)

// SignBody returns the "sha256=<hex>" signature of body.
func SignBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature with or without the
// "sha256=" prefix in constant time.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseAgentReply parses a raw webhook body. Event defaults to "message".
func ParseAgentReply(body string) (*AgentReply, error) {
	var r AgentReply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if r.ConversationID == "" {
		return nil, fmt.Errorf("missing conversationId in webhook payload")
	}
	if r.Event == "" {
		r.Event = AgentEventMessage
	}
	switch r.Event {
	case AgentEventMessage:
		if strings.TrimSpace(r.Content) == "" {
			return nil, fmt.Errorf("missing content in webhook payload")
		}
	case AgentEventTypingStart, AgentEventTypingStop:
	default:
		return nil, fmt.Errorf("unknown webhook event: %s", r.Event)
	}
	if r.SenderType == "" {
		r.SenderType = "agent"
	}
	return &r, nil
}

// AgentWebhook verifies, parses and dispatches agent replies.
type AgentWebhook struct {
	secret  string
	onReply AgentReplyFunc
}

func NewAgentWebhook(secret string, onReply AgentReplyFunc) (*AgentWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &AgentWebhook{secret: secret, onReply: onReply}, nil
}

// Handle processes a webhook body and returns the status code and response
// body for the caller to write.
func (w *AgentWebhook) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	reply, err := ParseAgentReply(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	out, err := w.onReply(reply)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return http.StatusNotFound, map[string]string{"error": err.Error()}
		}
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	if out != nil {
		return http.StatusOK, out
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (w *AgentWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			_ = json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}

		status, out := w.Handle(string(data), r.Header.Get(SignatureHeader))
		rw.WriteHeader(status)
		_ = json.NewEncoder(rw).Encode(out)
	})
}

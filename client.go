// Package widget provides the Go client for the Supportline chat widget.
//
// It covers the persistence API (conversations and messages), anonymous
// visitor authentication, and the realtime channel that delivers agent
// replies and typing indicators, with retry, heartbeat and a polling fallback.
//
// Example:
//
//	w, _ := widget.New(widget.Config{
//		OrganizationID: "org1",
//		APIURL:         "https://api.example.com/rest/v1",
//		AuthURL:        "https://api.example.com/auth/v1",
//		RealtimeURL:    "https://api.example.com/realtime/v1",
//		APIKey:         "public-anon-key",
//	})
//	defer w.Close(ctx)
//
//	unsubscribe := w.OnMessage(func(e widget.MessageEvent) { fmt.Println(e.Type, e.Message.Content) })
//	defer unsubscribe()
//
//	if err := w.Connect(ctx); err != nil {
//		log.Print(err)
//	}
//	msg, _ := w.SendMessage(ctx, "hi")
package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the persistence API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithTokenProvider makes every request carry a bearer token from p.
func WithTokenProvider(p TokenProvider) ClientOption {
	return func(c *Client) { c.tokens = p }
}

// NewClient creates a persistence API client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) error {
	var body apiErrorBody
	if json.Unmarshal(data, &body) == nil && body.Error != nil {
		body.Error.Status = status
		return body.Error
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Persistence API Methods
// ============================================================================

// CreateConversation creates a conversation for a visitor.
func (c *Client) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*CreateConversationResponse, error) {
	if req == nil || req.OrganizationID == "" {
		return nil, errors.New("organizationId is required")
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations", req, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[CreateConversationResponse](data)
	if err != nil {
		return nil, err
	}
	if res.ConversationID == "" {
		return nil, errors.New("server returned an empty conversationId")
	}
	return res, nil
}

// SendMessage persists a message and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	if req == nil || req.ConversationID == "" {
		return nil, ErrNoConversation
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", req, nil)
	if err != nil {
		return nil, err
	}
	raw, err := DecodeRawRecord(data)
	if err != nil {
		return nil, err
	}
	msg, ok := NormalizeRecord(raw)
	if !ok {
		return nil, errors.New("server returned a message without an id")
	}
	if msg.ConversationID == "" {
		msg.ConversationID = req.ConversationID
	}
	return &msg, nil
}

// MarkRead marks messages in a conversation as read. An empty id list marks
// every message from the other side.
func (c *Client) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	if req == nil || req.ConversationID == "" {
		return nil, ErrNoConversation
	}
	data, err := c.doRequest(ctx, http.MethodPatch, "/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MarkReadResponse](data)
}

// ListMessages returns messages of a conversation created strictly after
// after, oldest first. A zero after returns the full history.
func (c *Client) ListMessages(ctx context.Context, conversationID string, after time.Time) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	q := url.Values{}
	q.Set("conversationId", conversationID)
	if !after.IsZero() {
		q.Set("after", after.UTC().Format(time.RFC3339Nano))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/messages", nil, q)
	if err != nil {
		return nil, err
	}
	var raws []RawRecord
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	out := make([]Message, 0, len(raws))
	for _, r := range raws {
		if m, ok := NormalizeRecord(r); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

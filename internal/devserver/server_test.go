package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	widget "github.com/supportline/widget-go"
)

const (
	testAPIKey  = "anon-key"
	testWebhook = "hook-secret"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(Config{
		APIKey:        testAPIKey,
		JWTSecret:     "jwt-secret",
		WebhookSecret: testWebhook,
		TokenTTL:      time.Hour,
	}, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return srv, ts
}

func doJSON(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", testAPIKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func signUp(t *testing.T, ts *httptest.Server) map[string]any {
	t.Helper()
	status, sess := doJSON(t, http.MethodPost, ts.URL+"/auth/v1/signup", "", map[string]any{"data": map[string]any{"name": "Ada"}})
	require.Equal(t, http.StatusOK, status)
	return sess
}

func TestAuthFlow(t *testing.T) {
	_, ts := newTestServer(t)

	sess := signUp(t, ts)
	assert.NotEmpty(t, sess["access_token"])
	user := sess["user"].(map[string]any)
	assert.Equal(t, true, user["is_anonymous"])
	assert.Equal(t, "Ada", user["user_metadata"].(map[string]any)["name"])

	status, refreshed := doJSON(t, http.MethodPost, ts.URL+"/auth/v1/token?grant_type=refresh_token", "",
		map[string]string{"refresh_token": sess["refresh_token"].(string)})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, user["id"], refreshed["user"].(map[string]any)["id"])

	// Refresh tokens rotate.
	status, body := doJSON(t, http.MethodPost, ts.URL+"/auth/v1/token?grant_type=refresh_token", "",
		map[string]string{"refresh_token": sess["refresh_token"].(string)})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "refresh_token_not_found", body["error_code"])
}

func TestRequiresAPIKeyAndBearer(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/auth/v1/signup", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, body := doJSON(t, http.MethodPost, ts.URL+"/rest/v1/conversations", "", map[string]string{"organizationId": "org1"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"].(map[string]any)["code"])
}

func TestPersistenceAPI(t *testing.T) {
	srv, ts := newTestServer(t)
	token := signUp(t, ts)["access_token"].(string)

	status, conv := doJSON(t, http.MethodPost, ts.URL+"/rest/v1/conversations", token, map[string]string{"organizationId": "org1"})
	require.Equal(t, http.StatusCreated, status)
	convID := conv["conversationId"].(string)
	require.NotEmpty(t, convID)

	stored, err := srv.Store().Conversation(testContext(t), convID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.VisitorID, "visitor defaults to the token subject")

	status, msg := doJSON(t, http.MethodPost, ts.URL+"/rest/v1/messages", token, map[string]string{
		"conversationId": convID, "content": "hello", "senderType": "visitor",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, "sent", msg["status"])

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/rest/v1/messages", token, map[string]string{
		"conversationId": "nope", "content": "hello",
	})
	assert.Equal(t, http.StatusNotFound, status)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/rest/v1/messages?conversationId="+convID, nil)
	req.Header.Set("apikey", testAPIKey)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, msg["id"], list[0]["id"])
}

func TestHealthToggle(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/realtime/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.SetHealthy(false)
	resp, err = http.Get(ts.URL + "/realtime/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// ============================================================================
// Realtime
// ============================================================================

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, ts *httptest.Server) *wsPeer {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/v1/websocket?apikey=" + testAPIKey + "&vsn=1.0.0"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(f widget.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(f))
}

func (p *wsPeer) next() widget.Frame {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f widget.Frame
	require.NoError(p.t, p.conn.ReadJSON(&f))
	return f
}

func (p *wsPeer) join(topic, ref, token, conversation string, self bool) widget.Frame {
	p.t.Helper()
	cfg := map[string]any{"broadcast": map[string]any{"self": self}}
	if conversation != "" {
		cfg["postgres_changes"] = []map[string]any{{
			"event": "INSERT", "schema": "public", "table": "messages", "filter": "conversation_id=eq." + conversation,
		}}
	}
	payload, _ := json.Marshal(map[string]any{"config": cfg, "access_token": token})
	p.send(widget.Frame{Topic: topic, Event: widget.PhxJoin, Payload: payload, Ref: ref, JoinRef: ref})
	return p.next()
}

func replyStatus(t *testing.T, f widget.Frame) string {
	t.Helper()
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	return body.Status
}

func TestRealtimeJoinAndHeartbeat(t *testing.T) {
	_, ts := newTestServer(t)
	token := signUp(t, ts)["access_token"].(string)
	p := dialPeer(t, ts)

	reply := p.join("realtime:conversation:org1:c1", "1", "bad-token", "", false)
	assert.Equal(t, widget.PhxReply, reply.Event)
	assert.Equal(t, "error", replyStatus(t, reply))

	reply = p.join("realtime:conversation:org1:c1", "2", token, "", false)
	assert.Equal(t, "2", reply.Ref)
	assert.Equal(t, "ok", replyStatus(t, reply))

	p.send(widget.Frame{Topic: widget.PhoenixTopic, Event: widget.EventHeartbeat, Payload: json.RawMessage(`{}`), Ref: "3"})
	hb := p.next()
	assert.Equal(t, "3", hb.Ref)
	assert.Equal(t, "ok", replyStatus(t, hb))
}

func TestRealtimeBroadcastFanout(t *testing.T) {
	srv, ts := newTestServer(t)
	token := signUp(t, ts)["access_token"].(string)
	topic := "realtime:conversation:org1:c1"

	a := dialPeer(t, ts)
	b := dialPeer(t, ts)
	require.Equal(t, "ok", replyStatus(t, a.join(topic, "1", token, "", false)))
	require.Equal(t, "ok", replyStatus(t, b.join(topic, "1", token, "", true)))
	require.Eventually(t, func() bool { return srv.Hub().Subscribers(topic) == 2 }, time.Second, 10*time.Millisecond)

	payload, _ := json.Marshal(map[string]any{"type": "broadcast", "event": widget.EventTypingStart, "payload": map[string]any{"isTyping": true}})
	b.send(widget.Frame{Topic: topic, Event: widget.EventBroadcast, Payload: payload, Ref: "2", JoinRef: "1"})

	// b asked for its own broadcasts, so both peers receive it.
	for _, p := range []*wsPeer{a, b} {
		f := p.next()
		assert.Equal(t, widget.EventBroadcast, f.Event)
		assert.JSONEq(t, string(payload), string(f.Payload))
	}
}

func TestRealtimeInsertAndAgentWebhook(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)
	token := signUp(t, ts)["access_token"].(string)
	conv, err := srv.Store().CreateConversation(ctx, "org1", "v1", "")
	require.NoError(t, err)
	topic := widget.TopicPrefix + widget.ChannelName("org1", conv.ID)

	p := dialPeer(t, ts)
	require.Equal(t, "ok", replyStatus(t, p.join(topic, "1", token, conv.ID, false)))

	body := `{"event":"typing_start","conversationId":"` + conv.ID + `","senderName":"Dana"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/hooks/agent-reply", strings.NewReader(body))
	req.Header.Set(SignatureHeader, SignBody(body, testWebhook))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f := p.next()
	assert.Equal(t, widget.EventBroadcast, f.Event)
	assert.Contains(t, string(f.Payload), widget.EventTypingStart)

	body = `{"conversationId":"` + conv.ID + `","content":"How can I help?","senderName":"Dana"}`
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/hooks/agent-reply", strings.NewReader(body))
	req.Header.Set(SignatureHeader, SignBody(body, testWebhook))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f = p.next()
	require.Equal(t, widget.EventPostgresChanges, f.Event)
	var change struct {
		Data struct {
			Type   string         `json:"type"`
			Table  string         `json:"table"`
			Record map[string]any `json:"record"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &change))
	assert.Equal(t, "INSERT", change.Data.Type)
	assert.Equal(t, "messages", change.Data.Table)
	assert.Equal(t, "How can I help?", change.Data.Record["content"])
	assert.Equal(t, "agent", change.Data.Record["sender_type"])
}

func TestRealtimeCloseTopic(t *testing.T) {
	srv, ts := newTestServer(t)
	token := signUp(t, ts)["access_token"].(string)
	topic := "realtime:conversation:org1:c9"

	p := dialPeer(t, ts)
	require.Equal(t, "ok", replyStatus(t, p.join(topic, "1", token, "", false)))

	srv.Hub().CloseTopic(topic)
	f := p.next()
	assert.Equal(t, widget.PhxClose, f.Event)
	assert.Equal(t, "1", f.JoinRef)
	assert.Zero(t, srv.Hub().Subscribers(topic))
}

// testContext stands in for t.Context on toolchains older than Go 1.24: the
// context is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

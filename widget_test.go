package widget_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	widget "github.com/supportline/widget-go"
	"github.com/supportline/widget-go/internal/devserver"
	"github.com/supportline/widget-go/internal/metrics"
)

const (
	testAPIKey  = "anon"
	testWebhook = "hook-secret"
)

func newBackend(t *testing.T) (*devserver.Server, *httptest.Server) {
	t.Helper()
	srv, err := devserver.New(devserver.Config{
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

func testConfig(ts *httptest.Server) widget.Config {
	return widget.Config{
		OrganizationID:    "org1",
		APIURL:            ts.URL + "/rest/v1",
		AuthURL:           ts.URL + "/auth/v1",
		RealtimeURL:       ts.URL + "/realtime/v1",
		APIKey:            testAPIKey,
		VisitorName:       "Vic",
		SubscribeTimeout:  2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		MaxRetries:        2,
		PollInterval:      20 * time.Millisecond,
		TypingExpiry:      200 * time.Millisecond,
	}
}

func newWidget(t *testing.T, cfg widget.Config, opts ...widget.Option) *widget.Widget {
	t.Helper()
	opts = append([]widget.Option{widget.WithRegistry(widget.NewChannelRegistry())}, opts...)
	w, err := widget.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func agentReply(t *testing.T, ts *httptest.Server, reply devserver.AgentReply) {
	t.Helper()
	body, err := json.Marshal(reply)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/hooks/agent-reply", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(devserver.SignatureHeader, devserver.SignBody(string(body), testWebhook))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
}

func topicOf(w *widget.Widget) string {
	return widget.TopicPrefix + widget.ChannelName("org1", w.ConversationID())
}

func hasMessage(w *widget.Widget, content string, sender widget.SenderType) bool {
	for _, m := range w.Messages() {
		if m.Content == content && m.SenderType == sender {
			return true
		}
	}
	return false
}

func TestWidgetConversationRoundTrip(t *testing.T) {
	srv, ts := newBackend(t)
	w := newWidget(t, testConfig(ts))

	var mu sync.Mutex
	var typing []widget.TypingSignal
	w.OnTyping(func(s widget.TypingSignal) {
		mu.Lock()
		typing = append(typing, s)
		mu.Unlock()
	})

	require.NoError(t, w.Connect(context.Background()))
	assert.True(t, w.IsConnected())
	assert.Equal(t, widget.StateConnected, w.ConnectionStatus())
	assert.Empty(t, w.ConnectionError())
	require.NotEmpty(t, w.ConversationID())
	require.Eventually(t, func() bool { return srv.Hub().Subscribers(topicOf(w)) == 1 }, time.Second, 5*time.Millisecond)

	msg, err := w.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, w.ConversationID(), msg.ConversationID)

	// The database echo of our own message must not duplicate it.
	time.Sleep(50 * time.Millisecond)
	msgs := w.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)

	agentReply(t, ts, devserver.AgentReply{Event: devserver.AgentEventTypingStart, ConversationID: w.ConversationID(), SenderName: "Ana"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(typing) > 0
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.True(t, typing[0].IsTyping)
	assert.Equal(t, "Ana", typing[0].UserName)
	assert.Equal(t, widget.SenderAgent, typing[0].SenderType)
	mu.Unlock()

	agentReply(t, ts, devserver.AgentReply{ConversationID: w.ConversationID(), Content: "how can I help?", SenderName: "Ana"})
	require.Eventually(t, func() bool {
		return hasMessage(w, "how can I help?", widget.SenderAgent)
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, w.Messages(), 2)

	n, err := w.MarkRead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, m := range w.Messages() {
		if m.SenderType == widget.SenderAgent {
			assert.Equal(t, widget.StatusRead, m.Status)
		}
	}

	require.NoError(t, w.Disconnect(context.Background()))
	assert.Equal(t, widget.StateIdle, w.ConnectionStatus())
	require.Eventually(t, func() bool { return srv.Hub().Subscribers(topicOf(w)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWidgetTypingIndicatorReachesAgents(t *testing.T) {
	srv, ts := newBackend(t)
	w := newWidget(t, testConfig(ts))
	require.NoError(t, w.Connect(context.Background()))

	// A second widget on the same conversation plays the agent desk.
	cfg := testConfig(ts)
	cfg.ConversationID = w.ConversationID()
	desk := newWidget(t, cfg)
	require.NoError(t, desk.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.Hub().Subscribers(topicOf(w)) == 2 }, time.Second, 5*time.Millisecond)

	got := make(chan widget.TypingSignal, 4)
	desk.OnTyping(func(s widget.TypingSignal) { got <- s })

	w.SendTypingIndicator(context.Background(), true)
	select {
	case s := <-got:
		assert.True(t, s.IsTyping)
		assert.Equal(t, "Vic", s.UserName)
		assert.Equal(t, widget.SenderVisitor, s.SenderType)
	case <-time.After(time.Second):
		t.Fatal("typing indicator not delivered")
	}
}

func TestWidgetFallbackPolling(t *testing.T) {
	srv, ts := newBackend(t)
	w := newWidget(t, testConfig(ts))

	var mu sync.Mutex
	var states []widget.ConnectionState
	w.OnStatus(func(c widget.StateChange) {
		mu.Lock()
		states = append(states, c.To)
		mu.Unlock()
	})

	srv.SetHealthy(false)
	err := w.Connect(context.Background())
	require.ErrorIs(t, err, widget.ErrRetriesExhausted)
	require.ErrorIs(t, err, widget.ErrTransportUnreachable)

	assert.Equal(t, widget.StateFallback, w.ConnectionStatus())
	assert.NotEmpty(t, w.ConnectionError())
	assert.True(t, w.Polling())
	m := w.Metrics()
	assert.Equal(t, 3, m.Attempts)
	assert.True(t, m.FallbackActivated)

	// Messages keep flowing through polling.
	agentReply(t, ts, devserver.AgentReply{ConversationID: w.ConversationID(), Content: "still here"})
	require.Eventually(t, func() bool {
		return hasMessage(w, "still here", widget.SenderAgent)
	}, 2*time.Second, 10*time.Millisecond)

	srv.SetHealthy(true)
	require.NoError(t, w.Connect(context.Background()))
	assert.False(t, w.Polling())
	assert.Equal(t, 0, w.Metrics().RetryCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, widget.StateRetrying)
	assert.Equal(t, widget.StateConnected, states[len(states)-1])
}

func TestWidgetReconnectsAfterServerClose(t *testing.T) {
	srv, ts := newBackend(t)
	w := newWidget(t, testConfig(ts))

	edges := make(chan bool, 8)
	w.OnConnectionChange(func(up bool) { edges <- up })

	require.NoError(t, w.Connect(context.Background()))
	require.True(t, <-edges)

	srv.Hub().CloseTopic(topicOf(w))

	for _, want := range []bool{false, true} {
		select {
		case got := <-edges:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("no connection edge %v", want)
		}
	}
	assert.True(t, w.IsConnected())
	assert.Equal(t, 2, w.Metrics().Successes)

	agentReply(t, ts, devserver.AgentReply{ConversationID: w.ConversationID(), Content: "after reconnect"})
	require.Eventually(t, func() bool {
		return hasMessage(w, "after reconnect", widget.SenderAgent)
	}, time.Second, 5*time.Millisecond)
}

func TestWidgetResumesConversationFromStore(t *testing.T) {
	srv, ts := newBackend(t)
	store := widget.NewMemorySessionStore()

	first := newWidget(t, testConfig(ts), widget.WithStore(store))
	require.NoError(t, first.Connect(context.Background()))
	conv := first.ConversationID()
	require.NoError(t, first.Close(context.Background()))

	second := newWidget(t, testConfig(ts), widget.WithStore(store))
	require.NoError(t, second.Connect(context.Background()))
	assert.Equal(t, conv, second.ConversationID())

	n, err := srv.Store().CountConversations(context.Background(), "org1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestWidgetSyncAfterOffline(t *testing.T) {
	_, ts := newBackend(t)
	w := newWidget(t, testConfig(ts), widget.WithProbe(widget.ProbeFunc(func(context.Context) error { return nil })))
	require.NoError(t, w.Connect(context.Background()))
	require.NoError(t, w.Disconnect(context.Background()))

	agentReply(t, ts, devserver.AgentReply{ConversationID: w.ConversationID(), Content: "while away"})
	agentReply(t, ts, devserver.AgentReply{ConversationID: w.ConversationID(), Content: "still away"})

	n, err := w.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWidgetReset(t *testing.T) {
	_, ts := newBackend(t)
	w := newWidget(t, testConfig(ts))
	require.NoError(t, w.Connect(context.Background()))
	_, err := w.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	require.NoError(t, w.Reset(context.Background()))
	assert.Empty(t, w.ConversationID())
	assert.Empty(t, w.Messages())
	assert.Zero(t, w.Metrics().Attempts)
	assert.Equal(t, widget.StateIdle, w.ConnectionStatus())
}

func TestWidgetExportsMetrics(t *testing.T) {
	_, ts := newBackend(t)
	m := metrics.New("widget_test")
	w := newWidget(t, testConfig(ts), widget.WithMetrics(m))
	require.NoError(t, w.Connect(context.Background()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "widget_test_connect_attempts_total")
	assert.Contains(t, body, "widget_test_connect_successes_total")
	assert.Contains(t, body, `state="connected"`)
}

func TestWidgetConfigValidation(t *testing.T) {
	_, err := widget.New(widget.Config{})
	assert.Error(t, err)

	_, err = widget.New(widget.Config{OrganizationID: "org1", AuthURL: "http://a", RealtimeURL: "http://r"})
	assert.ErrorContains(t, err, "APIURL")
}

func TestSocketSendBeforeJoin(t *testing.T) {
	s := widget.NewSocket("http://localhost:1/realtime/v1", testAPIKey)
	ch := s.Channel("conversation:org1:c1", widget.ChannelOptions{ConversationID: "c1"})
	assert.Equal(t, widget.ChannelClosed, ch.State())
	assert.ErrorIs(t, ch.Send(context.Background(), widget.EventTypingStart, nil), widget.ErrNotConnected)
	assert.Equal(t, "ws://localhost:1/realtime/v1/websocket?apikey=anon&vsn=1.0.0", s.URL())
	require.NoError(t, ch.Unsubscribe(context.Background()))
	require.NoError(t, s.Close())
}

func TestSocketJoinRejectedWithoutToken(t *testing.T) {
	_, ts := newBackend(t)
	s := widget.NewSocket(ts.URL+"/realtime/v1", testAPIKey)
	t.Cleanup(func() { _ = s.Close() })

	ch := s.Channel("conversation:org1:c1", widget.ChannelOptions{})
	result := make(chan widget.SubscribeStatus, 2)
	ch.Subscribe(func(status widget.SubscribeStatus, err error) { result <- status })

	select {
	case status := <-result:
		assert.Equal(t, widget.SubscribeChannelError, status)
	case <-time.After(2 * time.Second):
		t.Fatal("join never answered")
	}
	assert.Equal(t, widget.ChannelErrored, ch.State())
}

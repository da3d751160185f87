package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Phoenix protocol events.
const (
	PhxJoin              = "phx_join"
	PhxReply             = "phx_reply"
	PhxLeave             = "phx_leave"
	PhxClose             = "phx_close"
	PhxError             = "phx_error"
	EventAccessToken     = "access_token"
	EventBroadcast       = "broadcast"
	EventPostgresChanges = "postgres_changes"

	// PhoenixTopic carries socket-level heartbeats.
	PhoenixTopic = "phoenix"
	// TopicPrefix is prepended to channel names to form topics.
	TopicPrefix = "realtime:"
)

// Frame is a single Phoenix protocol message.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string         `json:"status"`
	Response map[string]any `json:"response"`
}

func (r replyPayload) reason() string {
	if msg, ok := r.Response["reason"].(string); ok {
		return msg
	}
	if r.Status == "" {
		return "unknown"
	}
	return r.Status
}

type broadcastPayload struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type postgresChangesPayload struct {
	Data struct {
		Type   string    `json:"type"`
		Table  string    `json:"table"`
		Schema string    `json:"schema"`
		Record RawRecord `json:"record"`
	} `json:"data"`
}

// ============================================================================
// Socket
// ============================================================================

const (
	DefaultSocketHeartbeat = 25 * time.Second
	DefaultDialTimeout     = 10 * time.Second
)

// Socket is a Phoenix-protocol realtime client over a single websocket. It
// dials lazily on the first channel join and implements Transport.
type Socket struct {
	endpoint    string
	apiKey      string
	logger      *zap.Logger
	heartbeat   time.Duration
	dialTimeout time.Duration

	dialMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	token    string
	channels map[string]*socketChannel
	pending  map[string]func(Frame)

	refSeq atomic.Uint64
}

type SocketOption func(*Socket)

func WithSocketLogger(l *zap.Logger) SocketOption {
	return func(s *Socket) { s.logger = l }
}

// WithSocketHeartbeat sets the socket-level heartbeat interval.
func WithSocketHeartbeat(d time.Duration) SocketOption {
	return func(s *Socket) { s.heartbeat = d }
}

func WithDialTimeout(d time.Duration) SocketOption {
	return func(s *Socket) { s.dialTimeout = d }
}

// NewSocket creates a socket for the realtime endpoint (http, https, ws or wss).
func NewSocket(endpoint, apiKey string, opts ...SocketOption) *Socket {
	s := &Socket{
		endpoint:    strings.TrimRight(endpoint, "/"),
		apiKey:      apiKey,
		logger:      zap.NewNop(),
		heartbeat:   DefaultSocketHeartbeat,
		dialTimeout: DefaultDialTimeout,
		channels:    make(map[string]*socketChannel),
		pending:     make(map[string]func(Frame)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the websocket URL dialed by the socket.
func (s *Socket) URL() string {
	u := strings.Replace(s.endpoint, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	if s.apiKey != "" {
		q.Set("apikey", s.apiKey)
	}
	q.Set("vsn", "1.0.0")
	return u + "/websocket?" + q.Encode()
}

// Channel returns a new channel for name. It is not joined until Subscribe.
func (s *Socket) Channel(name string, opts ChannelOptions) RealtimeChannel {
	return &socketChannel{
		socket: s,
		name:   name,
		topic:  TopicPrefix + name,
		opts:   opts,
		state:  ChannelClosed,
	}
}

// SetAuth sets the access token sent on joins and pushes it to joined channels.
func (s *Socket) SetAuth(token string) {
	s.mu.Lock()
	changed := s.token != token
	s.token = token
	var joined []*socketChannel
	for _, ch := range s.channels {
		if ch.State() == ChannelJoined {
			joined = append(joined, ch)
		}
	}
	s.mu.Unlock()
	if !changed {
		return
	}

	payload, _ := json.Marshal(map[string]string{"access_token": token})
	for _, ch := range joined {
		ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
		err := s.push(ctx, Frame{Topic: ch.topic, Event: EventAccessToken, Payload: payload, Ref: s.makeRef(), JoinRef: ch.currentJoinRef()})
		cancel()
		if err != nil {
			s.logger.Warn("push access token failed", zap.String("topic", ch.topic), zap.Error(err))
		}
	}
}

func (s *Socket) accessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Connected reports whether the websocket is open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Socket) connect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if s.Connected() {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, s.URL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()
	s.logger.Debug("socket connected", zap.String("endpoint", s.endpoint))

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)
	return nil
}

// Close closes the websocket. Channels still attached observe CHANNEL_ERROR.
func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	chans := s.takeChannelsLocked()
	s.mu.Unlock()

	for _, ch := range chans {
		ch.closed(SubscribeChannelError, ErrDisconnected)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (s *Socket) takeChannelsLocked() []*socketChannel {
	chans := make([]*socketChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.channels = make(map[string]*socketChannel)
	s.pending = make(map[string]func(Frame))
	return chans
}

func (s *Socket) makeRef() string {
	return strconv.FormatUint(s.refSeq.Add(1), 10)
}

func (s *Socket) attach(c *socketChannel) {
	s.mu.Lock()
	s.channels[c.topic] = c
	s.mu.Unlock()
}

func (s *Socket) detach(c *socketChannel) {
	s.mu.Lock()
	if s.channels[c.topic] == c {
		delete(s.channels, c.topic)
	}
	s.mu.Unlock()
}

func (s *Socket) push(ctx context.Context, f Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if f.Payload == nil {
		f.Payload = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// request pushes f and calls onReply when the matching phx_reply arrives.
func (s *Socket) request(ctx context.Context, f Frame, onReply func(Frame)) error {
	s.mu.Lock()
	s.pending[f.Ref] = onReply
	s.mu.Unlock()

	if err := s.push(ctx, f); err != nil {
		s.mu.Lock()
		delete(s.pending, f.Ref)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Socket) awaiting(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[ref]
	return ok
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.lost(conn, err)
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		s.route(f)
	}
}

func (s *Socket) route(f Frame) {
	if f.Event == PhxReply && f.Ref != "" {
		s.mu.Lock()
		h, ok := s.pending[f.Ref]
		delete(s.pending, f.Ref)
		s.mu.Unlock()
		if ok && h != nil {
			h(f)
		}
		return
	}
	if f.Topic == PhoenixTopic {
		return
	}

	s.mu.Lock()
	ch := s.channels[f.Topic]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	if f.JoinRef != "" && f.JoinRef != ch.currentJoinRef() {
		return
	}
	ch.handle(f)
}

// lost tears down after a read failure on conn.
func (s *Socket) lost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	chans := s.takeChannelsLocked()
	s.mu.Unlock()

	s.logger.Warn("socket lost", zap.Error(err), zap.Int("channels", len(chans)))
	_ = conn.Close(websocket.StatusGoingAway, "read failed")
	for _, ch := range chans {
		ch.closed(SubscribeChannelError, fmt.Errorf("socket lost: %w", err))
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if last != "" && s.awaiting(last) {
				s.logger.Warn("socket heartbeat timeout")
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			last = s.makeRef()
			frame := Frame{Topic: PhoenixTopic, Event: EventHeartbeat, Payload: json.RawMessage(`{}`), Ref: last}
			if err := s.request(ctx, frame, func(Frame) {}); err != nil {
				s.logger.Debug("socket heartbeat failed", zap.Error(err))
			}
		}
	}
}

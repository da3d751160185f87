package widget

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var defaultRegistry = NewChannelRegistry()

// DefaultRegistry returns the process-wide registry used by widgets created
// without WithRegistry.
func DefaultRegistry() *ChannelRegistry { return defaultRegistry }

// Config configures a Widget.
type Config struct {
	OrganizationID string
	APIURL         string
	AuthURL        string
	RealtimeURL    string
	APIKey         string

	// CustomerName and VisitorName identify the visitor to support agents.
	CustomerName string
	VisitorName  string
	// ConversationID resumes an existing conversation.
	ConversationID string

	SubscribeTimeout  time.Duration
	ProbeTimeout      time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	MaxRetries        int
	TypingExpiry      time.Duration
	PollInterval      time.Duration
	DisablePolling    bool
}

func (c *Config) validate(o *options) error {
	switch {
	case c.OrganizationID == "":
		return errors.New("widget: OrganizationID is required")
	case c.APIURL == "" && o.api == nil:
		return errors.New("widget: APIURL is required")
	case c.RealtimeURL == "" && o.transport == nil:
		return errors.New("widget: RealtimeURL is required")
	case c.AuthURL == "" && o.tokens == nil:
		return errors.New("widget: AuthURL is required")
	}
	return nil
}

type options struct {
	logger     *zap.Logger
	registry   *ChannelRegistry
	store      SessionStore
	recorder   MetricsRecorder
	httpClient *http.Client
	transport  Transport
	tokens     TokenProvider
	prober     Prober
	api        PersistenceAPI
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegistry shares a channel registry between widgets. Defaults to
// DefaultRegistry().
func WithRegistry(r *ChannelRegistry) Option { return func(o *options) { o.registry = r } }

// WithStore persists the visitor session and conversation id.
func WithStore(s SessionStore) Option { return func(o *options) { o.store = s } }

func WithMetrics(r MetricsRecorder) Option { return func(o *options) { o.recorder = r } }

func WithHTTP(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithTransport replaces the websocket transport.
func WithTransport(t Transport) Option { return func(o *options) { o.transport = t } }

// WithTokens replaces anonymous sign-in.
func WithTokens(p TokenProvider) Option { return func(o *options) { o.tokens = p } }

func WithProbe(p Prober) Option { return func(o *options) { o.prober = p } }

// WithAPI replaces the persistence API client.
func WithAPI(api PersistenceAPI) Option { return func(o *options) { o.api = api } }

// Widget is the state a chat UI binds to: connection status, the message
// list and the send operations.
type Widget struct {
	cfg     Config
	logger  *zap.Logger
	store   SessionStore
	tokens  TokenProvider
	socket  *Socket
	manager *ConnectionManager
	bridge  *MessageBridge
	poller  *poller
	unsubs  []func()
}

// New builds a widget. It does not connect.
func New(cfg Config, opts ...Option) (*Widget, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.validate(o); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.registry == nil {
		o.registry = defaultRegistry
	}
	if o.store == nil {
		o.store = NewMemorySessionStore()
	}
	logger := o.logger.Named("widget").With(zap.String("org", cfg.OrganizationID))

	w := &Widget{cfg: cfg, logger: logger, store: o.store}

	w.tokens = o.tokens
	if w.tokens == nil {
		authOpts := []AuthOption{
			WithSessionStore(o.store, "session:"+cfg.OrganizationID),
			WithAuthLogger(logger.Named("auth")),
		}
		if cfg.VisitorName != "" {
			authOpts = append(authOpts, WithSignUpMetadata(map[string]any{"name": cfg.VisitorName}))
		}
		if o.httpClient != nil {
			authOpts = append(authOpts, WithAuthHTTPClient(o.httpClient))
		}
		w.tokens = NewAnonymousAuth(cfg.AuthURL, cfg.APIKey, authOpts...)
	}

	api := o.api
	if api == nil {
		clientOpts := []ClientOption{WithAPIKey(cfg.APIKey), WithTokenProvider(w.tokens)}
		if o.httpClient != nil {
			clientOpts = append(clientOpts, WithHTTPClient(o.httpClient))
		}
		api = NewClient(cfg.APIURL, clientOpts...)
	}

	transport := o.transport
	if transport == nil {
		w.socket = NewSocket(cfg.RealtimeURL, cfg.APIKey, WithSocketLogger(logger.Named("socket")))
		transport = w.socket
	}

	prober := o.prober
	if prober == nil && cfg.RealtimeURL != "" {
		prober = NewHTTPProbe(cfg.RealtimeURL, cfg.APIKey, o.httpClient)
	}

	managerOpts := []ManagerOption{WithManagerLogger(logger)}
	if prober != nil {
		managerOpts = append(managerOpts, WithProber(prober))
	}
	if o.recorder != nil {
		managerOpts = append(managerOpts, WithMetricsRecorder(o.recorder))
	}
	w.manager = NewConnectionManager(ManagerConfig{
		OrganizationID:    cfg.OrganizationID,
		SubscribeTimeout:  cfg.SubscribeTimeout,
		ProbeTimeout:      cfg.ProbeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffBase:       cfg.BackoffBase,
		MaxRetries:        cfg.MaxRetries,
	}, transport, w.tokens, o.registry, managerOpts...)

	w.bridge = NewMessageBridge(BridgeConfig{
		OrganizationID: cfg.OrganizationID,
		CustomerName:   cfg.CustomerName,
		SenderName:     cfg.VisitorName,
		TypingExpiry:   cfg.TypingExpiry,
	}, api, w.manager, w.visitorID, WithBridgeLogger(logger), WithConversationStore(o.store))
	if cfg.ConversationID != "" {
		w.bridge.SetConversationID(cfg.ConversationID)
	}

	w.poller = newPoller(cfg.PollInterval, w.bridge.Sync, logger.Named("poller"))
	w.unsubs = append(w.unsubs,
		w.manager.OnEvent(w.bridge.HandleEvent),
		w.manager.OnStateChange(w.handleState),
	)
	return w, nil
}

func (w *Widget) handleState(c StateChange) {
	switch c.To {
	case StateFallback:
		if !w.cfg.DisablePolling {
			w.poller.start()
		}
	case StateConnected, StateIdle:
		w.poller.stop()
	}
}

// visitorID resolves the anonymous visitor's id: the session user when
// available, else the token subject, else a stable id kept in the store.
func (w *Widget) visitorID(ctx context.Context) (string, error) {
	token, err := w.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if auth, ok := w.tokens.(*AnonymousAuth); ok {
		if s, err := auth.GetSession(ctx); err == nil && s != nil {
			if id := s.VisitorID(); id != "" {
				return id, nil
			}
		}
	}
	if id := (&Session{AccessToken: token}).VisitorID(); id != "" {
		return id, nil
	}

	key := "visitor:" + w.cfg.OrganizationID
	id, err := w.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
		if err := w.store.Set(ctx, key, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

// ============================================================================
// UI surface
// ============================================================================

func (w *Widget) IsConnected() bool { return w.manager.IsConnected() }

func (w *Widget) ConnectionStatus() ConnectionState { return w.manager.State() }

// ConnectionError returns the last connect error text, or "".
func (w *Widget) ConnectionError() string {
	if err := w.manager.LastError(); err != nil {
		return err.Error()
	}
	return ""
}

func (w *Widget) ConversationID() string { return w.bridge.ConversationID() }

func (w *Widget) Messages() []Message { return w.bridge.Messages() }

func (w *Widget) Metrics() ConnectionMetrics { return w.manager.Metrics() }

// Polling reports whether the fallback poller is active.
func (w *Widget) Polling() bool { return w.poller.running() }

// Connect obtains the conversation (creating it if needed) and joins its
// realtime channel.
func (w *Widget) Connect(ctx context.Context) error {
	conv, err := w.bridge.EnsureConversation(ctx)
	if err != nil {
		return err
	}
	return w.manager.Connect(ctx, conv)
}

// Disconnect leaves the channel and stops polling.
func (w *Widget) Disconnect(ctx context.Context) error {
	w.poller.stop()
	err := w.manager.Disconnect(ctx)
	if w.socket != nil {
		if cerr := w.socket.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Reset disconnects and forgets the conversation, messages and metrics.
func (w *Widget) Reset(ctx context.Context) error {
	err := w.Disconnect(ctx)
	w.bridge.Reset()
	w.manager.ResetMetrics()
	return err
}

// Close disconnects and releases every subscription the widget holds.
func (w *Widget) Close(ctx context.Context) error {
	err := w.Disconnect(ctx)
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.bridge.Close()
	return err
}

// SendMessage sends content as the visitor.
func (w *Widget) SendMessage(ctx context.Context, content string) (*Message, error) {
	return w.bridge.SendMessage(ctx, content, SenderVisitor)
}

// SendTypingIndicator broadcasts the visitor's typing state while connected.
func (w *Widget) SendTypingIndicator(ctx context.Context, isTyping bool) {
	w.bridge.SendTyping(ctx, isTyping)
}

// MarkRead marks messages as read; with no ids, all support-side messages.
func (w *Widget) MarkRead(ctx context.Context, ids ...string) (int, error) {
	return w.bridge.MarkRead(ctx, ids...)
}

// Sync pulls messages missed while offline.
func (w *Widget) Sync(ctx context.Context) (int, error) { return w.bridge.Sync(ctx) }

// ============================================================================
// Observers
// ============================================================================

func (w *Widget) OnMessage(fn func(MessageEvent)) func() { return w.bridge.OnMessage(fn) }

func (w *Widget) OnTyping(fn func(TypingSignal)) func() { return w.bridge.OnTyping(fn) }

func (w *Widget) OnConnectionChange(fn func(bool)) func() { return w.manager.OnConnectionChange(fn) }

func (w *Widget) OnStatus(fn func(StateChange)) func() { return w.manager.OnStateChange(fn) }

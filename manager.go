package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSubscribeTimeout  = 15 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultBackoffBase       = 1 * time.Second
	DefaultMaxRetries        = 5
)

// errUnexpected marks connect failures that are not worth retrying.
var errUnexpected = errors.New("unexpected connect failure")

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	OrganizationID    string
	SubscribeTimeout  time.Duration
	ProbeTimeout      time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	MaxRetries        int
	BroadcastSelf     bool
}

func (c *ManagerConfig) defaults() {
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// StateChange describes one connection state transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error
}

type connectCall struct {
	conversationID string
	done           chan struct{}
	err            error
}

func (c *connectCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionManager owns the realtime channel of one conversation: it
// connects, subscribes, keeps the channel alive and retries with backoff
// before degrading to fallback.
type ConnectionManager struct {
	cfg       ManagerConfig
	transport Transport
	tokens    TokenProvider
	registry  *ChannelRegistry
	prober    Prober
	recorder  MetricsRecorder
	logger    *zap.Logger
	backoff   backoff
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	onState      *emitter[StateChange]
	onConnection *emitter[bool]
	onEvent      *emitter[ChannelEvent]

	mu             sync.Mutex
	sm             *stateMachine
	queue          []StateChange
	metrics        ConnectionMetrics
	lastErr        error
	conversationID string
	channel        RealtimeChannel
	unbinds        []func()
	intentional    bool
	inflight       *connectCall
	runCancel      context.CancelFunc
	hbCancel       context.CancelFunc
}

type ManagerOption func(*ConnectionManager)

func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = l }
}

func WithMetricsRecorder(r MetricsRecorder) ManagerOption {
	return func(m *ConnectionManager) { m.recorder = r }
}

// WithProber sets the pre-flight reachability check. Without one the probe
// step is skipped.
func WithProber(p Prober) ManagerOption {
	return func(m *ConnectionManager) { m.prober = p }
}

// NewConnectionManager creates a manager. registry should be shared by every
// manager in the process.
func NewConnectionManager(cfg ManagerConfig, transport Transport, tokens TokenProvider, registry *ChannelRegistry, opts ...ManagerOption) *ConnectionManager {
	cfg.defaults()
	m := &ConnectionManager{
		cfg:       cfg,
		transport: transport,
		tokens:    tokens,
		registry:  registry,
		recorder:  nopRecorder{},
		logger:    zap.NewNop(),
		backoff:   backoff{base: cfg.BackoffBase, maxRetries: cfg.MaxRetries},
		sleep:     sleepCtx,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("manager")
	m.onState = newEmitter[StateChange]("state", m.logger)
	m.onConnection = newEmitter[bool]("connection", m.logger)
	m.onEvent = newEmitter[ChannelEvent]("event", m.logger)
	m.sm = newStateMachine(func(from, to ConnectionState) {
		m.queue = append(m.queue, StateChange{From: from, To: to, Err: m.lastErr})
	})
	return m
}

// ============================================================================
// Observers
// ============================================================================

// OnStateChange registers fn for state transitions and returns its unsubscribe func.
func (m *ConnectionManager) OnStateChange(fn func(StateChange)) func() {
	return m.onState.subscribe(fn)
}

// OnConnectionChange registers fn for connected/disconnected edges.
func (m *ConnectionManager) OnConnectionChange(fn func(bool)) func() {
	return m.onConnection.subscribe(fn)
}

// OnEvent registers fn for inbound events of the current channel.
func (m *ConnectionManager) OnEvent(fn func(ChannelEvent)) func() {
	return m.onEvent.subscribe(fn)
}

// unlockAndNotify releases m.mu and then delivers queued transitions.
func (m *ConnectionManager) unlockAndNotify() {
	queue := m.queue
	m.queue = nil
	channel := ChannelName(m.cfg.OrganizationID, m.conversationID)
	m.mu.Unlock()

	for _, c := range queue {
		m.recorder.StateChange(channel, c.From, c.To)
		m.onState.emit(c)
		switch {
		case c.To == StateConnected:
			m.onConnection.emit(true)
		case c.From == StateConnected:
			m.onConnection.emit(false)
		}
	}
}

// transitionLocked moves the state machine. An illegal move is logged and
// reported.
func (m *ConnectionManager) transitionLocked(to ConnectionState) error {
	if err := m.sm.transition(to); err != nil {
		m.logger.Error("state transition rejected", zap.Error(err))
		return err
	}
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.state
}

// IsConnected reports whether the channel is joined.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.state == StateConnected
}

// LastError returns the error of the most recent failed attempt, or nil.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Metrics returns a copy of the counters.
func (m *ConnectionManager) Metrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// ResetMetrics zeroes the counters.
func (m *ConnectionManager) ResetMetrics() {
	m.mu.Lock()
	m.metrics = ConnectionMetrics{}
	m.mu.Unlock()
}

// ChannelName returns the name of the managed channel, or "" before the
// first Connect.
func (m *ConnectionManager) ChannelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversationID == "" {
		return ""
	}
	return ChannelName(m.cfg.OrganizationID, m.conversationID)
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

// Connect joins the conversation's channel. It returns nil once connected,
// ErrRetriesExhausted after the retry budget is spent (state fallback) or
// ErrDisconnected if Disconnect interrupts it. Concurrent calls share one
// attempt. ctx bounds only the wait; the attempt continues until it
// resolves or Disconnect is called.
func (m *ConnectionManager) Connect(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}

	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		if call.conversationID == conversationID {
			return call.wait(ctx)
		}
		if err := call.wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
		return m.Connect(ctx, conversationID)
	}
	if m.conversationID == conversationID && m.sm.state == StateConnected {
		if m.channel != nil && m.channel.State() == ChannelJoined {
			m.mu.Unlock()
			return nil
		}
		m.stopHeartbeatLocked()
		m.detachLocked()
		_ = m.transitionLocked(StateRetrying)
	}
	if m.conversationID != "" && m.conversationID != conversationID && m.channel != nil {
		m.mu.Unlock()
		if err := m.Disconnect(ctx); err != nil {
			m.logger.Warn("teardown of previous conversation failed", zap.Error(err))
		}
		return m.Connect(ctx, conversationID)
	}

	m.metrics.RetryCount = 0
	call := m.startLocked(conversationID)
	m.unlockAndNotify()
	return call.wait(ctx)
}

// startLocked launches a connect loop. m.mu must be held.
func (m *ConnectionManager) startLocked(conversationID string) *connectCall {
	call := &connectCall{conversationID: conversationID, done: make(chan struct{})}
	if m.runCancel != nil {
		m.runCancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.inflight = call
	m.runCancel = cancel
	m.intentional = false
	m.conversationID = conversationID

	go func() {
		call.err = m.run(runCtx, conversationID)
		m.mu.Lock()
		if m.inflight == call {
			m.inflight = nil
		}
		m.mu.Unlock()
		close(call.done)
	}()
	return call
}

// Disconnect tears the channel down. It is idempotent and suppresses any
// retry, including ones triggered by late channel callbacks.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.intentional = true
	if m.runCancel != nil {
		m.runCancel()
		m.runCancel = nil
	}
	m.inflight = nil
	m.stopHeartbeatLocked()
	ch := m.detachLocked()
	_ = m.transitionLocked(StateIdle)
	m.unlockAndNotify()

	if ch == nil {
		return nil
	}
	if ok, err := m.registry.EvictIf(ctx, ch.Name(), ch); ok || err != nil {
		return err
	}
	return ch.Unsubscribe(ctx)
}

// detachLocked unbinds handlers and forgets the current channel.
func (m *ConnectionManager) detachLocked() RealtimeChannel {
	ch := m.channel
	m.channel = nil
	for _, unbind := range m.unbinds {
		unbind()
	}
	m.unbinds = nil
	return ch
}

// ============================================================================
// Connect loop
// ============================================================================

func (m *ConnectionManager) run(ctx context.Context, conversationID string) error {
	name := ChannelName(m.cfg.OrganizationID, conversationID)
	log := m.logger.With(zap.String("channel", name))

	for {
		err := m.attempt(ctx, conversationID)
		if err == nil {
			return nil
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return ErrDisconnected
		}
		m.metrics.Failures++
		m.lastErr = err
		m.recorder.ConnectFailure(name, failureReason(err))

		if errors.Is(err, errUnexpected) || errors.Is(err, ErrIllegalTransition) {
			_ = m.transitionLocked(StateError)
			m.unlockAndNotify()
			log.Error("connect failed", zap.Error(err))
			return err
		}

		retry := m.metrics.RetryCount
		if m.backoff.exhausted(retry) {
			m.metrics.FallbackActivated = true
			_ = m.transitionLocked(StateFallback)
			m.unlockAndNotify()
			m.recorder.Fallback(name)
			log.Warn("retries exhausted, entering fallback", zap.Int("retries", retry), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		delay := m.backoff.delay(retry)
		m.metrics.RetryCount++
		_ = m.transitionLocked(StateRetrying)
		m.unlockAndNotify()
		log.Info("connect failed, retrying",
			zap.Int("retry", retry+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := m.sleep(ctx, delay); err != nil {
			return ErrDisconnected
		}
	}
}

// attempt runs one probe, auth and subscribe cycle.
func (m *ConnectionManager) attempt(ctx context.Context, conversationID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errUnexpected, r)
		}
	}()

	name := ChannelName(m.cfg.OrganizationID, conversationID)

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if err := m.transitionLocked(StateConnecting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.metrics.Attempts++
	m.unlockAndNotify()
	m.recorder.ConnectAttempt(name)
	start := m.now()

	if m.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.prober.Probe(probeCtx)
		cancel()
		if err != nil {
			if !errors.Is(err, ErrTransportUnreachable) {
				err = fmt.Errorf("%w: %w", ErrTransportUnreachable, err)
			}
			return err
		}
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		if !errors.Is(err, ErrAuthUnavailable) {
			err = fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
		}
		return err
	}
	m.transport.SetAuth(token)

	ch, reused, err := m.claim(ctx, name, conversationID)
	if err != nil {
		return err
	}
	if reused {
		return m.onSubscribed(ctx, ch, start)
	}

	result := make(chan error, 1)
	var resolved atomic.Bool
	ch.Subscribe(func(status SubscribeStatus, cbErr error) {
		if resolved.CompareAndSwap(false, true) {
			switch status {
			case SubscribeSubscribed:
				result <- nil
			case SubscribeTimedOut:
				result <- ErrSubscribeTimeout
			default:
				result <- fmt.Errorf("%w: %s: %v", ErrSubscribeClosed, status, cbErr)
			}
		}
	})

	timer := time.NewTimer(m.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			m.discard(ch)
			return err
		}
		return m.onSubscribed(ctx, ch, start)
	case <-timer.C:
		if !resolved.CompareAndSwap(false, true) {
			if err := <-result; err != nil {
				m.discard(ch)
				return err
			}
			return m.onSubscribed(ctx, ch, start)
		}
		m.mu.Lock()
		if ctx.Err() == nil {
			_ = m.transitionLocked(StateTimeout)
		}
		m.unlockAndNotify()
		m.discard(ch)
		return fmt.Errorf("%w after %s", ErrSubscribeTimeout, m.cfg.SubscribeTimeout)
	case <-ctx.Done():
		resolved.Store(true)
		m.discard(ch)
		return ErrDisconnected
	}
}

// claim reuses a joined channel for name or creates and registers a new one.
// The registry lock makes the check and the registration atomic across
// managers.
func (m *ConnectionManager) claim(ctx context.Context, name, conversationID string) (RealtimeChannel, bool, error) {
	unlock := m.registry.Lock(name)
	defer unlock()

	if existing, ok := m.registry.Get(name); ok {
		if existing.State() == ChannelJoined {
			if err := m.adopt(ctx, existing); err != nil {
				return nil, false, err
			}
			m.logger.Debug("reusing joined channel", zap.String("channel", name))
			return existing, true, nil
		}
		if _, err := m.registry.EvictIf(ctx, name, existing); err != nil {
			m.logger.Warn("evicting stale channel failed", zap.String("channel", name), zap.Error(err))
		}
	}

	ch := m.transport.Channel(name, ChannelOptions{
		ConversationID: conversationID,
		BroadcastSelf:  m.cfg.BroadcastSelf,
	})
	if err := m.adopt(ctx, ch); err != nil {
		return nil, false, err
	}
	m.registry.Register(name, ch)
	return ch, false, nil
}

// adopt makes ch the current channel and binds inbound handlers to it. The
// status listener lets every manager holding a shared channel see it close.
func (m *ConnectionManager) adopt(ctx context.Context, ch RealtimeChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ErrDisconnected
	}
	m.detachLocked()
	m.channel = ch
	m.unbinds = append(m.bind(ch), ch.OnStatus(func(status SubscribeStatus, err error) {
		m.onChannelStatus(ch, status, err)
	}))
	return nil
}

var inboundFilters = []EventFilter{
	{Type: BindBroadcast, Event: EventMessageCreated},
	{Type: BindBroadcast, Event: EventTypingStart},
	{Type: BindBroadcast, Event: EventTypingStop},
	{Type: BindPostgresChanges, Event: "INSERT", Table: "messages"},
}

func (m *ConnectionManager) bind(ch RealtimeChannel) []func() {
	unbinds := make([]func(), 0, len(inboundFilters))
	for _, f := range inboundFilters {
		unbinds = append(unbinds, ch.On(f, func(e ChannelEvent) {
			if m.isCurrent(ch) {
				m.onEvent.emit(e)
			}
		}))
	}
	return unbinds
}

func (m *ConnectionManager) isCurrent(ch RealtimeChannel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel == ch
}

func (m *ConnectionManager) onSubscribed(ctx context.Context, ch RealtimeChannel, start time.Time) error {
	m.mu.Lock()
	if ctx.Err() != nil || m.channel != ch {
		m.mu.Unlock()
		m.discard(ch)
		return ErrDisconnected
	}
	latency := m.now().Sub(start)
	m.metrics.Successes++
	m.metrics.LastLatency = latency
	m.metrics.RetryCount = 0
	m.lastErr = nil
	if err := m.transitionLocked(StateConnected); err != nil {
		m.mu.Unlock()
		return err
	}
	m.startHeartbeatLocked(ch)
	m.unlockAndNotify()

	m.recorder.ConnectSuccess(ch.Name(), latency)
	m.logger.Info("connected", zap.String("channel", ch.Name()), zap.Duration("latency", latency))
	return nil
}

// discard drops ch after a failed attempt.
func (m *ConnectionManager) discard(ch RealtimeChannel) {
	m.mu.Lock()
	if m.channel == ch {
		m.detachLocked()
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	ok, err := m.registry.EvictIf(ctx, ch.Name(), ch)
	if !ok {
		err = ch.Unsubscribe(ctx)
	}
	if err != nil {
		m.logger.Debug("discarding channel failed", zap.String("channel", ch.Name()), zap.Error(err))
	}
}

// onChannelStatus handles status reports that arrive after the subscribe
// result. A close or error of the live channel is a connection loss.
func (m *ConnectionManager) onChannelStatus(ch RealtimeChannel, status SubscribeStatus, err error) {
	if status == SubscribeSubscribed {
		return
	}

	m.mu.Lock()
	if m.intentional || m.channel != ch || m.sm.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	m.detachLocked()
	m.lastErr = fmt.Errorf("%w: %s: %v", ErrSubscribeClosed, status, err)
	_ = m.transitionLocked(StateRetrying)
	m.startLocked(m.conversationID)
	m.unlockAndNotify()

	m.logger.Warn("connection lost", zap.String("channel", ch.Name()), zap.String("status", string(status)), zap.Error(err))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		defer cancel()
		_, _ = m.registry.EvictIf(ctx, ch.Name(), ch)
	}()
}

// ============================================================================
// Heartbeat and broadcast
// ============================================================================

func (m *ConnectionManager) startHeartbeatLocked(ch RealtimeChannel) {
	m.stopHeartbeatLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.hbCancel = cancel
	go m.heartbeatLoop(ctx, ch)
}

func (m *ConnectionManager) stopHeartbeatLocked() {
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, ch RealtimeChannel) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.isCurrent(ch) || !m.IsConnected() {
				return
			}
			payload := map[string]any{"timestamp": m.now().UnixMilli()}
			if err := ch.Send(ctx, EventHeartbeat, payload); err != nil {
				m.logger.Warn("heartbeat failed", zap.String("channel", ch.Name()), zap.Error(err))
			}
		}
	}
}

// Broadcast sends event on the live channel. It fails with ErrNotConnected
// unless the manager is connected.
func (m *ConnectionManager) Broadcast(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	ch := m.channel
	connected := m.sm.state == StateConnected
	m.mu.Unlock()
	if !connected || ch == nil {
		return ErrNotConnected
	}
	return ch.Send(ctx, event, payload)
}

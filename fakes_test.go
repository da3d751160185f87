package widget

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Fake transport
// ============================================================================

// joinBehavior decides how a fake channel answers Subscribe. It runs on its
// own goroutine.
type joinBehavior func(c *fakeChannel)

func joinOK(c *fakeChannel)       { c.resolve(SubscribeSubscribed, nil) }
func joinError(c *fakeChannel)    { c.resolve(SubscribeChannelError, context.DeadlineExceeded) }
func joinNever(c *fakeChannel)    {}
func joinTimedOut(c *fakeChannel) { c.resolve(SubscribeTimedOut, nil) }

type sentEvent struct {
	Event   string
	Payload any
}

type fakeChannel struct {
	name     string
	opts     ChannelOptions
	behavior joinBehavior

	mu           sync.Mutex
	state        ChannelState
	cb           func(SubscribeStatus, error)
	listeners    []statusListener
	bindings     []binding
	nextBind     uint64
	sent         []sentEvent
	subscribes   int
	unsubscribes int
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) On(filter EventFilter, h func(ChannelEvent)) func() {
	c.mu.Lock()
	c.nextBind++
	id := c.nextBind
	c.bindings = append(c.bindings, binding{id: id, filter: filter, fn: h})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, b := range c.bindings {
			if b.id == id {
				c.bindings = append(c.bindings[:i:i], c.bindings[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeChannel) OnStatus(fn func(SubscribeStatus, error)) func() {
	c.mu.Lock()
	c.nextBind++
	id := c.nextBind
	c.listeners = append(c.listeners, statusListener{id: id, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// handlersLocked returns the Subscribe callback and the status listeners.
func (c *fakeChannel) handlersLocked() []func(SubscribeStatus, error) {
	var hs []func(SubscribeStatus, error)
	if c.cb != nil {
		hs = append(hs, c.cb)
	}
	for _, l := range c.listeners {
		hs = append(hs, l.fn)
	}
	return hs
}

func (c *fakeChannel) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *fakeChannel) Subscribe(cb func(SubscribeStatus, error)) {
	c.mu.Lock()
	c.cb = cb
	c.state = ChannelJoining
	c.subscribes++
	behavior := c.behavior
	c.mu.Unlock()
	go behavior(c)
}

// resolve reports status to the subscriber, as the server's reply would.
func (c *fakeChannel) resolve(status SubscribeStatus, err error) {
	c.mu.Lock()
	switch status {
	case SubscribeSubscribed:
		c.state = ChannelJoined
	case SubscribeClosed:
		c.state = ChannelClosed
	default:
		c.state = ChannelErrored
	}
	handlers := c.handlersLocked()
	c.mu.Unlock()
	report(handlers, status, err)
}

func (c *fakeChannel) Send(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChannelJoined {
		return ErrNotConnected
	}
	c.sent = append(c.sent, sentEvent{Event: event, Payload: payload})
	return nil
}

func (c *fakeChannel) Unsubscribe(context.Context) error {
	c.mu.Lock()
	c.unsubscribes++
	prev := c.state
	c.state = ChannelClosed
	handlers := c.handlersLocked()
	c.mu.Unlock()
	if prev != ChannelClosed {
		report(handlers, SubscribeClosed, nil)
	}
	return nil
}

// emit delivers an inbound event to matching handlers.
func (c *fakeChannel) emit(e ChannelEvent) {
	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	c.mu.Unlock()
	for _, b := range bindings {
		if b.filter.matches(e) {
			b.fn(e)
		}
	}
}

func (c *fakeChannel) sentEvents(event string) []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEvent
	for _, s := range c.sent {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

func (c *fakeChannel) counts() (subscribes, unsubscribes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes, c.unsubscribes
}

type fakeTransport struct {
	mu       sync.Mutex
	behavior joinBehavior
	// behaviors, when set, answers the nth created channel with behaviors[n]
	// and falls back to behavior afterwards.
	behaviors []joinBehavior
	channels  []*fakeChannel
	tokens    []string
}

func newFakeTransport(b joinBehavior) *fakeTransport {
	return &fakeTransport{behavior: b}
}

func (t *fakeTransport) SetAuth(token string) {
	t.mu.Lock()
	t.tokens = append(t.tokens, token)
	t.mu.Unlock()
}

func (t *fakeTransport) Channel(name string, opts ChannelOptions) RealtimeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.behavior
	if n := len(t.channels); n < len(t.behaviors) {
		b = t.behaviors[n]
	}
	c := &fakeChannel{name: name, opts: opts, behavior: b, state: ChannelClosed}
	t.channels = append(t.channels, c)
	return c
}

func (t *fakeTransport) created() []*fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeChannel(nil), t.channels...)
}

func (t *fakeTransport) last() *fakeChannel {
	chans := t.created()
	if len(chans) == 0 {
		return nil
	}
	return chans[len(chans)-1]
}

// ============================================================================
// Recorders
// ============================================================================

// stateLog collects state transitions delivered to observers.
type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *stateLog) add(c StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *stateLog) states() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConnectionState, 0, len(l.changes))
	for _, c := range l.changes {
		out = append(out, c.To)
	}
	return out
}

func (l *stateLog) count(s ConnectionState) int {
	n := 0
	for _, st := range l.states() {
		if st == s {
			n++
		}
	}
	return n
}

// sleepLog replaces the manager's backoff sleep and records requested delays.
type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	l.delays = append(l.delays, d)
	l.mu.Unlock()
	return ctx.Err()
}

func (l *sleepLog) recorded() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.delays...)
}

// recorder is a MetricsRecorder that counts calls.
type recorder struct {
	mu        sync.Mutex
	attempts  int
	successes int
	failures  map[string]int
	fallbacks int
}

func newRecorder() *recorder { return &recorder{failures: map[string]int{}} }

func (r *recorder) ConnectAttempt(string) {
	r.mu.Lock()
	r.attempts++
	r.mu.Unlock()
}

func (r *recorder) ConnectSuccess(string, time.Duration) {
	r.mu.Lock()
	r.successes++
	r.mu.Unlock()
}

func (r *recorder) ConnectFailure(_, reason string) {
	r.mu.Lock()
	r.failures[reason]++
	r.mu.Unlock()
}

func (r *recorder) StateChange(string, ConnectionState, ConnectionState) {}

func (r *recorder) Fallback(string) {
	r.mu.Lock()
	r.fallbacks++
	r.mu.Unlock()
}

package widget

import (
	"context"
	"sync"
)

// ChannelName returns the deterministic channel name for a conversation.
func ChannelName(organizationID, conversationID string) string {
	return "conversation:" + organizationID + ":" + conversationID
}

// ChannelRegistry tracks the live channel per name across every manager in a
// process. Construct one and share it so at most one subscription exists per
// name.
type ChannelRegistry struct {
	mu       sync.Mutex
	channels map[string]RealtimeChannel
	locks    map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[string]RealtimeChannel),
		locks:    make(map[string]*nameLock),
	}
}

// Lock serializes check-then-act sequences on name and returns the unlock func.
func (r *ChannelRegistry) Lock(name string) func() {
	r.mu.Lock()
	l, ok := r.locks[name]
	if !ok {
		l = &nameLock{}
		r.locks[name] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, name)
		}
		r.mu.Unlock()
	}
}

// Register records ch under name, replacing any previous entry. The previous
// entry is returned and is not torn down.
func (r *ChannelRegistry) Register(name string, ch RealtimeChannel) RealtimeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.channels[name]
	r.channels[name] = ch
	return prev
}

func (r *ChannelRegistry) Get(name string) (RealtimeChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Evict removes name and unsubscribes its channel.
func (r *ChannelRegistry) Evict(ctx context.Context, name string) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	delete(r.channels, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ch.Unsubscribe(ctx)
}

// EvictIf evicts name only while it still maps to ch. It reports whether ch
// was registered.
func (r *ChannelRegistry) EvictIf(ctx context.Context, name string, ch RealtimeChannel) (bool, error) {
	r.mu.Lock()
	cur, ok := r.channels[name]
	if !ok || cur != ch {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.channels, name)
	r.mu.Unlock()
	return true, ch.Unsubscribe(ctx)
}

// Clear evicts every channel and returns the first unsubscribe error.
func (r *ChannelRegistry) Clear(ctx context.Context) error {
	r.mu.Lock()
	chans := r.channels
	r.channels = make(map[string]RealtimeChannel)
	r.mu.Unlock()

	var first error
	for _, ch := range chans {
		if err := ch.Unsubscribe(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *ChannelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

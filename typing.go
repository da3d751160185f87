package widget

import (
	"sync"
	"time"
)

// DefaultTypingExpiry is how long a remote typing indicator stays active
// without a refresh.
const DefaultTypingExpiry = 5 * time.Second

// typingTracker holds the remote party's typing state and clears it when no
// refresh arrives within expiry.
type typingTracker struct {
	expiry time.Duration
	notify func(TypingSignal)

	mu     sync.Mutex
	active bool
	last   TypingSignal
	timer  *time.Timer
	gen    uint64
}

func newTypingTracker(expiry time.Duration, notify func(TypingSignal)) *typingTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &typingTracker{expiry: expiry, notify: notify}
}

// update applies an inbound signal and notifies listeners.
func (t *typingTracker) update(s TypingSignal) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if s.IsTyping {
		t.active = true
		t.last = s
		t.timer = time.AfterFunc(t.expiry, func() { t.expire(gen) })
	} else {
		t.active = false
	}
	t.mu.Unlock()

	t.notify(s)
}

func (t *typingTracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	cleared := t.last
	cleared.IsTyping = false
	t.mu.Unlock()

	t.notify(cleared)
}

// current returns the active signal, if any.
func (t *typingTracker) current() (TypingSignal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.active
}

func (t *typingTracker) stop() {
	t.mu.Lock()
	t.gen++
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

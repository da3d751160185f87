package widget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingLog struct {
	mu      sync.Mutex
	signals []TypingSignal
}

func (l *typingLog) add(s TypingSignal) {
	l.mu.Lock()
	l.signals = append(l.signals, s)
	l.mu.Unlock()
}

func (l *typingLog) all() []TypingSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TypingSignal(nil), l.signals...)
}

func TestTypingExpires(t *testing.T) {
	log := &typingLog{}
	tr := newTypingTracker(20*time.Millisecond, log.add)

	tr.update(TypingSignal{IsTyping: true, UserName: "Ana"})
	s, ok := tr.current()
	require.True(t, ok)
	assert.Equal(t, "Ana", s.UserName)

	require.Eventually(t, func() bool {
		_, ok := tr.current()
		return !ok
	}, time.Second, 5*time.Millisecond)

	got := log.all()
	require.Len(t, got, 2)
	assert.True(t, got[0].IsTyping)
	assert.False(t, got[1].IsTyping)
	assert.Equal(t, "Ana", got[1].UserName)
}

func TestTypingRefreshExtendsExpiry(t *testing.T) {
	log := &typingLog{}
	tr := newTypingTracker(60*time.Millisecond, log.add)

	tr.update(TypingSignal{IsTyping: true})
	time.Sleep(40 * time.Millisecond)
	tr.update(TypingSignal{IsTyping: true})
	time.Sleep(40 * time.Millisecond)

	_, ok := tr.current()
	assert.True(t, ok, "refresh should have restarted the expiry")
}

func TestTypingStopCancelsExpiry(t *testing.T) {
	log := &typingLog{}
	tr := newTypingTracker(20*time.Millisecond, log.add)

	tr.update(TypingSignal{IsTyping: true})
	tr.update(TypingSignal{IsTyping: false})
	time.Sleep(50 * time.Millisecond)

	_, ok := tr.current()
	assert.False(t, ok)
	assert.Len(t, log.all(), 2)
}

func TestTypingStopSilencesTracker(t *testing.T) {
	log := &typingLog{}
	tr := newTypingTracker(20*time.Millisecond, log.add)

	tr.update(TypingSignal{IsTyping: true})
	tr.stop()
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, log.all(), 1)
}

func TestTypingDefaultExpiry(t *testing.T) {
	tr := newTypingTracker(0, func(TypingSignal) {})
	assert.Equal(t, DefaultTypingExpiry, tr.expiry)
	assert.Equal(t, 5*time.Second, DefaultTypingExpiry)
}

package widget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to ConnectionState
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateIdle, StateConnected, false},
		{StateIdle, StateFallback, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateTimeout, true},
		{StateConnecting, StateFallback, true},
		{StateConnected, StateRetrying, true},
		{StateConnected, StateConnecting, false},
		{StateConnected, StateFallback, false},
		{StateRetrying, StateConnecting, true},
		{StateRetrying, StateConnected, false},
		{StateTimeout, StateRetrying, true},
		{StateTimeout, StateConnected, false},
		{StateError, StateConnecting, true},
		{StateFallback, StateConnecting, true},
		{StateFallback, StateRetrying, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestEveryStateCanReturnToIdle(t *testing.T) {
	for from := range transitions {
		if from == StateIdle {
			continue
		}
		assert.True(t, from.CanTransition(StateIdle), "%s cannot reach idle", from)
	}
}

func TestStateMachine(t *testing.T) {
	var seen []StateChange
	sm := newStateMachine(func(from, to ConnectionState) {
		seen = append(seen, StateChange{From: from, To: to})
	})
	assert.Equal(t, StateIdle, sm.state)

	require.NoError(t, sm.transition(StateConnecting))
	require.NoError(t, sm.transition(StateConnecting))
	require.Len(t, seen, 1, "same-state transition must not notify")

	err := sm.transition(StateIdle)
	require.NoError(t, err)

	err = sm.transition(StateConnected)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Contains(t, err.Error(), "idle -> connected")
	assert.Equal(t, StateIdle, sm.state)
	assert.Len(t, seen, 2)
}

func TestBackoffDelays(t *testing.T) {
	b := backoff{base: time.Second, maxRetries: 5}

	var got []time.Duration
	retry := 0
	for ; !b.exhausted(retry); retry++ {
		got = append(got, b.delay(retry))
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, got)
	assert.Equal(t, 5, retry)
	assert.Equal(t, time.Second, b.delay(-1))
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "unreachable", failureReason(ErrTransportUnreachable))
	assert.Equal(t, "auth", failureReason(ErrAuthUnavailable))
	assert.Equal(t, "timeout", failureReason(ErrSubscribeTimeout))
	assert.Equal(t, "closed", failureReason(ErrSubscribeClosed))
	assert.Equal(t, "other", failureReason(errUnexpected))
}

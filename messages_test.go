package widget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func msg(id string, offset time.Duration) Message {
	return Message{ID: id, Content: id, CreatedAt: t0.Add(offset), Status: StatusSent, SenderType: SenderAgent}
}

func ids(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestMessageListOrdersByCreatedAt(t *testing.T) {
	l := NewMessageList()
	assert.True(t, l.Upsert(msg("b", 2*time.Second)))
	assert.True(t, l.Upsert(msg("a", time.Second)))
	assert.True(t, l.Upsert(msg("c", 3*time.Second)))
	assert.True(t, l.Upsert(msg("b2", 2*time.Second)))

	assert.Equal(t, []string{"a", "b", "b2", "c"}, ids(l.Snapshot()))
	assert.Equal(t, 4, l.Len())
}

func TestMessageListUpsertDedupes(t *testing.T) {
	l := NewMessageList()
	l.Upsert(msg("a", time.Second))
	l.Upsert(msg("b", 2*time.Second))

	edited := msg("a", 10*time.Second)
	edited.Content = "edited"
	assert.False(t, l.Upsert(edited))

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []string{"a", "b"}, ids(snap))
	assert.Equal(t, "edited", snap[0].Content)
	assert.Equal(t, t0.Add(time.Second), snap[0].CreatedAt)
}

func TestMessageListReadIsSticky(t *testing.T) {
	l := NewMessageList()
	m := msg("a", 0)
	m.SenderName = "Ana"
	l.Upsert(m)
	l.MarkStatus(StatusRead, "a", "unknown")

	echo := msg("a", 0)
	l.Upsert(echo)

	got, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusRead, got.Status)
	assert.Equal(t, "Ana", got.SenderName)
}

func TestMessageListReplacePlaceholder(t *testing.T) {
	l := NewMessageList()
	l.Upsert(msg("a", 0))
	l.Upsert(Message{ID: "temp-1", Content: "hi", CreatedAt: t0.Add(time.Second), Status: StatusSending})
	l.Upsert(msg("c", 2*time.Second))

	confirmed := msg("m1", 1500*time.Millisecond)
	l.Replace("temp-1", confirmed)

	assert.Equal(t, []string{"a", "m1", "c"}, ids(l.Snapshot()))
	_, ok := l.Get("temp-1")
	assert.False(t, ok)
}

func TestMessageListReplaceKeepsCreatedAtOrder(t *testing.T) {
	l := NewMessageList()
	l.Upsert(Message{ID: "temp-1", CreatedAt: t0.Add(10 * time.Second), Status: StatusSending})
	l.Upsert(msg("b", 12*time.Second))

	l.Replace("temp-1", msg("srv-1", 15*time.Second))
	l.Upsert(msg("c", 13*time.Second))

	snap := l.Snapshot()
	assert.Equal(t, []string{"b", "c", "srv-1"}, ids(snap))
	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].CreatedAt.Before(snap[i-1].CreatedAt), "out of order at %d", i)
	}
	got, _ := l.Get("srv-1")
	assert.Equal(t, t0.Add(15*time.Second), got.CreatedAt)
}

func TestMessageListReplaceAfterRealtimeEcho(t *testing.T) {
	l := NewMessageList()
	l.Upsert(Message{ID: "temp-1", CreatedAt: t0, Status: StatusSending})
	l.Upsert(msg("m1", time.Second))

	l.Replace("temp-1", msg("m1", time.Second))

	assert.Equal(t, []string{"m1"}, ids(l.Snapshot()))
}

func TestMessageListReplaceUnknownPlaceholderInserts(t *testing.T) {
	l := NewMessageList()
	l.Replace("temp-x", msg("m1", 0))
	assert.Equal(t, []string{"m1"}, ids(l.Snapshot()))
}

func TestMessageListRemoveAndReset(t *testing.T) {
	l := NewMessageList()
	l.Upsert(msg("a", 0))
	l.Upsert(msg("b", time.Second))

	assert.True(t, l.Remove("a"))
	assert.False(t, l.Remove("a"))
	assert.Equal(t, []string{"b"}, ids(l.Snapshot()))

	l.Reset()
	assert.Zero(t, l.Len())
}

func TestMessageListLatestConfirmed(t *testing.T) {
	l := NewMessageList()
	assert.True(t, l.LatestConfirmed().IsZero())

	l.Upsert(msg("a", time.Second))
	l.Upsert(Message{ID: "temp-1", CreatedAt: t0.Add(time.Hour), Status: StatusSending})
	assert.Equal(t, t0.Add(time.Second), l.LatestConfirmed())
}

func TestSnapshotIsACopy(t *testing.T) {
	l := NewMessageList()
	l.Upsert(msg("a", 0))
	snap := l.Snapshot()
	snap[0].Content = "changed"

	got, _ := l.Get("a")
	assert.Equal(t, "a", got.Content)
}

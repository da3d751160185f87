package widget

import (
	"sort"
	"sync"
	"time"
)

// MessageList is an ordered set of messages keyed by id. Upserting an id that
// is already present updates it in place, so realtime echoes of a message the
// client already holds never produce duplicates.
type MessageList struct {
	mu   sync.RWMutex
	ids  []string
	byID map[string]Message
}

func NewMessageList() *MessageList {
	return &MessageList{byID: make(map[string]Message)}
}

// Upsert inserts m in CreatedAt order, or updates the existing entry with the
// same id. It reports whether m was newly inserted.
func (l *MessageList) Upsert(m Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertLocked(m)
}

func (l *MessageList) upsertLocked(m Message) bool {
	if old, ok := l.byID[m.ID]; ok {
		l.byID[m.ID] = merge(old, m)
		return false
	}
	l.byID[m.ID] = m
	i := sort.Search(len(l.ids), func(i int) bool {
		return l.byID[l.ids[i]].CreatedAt.After(m.CreatedAt)
	})
	l.ids = append(l.ids, "")
	copy(l.ids[i+1:], l.ids[i:])
	l.ids[i] = m.ID
	return true
}

// Replace swaps the placeholder tempID for the confirmed message, which is
// placed by its server CreatedAt. If the confirmed id arrived first (via
// realtime), the placeholder is dropped and the existing entry updated.
func (l *MessageList) Replace(tempID string, confirmed Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[confirmed.ID]; ok {
		l.removeLocked(tempID)
		l.byID[confirmed.ID] = merge(l.byID[confirmed.ID], confirmed)
		return
	}
	if _, ok := l.byID[tempID]; !ok {
		l.upsertLocked(confirmed)
		return
	}
	l.removeLocked(tempID)
	l.upsertLocked(confirmed)
}

// Remove deletes id and reports whether it was present.
func (l *MessageList) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(id)
}

func (l *MessageList) removeLocked(id string) bool {
	if _, ok := l.byID[id]; !ok {
		return false
	}
	delete(l.byID, id)
	for i, v := range l.ids {
		if v == id {
			l.ids = append(l.ids[:i], l.ids[i+1:]...)
			break
		}
	}
	return true
}

func (l *MessageList) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byID[id]
	return m, ok
}

// Snapshot returns a copy of the messages in order.
func (l *MessageList) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.byID[id])
	}
	return out
}

func (l *MessageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// LatestConfirmed returns the CreatedAt of the newest server-confirmed message.
func (l *MessageList) LatestConfirmed() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var latest time.Time
	for _, m := range l.byID {
		if !m.Optimistic() && m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest
}

// MarkStatus sets the status of the given ids, skipping unknown ones.
func (l *MessageList) MarkStatus(status MessageStatus, ids ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if m, ok := l.byID[id]; ok {
			m.Status = status
			l.byID[id] = m
		}
	}
}

func (l *MessageList) Reset() {
	l.mu.Lock()
	l.ids = nil
	l.byID = make(map[string]Message)
	l.mu.Unlock()
}

// merge applies next over prev. A read message stays read.
func merge(prev, next Message) Message {
	if prev.Status == StatusRead && next.Status == StatusSent {
		next.Status = StatusRead
	}
	if next.SenderName == "" {
		next.SenderName = prev.SenderName
	}
	if next.ConversationID == "" {
		next.ConversationID = prev.ConversationID
	}
	// Keep the slot's position stable.
	next.CreatedAt = prev.CreatedAt
	return next
}

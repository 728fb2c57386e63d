package server

import (
	"sync"
	"time"
)

// DefaultMailboxCapacity bounds the number of retained text messages.
const DefaultMailboxCapacity = 200

// TextEntry is one posted text message.
type TextEntry struct {
	Text string
	TS   int64 // unix milliseconds
}

// Mailbox keeps the newest text messages in memory, oldest first.
type Mailbox struct {
	mu       sync.Mutex
	entries  []TextEntry
	capacity int
	now      func() time.Time
}

// NewMailbox creates a mailbox holding at most capacity entries.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{
		entries:  make([]TextEntry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Add appends text stamped with the current time and evicts the oldest
// entries beyond capacity.
func (m *Mailbox) Add(text string) TextEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := TextEntry{Text: text, TS: m.now().UnixMilli()}
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.capacity; over > 0 {
		m.entries = append(m.entries[:0], m.entries[over:]...)
	}
	return e
}

// Snapshot returns a copy in insertion order.
func (m *Mailbox) Snapshot() []TextEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TextEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Clear drops every entry.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = m.entries[:0]
}

// Len reports the number of retained entries.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

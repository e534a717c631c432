// Package chat holds the client-side message log and the validation rules
// applied at the join and send boundaries.
package chat

import (
	"sync"

	"github.com/whisper/roomchat/internal/protocol"
)

// Log is the ordered, append-only message log of one room. Every entry
// satisfies entry.Room.Matches(log.Room()). It is goroutine-safe.
type Log struct {
	mu    sync.RWMutex
	room  string
	items []protocol.Message
}

// NewLog creates an empty log bound to no room. Nothing is admitted until
// Reset names a room.
func NewLog() *Log {
	return &Log{}
}

// Reset truncates the log and rebinds it to room. An empty room leaves the
// log unbound.
func (l *Log) Reset(room string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.room = room
	l.items = nil
}

// Admit appends msg if and only if it is scoped to exactly the log's room.
// It reports whether the message was appended.
func (l *Log) Admit(msg protocol.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.room == "" || !msg.Room.Matches(l.room) {
		return false
	}
	l.items = append(l.items, msg)
	return true
}

// Messages returns the log in arrival order. The returned slice is a copy
// and never nil.
func (l *Log) Messages() []protocol.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]protocol.Message, len(l.items))
	copy(result, l.items)
	return result
}

// Len returns the number of admitted messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Room returns the room the log is bound to.
func (l *Log) Room() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.room
}

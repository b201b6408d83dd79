package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// maxLogCapacity bounds the diagnostic ring buffer.
const maxLogCapacity = 10000

// LogEntry is a JSON snapshot of a published message.
type LogEntry struct {
	ID        uint64    `json:"id"`
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Priority  string    `json:"priority"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
}

// messageLog is a bounded ring of message snapshots for diagnostics.
type messageLog struct {
	mu   sync.Mutex
	buf  []LogEntry
	next int
	full bool
}

func newMessageLog(capacity int) *messageLog {
	return &messageLog{buf: make([]LogEntry, capacity)}
}

func (l *messageLog) record(msg Message) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(msg.Payload)))
	}

	entry := LogEntry{
		ID:        msg.ID,
		Type:      msg.Type,
		Sender:    msg.Sender,
		Priority:  msg.Priority.String(),
		Mode:      msg.Mode.String(),
		Timestamp: msg.Timestamp,
		Payload:   string(payload),
	}

	l.mu.Lock()
	l.buf[l.next] = entry
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// entries returns snapshots oldest first.
func (l *messageLog) entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]LogEntry, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]LogEntry, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}

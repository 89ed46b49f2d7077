package admission

import (
	"sync"

	"banterbot/internal/transport"
)

// Log keeps a bounded per-channel ring of recent messages for the
// still-in-conversation heuristic. The agent's own sends are observed too.
type Log struct {
	mu    sync.Mutex
	limit int
	rings map[transport.ChannelRef][]transport.Message
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 50
	}
	return &Log{limit: limit, rings: map[transport.ChannelRef][]transport.Message{}}
}

func (l *Log) Observe(msg transport.Message) {
	ch := transport.ChannelRef{GuildID: msg.GuildID, ChannelID: msg.ChannelID}
	l.mu.Lock()
	ring := append(l.rings[ch], msg)
	if len(ring) > l.limit {
		ring = ring[len(ring)-l.limit:]
	}
	l.rings[ch] = ring
	l.mu.Unlock()
}

// Recent returns up to n messages for the channel, newest first.
func (l *Log) Recent(ch transport.ChannelRef, n int) []transport.Message {
	l.mu.Lock()
	ring := l.rings[ch]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]transport.Message, 0, n)
	for i := len(ring) - 1; i >= len(ring)-n; i-- {
		out = append(out, ring[i])
	}
	l.mu.Unlock()
	return out
}

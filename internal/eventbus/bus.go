// Package eventbus carries small in-process signals between the agent's
// components without coupling them: the reply queue, the initiative
// scheduler, and the gateway monitor publish; anything interested
// subscribes.
package eventbus

import (
	"sync"
	"time"
)

// Agent event types published on the bus. Data payloads live next to the
// publisher (replyqueue, initiative, gateway).
const (
	TypeReplySent         = "reply.sent"
	TypeReplyDropped      = "reply.dropped"
	TypeInitiativePosted  = "initiative.posted"
	TypeGatewayStale      = "gateway.stale"
	TypeGatewayReconnect  = "gateway.reconnected"
	TypeReconcileEnqueued = "reconcile.enqueued"
)

// Event is one signal. Data is small and publisher-defined; Time is
// stamped at publish when the caller leaves it zero.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is an in-memory fanout. Publish never blocks: a subscriber that has
// fallen behind loses its oldest buffered event, never the newest.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &bus{subs: map[uint64]chan Event{}}
}

type bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so an unsubscribe (which closes
	// the channel under the write lock) cannot race a delivery.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		// Full buffer: evict the oldest event and retry once. A second
		// full buffer means the subscriber drained and refilled
		// concurrently, and this event is the one that drops.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

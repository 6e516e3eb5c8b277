package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// Event reports a status change of one session.
type Event struct {
	SessionID string       `json:"session_id"`
	From      types.Status `json:"from,omitempty"`
	To        types.Status `json:"to"`
	At        time.Time    `json:"at"`
	Reason    string       `json:"reason,omitempty"`
}

// Bus fans lifecycle events out to subscribers. Publish never blocks: a
// subscriber that falls behind loses events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped atomic.Int64
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

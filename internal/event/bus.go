// Package event fans run progress out to subscribers (the websocket surface
// and the CLI progress printer).
package event

import (
	"sync"
	"time"
)

// Event is one progress notification. AssetID and StepID are empty for
// run-level events.
type Event struct {
	Type    string    `json:"type"`
	RunID   string    `json:"run_id"`
	AssetID string    `json:"asset_id,omitempty"`
	StepID  string    `json:"step_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Bus is a lock-guarded fan-out. Slow subscribers drop events rather than
// stall the publisher; progress events are advisory, state lives in the
// asset store.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe returns a receive channel and a cancel func. The buffer absorbs
// bursts; events beyond it are dropped for that subscriber.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

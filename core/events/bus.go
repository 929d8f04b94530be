package events

import (
	"sync"

	"assetmarket/core/types"
)

// Sequenced pairs a journaled event with its monotonic sequence number so
// subscribers can resume from a cursor.
type Sequenced struct {
	Seq   uint64       `json:"seq"`
	Event *types.Event `json:"event"`
}

// Bus fans events out to an arbitrary number of subscribers. Publishing never
// blocks; a subscriber that falls behind its buffer misses events and is
// expected to re-sync from the journal using its last cursor.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]chan Sequenced
	next uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Sequenced)}
}

// Publish delivers the event to every current subscriber.
func (b *Bus) Publish(evt Sequenced) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer. The
// returned cancel function must be called to release the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Sequenced, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Sequenced, buffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Broadcaster is adapted from Lanius-collaris-firestack's listener/notify
// idiom (e.g. SocketListener callbacks fired from intra/tunnel.go): a single
// writer publishes values to any number of readers, and a slow or dropped
// reader never blocks the writer (spec §6 "dropped subscribers cause no
// back-pressure on the emitter").
package corex

import "sync"

// Broadcaster fans a sequence of values out to any number of subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the value
// rather than stalling the publisher.
type Broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

// NewBroadcaster returns an empty Broadcaster ready for use.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new reader with the given buffer depth and returns
// its channel plus an unsubscribe func. Late subscribers only see values
// published after Subscribe returns; pass replay values (typically the
// current snapshot) to additionally seed the channel so callers that must
// see "at least the current state" (spec §6) get it without racing the
// publisher.
func (b *Broadcaster[T]) Subscribe(buffer int, replay ...T) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	for _, v := range replay {
		select {
		case ch <- v:
		default:
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

// Publish delivers v to every current subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// slow subscriber; drop rather than back-pressure the emitter.
		}
	}
}

// Close closes every subscriber channel and clears the subscriber set.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

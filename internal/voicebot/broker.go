package voicebot

import "sync"

// Broker fans values out to subscribers. Each subscriber has its own
// buffered channel; when a slow subscriber's buffer is full the oldest
// pending value is dropped so that it always ends up with the latest one.
//
// A new subscriber immediately receives the most recent value, if any.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	last   T
	has    bool
	closed bool
}

// NewBroker returns an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a subscriber with the given buffer size (minimum 1).
// The returned cancel function unsubscribes and closes the channel; it is
// safe to call more than once.
func (b *Broker[T]) Subscribe(buffer int) (<-chan T, func()) {
	ch := make(chan T, max(buffer, 1))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.has {
		ch <- b.last
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber without blocking.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last, b.has = v, true
	for _, ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full: drop the oldest value and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops and
// later subscribers receive a closed channel.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

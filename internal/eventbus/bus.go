// Package eventbus fans values out to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the value.
package eventbus

import "sync"

const defaultBuffer = 32

// Bus delivers published values to every live subscription.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	buffer int
	closed bool
}

// New returns a bus whose subscriptions buffer up to buffer values.
func New[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus[T]{subs: make(map[chan T]struct{}), buffer: buffer}
}

// Publish offers value to every subscriber without waiting.
func (b *Bus[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- value:
		default:
		}
	}
}

// Subscribe registers a new subscription. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Close closes every subscription; later subscriptions are closed immediately.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

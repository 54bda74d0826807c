// Package event provides a small synchronous fan-out used by the process
// handle, the JSON-RPC connection and the manager to notify any number of
// listeners.
package event

import (
	"log/slog"
	"sync"
)

// Bus delivers every emitted value to all current subscribers in
// subscription order. The zero value is ready to use.
type Bus[E any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers []subscription[E]
}

type subscription[E any] struct {
	id uint64
	fn func(E)
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Bus[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers = append(b.handlers, subscription[E]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.handlers {
				if s.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every subscriber with e on the calling goroutine. Handlers run
// without the bus lock held, so they may subscribe or unsubscribe. A panic in
// one handler is logged and does not stop delivery to the others.
func (b *Bus[E]) Emit(e E) {
	b.mu.RLock()
	if len(b.handlers) == 0 {
		b.mu.RUnlock()
		return
	}
	handlers := make([]func(E), len(b.handlers))
	for i, s := range b.handlers {
		handlers[i] = s.fn
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "panic", r)
				}
			}()
			h(e)
		}()
	}
}

// Len returns the number of current subscribers.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

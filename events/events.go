// Package events provides a small synchronous observer registry used by the
// control handler and the session state machine for their event streams.
package events

import (
	"sort"
	"sync"
)

// Emitter fans a value out to registered listeners. Emit is synchronous:
// every listener runs on the emitting goroutine before Emit returns, in
// subscription order. Listeners must not block.
type Emitter[T any] struct {
	mu        sync.Mutex
	listeners map[int]func(T)
	nextID    int
}

// NewEmitter creates an empty emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{listeners: make(map[int]func(T))}
}

// Subscribe registers fn and returns a function that removes it.
// The returned unsubscribe is idempotent.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Emit delivers v to all current listeners. Listeners registered during an
// Emit do not receive the in-flight value.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Clear removes all listeners.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.listeners)
}

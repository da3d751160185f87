package widget

import (
	"sync"

	"go.uber.org/zap"
)

type listener[T any] struct {
	id uint64
	fn func(T)
}

// emitter is a typed event fan-out. Handlers run synchronously in
// subscription order; a panicking handler is logged and skipped.
type emitter[T any] struct {
	name   string
	logger *zap.Logger

	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
}

func newEmitter[T any](name string, logger *zap.Logger) *emitter[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &emitter[T]{name: name, logger: logger}
}

// subscribe registers fn and returns a func that removes it. The returned
// func is safe to call more than once.
func (e *emitter[T]) subscribe(fn func(T)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	snapshot := append([]listener[T](nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range snapshot {
		e.call(l.fn, v)
	}
}

func (e *emitter[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked", zap.String("event", e.name), zap.Any("panic", r))
		}
	}()
	fn(v)
}

func (e *emitter[T]) len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

func (e *emitter[T]) clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

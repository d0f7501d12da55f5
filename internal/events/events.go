// Package events carries record lifecycle notifications from the engine to
// in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntityChanged is published after a record write commits. Before is nil on create,
// After is nil on delete. Input is the payload the writer supplied.
type EntityChanged struct {
	Entity       string
	CollectionID string
	Operation    Operation
	ID           string
	Before       map[string]any
	After        map[string]any
	Input        map[string]any
	At           time.Time
}

// Handler receives lifecycle events. It runs on the writer's goroutine, so the
// write call returns only after every handler has finished.
type Handler func(ctx context.Context, ev EntityChanged)

// Bus dispatches lifecycle events synchronously in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for every subsequent event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to all handlers before returning.
func (b *Bus) Publish(ctx context.Context, ev EntityChanged) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

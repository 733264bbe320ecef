// Package engine drives dose occurrences through their lifecycle: it
// evaluates them against the clock, applies transitions, alerts the patient
// and escalates missed doses to caregivers.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
)

// EventHandler reacts to a committed transition
type EventHandler func(ctx context.Context, ev *dose.Event)

// Bus fans committed transition events out to in-process subscribers.
// Publish runs handlers synchronously in subscription order; a panicking
// handler is logged and does not affect the others.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
	order    []int
	logger   *zap.Logger
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{handlers: make(map[int]EventHandler), logger: logger}
}

// Subscribe registers h and returns a function removing it
func (b *Bus) Subscribe(h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every subscriber
func (b *Bus) Publish(ctx context.Context, ev *dose.Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, h EventHandler, ev *dose.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(ev.EventType)),
				zap.String("occurrence_id", ev.OccurrenceID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	h(ctx, ev)
}

// Package event provides an in-memory publish/subscribe bus for health
// events.
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a message published on the bus.
type Event struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Handler receives events.
type Handler func(ctx context.Context, e Event)

// Publisher is the sending side of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event)
	PublishAsync(ctx context.Context, e Event)
}

// Bus fans events out to subscribers. A panicking handler is logged and
// never affects the publisher or other handlers.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
}

type subscription struct {
	topic   string // "" matches every topic
	handler Handler
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[uint64]subscription)}
}

// Publish runs matching handlers in the caller's goroutine.
func (b *Bus) Publish(ctx context.Context, e Event) {
	for _, h := range b.matching(e.Topic) {
		b.safeCall(ctx, h, e)
	}
}

// PublishAsync runs each matching handler in its own goroutine.
func (b *Bus) PublishAsync(ctx context.Context, e Event) {
	for _, h := range b.matching(e.Topic) {
		go b.safeCall(ctx, h, e)
	}
}

// Subscribe registers handler for topic and returns an unsubscribe func.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	return b.add(subscription{topic: topic, handler: handler})
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.add(subscription{handler: handler})
}

func (b *Bus) add(s subscription) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// matching returns handlers in subscription order.
func (b *Bus) matching(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Handler
	for id := uint64(0); id < b.nextID; id++ {
		s, ok := b.subs[id]
		if !ok {
			continue
		}
		if s.topic == "" || s.topic == topic {
			out = append(out, s.handler)
		}
	}
	return out
}

func (b *Bus) safeCall(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.String("source", e.Source),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}

// Package event provides the session-scoped bus services use to publish
// domain events to each other and to the UI layer.
//
// Handlers run on the session executor. For one published event, matching
// handlers run in the order they subscribed. Publishing never runs handlers
// inline: the publisher finishes its current turn first, so state it
// updated before publishing is visible to every handler.
package event

import (
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dshills/mictl/internal/event/topic"
	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/logging"
)

// Event is a domain event.
type Event interface {
	Topic() topic.Topic
}

// Handler receives events.
type Handler func(ev Event)

// Bus delivers events to subscribers on an executor.
type Bus struct {
	exec *executor.Executor
	log  zerolog.Logger

	mu     sync.Mutex
	subs   []*Subscription
	nextID uint64

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewBus creates a bus delivering on exec.
func NewBus(exec *executor.Executor) *Bus {
	return &Bus{
		exec: exec,
		log:  logging.For("event"),
	}
}

// Subscribe registers h for events whose topic matches pattern.
func (b *Bus) Subscribe(pattern topic.Topic, h Handler) (*Subscription, error) {
	if !pattern.IsValid() {
		return nil, ErrInvalidTopic
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, pattern: pattern, handler: h, bus: b}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Subscribe registers a handler for one event type. The pattern is the
// topic of the zero value of T.
func Subscribe[T Event](b *Bus, h func(T)) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	var zero T
	return b.Subscribe(zero.Topic(), func(ev Event) {
		if t, ok := ev.(T); ok {
			h(t)
		}
	})
}

// Publish queues ev for delivery. Subscribers are matched when the event is
// delivered, so a subscription made by an earlier handler of the same turn
// sees it.
func (b *Bus) Publish(ev Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	b.published.Add(1)
	return b.exec.Execute(func() { b.deliver(ev) })
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	t := ev.Topic()
	for _, sub := range subs {
		if !sub.active.Load() || !t.Matches(sub.pattern) {
			continue
		}
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("topic", ev.Topic().String()).
				Uint64("subscription", sub.id).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("event handler panicked")
		}
	}()
	b.delivered.Add(1)
	sub.handler(ev)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *Subscription) bool { return s == sub })
}

// Count returns the number of active subscriptions.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats returns the number of events published and handler invocations.
func (b *Bus) Stats() (published, delivered uint64) {
	return b.published.Load(), b.delivered.Load()
}

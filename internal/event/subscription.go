package event

import (
	"sync/atomic"

	"github.com/dshills/mictl/internal/event/topic"
)

// Subscription is a registered handler.
type Subscription struct {
	id      uint64
	pattern topic.Topic
	handler Handler
	bus     *Bus
	active  atomic.Bool
}

// ID returns the subscription id.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Pattern returns the topic pattern.
func (s *Subscription) Pattern() topic.Topic {
	return s.pattern
}

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Unsubscribe stops delivery. Events already queued are not delivered.
// It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.active.CompareAndSwap(true, false) {
		s.bus.remove(s)
	}
}

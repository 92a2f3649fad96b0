package events

import (
	"sync"
	"sync/atomic"
)

// defaultBufSize is used when a subscriber asks for bufSize <= 0.
const defaultBufSize = 256

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
// Publishing never blocks: a full subscriber misses the event and the drop
// is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{} // topic -> subscribers
	allSubs map[*Subscription]struct{}            // subscribed to all topics
	closed  bool
	dropped atomic.Uint64
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	topic string // "" for SubscribeAll
	bus   *EventBus
	once  sync.Once
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string]map[*Subscription]struct{}),
		allSubs: make(map[*Subscription]struct{}),
	}
}

// Subscribe creates a subscription to a specific topic.
func (b *EventBus) Subscribe(topic string, bufSize int) *Subscription {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll creates a subscription that receives events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) *Subscription {
	return b.subscribe("", bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch, topic: topic, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		sub.once.Do(func() {})
		return sub
	}

	if topic == "" {
		b.allSubs[sub] = struct{}{}
	} else {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[*Subscription]struct{})
		}
		b.subs[topic][sub] = struct{}{}
	}
	return sub
}

// Close unsubscribes and closes C. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return // Bus.Close already closed the channel
		}
		if s.topic == "" {
			delete(b.allSubs, s)
		} else {
			delete(b.subs[s.topic], s)
		}
		close(s.ch)
	})
}

// Publish sends an event to all subscribers of the given topic and to every
// SubscribeAll subscriber.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs[topic] {
		b.send(sub, event)
	}
	for sub := range b.allSubs {
		b.send(sub, event)
	}
}

func (b *EventBus) send(sub *Subscription, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	for sub := range b.allSubs {
		close(sub.ch)
	}
}

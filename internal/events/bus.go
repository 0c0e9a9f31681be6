// Package events carries loop progress from the controller to observers
// (the CLI's live output, tests) without coupling them.
package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscriber channel size used when none is given.
const DefaultBuffer = 256

// EventBus fans loop events out to subscribers by topic. Publishing never
// blocks the controller: an event a subscriber has no room for is dropped
// for that subscriber and counted.
//
// A nil *EventBus accepts and drops every event.
type EventBus struct {
	mu      sync.RWMutex
	byTopic map[string][]chan Event
	all     []chan Event
	closed  bool

	dropped atomic.Int64
}

// NewEventBus returns an open bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{byTopic: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events of one topic (TopicLoop,
// TopicTask or TopicWave). bufSize <= 0 uses DefaultBuffer.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(bufSize, func(ch chan Event) {
		b.byTopic[topic] = append(b.byTopic[topic], ch)
	})
}

// SubscribeAll returns a channel receiving every event in publish order.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add(bufSize, func(ch chan Event) {
		b.all = append(b.all, ch)
	})
}

// add creates a subscriber channel and registers it under the lock. On a
// closed bus the channel is returned already closed.
func (b *EventBus) add(bufSize int, register func(chan Event)) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	register(ch)
	return ch
}

// Publish delivers event to its topic's subscribers and to every
// SubscribeAll channel.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.byTopic[event.Topic()], event)
	b.deliver(b.all, event)
}

func (b *EventBus) deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *EventBus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored and
// later subscriptions get a closed channel. Close is idempotent.
func (b *EventBus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.byTopic {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}

// Package events provides the mission event bus: pub/sub with backpressure
// control and priority channels, plus the metrics sink contract for
// externally consumed counters and timings. Delivery to regular subscribers
// is best-effort and never blocks a publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Timestamp() time.Time
	MissionID() string
	ThreadID() string
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"timestamp"`
	Mission string    `json:"mission_id"`
	Thread  string    `json:"thread_id,omitempty"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) MissionID() string    { return e.Mission }
func (e BaseEvent) ThreadID() string     { return e.Thread }

// NewBaseEvent creates a base event.
func NewBaseEvent(eventType, missionID string) BaseEvent {
	return BaseEvent{Type: eventType, Time: time.Now(), Mission: missionID}
}

// Subscriber represents an event subscription.
type Subscriber struct {
	ch        chan Event
	types     map[string]bool // empty means all types
	missionID string          // empty means no mission filtering
	priority  bool
}

// EventBus provides pub/sub with backpressure control.
type EventBus struct {
	mu           sync.RWMutex
	subscribers  []*Subscriber
	prioritySubs []*Subscriber
	bufferSize   int
	droppedCount int64
	closed       bool
}

// New creates a new EventBus with the specified buffer size.
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{bufferSize: bufferSize}
}

// Subscribe creates a subscription for specific event types. If no types are
// specified, subscribes to all events from all missions.
func (eb *EventBus) Subscribe(types ...string) <-chan Event {
	return eb.SubscribeForMission("", types...)
}

// SubscribeForMission creates a subscription filtered to one mission. An
// empty missionID receives all missions.
func (eb *EventBus) SubscribeForMission(missionID string, types ...string) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ch:        make(chan Event, eb.bufferSize),
		types:     make(map[string]bool),
		missionID: missionID,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	eb.subscribers = append(eb.subscribers, sub)
	return sub.ch
}

// SubscribePriority creates a priority subscription that never drops events.
// Use for terminal events like mission.completed.
func (eb *EventBus) SubscribePriority(missionID string, types ...string) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ch:        make(chan Event, 50), // smaller buffer, blocking send
		types:     make(map[string]bool),
		missionID: missionID,
		priority:  true,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	eb.prioritySubs = append(eb.prioritySubs, sub)
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = removeSubscriber(eb.subscribers, ch)
	eb.prioritySubs = removeSubscriber(eb.prioritySubs, ch)
}

func removeSubscriber(subs []*Subscriber, ch <-chan Event) []*Subscriber {
	result := make([]*Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.ch != ch {
			result = append(result, sub)
		} else {
			close(sub.ch)
		}
	}
	return result
}

// Publish sends an event to all matching subscribers. Non-priority
// subscribers may drop events when their buffer is full (ring buffer
// behavior); the publisher never blocks.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, sub := range eb.subscribers {
		if eb.shouldDeliver(sub, event) {
			eb.deliverWithRingBuffer(sub, event)
		}
	}
}

// PublishPriority sends an event to regular subscribers (best-effort) and to
// priority subscribers with blocking delivery. Use for events that must
// never be dropped.
func (eb *EventBus) PublishPriority(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, sub := range eb.subscribers {
		if eb.shouldDeliver(sub, event) {
			eb.deliverWithRingBuffer(sub, event)
		}
	}
	for _, sub := range eb.prioritySubs {
		if eb.shouldDeliver(sub, event) {
			sub.ch <- event
		}
	}
}

func (eb *EventBus) shouldDeliver(sub *Subscriber, event Event) bool {
	if sub.missionID != "" && event.MissionID() != sub.missionID {
		return false
	}
	if len(sub.types) > 0 && !sub.types[event.EventType()] {
		return false
	}
	return true
}

// deliverWithRingBuffer drops the oldest buffered event when the channel is
// full so the newest event still lands.
func (eb *EventBus) deliverWithRingBuffer(sub *Subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		select {
		case <-sub.ch:
			atomic.AddInt64(&eb.droppedCount, 1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			atomic.AddInt64(&eb.droppedCount, 1)
		}
	}
}

// DroppedCount returns the total number of dropped events.
func (eb *EventBus) DroppedCount() int64 {
	return atomic.LoadInt64(&eb.droppedCount)
}

// Close closes the event bus and all subscriber channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, sub := range eb.subscribers {
		close(sub.ch)
	}
	for _, sub := range eb.prioritySubs {
		close(sub.ch)
	}
	eb.subscribers = nil
	eb.prioritySubs = nil
}

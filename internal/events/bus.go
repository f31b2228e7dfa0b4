// Package events implements the publish/subscribe channel used to fan
// out coordinator and conflict-resolver state changes to observers.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventOperationStarted   EventType = "operation_started"
	EventOperationProgress  EventType = "operation_progress"
	EventOperationCompleted EventType = "operation_completed"
	EventOperationFailed    EventType = "operation_failed"
	EventConflictDetected   EventType = "conflict_detected"
	EventConflictResolved   EventType = "conflict_resolved"
	EventSyncStatusChanged  EventType = "sync_status_changed"
	EventSpecUpdated        EventType = "spec_updated"
)

// Event represents a system event.
type Event struct {
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	OperationID string                 `json:"operation_id,omitempty"`
	SpecID      string                 `json:"spec_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Filter decides whether a subscriber receives a given event.
type Filter func(Event) bool

type subscription struct {
	ch     chan Event
	filter Filter
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
// A bounded history ring keeps the most recent events for late readers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	bufferSize  int
	history     []Event
	historyCap  int
}

// NewBus creates a new event bus with the specified buffer size per
// subscriber. The history ring holds the same number of events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		bufferSize:  bufferSize,
		historyCap:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. A non-nil
// filter restricts which events are delivered. The subscriber function
// is called asynchronously in a goroutine. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber, filter Filter) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		ch:     make(chan Event, b.bufferSize),
		filter: filter,
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)

	go func() {
		for event := range sub.ch {
			// Wrap in anonymous function to recover from panics in subscriber
			func() {
				defer func() {
					if r := recover(); r != nil {
						// Silently recover from subscriber panics to prevent bus disruption
					}
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s == sub {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
	}
}

// SubscribeAll registers a subscriber for every event type. Returns a
// single unsubscribe function covering all of them.
func (b *Bus) SubscribeAll(fn Subscriber, filter Filter) func() {
	types := []EventType{
		EventOperationStarted, EventOperationProgress,
		EventOperationCompleted, EventOperationFailed,
		EventConflictDetected, EventConflictResolved,
		EventSyncStatusChanged, EventSpecUpdated,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn, filter))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to all subscribers of its type whose filter
// accepts it. Uses select with default to ensure non-blocking behavior;
// if a subscriber's channel is full, the event is dropped for that
// subscriber.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// The lock is held across the sends so an unsubscribe or Close
	// cannot close a channel mid-publish. Sends never block.
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}

	for _, sub := range b.subscribers[event.Type] {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Channel full, drop event silently to prevent blocking
		}
	}
}

// History returns a copy of the bounded event history, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.history...)
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.subscribers, eventType)
	}
}

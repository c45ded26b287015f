// Package events implements the in-process pub/sub bus and the append-only
// audit log fed from it.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskSpawned is published when the scheduler binds a task to a
	// worker slot.
	EventTaskSpawned EventType = "task_spawned"
	// EventTaskMerged is published when a pipeline run completes successfully.
	EventTaskMerged EventType = "task_merged"
	// EventTaskFailed is published when a pipeline run reports terminal failure.
	EventTaskFailed EventType = "task_failed"
	// EventFixPromoted is published when a failed task is promoted to the fix pool.
	EventFixPromoted EventType = "fix_promoted"
	// EventStepStarted is published before a pipeline step is dispatched.
	EventStepStarted EventType = "step_started"
	// EventStepFinished is published with a step's final gate result.
	EventStepFinished EventType = "step_finished"
	// EventBreakerTripped is published when repeated non-terminal results
	// force a step to FAIL.
	EventBreakerTripped EventType = "breaker_tripped"
	// EventOrphanRecovered is published when a stale claim is released back
	// to the pool.
	EventOrphanRecovered EventType = "orphan_recovered"
)

// Event represents a system event. ID is unique per publish so audit log
// entries can be deduplicated and cross-referenced.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; if a subscriber's channel is full the event is dropped
// silently rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The subscriber
// function runs on its own goroutine. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// A panicking subscriber must not take the bus down.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of the given type without
// blocking the caller.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full: drop rather than block the scheduler tick.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}

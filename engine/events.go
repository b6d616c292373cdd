package engine

import (
	"sync"
	"time"
)

// EventType classifies an engine event.
type EventType string

const (
	EventTaskSubmitted EventType = "task_submitted"
	EventTaskStarted   EventType = "task_started"
	EventTaskSucceeded EventType = "task_succeeded"
	EventTaskRetrying  EventType = "task_retrying"
	EventTaskFailed    EventType = "task_failed"
	EventTaskBlocked   EventType = "task_blocked"
	EventTaskCancelled EventType = "task_cancelled"
	EventWorkerScaled  EventType = "worker_scaled"
	EventWorkerRecover EventType = "worker_recovery"
	EventDeadlock      EventType = "deadlock"
	EventConflict      EventType = "conflict"
	EventSnapshot      EventType = "snapshot"
	EventAlert         EventType = "resource_alert"
)

// Event is one progress notification pushed to subscribers.
type Event struct {
	Type     EventType `json:"type"`
	TaskID   string    `json:"task_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// EventStream fans engine events out to subscribers. Slow subscribers lose
// the oldest buffered event rather than blocking the engine.
type EventStream struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	clock  Clock
	closed bool
}

// NewEventStream creates an event stream.
func NewEventStream(clock Clock) *EventStream {
	if clock == nil {
		clock = NewRealClock()
	}
	return &EventStream{
		subs:  make(map[int]chan Event),
		clock: clock,
	}
}

// Subscribe returns a channel of future events plus a cancel function.
func (es *EventStream) Subscribe() (<-chan Event, func()) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := es.nextID
	es.nextID++
	ch := make(chan Event, 64)
	es.subs[id] = ch

	cancel := func() {
		es.mu.Lock()
		defer es.mu.Unlock()
		if sub, ok := es.subs[id]; ok {
			delete(es.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber.
func (es *EventStream) Publish(ev Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = es.clock.Now()
	}
	for _, ch := range es.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest buffered event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close ends the stream and closes all subscriber channels.
func (es *EventStream) Close() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return
	}
	es.closed = true
	for id, ch := range es.subs {
		delete(es.subs, id)
		close(ch)
	}
}

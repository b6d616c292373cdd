package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/log"
)

// BroadcastRecipient addresses a message to every subscriber.
const BroadcastRecipient = "*"

var (
	// ErrRequestTimeout is returned when a request sees no response in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrBusStopped is returned for operations on a stopped bus.
	ErrBusStopped = errors.New("message bus stopped")
)

// Message is one bus payload. Responses carry the request's ID in
// CorrelationID.
type Message struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Priority      Priority  `json:"priority"`
	Payload       string    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	seq uint64
}

// MessageHandler consumes delivered messages for one subscriber.
type MessageHandler func(msg Message)

// inbox is one recipient's pending messages, drained in priority order with
// FIFO stability inside a priority class.
type inbox struct {
	messages []Message
	notify   chan struct{}
}

func (ib *inbox) push(msg Message) {
	ib.messages = append(ib.messages, msg)
	select {
	case ib.notify <- struct{}{}:
	default:
	}
}

// pop removes the highest-priority non-expired message, or returns false.
// Expired messages are discarded as they are encountered.
func (ib *inbox) pop(now time.Time) (Message, bool) {
	live := ib.messages[:0]
	for _, m := range ib.messages {
		if !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
			continue
		}
		live = append(live, m)
	}
	ib.messages = live

	best := -1
	for i, m := range ib.messages {
		if best < 0 ||
			m.Priority > ib.messages[best].Priority ||
			(m.Priority == ib.messages[best].Priority && m.seq < ib.messages[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return Message{}, false
	}
	msg := ib.messages[best]
	ib.messages = append(ib.messages[:best], ib.messages[best+1:]...)
	return msg, true
}

// MessageBusConfig holds configuration for the message bus.
type MessageBusConfig struct {
	// DefaultTTL is applied to messages submitted without an expiry.
	DefaultTTL time.Duration
	// RequestTimeout bounds Request calls that pass no timeout.
	RequestTimeout time.Duration
	Clock          Clock
}

// MessageBus routes priority-ordered point-to-point and broadcast messages
// between workers and the coordinator, with request/response correlation.
type MessageBus struct {
	mu          sync.Mutex
	inboxes     map[string]*inbox
	subscribers map[string]MessageHandler
	pending     map[string]chan Message
	clock       Clock
	seq         uint64

	defaultTTL     time.Duration
	requestTimeout time.Duration

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
}

// NewMessageBus creates a message bus.
func NewMessageBus(cfg MessageBusConfig) *MessageBus {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	return &MessageBus{
		inboxes:        make(map[string]*inbox),
		subscribers:    make(map[string]MessageHandler),
		pending:        make(map[string]chan Message),
		clock:          cfg.Clock,
		defaultTTL:     cfg.DefaultTTL,
		requestTimeout: cfg.RequestTimeout,
		stopCh:         make(chan struct{}),
	}
}

// Send routes the message to its recipient's inbox. Responses (messages with
// a CorrelationID matching an open request) are delivered straight to the
// waiting requester instead.
func (mb *MessageBus) Send(msg Message) error {
	mb.mu.Lock()

	if mb.stopped {
		mb.mu.Unlock()
		return ErrBusStopped
	}

	mb.stampLocked(&msg)

	if msg.CorrelationID != "" {
		if ch, ok := mb.pending[msg.CorrelationID]; ok {
			delete(mb.pending, msg.CorrelationID)
			mb.mu.Unlock()
			ch <- msg
			return nil
		}
	}

	if msg.Recipient == BroadcastRecipient {
		for name := range mb.inboxes {
			m := msg
			mb.seq++
			m.seq = mb.seq
			mb.inboxes[name].push(m)
		}
		mb.mu.Unlock()
		return nil
	}

	mb.inboxLocked(msg.Recipient).push(msg)
	mb.mu.Unlock()
	return nil
}

// Broadcast sends the message to every registered inbox.
func (mb *MessageBus) Broadcast(msg Message) error {
	msg.Recipient = BroadcastRecipient
	return mb.Send(msg)
}

// stampLocked fills in defaults for an outgoing message. Callers must hold mu.
func (mb *MessageBus) stampLocked(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := mb.clock.Now()
	msg.CreatedAt = now
	if msg.ExpiresAt.IsZero() {
		msg.ExpiresAt = now.Add(mb.defaultTTL)
	}
	mb.seq++
	msg.seq = mb.seq
}

// inboxLocked returns or creates the recipient's inbox. Callers must hold mu.
func (mb *MessageBus) inboxLocked(recipient string) *inbox {
	ib, ok := mb.inboxes[recipient]
	if !ok {
		ib = &inbox{notify: make(chan struct{}, 1)}
		mb.inboxes[recipient] = ib
	}
	return ib
}

// Request sends the message and blocks until a correlated response arrives or
// the timeout elapses (0 means the bus default).
func (mb *MessageBus) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = mb.requestTimeout
	}

	mb.mu.Lock()
	if mb.stopped {
		mb.mu.Unlock()
		return Message{}, ErrBusStopped
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	respCh := make(chan Message, 1)
	mb.pending[msg.ID] = respCh
	mb.mu.Unlock()

	if err := mb.Send(msg); err != nil {
		mb.dropPending(msg.ID)
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		mb.dropPending(msg.ID)
		return Message{}, ctx.Err()
	case <-timer.C:
		mb.dropPending(msg.ID)
		return Message{}, fmt.Errorf("%w: no response to %s within %v", ErrRequestTimeout, msg.ID, timeout)
	case <-mb.stopCh:
		mb.dropPending(msg.ID)
		return Message{}, ErrBusStopped
	}
}

func (mb *MessageBus) dropPending(id string) {
	mb.mu.Lock()
	delete(mb.pending, id)
	mb.mu.Unlock()
}

// Respond builds and sends the response to a request message.
func (mb *MessageBus) Respond(req Message, sender, payload string) error {
	return mb.Send(Message{
		Sender:        sender,
		Recipient:     req.Sender,
		Priority:      req.Priority,
		Payload:       payload,
		CorrelationID: req.ID,
	})
}

// Subscribe registers a handler for the recipient and starts a pump that
// delivers its inbox in priority order. One handler per recipient; a second
// subscription replaces the first.
func (mb *MessageBus) Subscribe(recipient string, handler MessageHandler) {
	mb.mu.Lock()
	if mb.stopped {
		mb.mu.Unlock()
		return
	}
	_, alreadyPumping := mb.subscribers[recipient]
	mb.subscribers[recipient] = handler
	ib := mb.inboxLocked(recipient)
	mb.mu.Unlock()

	if alreadyPumping {
		return
	}

	mb.wg.Add(1)
	go func() {
		defer mb.wg.Done()
		for {
			msg, ok, open := mb.next(recipient, ib)
			if !open {
				return
			}
			if !ok {
				select {
				case <-ib.notify:
				case <-mb.stopCh:
					return
				}
				continue
			}
			mb.mu.Lock()
			h := mb.subscribers[recipient]
			mb.mu.Unlock()
			if h != nil {
				h(msg)
			}
		}
	}()
}

func (mb *MessageBus) next(recipient string, ib *inbox) (Message, bool, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.stopped {
		return Message{}, false, false
	}
	msg, ok := ib.pop(mb.clock.Now())
	return msg, ok, true
}

// Receive pops the recipient's highest-priority message, blocking until one
// arrives. Pull-based alternative to Subscribe; do not mix both on the same
// recipient.
func (mb *MessageBus) Receive(ctx context.Context, recipient string) (Message, error) {
	mb.mu.Lock()
	if mb.stopped {
		mb.mu.Unlock()
		return Message{}, ErrBusStopped
	}
	ib := mb.inboxLocked(recipient)
	mb.mu.Unlock()

	for {
		msg, ok, open := mb.next(recipient, ib)
		if !open {
			return Message{}, ErrBusStopped
		}
		if ok {
			return msg, nil
		}
		select {
		case <-ib.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-mb.stopCh:
			return Message{}, ErrBusStopped
		}
	}
}

// QueueDepth returns the number of undelivered messages for the recipient.
func (mb *MessageBus) QueueDepth(recipient string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	ib, ok := mb.inboxes[recipient]
	if !ok {
		return 0
	}
	return len(ib.messages)
}

// Stop shuts the bus down, failing open requests and stopping pumps.
func (mb *MessageBus) Stop() {
	mb.mu.Lock()
	if mb.stopped {
		mb.mu.Unlock()
		return
	}
	mb.stopped = true
	close(mb.stopCh)
	mb.pending = make(map[string]chan Message)
	mb.mu.Unlock()

	mb.wg.Wait()
	log.DebugLog.Printf("message bus stopped")
}

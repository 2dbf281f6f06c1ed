package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types that are not trigger kinds. Inbound CRM events use the trigger
// kind names from the types package (tag_added, message_replied, ...).
const (
	ContactDeleted   = "contact_deleted"
	MessageDelivered = "message_delivered"

	EnrollmentStarted   = "enrollment_started"
	EnrollmentWaiting   = "enrollment_waiting"
	EnrollmentCompleted = "enrollment_completed"
	EnrollmentExited    = "enrollment_exited"
	EnrollmentFailed    = "enrollment_failed"
	StepFinished        = "step_finished"
)

// Event is a CRM or engine event.
type Event struct {
	Type         string
	ContactID    string
	EnrollmentID uint64
	// Data carries event attributes, reachable from predicates as event.<key>.
	Data       map[string]interface{}
	OccurredAt time.Time
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus fans CRM and engine events out to subscribers, either inline
// (PublishSync) or from a single background delivery loop (Publish).
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	closed   bool

	queue   chan Event
	done    chan struct{}
	logger  *zap.Logger
	timeout time.Duration
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many published events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.queue = make(chan Event, size)
	}
}

// WithLogger sets the logger that records failed asynchronous deliveries.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus starts a bus with room for 100 queued events.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]EventHandler),
		queue:    make(chan Event, 100),
		done:     make(chan struct{}),
		logger:   zap.NewNop(),
		timeout:  30 * time.Second,
	}
	for _, option := range options {
		option(eb)
	}
	go eb.loop()
	return eb
}

// Subscribe subscribes a handler to an event type. Handlers of a type run
// in the order they subscribed.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

// Publish queues an event for background delivery. It never blocks: a full
// queue returns ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	// The read lock keeps Stop from closing the queue during the send.
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if len(eb.handlers[event.Type]) == 0 {
		return ErrNoHandler
	}
	select {
	case eb.queue <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers the event on the caller's goroutine and returns the
// joined handler errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	return eb.deliver(ctx, event)
}

// Stop refuses new events and returns once the queued ones are delivered.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.mu.Unlock()
	<-eb.done
}

func (eb *EventBus) loop() {
	defer close(eb.done)
	for event := range eb.queue {
		ctx, cancel := context.WithTimeout(context.Background(), eb.timeout)
		err := eb.deliver(ctx, event)
		cancel()
		if err != nil && !errors.Is(err, ErrNoHandler) {
			eb.logger.Error("event handler failed",
				zap.String("event_type", event.Type),
				zap.String("contact_id", event.ContactID),
				zap.Uint64("enrollment_id", event.EnrollmentID),
				zap.Error(err))
		}
	}
}

// deliver runs the handlers of the event's type one after another. A
// failing or panicking handler does not stop the rest.
func (eb *EventBus) deliver(ctx context.Context, event Event) error {
	eb.mu.RLock()
	handlers := append([]EventHandler(nil), eb.handlers[event.Type]...)
	eb.mu.RUnlock()
	if len(handlers) == 0 {
		return ErrNoHandler
	}

	var errs []error
	for _, h := range handlers {
		if err := handle(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func handle(ctx context.Context, h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

// Package simulate dry-runs workflow definitions against stub collaborators
// and a virtual clock.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
	"github.com/jeremylerwick-max/omni-channel-crm/workflow"
)

// ErrTooManyWakes stops a simulation whose enrollment keeps suspending.
var ErrTooManyWakes = errors.New("simulation exceeded its wake limit")

// Script scripts the simulated outside world.
type Script struct {
	// Replies maps a send_message step id to the text the contact replies
	// with before the enrollment's next wake.
	Replies map[string]string
	// Deliver marks every sent message as delivered.
	Deliver bool
	// Webhooks maps a URL to its canned response. Unknown URLs answer 200
	// with an empty body.
	Webhooks map[string]crm.WebhookResponse
	// Event is the trigger payload the contact is enrolled with.
	Event map[string]interface{}
	// Start is the virtual start time; zero means now.
	Start time.Time
	// MaxWakes bounds the wakes processed; zero means 100.
	MaxWakes int
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t if t is later than now.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// Messenger records outbound messages instead of sending them.
type Messenger struct {
	mu   sync.Mutex
	sent []crm.OutboundMessage
	ids  map[string]string
}

// Send implements crm.Messenger. Repeated idempotency keys return the
// original message id.
func (m *Messenger) Send(ctx context.Context, msg crm.OutboundMessage) (crm.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[msg.IdempotencyKey]; ok {
		return crm.SendResult{Accepted: true, MessageID: id}, nil
	}
	m.sent = append(m.sent, msg)
	id := fmt.Sprintf("sim-%d", len(m.sent))
	if m.ids == nil {
		m.ids = make(map[string]string)
	}
	m.ids[msg.IdempotencyKey] = id
	return crm.SendResult{Accepted: true, MessageID: id}, nil
}

// Sent returns the recorded messages.
func (m *Messenger) Sent() []crm.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]crm.OutboundMessage(nil), m.sent...)
}

// Webhooks answers calls from a canned response table.
type Webhooks struct {
	mu        sync.Mutex
	responses map[string]crm.WebhookResponse
	calls     []crm.WebhookRequest
}

// Call implements crm.WebhookClient.
func (w *Webhooks) Call(ctx context.Context, req crm.WebhookRequest) (crm.WebhookResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, req)
	if resp, ok := w.responses[req.URL]; ok {
		return resp, nil
	}
	return crm.WebhookResponse{Status: 200}, nil
}

// Calls returns the recorded requests.
func (w *Webhooks) Calls() []crm.WebhookRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]crm.WebhookRequest(nil), w.calls...)
}

// Result is the outcome of one simulated enrollment.
type Result struct {
	Enrollment types.Enrollment
	Log        []types.StepExecutionLog
	Messages   []crm.OutboundMessage
	Webhooks   []crm.WebhookRequest
	Contact    types.Contact
	// Elapsed is the virtual time the enrollment took.
	Elapsed time.Duration
	Wakes   int
}

// Harness runs one definition for one contact in isolation.
type Harness struct {
	Engine    *workflow.Engine
	Store     *storage.MemoryStorage
	Contacts  *crm.MemoryContactStore
	Messenger *Messenger
	Webhooks  *Webhooks
	Clock     *Clock

	script Script
}

// New builds a harness around a fresh in-memory engine.
func New(script Script, logger *zap.Logger) (*Harness, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := script.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	if script.MaxWakes <= 0 {
		script.MaxWakes = 100
	}

	h := &Harness{
		Store:     storage.NewMemoryStorage(),
		Contacts:  crm.NewMemoryContactStore(),
		Messenger: &Messenger{},
		Webhooks:  &Webhooks{responses: script.Webhooks},
		Clock:     &Clock{now: start},
		script:    script,
	}
	engine, err := workflow.NewEngine(
		generator.NewSnowflake(time.Now().Add(-time.Second), 1),
		h.Store, h.Contacts,
		workflow.WithClock(h.Clock.Now),
		workflow.WithLogger(logger),
		workflow.WithMessenger(h.Messenger),
		workflow.WithWebhookClient(h.Webhooks),
		workflow.WithRetryPolicy(workflow.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
	)
	if err != nil {
		return nil, err
	}
	h.Engine = engine
	return h, nil
}

// Run publishes def, enrolls contact, and jumps the clock from wake to wake
// until the enrollment finishes.
func (h *Harness) Run(ctx context.Context, def types.WorkflowDefinition, contact types.Contact) (Result, error) {
	var res Result
	start := h.Clock.Now()

	draft, err := h.Engine.CreateDefinition(ctx, def)
	if err != nil {
		return res, err
	}
	published, err := h.Engine.PublishDefinition(ctx, draft.ID)
	if err != nil {
		return res, err
	}
	h.Contacts.PutContact(contact)

	enr, err := h.Engine.Enroll(ctx, published.ID, contact.ID, h.script.Event)
	if err != nil {
		return res, err
	}
	replied := make(map[string]bool)

	for enr.Status == types.EnrollmentWaiting {
		if res.Wakes >= h.script.MaxWakes {
			return h.result(ctx, res, enr, start), fmt.Errorf("%w: %d", ErrTooManyWakes, h.script.MaxWakes)
		}
		if err := h.react(ctx, enr, replied); err != nil {
			return res, err
		}
		wake, err := h.Store.GetWake(ctx, enr.PendingWakeID)
		if err != nil {
			return res, err
		}
		h.Clock.Set(time.UnixMilli(wake.DueAt))
		if _, err := h.Engine.Scheduler().Sweep(ctx, h.Engine); err != nil {
			return res, err
		}
		res.Wakes++
		if enr, err = h.Engine.GetEnrollment(ctx, enr.ID); err != nil {
			return res, err
		}
	}
	return h.result(ctx, res, enr, start), nil
}

// react plays the scripted replies and deliveries for messages sent so far.
func (h *Harness) react(ctx context.Context, enr types.Enrollment, replied map[string]bool) error {
	steps := make([]string, 0, len(enr.Context))
	for stepID := range enr.Context {
		steps = append(steps, stepID)
	}
	sort.Strings(steps)

	for _, stepID := range steps {
		out := enr.Context[stepID]
		msgID, ok := out["message_id"].(string)
		if !ok {
			continue
		}
		if h.script.Deliver && out["delivered"] != true {
			if _, err := h.Engine.RecordMessageEvent(ctx, workflow.MessageEvent{
				Type: events.MessageDelivered, EnrollmentID: enr.ID, StepID: stepID, MessageID: msgID,
			}); err != nil {
				return err
			}
		}
		body, ok := h.script.Replies[stepID]
		if !ok || replied[msgID] {
			continue
		}
		if _, err := h.Engine.RecordMessageEvent(ctx, workflow.MessageEvent{
			Type: types.TriggerMessageReplied, EnrollmentID: enr.ID, StepID: stepID, MessageID: msgID, Body: body,
		}); err != nil {
			return err
		}
		replied[msgID] = true
	}
	return nil
}

func (h *Harness) result(ctx context.Context, res Result, enr types.Enrollment, start time.Time) Result {
	res.Enrollment = enr
	res.Log, _ = h.Engine.EnrollmentHistory(ctx, enr.ID)
	res.Messages = h.Messenger.Sent()
	res.Webhooks = h.Webhooks.Calls()
	res.Contact, _ = h.Contacts.GetContact(ctx, enr.ContactID)
	res.Elapsed = h.Clock.Now().Sub(start)
	return res
}

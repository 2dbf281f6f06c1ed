// Package trigger turns inbound CRM events into enrollments.
package trigger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// Enroller is the part of the workflow engine the matcher drives.
type Enroller interface {
	ListDefinitions(ctx context.Context, filter storage.DefinitionFilter) ([]types.WorkflowDefinition, error)
	Enroll(ctx context.Context, definitionID uint64, contactID string, event map[string]interface{}) (types.Enrollment, error)
	Evaluator() rules.Evaluator
	Contacts() crm.ContactStore
}

// Matcher enrolls contacts into the active definitions whose trigger matches
// an event.
type Matcher struct {
	engine Enroller
	logger *zap.Logger
}

// NewMatcher creates a matcher.
func NewMatcher(engine Enroller, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{engine: engine, logger: logger.Named("trigger")}
}

// Subscribe registers the matcher for every event-driven trigger kind.
func (m *Matcher) Subscribe(bus *events.EventBus) {
	for _, kind := range types.TriggerTypes {
		if kind == types.TriggerManual {
			continue
		}
		bus.Subscribe(kind, m)
	}
}

// Handle implements events.EventHandler.
func (m *Matcher) Handle(ctx context.Context, event events.Event) error {
	_, err := m.Match(ctx, event)
	return err
}

// Match evaluates event against the active definitions of its kind and
// returns the enrollments it started. A contact already enrolled in a
// matching definition is skipped.
func (m *Matcher) Match(ctx context.Context, event events.Event) ([]types.Enrollment, error) {
	if event.Type == types.TriggerManual {
		return nil, errors.New("manual enrollments do not go through trigger matching")
	}
	if event.ContactID == "" {
		return nil, fmt.Errorf("%s event without contact", event.Type)
	}

	defs, err := m.engine.ListDefinitions(ctx, storage.DefinitionFilter{
		Status:      types.DefinitionActive,
		TriggerType: event.Type,
	})
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil, nil
	}

	contact, err := m.engine.Contacts().GetContact(ctx, event.ContactID)
	if errors.Is(err, crm.ErrContactNotFound) {
		m.logger.Debug("event for unknown contact", zap.String("event_type", event.Type), zap.String("contact_id", event.ContactID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	payload := Payload(event)
	scope := rules.Scope{Contact: &contact, Event: payload, Now: event.OccurredAt}

	var (
		started []types.Enrollment
		errs    []error
	)
	for _, def := range defs {
		if def.Trigger.Filter != nil {
			ok, err := m.engine.Evaluator().Evaluate(def.Trigger.Filter, scope)
			if err != nil {
				errs = append(errs, fmt.Errorf("definition %d filter: %w", def.ID, err))
				continue
			}
			if !ok {
				continue
			}
		}

		enr, err := m.engine.Enroll(ctx, def.ID, contact.ID, payload)
		switch {
		case err == nil:
			started = append(started, enr)
		case errors.Is(err, storage.ErrAlreadyEnrolled), errors.Is(err, storage.ErrReentryNotAllowed):
			m.logger.Debug("contact not re-enrolled",
				zap.Uint64("definition_id", def.ID),
				zap.String("contact_id", contact.ID),
				zap.Error(err))
		default:
			errs = append(errs, fmt.Errorf("enroll in definition %d: %w", def.ID, err))
		}
	}
	return started, errors.Join(errs...)
}

// Payload is the event data exposed to filters and steps as event.<key>.
func Payload(event events.Event) map[string]interface{} {
	out := make(map[string]interface{}, len(event.Data)+2)
	for k, v := range event.Data {
		out[k] = v
	}
	out["type"] = event.Type
	out["contact_id"] = event.ContactID
	if !event.OccurredAt.IsZero() {
		out["occurred_at"] = event.OccurredAt.UnixMilli()
	}
	return out
}

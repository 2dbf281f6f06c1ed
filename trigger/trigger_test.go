package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
	"github.com/jeremylerwick-max/omni-channel-crm/workflow"
)

type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

type fixture struct {
	ctx      context.Context
	engine   *workflow.Engine
	contacts *crm.MemoryContactStore
	matcher  *Matcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	contacts := crm.NewMemoryContactStore(
		types.Contact{ID: "c-1", FirstName: "Ada", Tags: []string{"lead"}, CustomFields: map[string]interface{}{"plan": "pro"}},
		types.Contact{ID: "c-2", FirstName: "Grace", CustomFields: map[string]interface{}{"plan": "free"}},
	)
	engine, err := workflow.NewEngine(&MockGenerator{}, storage.NewMemoryStorage(), contacts)
	require.NoError(t, err)
	return &fixture{ctx: context.Background(), engine: engine, contacts: contacts, matcher: NewMatcher(engine, nil)}
}

// publish stores and activates a definition that waits a day so enrollments
// stay open.
func (f *fixture) publish(t *testing.T, kind string, filter *types.Predicate) types.WorkflowDefinition {
	t.Helper()
	draft, err := f.engine.CreateDefinition(f.ctx, types.WorkflowDefinition{
		Name:    kind + " flow",
		Trigger: types.Trigger{Type: kind, Filter: filter},
		Steps: []types.Step{
			{ID: "w", Type: types.StepWait, Config: map[string]interface{}{"duration": "1d"}, Next: "end"},
			{ID: "end", Type: types.StepTerminal},
		},
	})
	require.NoError(t, err)
	def, err := f.engine.PublishDefinition(f.ctx, draft.ID)
	require.NoError(t, err)
	return def
}

func cond(field, op string, value interface{}) *types.Predicate {
	return &types.Predicate{Condition: &types.Condition{Field: field, Operator: op, Value: value}}
}

func tagAdded(contactID, tag string) events.Event {
	return events.Event{Type: types.TriggerTagAdded, ContactID: contactID, Data: map[string]interface{}{"tag": tag}}
}

func TestMatchFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter *types.Predicate
		event  events.Event
		want   int
	}{
		{name: "no filter", event: tagAdded("c-1", "vip"), want: 1},
		{name: "event field matches", filter: cond("event.tag", "equals", "vip"), event: tagAdded("c-1", "vip"), want: 1},
		{name: "event field differs", filter: cond("event.tag", "equals", "vip"), event: tagAdded("c-1", "cold"), want: 0},
		{
			name: "contact and event",
			filter: &types.Predicate{All: []types.Predicate{
				*cond("event.tag", "equals", "vip"),
				*cond("contact.custom.plan", "equals", "pro"),
			}},
			event: tagAdded("c-2", "vip"),
			want:  0,
		},
		{
			name:   "negated contact tag",
			filter: &types.Predicate{Not: cond("contact.tags", "contains", "lead")},
			event:  tagAdded("c-2", "vip"),
			want:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			def := f.publish(t, types.TriggerTagAdded, tt.filter)

			started, err := f.matcher.Match(f.ctx, tt.event)
			require.NoError(t, err)
			require.Len(t, started, tt.want)
			if tt.want == 1 {
				assert.Equal(t, def.ID, started[0].DefinitionID)
				assert.Equal(t, tt.event.ContactID, started[0].ContactID)
				assert.Equal(t, types.EnrollmentWaiting, started[0].Status)
				assert.Equal(t, tt.event.Data["tag"], started[0].Context[workflow.TriggerContextKey]["tag"])
			}
		})
	}
}

func TestMatchOnlyActiveDefinitionsOfTheKind(t *testing.T) {
	f := newFixture(t)
	active := f.publish(t, types.TriggerTagAdded, nil)
	paused := f.publish(t, types.TriggerTagAdded, nil)
	require.NoError(t, f.engine.PauseDefinition(f.ctx, paused.ID))
	f.publish(t, types.TriggerTagRemoved, nil)
	_, err := f.engine.CreateDefinition(f.ctx, types.WorkflowDefinition{
		Name:    "draft",
		Trigger: types.Trigger{Type: types.TriggerTagAdded},
		Steps:   []types.Step{{ID: "end", Type: types.StepTerminal}},
	})
	require.NoError(t, err)

	started, err := f.matcher.Match(f.ctx, tagAdded("c-1", "vip"))
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, active.ID, started[0].DefinitionID)
}

func TestMatchIsIdempotentForEnrolledContacts(t *testing.T) {
	f := newFixture(t)
	f.publish(t, types.TriggerTagAdded, nil)

	started, err := f.matcher.Match(f.ctx, tagAdded("c-1", "vip"))
	require.NoError(t, err)
	require.Len(t, started, 1)

	started, err = f.matcher.Match(f.ctx, tagAdded("c-1", "vip"))
	require.NoError(t, err)
	assert.Empty(t, started)

	enrollments, err := f.engine.ListEnrollments(f.ctx, storage.EnrollmentFilter{ContactID: "c-1"})
	require.NoError(t, err)
	assert.Len(t, enrollments, 1)
}

func TestMatchEdgeCases(t *testing.T) {
	f := newFixture(t)
	f.publish(t, types.TriggerTagAdded, nil)

	started, err := f.matcher.Match(f.ctx, tagAdded("unknown", "vip"))
	assert.NoError(t, err)
	assert.Empty(t, started)

	_, err = f.matcher.Match(f.ctx, events.Event{Type: types.TriggerTagAdded})
	assert.Error(t, err)

	_, err = f.matcher.Match(f.ctx, events.Event{Type: types.TriggerManual, ContactID: "c-1"})
	assert.Error(t, err)

	started, err = f.matcher.Match(f.ctx, events.Event{Type: types.TriggerFieldChanged, ContactID: "c-1"})
	assert.NoError(t, err)
	assert.Empty(t, started)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	def := f.publish(t, types.TriggerContactCreated, cond("contact.first_name", "equals", "Grace"))

	bus := events.NewEventBus()
	defer bus.Stop()
	f.matcher.Subscribe(bus)
	assert.True(t, bus.HasSubscribers(types.TriggerMessageReplied))
	assert.False(t, bus.HasSubscribers(types.TriggerManual))

	for _, id := range []string{"c-1", "c-2"} {
		require.NoError(t, bus.PublishSync(f.ctx, events.Event{Type: types.TriggerContactCreated, ContactID: id}))
	}

	enrollments, err := f.engine.ListEnrollments(f.ctx, storage.EnrollmentFilter{DefinitionID: def.ID})
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	assert.Equal(t, "c-2", enrollments[0].ContactID)
}

func TestPayload(t *testing.T) {
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	p := Payload(events.Event{
		Type:       types.TriggerFieldChanged,
		ContactID:  "c-1",
		Data:       map[string]interface{}{"field": "email"},
		OccurredAt: at,
	})
	assert.Equal(t, map[string]interface{}{
		"field":       "email",
		"type":        types.TriggerFieldChanged,
		"contact_id":  "c-1",
		"occurred_at": at.UnixMilli(),
	}, p)
}

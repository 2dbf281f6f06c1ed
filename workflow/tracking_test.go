package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

func TestFindMessageStep(t *testing.T) {
	ctx := map[string]map[string]interface{}{
		"first":  {"message_id": "msg-1", "sent_at": float64(100)},
		"second": {"message_id": "msg-2", "sent_at": int64(200)},
		"check":  {"result": true},
	}
	assert.Equal(t, "first", findMessageStep(ctx, "msg-1"))
	assert.Equal(t, "second", findMessageStep(ctx, ""))
	assert.Equal(t, "", findMessageStep(ctx, "msg-9"))
	assert.Equal(t, "", findMessageStep(nil, ""))
}

// twoMessageDefinition sends twice with a wait in between and a final wait
// so the enrollment stays open.
func twoMessageDefinition() types.WorkflowDefinition {
	return definitionOf(
		types.Step{ID: "first", Type: types.StepSendMessage, Config: sms("one"), Next: "pause"},
		types.Step{ID: "pause", Type: types.StepWait, Config: map[string]interface{}{"duration": "1h"}, Next: "second"},
		types.Step{ID: "second", Type: types.StepSendMessage, Config: sms("two"), Next: "hold"},
		types.Step{ID: "hold", Type: types.StepWait, Config: map[string]interface{}{"duration": "7d"}, Next: "end"},
		endStep,
	)
}

func TestRecordMessageEvent(t *testing.T) {
	t.Run("reply goes to the latest send", func(t *testing.T) {
		env := newTestEnv(t)
		def := env.publish(t, twoMessageDefinition())
		enr, err := env.engine.Enroll(env.ctx, def.ID, "c-1", nil)
		require.NoError(t, err)
		env.advance(t, time.Hour)

		n, err := env.engine.RecordMessageEvent(env.ctx, MessageEvent{
			Type: types.TriggerMessageReplied, ContactID: "c-1", Body: "sounds good",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		enr = env.enrollment(t, enr.ID)
		assert.Equal(t, true, enr.Context["second"]["replied"])
		assert.Equal(t, "sounds good", enr.Context["second"]["reply_body"])
		assert.Equal(t, false, enr.Context["first"]["replied"])
		assert.Equal(t, types.EnrollmentWaiting, enr.Status)
		assert.Empty(t, enr.LeaseOwner)
	})

	t.Run("delivery by message id", func(t *testing.T) {
		env := newTestEnv(t)
		def := env.publish(t, twoMessageDefinition())
		enr, err := env.engine.Enroll(env.ctx, def.ID, "c-1", nil)
		require.NoError(t, err)
		env.advance(t, time.Hour)

		n, err := env.engine.RecordMessageEvent(env.ctx, MessageEvent{
			Type: events.MessageDelivered, EnrollmentID: enr.ID, MessageID: "msg-1",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		enr = env.enrollment(t, enr.ID)
		assert.Equal(t, true, enr.Context["first"]["delivered"])
		assert.Equal(t, false, enr.Context["second"]["delivered"])
		assert.NotNil(t, enr.Context["first"]["delivered_at"])
	})

	t.Run("unknown message is ignored", func(t *testing.T) {
		env := newTestEnv(t)
		def := env.publish(t, twoMessageDefinition())
		enr, err := env.engine.Enroll(env.ctx, def.ID, "c-1", nil)
		require.NoError(t, err)

		n, err := env.engine.RecordMessageEvent(env.ctx, MessageEvent{
			Type: events.MessageDelivered, EnrollmentID: enr.ID, MessageID: "msg-404",
		})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, env.enrollment(t, enr.ID).LeaseOwner)
	})

	t.Run("closed enrollment is left alone", func(t *testing.T) {
		env := newTestEnv(t)
		def := env.publish(t, twoMessageDefinition())
		enr, err := env.engine.Enroll(env.ctx, def.ID, "c-1", nil)
		require.NoError(t, err)
		_, err = env.engine.Exit(env.ctx, enr.ID, "manual")
		require.NoError(t, err)

		n, err := env.engine.RecordMessageEvent(env.ctx, MessageEvent{
			Type: events.MessageDelivered, EnrollmentID: enr.ID, MessageID: "msg-1",
		})
		require.NoError(t, err)
		assert.Zero(t, n)

		enr = env.enrollment(t, enr.ID)
		assert.Equal(t, types.EnrollmentExited, enr.Status)
		assert.Equal(t, false, enr.Context["first"]["delivered"])
	})

	t.Run("invalid events", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.engine.RecordMessageEvent(env.ctx, MessageEvent{Type: types.TriggerTagAdded, ContactID: "c-1"})
		assert.Error(t, err)
		_, err = env.engine.RecordMessageEvent(env.ctx, MessageEvent{Type: events.MessageDelivered})
		assert.Error(t, err)
		_, err = env.engine.RecordMessageEvent(env.ctx, MessageEvent{Type: events.MessageDelivered, EnrollmentID: 999})
		assert.ErrorIs(t, err, storage.ErrEnrollmentNotFound)
	})

	t.Run("lease held by a running worker", func(t *testing.T) {
		env := newTestEnv(t)
		def := env.publish(t, twoMessageDefinition())
		enr, err := env.engine.Enroll(env.ctx, def.ID, "c-1", nil)
		require.NoError(t, err)
		now := env.clock.Now()
		_, err = env.store.ClaimEnrollment(env.ctx, enr.ID, "worker-2", now, now.Add(time.Hour))
		require.NoError(t, err)

		n, err := env.engine.RecordMessageEvent(env.ctx, MessageEvent{
			Type: types.TriggerMessageReplied, EnrollmentID: enr.ID,
		})
		assert.ErrorIs(t, err, storage.ErrLeaseHeld)
		assert.Zero(t, n)
	})
}

func TestIsOptOut(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"STOP", true},
		{"stop", true},
		{"Please unsubscribe me.", true},
		{"cancel!", true},
		{"quit", true},
		{"END", true},
		{"unstoppable", false},
		{"sounds good", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, IsOptOut(tt.body))
		})
	}
}

func TestReplyOptOut(t *testing.T) {
	env := newTestEnv(t)
	first := env.publish(t, twoMessageDefinition())
	second := env.publish(t, twoMessageDefinition())
	a, err := env.engine.Enroll(env.ctx, first.ID, "c-1", nil)
	require.NoError(t, err)
	b, err := env.engine.Enroll(env.ctx, second.ID, "c-1", nil)
	require.NoError(t, err)

	n, err := env.engine.RecordMessageEvent(env.ctx, MessageEvent{
		Type: types.TriggerMessageReplied, EnrollmentID: a.ID, MessageID: "msg-1", Body: "Stop",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	contact, err := env.contacts.GetContact(env.ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, contact.OptedOut)

	for _, id := range []uint64{a.ID, b.ID} {
		enr := env.enrollment(t, id)
		assert.Equal(t, types.EnrollmentExited, enr.Status)
		assert.Equal(t, "opted out", enr.ExitReason)
	}
	assert.Equal(t, "Stop", env.enrollment(t, a.ID).Context["first"]["reply_body"])
}

func TestMessageEventsFromBus(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	env := newTestEnv(t, WithEventBus(bus))
	def := env.publish(t, welcomeDefinition())
	enr, err := env.engine.Enroll(env.ctx, def.ID, "c-1", nil)
	require.NoError(t, err)

	require.NoError(t, bus.PublishSync(env.ctx, events.Event{
		Type:      types.TriggerMessageReplied,
		ContactID: "c-1",
		Data:      map[string]interface{}{"message_id": "msg-1", "body": "interested"},
	}))
	enr = env.enrollment(t, enr.ID)
	assert.Equal(t, true, enr.Context["A"]["replied"])
	assert.Equal(t, "interested", enr.Context["A"]["reply_body"])

	env.advance(t, 24*time.Hour)
	contact, err := env.contacts.GetContact(env.ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, contact.HasTag("warm"))
}

func TestExitContact(t *testing.T) {
	env := newTestEnv(t)
	first := env.publish(t, welcomeDefinition())
	second := env.publish(t, twoMessageDefinition())
	done := env.publish(t, definitionOf(endStep))
	for _, id := range []uint64{first.ID, second.ID, done.ID} {
		_, err := env.engine.Enroll(env.ctx, id, "c-1", nil)
		require.NoError(t, err)
	}

	n, err := env.engine.ExitContact(env.ctx, "c-1", "gdpr request")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	open, err := env.engine.ListEnrollments(env.ctx, storage.EnrollmentFilter{
		ContactID: "c-1",
		Statuses:  []types.EnrollmentStatus{types.EnrollmentActive, types.EnrollmentWaiting},
	})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = env.engine.ExitContact(env.ctx, "", "x")
	assert.Error(t, err)
}

package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

func stepContext(step types.Step, contact types.Contact) *StepContext {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	scope := rules.Scope{Contact: &contact, Steps: map[string]map[string]interface{}{}, Now: now}
	return &StepContext{
		Enrollment:     types.Enrollment{ID: 7, ContactID: contact.ID, SplitSeed: 42},
		Step:           step,
		Input:          resolveConfig(step.Config, scope),
		Contact:        contact,
		Scope:          scope,
		Attempt:        1,
		IdempotencyKey: IdempotencyKey(7, step.ID, 0, 1),
		Now:            now,
		Logger:         zap.NewNop(),
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("fax", TerminalAction{}))
	assert.Error(t, r.Register(types.StepTerminal, nil))
	require.NoError(t, r.Register(types.StepWait, WaitAction{}))
	require.NoError(t, r.Register(types.StepTerminal, TerminalAction{}))

	_, ok := r.Lookup(types.StepSplit)
	assert.False(t, ok)
	a, ok := r.Lookup(types.StepWait)
	assert.True(t, ok)
	assert.IsType(t, WaitAction{}, a)
	assert.Equal(t, []types.StepType{types.StepTerminal, types.StepWait}, r.Types())
}

func TestResolveConfig(t *testing.T) {
	contact := types.Contact{ID: "c-1", FirstName: "Ada", CustomFields: map[string]interface{}{"plan": "pro"}}
	scope := rules.Scope{
		Contact: &contact,
		Steps:   map[string]map[string]interface{}{"h": {"status": 200}},
	}
	pred := predicate("contact.first_name", "equals", "{{contact.first_name}}")
	cfg := map[string]interface{}{
		"body":      "Hi {{contact.first_name}}, your plan is {{contact.custom.plan}}",
		"headers":   map[string]string{"X-Status": "{{steps.h.status}}"},
		"list":      []interface{}{"{{contact.id}}", 3},
		"missing":   "[{{contact.nickname}}]",
		"predicate": pred,
		"count":     2,
	}

	out := resolveConfig(cfg, scope)
	assert.Equal(t, "Hi Ada, your plan is pro", out["body"])
	assert.Equal(t, map[string]interface{}{"X-Status": "200"}, out["headers"])
	assert.Equal(t, []interface{}{"c-1", 3}, out["list"])
	assert.Equal(t, "[]", out["missing"])
	assert.Equal(t, pred, out["predicate"], "predicates resolve their own values")
	assert.Equal(t, 2, out["count"])
	assert.Nil(t, resolveConfig(nil, scope))
}

func TestIdempotencyKey(t *testing.T) {
	key := IdempotencyKey(1, "A", 0, 1)
	assert.Equal(t, key, IdempotencyKey(1, "A", 0, 1))
	assert.Len(t, key, 36)

	for _, other := range []string{
		IdempotencyKey(2, "A", 0, 1),
		IdempotencyKey(1, "B", 0, 1),
		IdempotencyKey(1, "A", 5, 1),
		IdempotencyKey(1, "A", 0, 2),
	} {
		assert.NotEqual(t, key, other)
	}
}

func TestPickBranch(t *testing.T) {
	t.Run("deterministic per seed and step", func(t *testing.T) {
		weights := map[string]int{"A": 1, "B": 1, "C": 1}
		first, ok := pickBranch(weights, 99, "s")
		require.True(t, ok)
		for i := 0; i < 10; i++ {
			again, _ := pickBranch(weights, 99, "s")
			assert.Equal(t, first, again)
		}
	})

	t.Run("distribution follows weights", func(t *testing.T) {
		tests := []struct {
			weights map[string]int
			wantA   float64
		}{
			{weights: map[string]int{"A": 50, "B": 50}, wantA: 0.5},
			{weights: map[string]int{"A": 80, "B": 20}, wantA: 0.8},
		}
		for _, tt := range tests {
			counts := map[string]int{}
			for seed := int64(0); seed < 10000; seed++ {
				branch, ok := pickBranch(tt.weights, seed*7919, "split")
				require.True(t, ok)
				counts[branch]++
			}
			assert.InDelta(t, tt.wantA, float64(counts["A"])/10000, 0.05)
		}
	})

	t.Run("zero weights", func(t *testing.T) {
		_, ok := pickBranch(map[string]int{"A": 0, "B": -1}, 1, "s")
		assert.False(t, ok)
		branch, ok := pickBranch(map[string]int{"A": 0, "B": 3}, 1, "s")
		assert.True(t, ok)
		assert.Equal(t, "B", branch)
	})
}

func TestCheckOutcome(t *testing.T) {
	wait := types.Step{ID: "w", Type: types.StepWait}
	send := types.Step{ID: "m", Type: types.StepSendMessage}
	wakeAt := time.Now()

	tests := []struct {
		name       string
		step       types.Step
		out        Outcome
		wantStatus OutcomeStatus
		wantErr    string
	}{
		{"completed passes", send, completed(nil, ""), OutcomeCompleted, ""},
		{"wait may suspend", wait, Outcome{Status: OutcomeSuspended, WakeAt: wakeAt, WakeStepID: "x"}, OutcomeSuspended, ""},
		{"send may not suspend", send, Outcome{Status: OutcomeSuspended, WakeAt: wakeAt, WakeStepID: "x"}, OutcomeFailed, "send_message step cannot suspend"},
		{"suspend needs a wake", wait, Outcome{Status: OutcomeSuspended}, OutcomeFailed, "suspended without a wake"},
		{"failure gets an error", send, Outcome{Status: OutcomeFailed}, OutcomeFailed, "step m failed"},
		{"unknown status", send, Outcome{Status: "bogus"}, OutcomeFailed, `unknown outcome status "bogus"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checkOutcome(tt.step, tt.out)
			assert.Equal(t, tt.wantStatus, got.Status)
			if tt.wantErr != "" {
				assert.EqualError(t, got.Err, tt.wantErr)
			}
		})
	}
}

func TestRunActionRecoversPanics(t *testing.T) {
	out := runAction(context.Background(), ActionFunc(func(ctx context.Context, sc *StepContext) Outcome {
		panic("boom")
	}), &StepContext{})
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.False(t, out.Retryable)
	assert.EqualError(t, out.Err, "action panic: boom")
}

func TestDecodeBody(t *testing.T) {
	assert.Equal(t, "", decodeBody(nil))
	assert.Equal(t, map[string]interface{}{"ok": true}, decodeBody([]byte(`{"ok":true}`)))
	assert.Equal(t, "accepted", decodeBody([]byte("accepted")))
}

func TestSendMessageAction(t *testing.T) {
	contact := types.Contact{ID: "c-1", Phone: "+15550001", Email: "ada@example.com"}

	t.Run("default recipient by channel", func(t *testing.T) {
		m := NewMockMessenger()
		action := &SendMessageAction{Messenger: m}
		for channel, want := range map[string]string{"sms": "+15550001", "email": "ada@example.com", "voice": "+15550001"} {
			step := types.Step{ID: "m-" + channel, Type: types.StepSendMessage,
				Config: map[string]interface{}{"channel": channel, "body": "hi"}}
			out := action.Execute(context.Background(), stepContext(step, contact))
			require.Equal(t, OutcomeCompleted, out.Status, channel)
			assert.Equal(t, want, out.ContextDelta["to"])
			assert.Equal(t, false, out.ContextDelta["replied"])
		}
	})

	t.Run("explicit recipient", func(t *testing.T) {
		m := NewMockMessenger()
		step := types.Step{ID: "m", Type: types.StepSendMessage,
			Config: map[string]interface{}{"channel": "email", "to": "ops@example.com", "subject": "New lead", "body": "{{contact.id}}"}}
		out := (&SendMessageAction{Messenger: m}).Execute(context.Background(), stepContext(step, contact))
		require.Equal(t, OutcomeCompleted, out.Status)
		sent := m.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "ops@example.com", sent[0].Recipient)
		assert.Equal(t, "New lead", sent[0].Subject)
		assert.Equal(t, "c-1", sent[0].Body)
		assert.Equal(t, "msg-1", out.ContextDelta["message_id"])
	})

	t.Run("no recipient", func(t *testing.T) {
		step := types.Step{ID: "m", Type: types.StepSendMessage, Config: sms("hi")}
		out := (&SendMessageAction{Messenger: NewMockMessenger()}).Execute(context.Background(), stepContext(step, types.Contact{ID: "c-2"}))
		assert.Equal(t, OutcomeFailed, out.Status)
		assert.False(t, out.Retryable)
	})

	t.Run("no messenger", func(t *testing.T) {
		step := types.Step{ID: "m", Type: types.StepSendMessage, Config: sms("hi")}
		out := (&SendMessageAction{}).Execute(context.Background(), stepContext(step, contact))
		assert.Equal(t, OutcomeFailed, out.Status)
	})
}

func TestMutateContactAction(t *testing.T) {
	tests := []struct {
		name       string
		config     map[string]interface{}
		contactID  string
		wantStatus OutcomeStatus
		check      func(t *testing.T, c types.Contact)
	}{
		{
			name:       "add tag",
			config:     map[string]interface{}{"operation": "add_tag", "tag": "vip"},
			contactID:  "c-1",
			wantStatus: OutcomeCompleted,
			check:      func(t *testing.T, c types.Contact) { assert.True(t, c.HasTag("vip")) },
		},
		{
			name:       "remove tag",
			config:     map[string]interface{}{"operation": "remove_tag", "tag": "lead"},
			contactID:  "c-1",
			wantStatus: OutcomeCompleted,
			check:      func(t *testing.T, c types.Contact) { assert.False(t, c.HasTag("lead")) },
		},
		{
			name:       "set field",
			config:     map[string]interface{}{"operation": "set_field", "field": "first_name", "value": "Grace"},
			contactID:  "c-1",
			wantStatus: OutcomeCompleted,
			check:      func(t *testing.T, c types.Contact) { assert.Equal(t, "Grace", c.FirstName) },
		},
		{
			name:       "set custom field",
			config:     map[string]interface{}{"operation": "set_custom_field", "field": "plan", "value": "pro"},
			contactID:  "c-1",
			wantStatus: OutcomeCompleted,
			check:      func(t *testing.T, c types.Contact) { assert.Equal(t, "pro", c.CustomFields["plan"]) },
		},
		{
			name:       "unknown field",
			config:     map[string]interface{}{"operation": "set_field", "field": "shoe_size", "value": 9},
			contactID:  "c-1",
			wantStatus: OutcomeFailed,
		},
		{
			name:       "missing contact",
			config:     map[string]interface{}{"operation": "add_tag", "tag": "vip"},
			contactID:  "gone",
			wantStatus: OutcomeFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := crm.NewMemoryContactStore(types.Contact{ID: "c-1", FirstName: "Ada", Tags: []string{"lead"}})
			step := types.Step{ID: "mut", Type: types.StepMutateContact, Config: tt.config}
			out := (&MutateContactAction{Contacts: store}).Execute(context.Background(), stepContext(step, types.Contact{ID: tt.contactID}))
			assert.Equal(t, tt.wantStatus, out.Status)
			if tt.wantStatus == OutcomeFailed {
				assert.False(t, out.Retryable)
			}
			if tt.check != nil {
				c, err := store.GetContact(context.Background(), "c-1")
				require.NoError(t, err)
				tt.check(t, c)
			}
		})
	}
}

func TestHTTPCallActionTransportError(t *testing.T) {
	step := types.Step{ID: "h", Type: types.StepHTTPCall, Config: map[string]interface{}{"url": "https://example.com"}}
	client := &MockWebhookClient{respond: func(n int, req crm.WebhookRequest) (crm.WebhookResponse, error) {
		if n == 1 {
			return crm.WebhookResponse{}, errors.New("dial tcp: timeout")
		}
		return crm.WebhookResponse{}, crm.ErrInvalidRequest
	}}
	action := &HTTPCallAction{Client: client}

	out := action.Execute(context.Background(), stepContext(step, types.Contact{ID: "c-1"}))
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.True(t, out.Retryable)

	out = action.Execute(context.Background(), stepContext(step, types.Contact{ID: "c-1"}))
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.False(t, out.Retryable)
}

func TestFlowActions(t *testing.T) {
	ev := rules.NewExprEvaluator()
	contact := types.Contact{ID: "c-1", Tags: []string{"paid"}}

	t.Run("wait", func(t *testing.T) {
		step := types.Step{ID: "w", Type: types.StepWait, Config: map[string]interface{}{"duration": "1d2h"}, Next: "n"}
		sc := stepContext(step, contact)
		out := WaitAction{}.Execute(context.Background(), sc)
		require.Equal(t, OutcomeSuspended, out.Status)
		assert.Equal(t, sc.Now.Add(26*time.Hour), out.WakeAt)
		assert.Equal(t, "n", out.WakeStepID)

		step.Config["duration"] = "soon"
		out = WaitAction{}.Execute(context.Background(), stepContext(step, contact))
		assert.Equal(t, OutcomeFailed, out.Status)
	})

	t.Run("condition", func(t *testing.T) {
		step := types.Step{ID: "c", Type: types.StepCondition,
			Config: map[string]interface{}{"predicate": predicate("contact.tags", "contains", "paid")}}
		out := (&ConditionAction{Evaluator: ev}).Execute(context.Background(), stepContext(step, contact))
		assert.Equal(t, types.BranchTrue, out.NextStepHint)
		assert.Equal(t, true, out.ContextDelta["result"])
	})

	t.Run("goal", func(t *testing.T) {
		step := types.Step{ID: "g", Type: types.StepGoal, Config: map[string]interface{}{
			"predicate": predicate("contact.tags", "contains", "churned"),
			"timeout":   "3h",
		}}
		action := &GoalAction{Evaluator: ev}

		sc := stepContext(step, contact)
		out := action.Execute(context.Background(), sc)
		require.Equal(t, OutcomeSuspended, out.Status)
		assert.Equal(t, "g", out.WakeStepID)
		assert.Equal(t, sc.Now.Add(3*time.Hour), out.WakeAt)
		assert.Equal(t, goalPending, out.ContextDelta["outcome"])

		sc = stepContext(step, contact)
		sc.Resumed = true
		out = action.Execute(context.Background(), sc)
		assert.Equal(t, OutcomeCompleted, out.Status)
		assert.Equal(t, types.BranchTimeout, out.NextStepHint)
	})

	t.Run("terminal", func(t *testing.T) {
		out := TerminalAction{}.Execute(context.Background(), stepContext(endStep, contact))
		assert.Equal(t, OutcomeTerminal, out.Status)
	})
}

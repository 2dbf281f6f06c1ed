package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// OutcomeStatus is the result class of one step attempt.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeSuspended OutcomeStatus = "suspended"
	OutcomeTerminal  OutcomeStatus = "terminal"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is what an action reports back to the engine.
type Outcome struct {
	Status OutcomeStatus
	// ContextDelta is merged into the enrollment context under the step id.
	ContextDelta map[string]interface{}
	// NextStepHint names the branch a branching step selected.
	NextStepHint string
	// WakeAt and WakeStepID describe the wake a suspended step asks for.
	WakeAt     time.Time
	WakeStepID string
	// Retryable marks a failure as transient.
	Retryable bool
	Err       error
}

func completed(delta map[string]interface{}, hint string) Outcome {
	return Outcome{Status: OutcomeCompleted, ContextDelta: delta, NextStepHint: hint}
}

func hardFailure(format string, args ...interface{}) Outcome {
	return Outcome{Status: OutcomeFailed, Err: fmt.Errorf(format, args...)}
}

func retryable(err error) Outcome {
	return Outcome{Status: OutcomeFailed, Err: err, Retryable: true}
}

// StepContext is everything an action may read while executing one attempt.
type StepContext struct {
	Enrollment types.Enrollment
	Step       types.Step
	// Input is the step config with every token resolved.
	Input   map[string]interface{}
	Contact types.Contact
	Scope   rules.Scope
	Attempt int
	// IdempotencyKey is stable across crash retries of the same attempt.
	IdempotencyKey string
	Now            time.Time
	// Resumed is set when the step is re-entered from its own wake.
	Resumed bool
	Logger  *zap.Logger
}

// Action executes one step type.
type Action interface {
	Execute(ctx context.Context, sc *StepContext) Outcome
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, sc *StepContext) Outcome

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, sc *StepContext) Outcome {
	return f(ctx, sc)
}

// Registry maps step types to their actions.
type Registry struct {
	mu      sync.RWMutex
	actions map[types.StepType]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[types.StepType]Action)}
}

// Register installs action for t, replacing any previous one.
func (r *Registry) Register(t types.StepType, action Action) error {
	if !t.Valid() {
		return fmt.Errorf("unknown step type %q", t)
	}
	if action == nil {
		return fmt.Errorf("action for %s is nil", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[t] = action
	return nil
}

// Lookup returns the action registered for t.
func (r *Registry) Lookup(t types.StepType) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[t]
	return a, ok
}

// Types lists the registered step types in sorted order.
func (r *Registry) Types() []types.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StepType, 0, len(r.actions))
	for t := range r.actions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package workflow

import (
	"context"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// WaitAction suspends the enrollment for a fixed duration.
type WaitAction struct{}

// Execute implements Action.
func (WaitAction) Execute(ctx context.Context, sc *StepContext) Outcome {
	cfg, err := types.DecodeConfig[types.WaitConfig](sc.Input)
	if err != nil {
		return hardFailure("decode wait config: %v", err)
	}
	d, err := types.ParseDuration(cfg.Duration)
	if err != nil || d <= 0 {
		return hardFailure("wait duration %q is not a positive duration", cfg.Duration)
	}
	wakeAt := sc.Now.Add(d)
	return Outcome{
		Status:       OutcomeSuspended,
		ContextDelta: map[string]interface{}{"resume_at": wakeAt.UnixMilli()},
		WakeAt:       wakeAt,
		WakeStepID:   sc.Step.Next,
	}
}

// ConditionAction selects the true or false branch.
type ConditionAction struct {
	Evaluator rules.Evaluator
}

// Execute implements Action.
func (a *ConditionAction) Execute(ctx context.Context, sc *StepContext) Outcome {
	cfg, err := types.DecodeConfig[types.ConditionConfig](sc.Input)
	if err != nil {
		return hardFailure("decode condition config: %v", err)
	}
	ok, err := a.Evaluator.Evaluate(cfg.Predicate, sc.Scope)
	if err != nil {
		return hardFailure("evaluate condition: %v", err)
	}
	branch := types.BranchFalse
	if ok {
		branch = types.BranchTrue
	}
	return completed(map[string]interface{}{"result": ok}, branch)
}

// SplitAction assigns the enrollment to a weighted branch. The draw depends
// only on the enrollment's split seed and the step id, so re-evaluating the
// step yields the same branch.
type SplitAction struct{}

// Execute implements Action.
func (SplitAction) Execute(ctx context.Context, sc *StepContext) Outcome {
	cfg, err := types.DecodeConfig[types.SplitConfig](sc.Input)
	if err != nil {
		return hardFailure("decode split config: %v", err)
	}
	branch, ok := pickBranch(cfg.Weights, sc.Enrollment.SplitSeed, sc.Step.ID)
	if !ok {
		return hardFailure("split has no positive weights")
	}
	return completed(map[string]interface{}{"branch": branch}, branch)
}

func pickBranch(weights map[string]int, seed int64, stepID string) (string, bool) {
	names := make([]string, 0, len(weights))
	total := 0
	for name, w := range weights {
		if w > 0 {
			names = append(names, name)
			total += w
		}
	}
	if total == 0 {
		return "", false
	}
	sort.Strings(names)

	r := rand.New(rand.NewSource(seed ^ int64(xxhash.Sum64String(stepID))))
	n := r.Intn(total)
	for _, name := range names {
		n -= weights[name]
		if n < 0 {
			return name, true
		}
	}
	return names[len(names)-1], true
}

// goalPending is the goal outcome recorded while the deadline is open.
const goalPending = "pending"

// GoalAction waits for a predicate to hold. A false check suspends the step
// until its timeout; the re-check on that wake is final.
type GoalAction struct {
	Evaluator rules.Evaluator
}

// Execute implements Action.
func (a *GoalAction) Execute(ctx context.Context, sc *StepContext) Outcome {
	cfg, err := types.DecodeConfig[types.GoalConfig](sc.Input)
	if err != nil {
		return hardFailure("decode goal config: %v", err)
	}
	ok, err := a.Evaluator.Evaluate(cfg.Predicate, sc.Scope)
	if err != nil {
		return hardFailure("evaluate goal: %v", err)
	}
	switch {
	case ok:
		return completed(map[string]interface{}{"outcome": types.BranchSuccess}, types.BranchSuccess)
	case sc.Resumed:
		return completed(map[string]interface{}{"outcome": types.BranchTimeout}, types.BranchTimeout)
	}

	timeout, err := types.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		return hardFailure("goal timeout %q is not a positive duration", cfg.Timeout)
	}
	deadline := sc.Now.Add(timeout)
	return Outcome{
		Status:       OutcomeSuspended,
		ContextDelta: map[string]interface{}{"outcome": goalPending, "deadline": deadline.UnixMilli()},
		WakeAt:       deadline,
		WakeStepID:   sc.Step.ID,
	}
}

// TerminalAction ends the enrollment.
type TerminalAction struct{}

// Execute implements Action.
func (TerminalAction) Execute(ctx context.Context, sc *StepContext) Outcome {
	return Outcome{Status: OutcomeTerminal}
}

package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// RetryPolicy bounds the retries of retry-eligible step failures. Attempts
// are counted per step visit.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy returns three attempts starting one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 30 * time.Second, Multiplier: 2}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = max(def.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

var idempotencyNamespace = uuid.MustParse("5b0e6a52-3f0c-4d8e-9a55-2f61c7d04b1e")

// IdempotencyKey derives the key sent with external side effects. visit is
// the enrollment's step count when the step started, so loop revisits get
// fresh keys while a crash retry of the same attempt reuses its key.
func IdempotencyKey(enrollmentID uint64, stepID string, visit, attempt int) string {
	name := fmt.Sprintf("%d:%s:%d:%d", enrollmentID, stepID, visit, attempt)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// stepRun is one visit of one step.
type stepRun struct {
	enr     types.Enrollment
	step    types.Step
	contact types.Contact
	scope   rules.Scope
	resumed bool
}

// executor runs step attempts and records them in the execution log.
type executor struct {
	registry *Registry
	store    storage.Storage
	generate generator.Generator
	policy   RetryPolicy
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics
}

// execute runs a step visit with retries. The returned error is reserved for
// failures outside the step itself (storage, cancellation); step failures are
// reported in the outcome.
func (x *executor) execute(ctx context.Context, sr stepRun) (Outcome, error) {
	var (
		out     Outcome
		infra   error
		attempt int
	)
	op := func() error {
		attempt++
		out, infra = x.attempt(ctx, sr, attempt)
		switch {
		case infra != nil:
			return backoff.Permanent(infra)
		case out.Status != OutcomeFailed:
			return nil
		case !out.Retryable:
			return backoff.Permanent(out.Err)
		}
		return out.Err
	}
	notify := func(err error, wait time.Duration) {
		x.logger.Warn("step attempt failed, retrying",
			zap.Uint64("enrollment_id", sr.enr.ID),
			zap.String("step_id", sr.step.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	_ = backoff.RetryNotify(op, x.policy.backOff(ctx), notify)

	if infra != nil {
		return out, infra
	}
	if out.Status == OutcomeFailed && out.Retryable && ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

func (x *executor) attempt(ctx context.Context, sr stepRun, attempt int) (Outcome, error) {
	id, err := x.generate.NextID()
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := x.clock()
	entry := types.StepExecutionLog{
		ID:             id,
		EnrollmentID:   sr.enr.ID,
		StepID:         sr.step.ID,
		StepType:       sr.step.Type,
		Attempt:        attempt,
		Status:         types.LogRunning,
		Input:          resolveConfig(sr.step.Config, sr.scope),
		IdempotencyKey: IdempotencyKey(sr.enr.ID, sr.step.ID, sr.enr.StepCount, attempt),
		StartedAt:      now.UnixMilli(),
	}
	if err := x.store.AppendStepLog(ctx, entry); err != nil {
		return Outcome{}, fmt.Errorf("append step log: %w", err)
	}

	var out Outcome
	if action, ok := x.registry.Lookup(sr.step.Type); ok {
		scope := sr.scope
		scope.Now = now
		out = runAction(ctx, action, &StepContext{
			Enrollment:     sr.enr,
			Step:           sr.step,
			Input:          entry.Input,
			Contact:        sr.contact,
			Scope:          scope,
			Attempt:        attempt,
			IdempotencyKey: entry.IdempotencyKey,
			Now:            now,
			Resumed:        sr.resumed,
			Logger: x.logger.With(
				zap.Uint64("enrollment_id", sr.enr.ID),
				zap.String("step_id", sr.step.ID),
				zap.Int("attempt", attempt)),
		})
		out = checkOutcome(sr.step, out)
	} else {
		out = Outcome{Status: OutcomeFailed, Err: fmt.Errorf("%w: %s", ErrActionNotRegistered, sr.step.Type)}
	}

	entry.Status = logStatus(out.Status)
	entry.Output = out.ContextDelta
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	entry.FinishedAt = x.clock().UnixMilli()
	// The attempt already happened; record it even if the run is being cancelled.
	if err := x.store.FinishStepLog(context.WithoutCancel(ctx), entry); err != nil {
		return out, fmt.Errorf("finish step log: %w", err)
	}
	x.metrics.step(ctx, sr.step.Type, entry.Status)
	return out, nil
}

func runAction(ctx context.Context, action Action, sc *StepContext) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = hardFailure("action panic: %v", r)
		}
	}()
	return action.Execute(ctx, sc)
}

// checkOutcome rejects outcomes the step type cannot produce. Only wait and
// goal steps may suspend.
func checkOutcome(step types.Step, out Outcome) Outcome {
	switch out.Status {
	case OutcomeCompleted, OutcomeSkipped, OutcomeTerminal:
	case OutcomeFailed:
		if out.Err == nil {
			out.Err = fmt.Errorf("step %s failed", step.ID)
		}
	case OutcomeSuspended:
		if step.Type != types.StepWait && step.Type != types.StepGoal {
			return hardFailure("%s step cannot suspend", step.Type)
		}
		if out.WakeStepID == "" || out.WakeAt.IsZero() {
			return hardFailure("suspended without a wake")
		}
	default:
		return hardFailure("unknown outcome status %q", out.Status)
	}
	return out
}

func logStatus(s OutcomeStatus) types.LogStatus {
	switch s {
	case OutcomeFailed:
		return types.LogFailed
	case OutcomeSkipped:
		return types.LogSkipped
	}
	return types.LogCompleted
}

// resolveConfig substitutes tokens in every string of a step config.
// Predicates are left alone; they resolve their own right-hand values.
func resolveConfig(cfg map[string]interface{}, scope rules.Scope) map[string]interface{} {
	if cfg == nil {
		return nil
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		if k == "predicate" {
			out[k] = v
			continue
		}
		out[k] = resolveValue(v, scope)
	}
	return out
}

func resolveValue(v interface{}, scope rules.Scope) interface{} {
	switch val := v.(type) {
	case string:
		if rules.HasTokens(val) {
			return rules.Resolve(val, scope)
		}
		return val
	case map[string]interface{}:
		return resolveConfig(val, scope)
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			out[k] = resolveValue(s, scope)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, scope)
		}
		return out
	}
	return v
}

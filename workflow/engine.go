package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/scheduler"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// Standard error definitions
var (
	ErrDefinitionNotActive = errors.New("workflow definition is not active")
	ErrActionNotRegistered = errors.New("action not registered")
	ErrStepNotFound        = errors.New("step not found")
	ErrStepBudgetExceeded  = errors.New("step budget exceeded")
	ErrInvalidTransition   = errors.New("invalid definition status transition")
	ErrEnrollmentClosed    = errors.New("enrollment already finished")
)

const (
	// DefaultMaxStepsPerRun bounds the steps one run may execute.
	DefaultMaxStepsPerRun = 100

	// TriggerContextKey holds the triggering event's payload in the
	// enrollment context; conditions read it as event.<key>.
	TriggerContextKey = "$trigger"

	reasonContactDeleted = "contact deleted"
)

// Engine advances enrollments through their workflow definitions.
type Engine struct {
	store     storage.Storage
	contacts  crm.ContactStore
	generate  generator.Generator
	registry  *Registry
	evaluator rules.Evaluator
	executor  *executor
	sched     *scheduler.Scheduler
	schedCfg  scheduler.Config
	bus       *events.EventBus
	messenger crm.Messenger
	webhooks  crm.WebhookClient
	logger    *zap.Logger
	metrics   *metrics

	clock          func() time.Time
	seed           func() int64
	retry          RetryPolicy
	maxStepsPerRun int
	strictTokens   bool
}

// NewEngine creates an engine. A nil store falls back to in-memory storage
// and nil contacts to an empty in-memory contact store.
func NewEngine(generate generator.Generator, store storage.Storage, contacts crm.ContactStore, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if contacts == nil {
		contacts = crm.NewMemoryContactStore()
	}

	e := &Engine{
		store:          store,
		contacts:       contacts,
		generate:       generate,
		registry:       NewRegistry(),
		evaluator:      rules.NewExprEvaluator(),
		webhooks:       crm.NewHTTPWebhookClient(10*time.Second, 2*time.Minute),
		logger:         zap.NewNop(),
		clock:          time.Now,
		seed:           rand.Int63,
		retry:          DefaultRetryPolicy(),
		maxStepsPerRun: DefaultMaxStepsPerRun,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("workflow")
	e.retry = e.retry.withDefaults()

	if e.sched == nil {
		cfg := e.schedCfg
		if cfg.Clock == nil {
			cfg.Clock = e.clock
		}
		sched, err := scheduler.New(store, generate, cfg, e.logger)
		if err != nil {
			return nil, fmt.Errorf("create scheduler: %w", err)
		}
		e.sched = sched
	}
	e.clock = e.sched.Now

	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	e.metrics = m

	e.executor = &executor{
		registry: e.registry,
		store:    store,
		generate: generate,
		policy:   e.retry,
		clock:    e.clock,
		logger:   e.logger,
		metrics:  m,
	}
	e.registerBuiltins()

	if e.bus != nil {
		e.bus.SubscribeFunc(events.ContactDeleted, e.handleContactDeleted)
		e.bus.SubscribeFunc(events.MessageDelivered, e.handleMessageEvent)
		e.bus.SubscribeFunc(types.TriggerMessageReplied, e.handleMessageEvent)
	}
	return e, nil
}

func (e *Engine) registerBuiltins() {
	builtins := map[types.StepType]Action{
		types.StepSendMessage:   &SendMessageAction{Messenger: e.messenger},
		types.StepMutateContact: &MutateContactAction{Contacts: e.contacts},
		types.StepHTTPCall:      &HTTPCallAction{Client: e.webhooks},
		types.StepWait:          WaitAction{},
		types.StepCondition:     &ConditionAction{Evaluator: e.evaluator},
		types.StepSplit:         SplitAction{},
		types.StepGoal:          &GoalAction{Evaluator: e.evaluator},
		types.StepTerminal:      TerminalAction{},
	}
	for t, a := range builtins {
		_ = e.registry.Register(t, a)
	}
}

// RegisterAction replaces the action for a step type.
func (e *Engine) RegisterAction(t types.StepType, action Action) error {
	return e.registry.Register(t, action)
}

// Scheduler returns the scheduler owning this engine's wakes.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Evaluator returns the predicate evaluator used by conditions and goals.
func (e *Engine) Evaluator() rules.Evaluator { return e.evaluator }

// Contacts returns the contact store.
func (e *Engine) Contacts() crm.ContactStore { return e.contacts }

// Start runs the scheduler sweep loop with the engine as resumer.
func (e *Engine) Start(ctx context.Context) error {
	return e.sched.Start(ctx, e)
}

// Stop stops the sweep loop.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.sched.Stop()
		return nil
	}
}

// run is one worker's exclusive pass over an enrollment.
type run struct {
	enr types.Enrollment
	// saved is the last state written to storage.
	saved types.Enrollment
	def   types.WorkflowDefinition
	owner string
}

func (e *Engine) leaseUntil() int64 {
	return e.clock().Add(e.sched.LeaseDuration()).UnixMilli()
}

// Enroll starts contactID on the active version of definitionID and advances
// it until it suspends or finishes. event is the payload of the triggering
// event, if any.
func (e *Engine) Enroll(ctx context.Context, definitionID uint64, contactID string, event map[string]interface{}) (types.Enrollment, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return types.Enrollment{}, err
	}
	if def.Status != types.DefinitionActive || def.Version == 0 {
		return types.Enrollment{}, fmt.Errorf("%w: definition=%d status=%s", ErrDefinitionNotActive, def.ID, def.Status)
	}
	if _, err := e.contacts.GetContact(ctx, contactID); err != nil {
		return types.Enrollment{}, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return types.Enrollment{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := e.clock().UnixMilli()
	owner := e.sched.LeaseToken()
	enr := types.Enrollment{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		ContactID:         contactID,
		Status:            types.EnrollmentActive,
		CurrentStepID:     def.Entry(),
		SplitSeed:         e.seed(),
		Context:           make(map[string]map[string]interface{}),
		LeaseOwner:        owner,
		LeaseExpiresAt:    e.leaseUntil(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if len(event) > 0 {
		enr.Context[TriggerContextKey] = event
	}
	if err := e.store.CreateEnrollment(ctx, enr, def.AllowReentry); err != nil {
		return types.Enrollment{}, err
	}

	e.logger.Info("contact enrolled",
		zap.Uint64("enrollment_id", id),
		zap.Uint64("definition_id", def.ID),
		zap.Int("version", def.Version),
		zap.String("contact_id", contactID))
	e.metrics.enrollment(ctx, types.EnrollmentActive)
	e.publish(ctx, events.EnrollmentStarted, enr, nil)

	return e.advance(ctx, &run{enr: enr, saved: enr, def: def, owner: owner})
}

// Resume continues the enrollment a due wake belongs to. Wakes that no
// longer match their enrollment are ignored.
func (e *Engine) Resume(ctx context.Context, wake types.ScheduledWake) error {
	enr, err := e.store.GetEnrollment(ctx, wake.EnrollmentID)
	if errors.Is(err, storage.ErrEnrollmentNotFound) {
		e.logger.Warn("wake for unknown enrollment", zap.Uint64("wake_id", wake.ID), zap.Uint64("enrollment_id", wake.EnrollmentID))
		return nil
	}
	if err != nil {
		return err
	}
	if !wakeCurrent(enr, wake) {
		return nil
	}

	owner := e.sched.LeaseToken()
	now := e.clock()
	claimed, err := e.store.ClaimEnrollment(ctx, enr.ID, owner, now, now.Add(e.sched.LeaseDuration()))
	if err != nil {
		return err
	}
	r := &run{enr: claimed, saved: claimed, owner: owner}
	if !wakeCurrent(claimed, wake) {
		return e.release(ctx, r)
	}
	return e.continueRun(ctx, r, func(enr *types.Enrollment) {
		enr.Status = types.EnrollmentActive
		enr.PendingWakeID = 0
		enr.CurrentStepID = wake.StepID
	})
}

func wakeCurrent(enr types.Enrollment, wake types.ScheduledWake) bool {
	return enr.Status == types.EnrollmentWaiting && enr.PendingWakeID == wake.ID
}

// Recover continues an active enrollment whose previous worker lost its
// lease. The scheduler has already leased it to enr.LeaseOwner.
func (e *Engine) Recover(ctx context.Context, enr types.Enrollment) error {
	r := &run{enr: enr, saved: enr, owner: enr.LeaseOwner}
	if enr.Status != types.EnrollmentActive {
		return e.release(ctx, r)
	}
	e.logger.Info("recovering enrollment", zap.Uint64("enrollment_id", enr.ID), zap.String("step_id", enr.CurrentStepID))
	return e.continueRun(ctx, r, nil)
}

// continueRun checks the definition's current status, applies prepare and
// advances a claimed enrollment.
func (e *Engine) continueRun(ctx context.Context, r *run, prepare func(*types.Enrollment)) error {
	current, err := e.store.GetDefinition(ctx, r.enr.DefinitionID)
	if err != nil {
		_, err = e.abort(ctx, r, err)
		return err
	}
	if current.Status == types.DefinitionPaused || current.Status == types.DefinitionArchived {
		_, err = e.finish(ctx, r, types.EnrollmentExited, "definition "+string(current.Status))
		return err
	}
	r.def, err = e.store.GetDefinitionVersion(ctx, r.enr.DefinitionID, r.enr.DefinitionVersion)
	if err != nil {
		_, err = e.abort(ctx, r, err)
		return err
	}
	if prepare != nil {
		prepare(&r.enr)
		if err := e.persist(ctx, r); err != nil {
			_, err = e.abort(ctx, r, err)
			return err
		}
	}
	_, err = e.advance(ctx, r)
	return err
}

// advance executes steps until the enrollment suspends or finishes. Errors
// returned are infrastructure failures; the enrollment is then left active
// at the last persisted step so it can be recovered.
func (e *Engine) advance(ctx context.Context, r *run) (types.Enrollment, error) {
	if r.enr.Context == nil {
		r.enr.Context = make(map[string]map[string]interface{})
	}
	for steps := 0; ; steps++ {
		if steps >= e.maxStepsPerRun {
			return e.finish(ctx, r, types.EnrollmentFailed,
				fmt.Sprintf("%v: %d steps without suspending", ErrStepBudgetExceeded, steps))
		}
		step, ok := r.def.Step(r.enr.CurrentStepID)
		if !ok {
			return e.finish(ctx, r, types.EnrollmentFailed,
				fmt.Sprintf("%v: %q", ErrStepNotFound, r.enr.CurrentStepID))
		}
		contact, err := e.contacts.GetContact(ctx, r.enr.ContactID)
		if errors.Is(err, crm.ErrContactNotFound) {
			return e.finish(ctx, r, types.EnrollmentExited, reasonContactDeleted)
		}
		if err != nil {
			return e.abort(ctx, r, err)
		}

		out, err := e.executor.execute(ctx, stepRun{
			enr:     r.enr,
			step:    step,
			contact: contact,
			scope: rules.Scope{
				Contact: &contact,
				Steps:   r.enr.Context,
				Event:   r.enr.Context[TriggerContextKey],
			},
			resumed: r.enr.ResumeStepID == step.ID,
		})
		if err != nil {
			return e.abort(ctx, r, err)
		}

		r.enr.ResumeStepID = ""
		r.enr.StepCount++
		mergeDelta(r.enr.Context, step.ID, out.ContextDelta)
		e.publish(ctx, events.StepFinished, r.enr, map[string]interface{}{
			"step_id":     step.ID,
			"step_type":   string(step.Type),
			"step_status": string(out.Status),
		})

		switch out.Status {
		case OutcomeFailed:
			return e.finish(ctx, r, types.EnrollmentFailed, fmt.Sprintf("step %s: %v", step.ID, out.Err))
		case OutcomeTerminal:
			return e.finish(ctx, r, types.EnrollmentCompleted, "")
		case OutcomeSuspended:
			return e.suspend(ctx, r, out)
		}

		next, err := nextStep(step, out)
		if err != nil {
			return e.finish(ctx, r, types.EnrollmentFailed, err.Error())
		}
		r.enr.CurrentStepID = next
		if err := e.persist(ctx, r); err != nil {
			return e.abort(ctx, r, err)
		}
	}
}

// nextStep picks the successor selected by an outcome.
func nextStep(step types.Step, out Outcome) (string, error) {
	if !step.Type.Branching() {
		if step.Next == "" {
			return "", fmt.Errorf("step %s has no successor", step.ID)
		}
		return step.Next, nil
	}
	next, ok := step.Branches[out.NextStepHint]
	if !ok || next == "" {
		return "", fmt.Errorf("step %s has no branch %q", step.ID, out.NextStepHint)
	}
	return next, nil
}

func mergeDelta(ctx map[string]map[string]interface{}, stepID string, delta map[string]interface{}) {
	if len(delta) == 0 {
		return
	}
	out := ctx[stepID]
	if out == nil {
		out = make(map[string]interface{}, len(delta))
		ctx[stepID] = out
	}
	for k, v := range delta {
		out[k] = v
	}
}

// persist writes the run's enrollment and renews its lease.
func (e *Engine) persist(ctx context.Context, r *run) error {
	r.enr.UpdatedAt = e.clock().UnixMilli()
	r.enr.LeaseOwner = r.owner
	r.enr.LeaseExpiresAt = e.leaseUntil()
	if err := e.store.UpdateEnrollment(ctx, r.enr, r.owner); err != nil {
		return err
	}
	r.saved = r.enr
	return nil
}

func (e *Engine) suspend(ctx context.Context, r *run, out Outcome) (types.Enrollment, error) {
	// Only a step that wakes itself is re-entered as resumed; a wait hands
	// its successor a fresh first visit.
	r.enr.ResumeStepID = ""
	if out.WakeStepID == r.enr.CurrentStepID {
		r.enr.ResumeStepID = out.WakeStepID
	}
	wake, err := e.sched.ScheduleWake(ctx, r.enr, out.WakeStepID, out.WakeAt, r.owner)
	if err != nil {
		return e.abort(ctx, r, err)
	}
	r.enr.Status = types.EnrollmentWaiting
	r.enr.CurrentStepID = out.WakeStepID
	r.enr.PendingWakeID = wake.ID
	r.enr.LeaseOwner, r.enr.LeaseExpiresAt = "", 0
	r.enr.UpdatedAt = wake.CreatedAt
	r.saved = r.enr

	e.metrics.enrollment(ctx, types.EnrollmentWaiting)
	e.publish(ctx, events.EnrollmentWaiting, r.enr, map[string]interface{}{
		"step_id": out.WakeStepID,
		"due_at":  wake.DueAt,
	})
	return r.enr, nil
}

// finish moves the enrollment to a final status and drops its lease.
func (e *Engine) finish(ctx context.Context, r *run, status types.EnrollmentStatus, reason string) (types.Enrollment, error) {
	now := e.clock().UnixMilli()
	r.enr.Status = status
	r.enr.ExitReason = reason
	r.enr.PendingWakeID = 0
	r.enr.ResumeStepID = ""
	r.enr.LeaseOwner, r.enr.LeaseExpiresAt = "", 0
	r.enr.UpdatedAt = now
	r.enr.CompletedAt = now
	if err := e.store.UpdateEnrollment(ctx, r.enr, r.owner); err != nil {
		return e.abort(ctx, r, err)
	}
	r.saved = r.enr

	log := e.logger.With(zap.Uint64("enrollment_id", r.enr.ID), zap.String("status", string(status)))
	if status == types.EnrollmentFailed {
		log.Warn("enrollment failed", zap.String("reason", reason), zap.String("step_id", r.enr.CurrentStepID))
	} else {
		log.Info("enrollment finished", zap.String("reason", reason))
	}
	e.metrics.enrollment(ctx, status)
	e.publish(ctx, finishEvent(status), r.enr, map[string]interface{}{"reason": reason})
	return r.enr, nil
}

func finishEvent(status types.EnrollmentStatus) string {
	switch status {
	case types.EnrollmentCompleted:
		return events.EnrollmentCompleted
	case types.EnrollmentFailed:
		return events.EnrollmentFailed
	}
	return events.EnrollmentExited
}

// abort gives up the run after an infrastructure error. The last persisted
// state stays active and its lease is released so another worker can
// continue from it.
func (e *Engine) abort(ctx context.Context, r *run, cause error) (types.Enrollment, error) {
	if errors.Is(cause, storage.ErrLeaseLost) {
		e.logger.Warn("lease lost, abandoning run", zap.Uint64("enrollment_id", r.enr.ID), zap.Error(cause))
		return r.saved, cause
	}
	if err := e.release(ctx, r); err != nil && !errors.Is(err, storage.ErrLeaseLost) {
		e.logger.Error("release enrollment lease failed", zap.Uint64("enrollment_id", r.enr.ID), zap.Error(err))
	}
	e.logger.Warn("run aborted", zap.Uint64("enrollment_id", r.enr.ID), zap.Error(cause))
	return r.saved, cause
}

// release clears the run's lease on the last persisted state.
func (e *Engine) release(ctx context.Context, r *run) error {
	saved := r.saved
	saved.LeaseOwner, saved.LeaseExpiresAt = "", 0
	if err := e.store.UpdateEnrollment(context.WithoutCancel(ctx), saved, r.owner); err != nil {
		return err
	}
	r.saved = saved
	return nil
}

// Abandon fails the enrollment of a dead-lettered wake.
func (e *Engine) Abandon(ctx context.Context, wake types.ScheduledWake, reason string) error {
	_, err := e.closeEnrollment(ctx, wake.EnrollmentID, types.EnrollmentFailed, "wake dead-lettered: "+reason)
	if errors.Is(err, ErrEnrollmentClosed) {
		return nil
	}
	return err
}

// Exit force-stops an open enrollment. Its pending wake, if any, becomes
// stale and is discarded when it comes due.
func (e *Engine) Exit(ctx context.Context, enrollmentID uint64, reason string) (types.Enrollment, error) {
	if reason == "" {
		reason = "exited"
	}
	return e.closeEnrollment(ctx, enrollmentID, types.EnrollmentExited, reason)
}

func (e *Engine) closeEnrollment(ctx context.Context, id uint64, status types.EnrollmentStatus, reason string) (types.Enrollment, error) {
	owner := e.sched.LeaseToken()
	now := e.clock()
	claimed, err := e.store.ClaimEnrollment(ctx, id, owner, now, now.Add(e.sched.LeaseDuration()))
	if err != nil {
		return types.Enrollment{}, err
	}
	r := &run{enr: claimed, saved: claimed, owner: owner}
	if !claimed.Status.Open() {
		if err := e.release(ctx, r); err != nil {
			return claimed, err
		}
		return r.saved, fmt.Errorf("%w: enrollment=%d status=%s", ErrEnrollmentClosed, id, claimed.Status)
	}
	return e.finish(ctx, r, status, reason)
}

// publish sends a lifecycle event when a bus is configured.
func (e *Engine) publish(ctx context.Context, eventType string, enr types.Enrollment, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["definition_id"] = enr.DefinitionID
	data["status"] = string(enr.Status)
	err := e.bus.Publish(ctx, events.Event{
		Type:         eventType,
		ContactID:    enr.ContactID,
		EnrollmentID: enr.ID,
		Data:         data,
		OccurredAt:   e.clock(),
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("publish event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

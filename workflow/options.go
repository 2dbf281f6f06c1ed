package workflow

import (
	"time"

	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/scheduler"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now. It is ignored when WithScheduler supplies a
// scheduler, whose clock the engine shares.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEventBus publishes lifecycle events on bus and subscribes the engine's
// message tracking and contact deletion handlers to it.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMessenger sets the messaging service used by send_message steps.
func WithMessenger(m crm.Messenger) Option {
	return func(e *Engine) { e.messenger = m }
}

// WithWebhookClient sets the client used by http_call steps.
func WithWebhookClient(c crm.WebhookClient) Option {
	return func(e *Engine) {
		if c != nil {
			e.webhooks = c
		}
	}
}

// WithRetryPolicy sets the per-step retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithMaxStepsPerRun bounds how many steps one run may execute before the
// enrollment is failed.
func WithMaxStepsPerRun(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxStepsPerRun = n
		}
	}
}

// WithStrictTokens makes publishing reject placeholders that cannot resolve.
func WithStrictTokens(strict bool) Option {
	return func(e *Engine) { e.strictTokens = strict }
}

// WithEvaluator replaces the predicate evaluator.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithScheduler uses s for wakes and leases.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithSchedulerConfig configures the scheduler the engine builds for itself.
func WithSchedulerConfig(cfg scheduler.Config) Option {
	return func(e *Engine) { e.schedCfg = cfg }
}

// WithSplitSeeds sets the source of per-enrollment split seeds.
func WithSplitSeeds(seed func() int64) Option {
	return func(e *Engine) {
		if seed != nil {
			e.seed = seed
		}
	}
}

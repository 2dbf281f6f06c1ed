// Package scheduler persists wake-ups for suspended enrollments and resumes
// them when they come due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// ErrAlreadyStarted is returned by Start when the sweep loop is running.
var ErrAlreadyStarted = errors.New("scheduler already started")

// DefaultBackoff is the delay before each retry of a failed wake.
var DefaultBackoff = []time.Duration{
	time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour,
}

// Resumer continues enrollments on behalf of the scheduler.
type Resumer interface {
	// Resume continues the enrollment a wake belongs to. Stale wakes return nil.
	Resume(ctx context.Context, wake types.ScheduledWake) error
	// Recover continues an active enrollment whose lease the scheduler just claimed.
	Recover(ctx context.Context, enr types.Enrollment) error
	// Abandon fails the enrollment of a dead-lettered wake.
	Abandon(ctx context.Context, wake types.ScheduledWake, reason string) error
}

// Config controls sweeping.
type Config struct {
	Owner         string
	PollInterval  time.Duration
	BatchSize     int
	Workers       int
	LeaseDuration time.Duration
	MaxAttempts   int
	Backoff       []time.Duration
	Clock         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Claimed      int
	Resumed      int
	Released     int
	Retried      int
	DeadLettered int
	Recovered    int
}

// Scheduler owns ScheduledWake records: it creates them when an enrollment
// suspends and claims them back when they come due.
type Scheduler struct {
	store    storage.Storage
	generate generator.Generator
	cfg      Config
	logger   *zap.Logger
	seq      uint64

	wakeCounter metric.Int64Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. A nil logger disables logging.
func New(store storage.Storage, generate generator.Generator, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if store == nil || generate == nil {
		return nil, errors.New("storage and generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	counter, err := otel.Meter("github.com/jeremylerwick-max/omni-channel-crm/scheduler").Int64Counter(
		"automation.scheduler.wakes",
		metric.WithDescription("Scheduled wakes processed, by outcome"),
	)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:       store,
		generate:    generate,
		cfg:         cfg.withDefaults(),
		logger:      logger.Named("scheduler"),
		wakeCounter: counter,
	}, nil
}

// Owner is the lease owner prefix used by this scheduler.
func (s *Scheduler) Owner() string { return s.cfg.Owner }

// LeaseDuration is how long a claim lasts before another worker may take it.
func (s *Scheduler) LeaseDuration() time.Duration { return s.cfg.LeaseDuration }

// Now reads the scheduler clock.
func (s *Scheduler) Now() time.Time { return s.cfg.Clock() }

// LeaseToken returns a unique lease owner for one run of one enrollment.
func (s *Scheduler) LeaseToken() string {
	return fmt.Sprintf("%s/%d", s.cfg.Owner, atomic.AddUint64(&s.seq, 1))
}

// ScheduleWake suspends enr at stepID until dueAt. The waiting enrollment and
// its pending wake are written together; owner must hold the enrollment lease,
// which is released by the write.
func (s *Scheduler) ScheduleWake(ctx context.Context, enr types.Enrollment, stepID string, dueAt time.Time, owner string) (types.ScheduledWake, error) {
	id, err := s.generate.NextID()
	if err != nil {
		return types.ScheduledWake{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := s.cfg.Clock().UnixMilli()
	wake := types.ScheduledWake{
		ID:           id,
		EnrollmentID: enr.ID,
		StepID:       stepID,
		DueAt:        dueAt.UnixMilli(),
		Status:       types.WakePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	enr.Status = types.EnrollmentWaiting
	enr.CurrentStepID = stepID
	enr.PendingWakeID = id
	enr.LeaseOwner, enr.LeaseExpiresAt = "", 0
	enr.UpdatedAt = now
	if err := s.store.SuspendEnrollment(ctx, enr, wake, owner); err != nil {
		return types.ScheduledWake{}, err
	}
	s.logger.Debug("wake scheduled",
		zap.Uint64("enrollment_id", enr.ID),
		zap.Uint64("wake_id", id),
		zap.String("step_id", stepID),
		zap.Time("due_at", dueAt))
	return wake, nil
}

// Sweep claims due wakes and stale active enrollments and hands them to r on
// a bounded worker pool. It returns after every claimed item was processed.
func (s *Scheduler) Sweep(ctx context.Context, r Resumer) (SweepResult, error) {
	var res SweepResult
	now := s.cfg.Clock()
	until := now.Add(s.cfg.LeaseDuration)

	wakes, err := s.store.ClaimDueWakes(ctx, s.cfg.Owner, now, until, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim due wakes: %w", err)
	}
	stale, err := s.store.ClaimStaleEnrollments(ctx, s.LeaseToken(), now, until, s.cfg.BatchSize)
	if err != nil {
		s.releaseAll(ctx, wakes)
		return res, fmt.Errorf("claim stale enrollments: %w", err)
	}
	res.Claimed = len(wakes)

	var mu sync.Mutex
	record := func(fn func(*SweepResult)) {
		mu.Lock()
		fn(&res)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, w := range wakes {
		w := w
		g.Go(func() error {
			s.handleWake(ctx, r, w, record)
			return nil
		})
	}
	for _, enr := range stale {
		enr := enr
		g.Go(func() error {
			if err := r.Recover(ctx, enr); err != nil {
				if !errors.Is(err, storage.ErrLeaseHeld) && !errors.Is(err, storage.ErrLeaseLost) {
					s.logger.Error("recover enrollment failed", zap.Uint64("enrollment_id", enr.ID), zap.Error(err))
				}
				return nil
			}
			record(func(sr *SweepResult) { sr.Recovered++ })
			return nil
		})
	}
	err = g.Wait()
	return res, err
}

func (s *Scheduler) releaseAll(ctx context.Context, wakes []types.ScheduledWake) {
	for _, w := range wakes {
		if err := s.store.ReleaseWake(ctx, w.ID, s.cfg.Owner); err != nil {
			s.logger.Warn("release wake failed", zap.Uint64("wake_id", w.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) count(ctx context.Context, outcome string) {
	s.wakeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// backoff returns the retry delay after the given number of failed attempts.
func (s *Scheduler) backoff(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s.cfg.Backoff) {
		i = len(s.cfg.Backoff) - 1
	}
	return s.cfg.Backoff[i]
}

func (s *Scheduler) handleWake(ctx context.Context, r Resumer, w types.ScheduledWake, record func(func(*SweepResult))) {
	log := s.logger.With(zap.Uint64("wake_id", w.ID), zap.Uint64("enrollment_id", w.EnrollmentID))

	err := r.Resume(ctx, w)
	switch {
	case err == nil:
		if err := s.store.CompleteWake(ctx, w.ID, s.cfg.Owner); err != nil {
			log.Warn("complete wake failed", zap.Error(err))
			return
		}
		s.count(ctx, "resumed")
		record(func(sr *SweepResult) { sr.Resumed++ })

	case errors.Is(err, storage.ErrLeaseHeld):
		// Someone else is advancing the enrollment; try again next sweep.
		if err := s.store.ReleaseWake(ctx, w.ID, s.cfg.Owner); err != nil {
			log.Warn("release wake failed", zap.Error(err))
			return
		}
		s.count(ctx, "released")
		record(func(sr *SweepResult) { sr.Released++ })

	case ctx.Err() != nil:
		// Shutting down; the claim expires and another sweep takes it.

	default:
		attempts := w.Attempts + 1
		if attempts >= s.cfg.MaxAttempts {
			if err2 := s.store.DeadLetterWake(ctx, w.ID, s.cfg.Owner, err.Error()); err2 != nil {
				log.Warn("dead-letter wake failed", zap.Error(err2))
				return
			}
			log.Error("wake dead-lettered", zap.Int("attempts", attempts), zap.Error(err))
			if err2 := r.Abandon(ctx, w, err.Error()); err2 != nil {
				log.Error("abandon enrollment failed", zap.Error(err2))
			}
			s.count(ctx, "dead_letter")
			record(func(sr *SweepResult) { sr.DeadLettered++ })
			return
		}
		dueAt := s.cfg.Clock().Add(s.backoff(attempts))
		if err2 := s.store.RetryWake(ctx, w.ID, s.cfg.Owner, dueAt, err.Error()); err2 != nil {
			log.Warn("reschedule wake failed", zap.Error(err2))
			return
		}
		log.Warn("wake failed, rescheduled", zap.Int("attempts", attempts), zap.Time("due_at", dueAt), zap.Error(err))
		s.count(ctx, "retried")
		record(func(sr *SweepResult) { sr.Retried++ })
	}
}

// Start runs Sweep every poll interval until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context, r Resumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			res, err := s.Sweep(ctx, r)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", zap.Error(err))
			} else if res.Claimed > 0 || res.Recovered > 0 {
				s.logger.Info("sweep finished",
					zap.Int("claimed", res.Claimed),
					zap.Int("resumed", res.Resumed),
					zap.Int("retried", res.Retried),
					zap.Int("dead_lettered", res.DeadLettered),
					zap.Int("recovered", res.Recovered))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.logger.Info("scheduler started", zap.String("owner", s.cfg.Owner), zap.Duration("poll_interval", s.cfg.PollInterval))
	return nil
}

// Stop ends the sweep loop and waits for the in-flight sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/definition"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// CreateDefinition stores def as the draft of a new definition.
func (e *Engine) CreateDefinition(ctx context.Context, def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := e.clock().UnixMilli()
	def.ID = id
	def.CreatedAt = now
	return e.saveDraft(ctx, def, now)
}

// UpdateDraft replaces the draft of an existing definition. Published
// versions are not affected.
func (e *Engine) UpdateDraft(ctx context.Context, id uint64, def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	current, err := e.store.GetDefinitionVersion(ctx, id, 0)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	def.ID = id
	def.CreatedAt = current.CreatedAt
	return e.saveDraft(ctx, def, e.clock().UnixMilli())
}

func (e *Engine) saveDraft(ctx context.Context, def types.WorkflowDefinition, now int64) (types.WorkflowDefinition, error) {
	def.Version = 0
	def.Status = types.DefinitionDraft
	def.UpdatedAt = now
	def, err := definition.Canonical(def)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("normalize definition: %w", err)
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return types.WorkflowDefinition{}, err
	}
	return def, nil
}

// ValidateDefinition checks a definition the way PublishDefinition does.
func (e *Engine) ValidateDefinition(def types.WorkflowDefinition) error {
	if err := definition.Validate(def); err != nil {
		return err
	}
	if e.strictTokens {
		return definition.ValidateTokens(def)
	}
	return nil
}

// PublishDefinition validates the draft and stores it as the next active
// version. A draft that fails validation is left untouched.
func (e *Engine) PublishDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	draft, err := e.store.GetDefinitionVersion(ctx, id, 0)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	if err := e.ValidateDefinition(draft); err != nil {
		return types.WorkflowDefinition{}, err
	}

	// A concurrent publish may take the next version first; pick the one
	// after it.
	var published types.WorkflowDefinition
	insert := func() error {
		latest, err := e.store.GetDefinition(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if latest.Status == types.DefinitionArchived {
			return backoff.Permanent(fmt.Errorf("%w: archived definitions cannot be published", ErrInvalidTransition))
		}
		published = draft
		published.Version = latest.Version + 1
		published.Status = types.DefinitionActive
		published.UpdatedAt = e.clock().UnixMilli()
		err = e.store.SaveDefinition(ctx, published)
		if err != nil && !errors.Is(err, storage.ErrVersionExists) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 5), ctx)
	if err := backoff.Retry(insert, b); err != nil {
		return types.WorkflowDefinition{}, err
	}
	e.logger.Sugar().Infof("published definition %d version %d", id, published.Version)
	return published, nil
}

// PauseDefinition stops new enrollments; waiting enrollments exit when they resume.
func (e *Engine) PauseDefinition(ctx context.Context, id uint64) error {
	return e.transition(ctx, id, types.DefinitionPaused, types.DefinitionActive)
}

// ActivateDefinition re-activates a paused definition.
func (e *Engine) ActivateDefinition(ctx context.Context, id uint64) error {
	return e.transition(ctx, id, types.DefinitionActive, types.DefinitionPaused)
}

// ArchiveDefinition retires a published definition for good.
func (e *Engine) ArchiveDefinition(ctx context.Context, id uint64) error {
	return e.transition(ctx, id, types.DefinitionArchived, types.DefinitionActive, types.DefinitionPaused)
}

func (e *Engine) transition(ctx context.Context, id uint64, to types.DefinitionStatus, from ...types.DefinitionStatus) error {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	for _, allowed := range from {
		if def.Status == allowed {
			if err := e.store.SetDefinitionStatus(ctx, id, to); err != nil {
				return err
			}
			e.logger.Sugar().Infof("definition %d: %s -> %s", id, def.Status, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, def.Status, to)
}

// GetDefinition returns the latest version of a definition, or its draft
// when nothing was published.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return e.store.GetDefinition(ctx, id)
}

// GetDefinitionVersion returns one version; version 0 is the draft.
func (e *Engine) GetDefinitionVersion(ctx context.Context, id uint64, version int) (types.WorkflowDefinition, error) {
	return e.store.GetDefinitionVersion(ctx, id, version)
}

// ListDefinitions lists the latest version of matching definitions.
func (e *Engine) ListDefinitions(ctx context.Context, filter storage.DefinitionFilter) ([]types.WorkflowDefinition, error) {
	return e.store.ListDefinitions(ctx, filter)
}

// ExportDefinition renders a definition version as a document. A negative
// version selects the latest one.
func (e *Engine) ExportDefinition(ctx context.Context, id uint64, version int, format definition.Format) ([]byte, error) {
	var (
		def types.WorkflowDefinition
		err error
	)
	if version < 0 {
		def, err = e.store.GetDefinition(ctx, id)
	} else {
		def, err = e.store.GetDefinitionVersion(ctx, id, version)
	}
	if err != nil {
		return nil, err
	}
	return definition.Export(def, format)
}

// EnrollContact enrolls a contact manually, outside trigger matching.
func (e *Engine) EnrollContact(ctx context.Context, definitionID uint64, contactID string) (types.Enrollment, error) {
	return e.Enroll(ctx, definitionID, contactID, nil)
}

// GetEnrollment returns one enrollment.
func (e *Engine) GetEnrollment(ctx context.Context, id uint64) (types.Enrollment, error) {
	return e.store.GetEnrollment(ctx, id)
}

// ListEnrollments lists enrollments matching filter.
func (e *Engine) ListEnrollments(ctx context.Context, filter storage.EnrollmentFilter) ([]types.Enrollment, error) {
	return e.store.ListEnrollments(ctx, filter)
}

// EnrollmentHistory returns the step execution log of an enrollment.
func (e *Engine) EnrollmentHistory(ctx context.Context, enrollmentID uint64) ([]types.StepExecutionLog, error) {
	if _, err := e.store.GetEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return e.store.ListStepLogs(ctx, enrollmentID)
}

// DefinitionStats counts a definition's enrollments by status.
type DefinitionStats struct {
	DefinitionID uint64 `json:"definition_id"`
	Enrolled     int    `json:"enrolled"`
	Active       int    `json:"active"`
	Waiting      int    `json:"waiting"`
	Completed    int    `json:"completed"`
	Exited       int    `json:"exited"`
	Failed       int    `json:"failed"`
}

// DefinitionStats summarizes the enrollments of a definition.
func (e *Engine) DefinitionStats(ctx context.Context, id uint64) (DefinitionStats, error) {
	stats := DefinitionStats{DefinitionID: id}
	if _, err := e.store.GetDefinition(ctx, id); err != nil {
		return stats, err
	}
	enrollments, err := e.store.ListEnrollments(ctx, storage.EnrollmentFilter{DefinitionID: id})
	if err != nil {
		return stats, err
	}
	for _, enr := range enrollments {
		stats.Enrolled++
		switch enr.Status {
		case types.EnrollmentActive:
			stats.Active++
		case types.EnrollmentWaiting:
			stats.Waiting++
		case types.EnrollmentCompleted:
			stats.Completed++
		case types.EnrollmentExited:
			stats.Exited++
		case types.EnrollmentFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// ListDeadLetters returns wakes the scheduler gave up on.
func (e *Engine) ListDeadLetters(ctx context.Context, limit int) ([]types.ScheduledWake, error) {
	return e.store.ListWakes(ctx, storage.WakeFilter{Status: types.WakeDeadLetter, Limit: limit})
}

// ReplayDeadLetter rearms a dead-lettered wake to run on the next sweep and
// reopens the enrollment it failed.
func (e *Engine) ReplayDeadLetter(ctx context.Context, wakeID uint64) (types.ScheduledWake, types.Enrollment, error) {
	wake, enr, err := e.store.ReplayWake(ctx, wakeID, e.clock())
	if err != nil {
		return wake, enr, err
	}
	e.logger.Info("dead letter replayed",
		zap.Uint64("wake_id", wake.ID),
		zap.Uint64("enrollment_id", enr.ID),
		zap.String("step_id", wake.StepID))
	return wake, enr, nil
}

// IsNotFound reports whether err means a definition, enrollment or wake does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrDefinitionNotFound) ||
		errors.Is(err, storage.ErrEnrollmentNotFound) ||
		errors.Is(err, storage.ErrWakeNotFound)
}

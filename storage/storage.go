package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrWakeNotFound       = errors.New("scheduled wake not found")
	ErrLogNotFound        = errors.New("step execution log not found")

	// ErrAlreadyEnrolled means the contact already has an active or waiting
	// enrollment in the definition.
	ErrAlreadyEnrolled = errors.New("contact already enrolled")
	// ErrReentryNotAllowed means a previous enrollment finished and the
	// definition does not allow re-entry.
	ErrReentryNotAllowed = errors.New("definition does not allow re-entry")
	// ErrLeaseHeld means another owner holds an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another owner")
	// ErrLeaseLost means the caller no longer owns the record it tried to update.
	ErrLeaseLost = errors.New("lease lost")
	// ErrWakePending means the enrollment already has a pending wake.
	ErrWakePending = errors.New("enrollment already has a pending wake")
	// ErrNotReplayable means the wake is not dead-lettered or its enrollment
	// finished some other way than failing.
	ErrNotReplayable = errors.New("wake cannot be replayed")
	// ErrVersionExists means a published definition version is already stored.
	ErrVersionExists = errors.New("definition version already exists")
	// ErrLogImmutable means the log entry already reached a final status.
	ErrLogImmutable = errors.New("step execution log is immutable once finished")
)

// DefinitionFilter narrows ListDefinitions. Zero values match everything.
type DefinitionFilter struct {
	Status      types.DefinitionStatus
	TriggerType string
}

// EnrollmentFilter narrows ListEnrollments. Zero values match everything.
type EnrollmentFilter struct {
	DefinitionID uint64
	ContactID    string
	Statuses     []types.EnrollmentStatus
	Limit        int
}

// WakeFilter narrows ListWakes. Zero values match everything.
type WakeFilter struct {
	EnrollmentID uint64
	Status       types.WakeStatus
	Limit        int
}

// Storage defines the interface for persisting definitions, enrollments,
// scheduled wakes and step execution logs.
type Storage interface {
	// SaveDefinition upserts the draft (version 0) and inserts published
	// versions, which are immutable: a second write of one fails with
	// ErrVersionExists.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error
	// GetDefinition returns the latest version of a definition, or the draft
	// when nothing has been published.
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)
	// GetDefinitionVersion returns an exact version; version 0 is the draft.
	GetDefinitionVersion(ctx context.Context, id uint64, version int) (types.WorkflowDefinition, error)
	// ListDefinitions returns the latest version of every matching definition.
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]types.WorkflowDefinition, error)
	// SetDefinitionStatus changes the status of the latest version.
	SetDefinitionStatus(ctx context.Context, id uint64, status types.DefinitionStatus) error

	// CreateEnrollment stores a new enrollment, enforcing at most one open
	// enrollment per (definition, contact) and the re-entry rule.
	CreateEnrollment(ctx context.Context, enr types.Enrollment, allowReentry bool) error
	GetEnrollment(ctx context.Context, id uint64) (types.Enrollment, error)
	// UpdateEnrollment persists enr if owner still holds its lease.
	UpdateEnrollment(ctx context.Context, enr types.Enrollment, owner string) error
	// ClaimEnrollment takes the lease when it is free, expired, or already ours.
	ClaimEnrollment(ctx context.Context, id uint64, owner string, now, until time.Time) (types.Enrollment, error)
	// ClaimStaleEnrollments leases active enrollments nobody is advancing.
	ClaimStaleEnrollments(ctx context.Context, owner string, now, until time.Time, limit int) ([]types.Enrollment, error)
	// SuspendEnrollment atomically stores the waiting enrollment and its wake.
	SuspendEnrollment(ctx context.Context, enr types.Enrollment, wake types.ScheduledWake, owner string) error
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]types.Enrollment, error)

	// ClaimDueWakes leases pending wakes due at now, and claimed wakes whose lease expired.
	ClaimDueWakes(ctx context.Context, owner string, now, until time.Time, limit int) ([]types.ScheduledWake, error)
	// CompleteWake marks a claimed wake done.
	CompleteWake(ctx context.Context, id uint64, owner string) error
	// ReleaseWake returns a claimed wake to pending without counting an attempt.
	ReleaseWake(ctx context.Context, id uint64, owner string) error
	// RetryWake counts a failed attempt and reschedules the wake.
	RetryWake(ctx context.Context, id uint64, owner string, dueAt time.Time, lastErr string) error
	// DeadLetterWake counts a failed attempt and parks the wake.
	DeadLetterWake(ctx context.Context, id uint64, owner string, lastErr string) error
	// ReplayWake returns a dead-lettered wake to pending, due at now with no
	// attempts, and reopens its failed enrollment as waiting on it.
	ReplayWake(ctx context.Context, id uint64, now time.Time) (types.ScheduledWake, types.Enrollment, error)
	GetWake(ctx context.Context, id uint64) (types.ScheduledWake, error)
	ListWakes(ctx context.Context, filter WakeFilter) ([]types.ScheduledWake, error)

	// AppendStepLog inserts a new log entry.
	AppendStepLog(ctx context.Context, log types.StepExecutionLog) error
	// FinishStepLog stores the final state of an entry that is not yet final.
	FinishStepLog(ctx context.Context, log types.StepExecutionLog) error
	ListStepLogs(ctx context.Context, enrollmentID uint64) ([]types.StepExecutionLog, error)

	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// leaseFree reports whether a lease with the given owner and expiry can be taken by owner.
func leaseFree(current string, expiresAt int64, owner string, now time.Time) bool {
	return current == "" || current == owner || expiresAt <= millis(now)
}

// replayable checks a dead-lettered wake and its enrollment before a replay.
func replayable(wake types.ScheduledWake, enr types.Enrollment, now time.Time) error {
	if wake.Status != types.WakeDeadLetter {
		return fmt.Errorf("%w: wake=%d status=%s", ErrNotReplayable, wake.ID, wake.Status)
	}
	if enr.Status != types.EnrollmentFailed && !(enr.Status == types.EnrollmentWaiting && enr.PendingWakeID == wake.ID) {
		return fmt.Errorf("%w: wake=%d enrollment=%d status=%s", ErrNotReplayable, wake.ID, enr.ID, enr.Status)
	}
	if !leaseFree(enr.LeaseOwner, enr.LeaseExpiresAt, "", now) {
		return fmt.Errorf("%w: enrollment=%d", ErrLeaseHeld, enr.ID)
	}
	return nil
}

// rearm applies a replay to a wake and its enrollment.
func rearm(wake *types.ScheduledWake, enr *types.Enrollment, now time.Time) {
	wake.Status = types.WakePending
	wake.Attempts = 0
	wake.DueAt = millis(now)
	wake.LastError = ""
	wake.ClaimOwner, wake.LeaseExpiresAt = "", 0
	wake.UpdatedAt = millis(now)

	enr.Status = types.EnrollmentWaiting
	enr.PendingWakeID = wake.ID
	enr.CurrentStepID = wake.StepID
	enr.ExitReason = ""
	enr.CompletedAt = 0
	enr.LeaseOwner, enr.LeaseExpiresAt = "", 0
	enr.UpdatedAt = millis(now)
}

func statusIn(s types.EnrollmentStatus, set []types.EnrollmentStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

var testIDs = uint64(time.Now().UnixNano() / 1000)

func nextID() uint64 { return atomic.AddUint64(&testIDs, 1) }

func newDefinition(id uint64, version int, status types.DefinitionStatus, trigger string) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:      id,
		Name:    "welcome",
		Version: version,
		Status:  status,
		Trigger: types.Trigger{Type: trigger},
		Steps:   []types.Step{{ID: "end", Type: types.StepTerminal}},
	}
}

func newEnrollment(defID uint64, contact string) types.Enrollment {
	now := time.Now().UnixMilli()
	return types.Enrollment{
		ID:                nextID(),
		DefinitionID:      defID,
		DefinitionVersion: 1,
		ContactID:         contact,
		Status:            types.EnrollmentActive,
		CurrentStepID:     "end",
		SplitSeed:         42,
		Context:           map[string]map[string]interface{}{"send": {"message_id": "m-1"}},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func newWake(enr types.Enrollment, due time.Time) types.ScheduledWake {
	now := time.Now().UnixMilli()
	return types.ScheduledWake{
		ID:           nextID(),
		EnrollmentID: enr.ID,
		StepID:       "end",
		DueAt:        due.UnixMilli(),
		Status:       types.WakePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// runStorageSuite checks the behavior every backend must share.
func runStorageSuite(t *testing.T, open func(t *testing.T) Storage) {
	ctx := context.Background()
	lease := time.Minute

	t.Run("Definitions", func(t *testing.T) {
		store := open(t)
		id := nextID()
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(id, 0, types.DefinitionDraft, types.TriggerTagAdded)))
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(id, 1, types.DefinitionActive, types.TriggerTagAdded)))
		assert.ErrorIs(t, store.SaveDefinition(ctx, newDefinition(id, 1, types.DefinitionPaused, types.TriggerTagAdded)), ErrVersionExists)
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(id, 0, types.DefinitionDraft, types.TriggerTagAdded)))
		other := nextID()
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(other, 1, types.DefinitionActive, types.TriggerManual)))

		latest, err := store.GetDefinition(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, latest.Version)
		assert.Equal(t, types.DefinitionActive, latest.Status)

		draft, err := store.GetDefinitionVersion(ctx, id, 0)
		require.NoError(t, err)
		assert.Equal(t, types.DefinitionDraft, draft.Status)

		_, err = store.GetDefinitionVersion(ctx, id, 7)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
		_, err = store.GetDefinition(ctx, nextID())
		assert.ErrorIs(t, err, ErrDefinitionNotFound)

		defs, err := store.ListDefinitions(ctx, DefinitionFilter{Status: types.DefinitionActive, TriggerType: types.TriggerTagAdded})
		require.NoError(t, err)
		var ids []uint64
		for _, d := range defs {
			ids = append(ids, d.ID)
		}
		assert.Contains(t, ids, id)
		assert.NotContains(t, ids, other)

		require.NoError(t, store.SetDefinitionStatus(ctx, id, types.DefinitionPaused))
		latest, err = store.GetDefinition(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.DefinitionPaused, latest.Status)
		assert.Equal(t, "end", latest.Steps[0].ID)
		assert.ErrorIs(t, store.SetDefinitionStatus(ctx, nextID(), types.DefinitionPaused), ErrDefinitionNotFound)
	})

	t.Run("EnrollmentUniqueness", func(t *testing.T) {
		store := open(t)
		defID := nextID()
		first := newEnrollment(defID, "c-1")
		require.NoError(t, store.CreateEnrollment(ctx, first, false))
		assert.ErrorIs(t, store.CreateEnrollment(ctx, newEnrollment(defID, "c-1"), true), ErrAlreadyEnrolled)

		got, err := store.GetEnrollment(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first, got)

		claimed, err := store.ClaimEnrollment(ctx, first.ID, "w1", time.Now(), time.Now().Add(lease))
		require.NoError(t, err)
		claimed.Status = types.EnrollmentCompleted
		claimed.CompletedAt = time.Now().UnixMilli()
		require.NoError(t, store.UpdateEnrollment(ctx, claimed, "w1"))

		assert.ErrorIs(t, store.CreateEnrollment(ctx, newEnrollment(defID, "c-1"), false), ErrReentryNotAllowed)
		require.NoError(t, store.CreateEnrollment(ctx, newEnrollment(defID, "c-1"), true))

		open, err := store.ListEnrollments(ctx, EnrollmentFilter{
			DefinitionID: defID,
			ContactID:    "c-1",
			Statuses:     []types.EnrollmentStatus{types.EnrollmentActive, types.EnrollmentWaiting},
		})
		require.NoError(t, err)
		assert.Len(t, open, 1)

		all, err := store.ListEnrollments(ctx, EnrollmentFilter{DefinitionID: defID})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("RewritingClosedEnrollmentKeepsNewerSlot", func(t *testing.T) {
		store := open(t)
		defID := nextID()
		old := newEnrollment(defID, "c-1")
		require.NoError(t, store.CreateEnrollment(ctx, old, true))

		claimed, err := store.ClaimEnrollment(ctx, old.ID, "w1", time.Now(), time.Now().Add(lease))
		require.NoError(t, err)
		claimed.Status = types.EnrollmentExited
		claimed.ExitReason = "manual"
		claimed.LeaseOwner, claimed.LeaseExpiresAt = "", 0
		require.NoError(t, store.UpdateEnrollment(ctx, claimed, "w1"))

		current := newEnrollment(defID, "c-1")
		require.NoError(t, store.CreateEnrollment(ctx, current, true))

		// A late write of the closed enrollment must not free the re-entry's slot.
		claimed, err = store.ClaimEnrollment(ctx, old.ID, "w2", time.Now(), time.Now().Add(lease))
		require.NoError(t, err)
		claimed.LeaseOwner = ""
		claimed.LeaseExpiresAt = 0
		require.NoError(t, store.UpdateEnrollment(ctx, claimed, "w2"))

		assert.ErrorIs(t, store.CreateEnrollment(ctx, newEnrollment(defID, "c-1"), true), ErrAlreadyEnrolled)

		open, err := store.ListEnrollments(ctx, EnrollmentFilter{
			DefinitionID: defID,
			ContactID:    "c-1",
			Statuses:     []types.EnrollmentStatus{types.EnrollmentActive, types.EnrollmentWaiting},
		})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, current.ID, open[0].ID)
	})

	t.Run("ConcurrentCreateEnrollment", func(t *testing.T) {
		store := open(t)
		defID := nextID()
		var wg sync.WaitGroup
		var created int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.CreateEnrollment(ctx, newEnrollment(defID, "c-race"), true); err == nil {
					atomic.AddInt32(&created, 1)
				} else {
					assert.ErrorIs(t, err, ErrAlreadyEnrolled)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), created)
	})

	t.Run("EnrollmentLeases", func(t *testing.T) {
		store := open(t)
		enr := newEnrollment(nextID(), "c-2")
		require.NoError(t, store.CreateEnrollment(ctx, enr, false))

		now := time.Now()
		claimed, err := store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(lease))
		require.NoError(t, err)
		assert.Equal(t, "w1", claimed.LeaseOwner)

		_, err = store.ClaimEnrollment(ctx, enr.ID, "w2", now, now.Add(lease))
		assert.ErrorIs(t, err, ErrLeaseHeld)
		_, err = store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(lease))
		assert.NoError(t, err, "owner may renew its own lease")

		later := now.Add(2 * lease)
		_, err = store.ClaimEnrollment(ctx, enr.ID, "w2", later, later.Add(lease))
		require.NoError(t, err)
		assert.ErrorIs(t, store.UpdateEnrollment(ctx, claimed, "w1"), ErrLeaseLost)

		_, err = store.ClaimEnrollment(ctx, nextID(), "w1", now, now.Add(lease))
		assert.ErrorIs(t, err, ErrEnrollmentNotFound)
	})

	t.Run("ClaimStaleEnrollments", func(t *testing.T) {
		store := open(t)
		enr := newEnrollment(nextID(), "c-3")
		require.NoError(t, store.CreateEnrollment(ctx, enr, false))

		now := time.Now()
		stale, err := store.ClaimStaleEnrollments(ctx, "sweeper", now, now.Add(lease), 100)
		require.NoError(t, err)
		var found bool
		for _, s := range stale {
			if s.ID == enr.ID {
				found = true
				assert.Equal(t, "sweeper", s.LeaseOwner)
			}
		}
		assert.True(t, found)

		again, err := store.ClaimStaleEnrollments(ctx, "other", now, now.Add(lease), 100)
		require.NoError(t, err)
		for _, s := range again {
			assert.NotEqual(t, enr.ID, s.ID)
		}
	})

	t.Run("SuspendAndClaimWakes", func(t *testing.T) {
		store := open(t)
		enr := newEnrollment(nextID(), "c-4")
		require.NoError(t, store.CreateEnrollment(ctx, enr, false))
		now := time.Now()
		enr, err := store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(lease))
		require.NoError(t, err)

		wake := newWake(enr, now.Add(-time.Second))
		enr.Status = types.EnrollmentWaiting
		enr.PendingWakeID = wake.ID
		enr.LeaseOwner, enr.LeaseExpiresAt = "", 0
		assert.ErrorIs(t, store.SuspendEnrollment(ctx, enr, wake, "intruder"), ErrLeaseLost)
		require.NoError(t, store.SuspendEnrollment(ctx, enr, wake, "w1"))

		stored, err := store.GetEnrollment(ctx, enr.ID)
		require.NoError(t, err)
		assert.Equal(t, types.EnrollmentWaiting, stored.Status)
		assert.Equal(t, wake.ID, stored.PendingWakeID)

		_, err = store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(lease))
		require.NoError(t, err)
		assert.ErrorIs(t, store.SuspendEnrollment(ctx, enr, newWake(enr, now), "w1"), ErrWakePending)

		claimed, err := store.ClaimDueWakes(ctx, "s1", now, now.Add(lease), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, wake.ID, claimed[0].ID)
		assert.Equal(t, types.WakeClaimed, claimed[0].Status)

		none, err := store.ClaimDueWakes(ctx, "s2", now, now.Add(lease), 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		assert.ErrorIs(t, store.CompleteWake(ctx, wake.ID, "s2"), ErrLeaseLost)
		require.NoError(t, store.CompleteWake(ctx, wake.ID, "s1"))
		done, err := store.GetWake(ctx, wake.ID)
		require.NoError(t, err)
		assert.Equal(t, types.WakeDone, done.Status)
		assert.Empty(t, done.ClaimOwner)
		assert.ErrorIs(t, store.CompleteWake(ctx, nextID(), "s1"), ErrWakeNotFound)
	})

	t.Run("WakeRetryAndDeadLetter", func(t *testing.T) {
		store := open(t)
		enr := newEnrollment(nextID(), "c-5")
		require.NoError(t, store.CreateEnrollment(ctx, enr, false))
		now := time.Now()
		enr, err := store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(lease))
		require.NoError(t, err)
		wake := newWake(enr, now)
		require.NoError(t, store.SuspendEnrollment(ctx, enr, wake, "w1"))

		claimed, err := store.ClaimDueWakes(ctx, "s1", now, now.Add(lease), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, store.RetryWake(ctx, wake.ID, "s1", now.Add(time.Minute), "boom"))

		retried, err := store.GetWake(ctx, wake.ID)
		require.NoError(t, err)
		assert.Equal(t, types.WakePending, retried.Status)
		assert.Equal(t, 1, retried.Attempts)
		assert.Equal(t, "boom", retried.LastError)

		early, err := store.ClaimDueWakes(ctx, "s1", now, now.Add(lease), 10)
		require.NoError(t, err)
		assert.Empty(t, early)

		later := now.Add(2 * time.Minute)
		claimed, err = store.ClaimDueWakes(ctx, "s1", later, later.Add(lease), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, store.DeadLetterWake(ctx, wake.ID, "s1", "boom again"))

		dead, err := store.ListWakes(ctx, WakeFilter{EnrollmentID: enr.ID, Status: types.WakeDeadLetter})
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, 2, dead[0].Attempts)
	})

	t.Run("ReplayDeadLetteredWake", func(t *testing.T) {
		store := open(t)
		enr := newEnrollment(nextID(), "c-9")
		require.NoError(t, store.CreateEnrollment(ctx, enr, true))
		now := time.Now()
		enr, err := store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(lease))
		require.NoError(t, err)
		wake := newWake(enr, now)
		enr.Status = types.EnrollmentWaiting
		enr.PendingWakeID = wake.ID
		enr.LeaseOwner, enr.LeaseExpiresAt = "", 0
		require.NoError(t, store.SuspendEnrollment(ctx, enr, wake, "w1"))

		_, _, err = store.ReplayWake(ctx, wake.ID, now)
		assert.ErrorIs(t, err, ErrNotReplayable)
		_, _, err = store.ReplayWake(ctx, nextID(), now)
		assert.ErrorIs(t, err, ErrWakeNotFound)

		claimed, err := store.ClaimDueWakes(ctx, "s1", now, now.Add(lease), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, store.DeadLetterWake(ctx, wake.ID, "s1", "smtp down"))

		failed, err := store.ClaimEnrollment(ctx, enr.ID, "w2", now, now.Add(lease))
		require.NoError(t, err)
		failed.Status = types.EnrollmentFailed
		failed.ExitReason = "wake dead-lettered: smtp down"
		failed.CompletedAt = now.UnixMilli()
		failed.LeaseOwner, failed.LeaseExpiresAt = "", 0
		require.NoError(t, store.UpdateEnrollment(ctx, failed, "w2"))

		other := newEnrollment(enr.DefinitionID, "c-9")
		require.NoError(t, store.CreateEnrollment(ctx, other, true))
		_, _, err = store.ReplayWake(ctx, wake.ID, now)
		assert.ErrorIs(t, err, ErrAlreadyEnrolled)

		other, err = store.ClaimEnrollment(ctx, other.ID, "w3", now, now.Add(lease))
		require.NoError(t, err)
		other.Status = types.EnrollmentCompleted
		other.LeaseOwner, other.LeaseExpiresAt = "", 0
		require.NoError(t, store.UpdateEnrollment(ctx, other, "w3"))

		later := now.Add(time.Minute)
		rearmed, reopened, err := store.ReplayWake(ctx, wake.ID, later)
		require.NoError(t, err)
		assert.Equal(t, types.WakePending, rearmed.Status)
		assert.Zero(t, rearmed.Attempts)
		assert.Empty(t, rearmed.LastError)
		assert.Equal(t, later.UnixMilli(), rearmed.DueAt)
		assert.Equal(t, types.EnrollmentWaiting, reopened.Status)
		assert.Equal(t, wake.ID, reopened.PendingWakeID)
		assert.Empty(t, reopened.ExitReason)
		assert.Zero(t, reopened.CompletedAt)

		stored, err := store.GetEnrollment(ctx, enr.ID)
		require.NoError(t, err)
		assert.Equal(t, reopened, stored)
		assert.ErrorIs(t, store.CreateEnrollment(ctx, newEnrollment(enr.DefinitionID, "c-9"), true), ErrAlreadyEnrolled)

		claimed, err = store.ClaimDueWakes(ctx, "s1", later, later.Add(lease), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, wake.ID, claimed[0].ID)
	})

	t.Run("ExpiredWakeClaimIsReclaimed", func(t *testing.T) {
		store := open(t)
		enr := newEnrollment(nextID(), "c-6")
		require.NoError(t, store.CreateEnrollment(ctx, enr, false))
		now := time.Now()
		enr, err := store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(lease))
		require.NoError(t, err)
		wake := newWake(enr, now)
		require.NoError(t, store.SuspendEnrollment(ctx, enr, wake, "w1"))

		_, err = store.ClaimDueWakes(ctx, "crashed", now, now.Add(time.Second), 10)
		require.NoError(t, err)
		later := now.Add(time.Minute)
		reclaimed, err := store.ClaimDueWakes(ctx, "s2", later, later.Add(lease), 10)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, "s2", reclaimed[0].ClaimOwner)
		assert.ErrorIs(t, store.CompleteWake(ctx, wake.ID, "crashed"), ErrLeaseLost)
		require.NoError(t, store.ReleaseWake(ctx, wake.ID, "s2"))
	})

	t.Run("ConcurrentWakeClaims", func(t *testing.T) {
		store := open(t)
		enr := newEnrollment(nextID(), "c-7")
		require.NoError(t, store.CreateEnrollment(ctx, enr, false))
		now := time.Now()
		enr, err := store.ClaimEnrollment(ctx, enr.ID, "w1", now, now.Add(lease))
		require.NoError(t, err)
		wake := newWake(enr, now)
		require.NoError(t, store.SuspendEnrollment(ctx, enr, wake, "w1"))

		var wg sync.WaitGroup
		var mu sync.Mutex
		owners := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claimed, err := store.ClaimDueWakes(ctx, "s"+string(rune('a'+i)), now, now.Add(lease), 10)
				assert.NoError(t, err)
				for _, w := range claimed {
					if w.ID == wake.ID {
						mu.Lock()
						owners++
						mu.Unlock()
					}
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, owners)
	})

	t.Run("StepLogs", func(t *testing.T) {
		store := open(t)
		enr := newEnrollment(nextID(), "c-8")
		require.NoError(t, store.CreateEnrollment(ctx, enr, false))

		first := types.StepExecutionLog{
			ID: nextID(), EnrollmentID: enr.ID, StepID: "send", StepType: types.StepSendMessage,
			Attempt: 1, Status: types.LogRunning, Input: map[string]interface{}{"body": "hi"},
			IdempotencyKey: "k-1", StartedAt: time.Now().UnixMilli(),
		}
		second := first
		second.ID = nextID()
		second.StepID = "end"
		second.StepType = types.StepTerminal
		second.Status = types.LogCompleted
		second.Input = nil

		require.NoError(t, store.AppendStepLog(ctx, first))
		require.NoError(t, store.AppendStepLog(ctx, second))

		finished := first
		finished.Status = types.LogCompleted
		finished.Output = map[string]interface{}{"message_id": "m-1"}
		finished.FinishedAt = time.Now().UnixMilli()
		require.NoError(t, store.FinishStepLog(ctx, finished))
		assert.ErrorIs(t, store.FinishStepLog(ctx, finished), ErrLogImmutable)
		assert.ErrorIs(t, store.FinishStepLog(ctx, types.StepExecutionLog{ID: nextID(), EnrollmentID: enr.ID}), ErrLogNotFound)

		logs, err := store.ListStepLogs(ctx, enr.ID)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, finished, logs[0])
		assert.Equal(t, "end", logs[1].StepID)

		empty, err := store.ListStepLogs(ctx, nextID())
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

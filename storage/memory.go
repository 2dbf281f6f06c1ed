package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Records are copied on the way in and out so callers never share maps with the store.
type MemoryStorage struct {
	definitions map[uint64]map[int]types.WorkflowDefinition
	enrollments map[uint64]types.Enrollment
	wakes       map[uint64]types.ScheduledWake
	logs        map[uint64][]types.StepExecutionLog
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]map[int]types.WorkflowDefinition),
		enrollments: make(map[uint64]types.Enrollment),
		wakes:       make(map[uint64]types.ScheduledWake),
		logs:        make(map[uint64][]types.StepExecutionLog),
	}
}

// clone deep-copies a record through its JSON form, which is also how the
// durable backends store it.
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("storage: clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("storage: clone %T: %v", v, err))
	}
	return out
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return clone(item), nil
	})
}

func run(ctx context.Context, fn func() error) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func latestVersion(versions map[int]types.WorkflowDefinition) (types.WorkflowDefinition, bool) {
	best, found := -1, false
	for v := range versions {
		if v > best {
			best, found = v, true
		}
	}
	if !found {
		return types.WorkflowDefinition{}, false
	}
	return versions[best], true
}

// SaveDefinition saves a definition version to memory. Only the draft is overwritten.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		versions, ok := s.definitions[def.ID]
		if !ok {
			versions = make(map[int]types.WorkflowDefinition)
			s.definitions[def.ID] = versions
		}
		if _, exists := versions[def.Version]; exists && def.Version > 0 {
			return fmt.Errorf("%w: id=%d version=%d", ErrVersionExists, def.ID, def.Version)
		}
		versions[def.Version] = clone(def)
		return nil
	})
}

// GetDefinition retrieves the latest version of a definition.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		def, ok := latestVersion(s.definitions[id])
		if !ok {
			return def, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
		}
		return clone(def), nil
	})
}

// GetDefinitionVersion retrieves one version of a definition.
func (s *MemoryStorage) GetDefinitionVersion(ctx context.Context, id uint64, version int) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		def, ok := s.definitions[id][version]
		if !ok {
			return def, fmt.Errorf("%w: id=%d version=%d", ErrDefinitionNotFound, id, version)
		}
		return clone(def), nil
	})
}

// ListDefinitions lists the latest version of every matching definition, ordered by id.
func (s *MemoryStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowDefinition
		for _, versions := range s.definitions {
			def, ok := latestVersion(versions)
			if !ok {
				continue
			}
			if filter.Status != "" && def.Status != filter.Status {
				continue
			}
			if filter.TriggerType != "" && def.Trigger.Type != filter.TriggerType {
				continue
			}
			out = append(out, clone(def))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SetDefinitionStatus updates the status of the latest version.
func (s *MemoryStorage) SetDefinitionStatus(ctx context.Context, id uint64, status types.DefinitionStatus) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		def, ok := latestVersion(s.definitions[id])
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
		}
		def.Status = status
		def.UpdatedAt = millis(time.Now())
		s.definitions[id][def.Version] = def
		return nil
	})
}

// CreateEnrollment stores a new enrollment.
func (s *MemoryStorage) CreateEnrollment(ctx context.Context, enr types.Enrollment, allowReentry bool) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, existing := range s.enrollments {
			if existing.DefinitionID != enr.DefinitionID || existing.ContactID != enr.ContactID {
				continue
			}
			if existing.Status.Open() {
				return fmt.Errorf("%w: definition=%d contact=%s", ErrAlreadyEnrolled, enr.DefinitionID, enr.ContactID)
			}
			if !allowReentry {
				return fmt.Errorf("%w: definition=%d contact=%s", ErrReentryNotAllowed, enr.DefinitionID, enr.ContactID)
			}
		}
		s.enrollments[enr.ID] = clone(enr)
		return nil
	})
}

// GetEnrollment retrieves an enrollment from memory.
func (s *MemoryStorage) GetEnrollment(ctx context.Context, id uint64) (types.Enrollment, error) {
	return getItem(ctx, &s.mu, s.enrollments, id, ErrEnrollmentNotFound)
}

// UpdateEnrollment saves an enrollment owned by owner.
func (s *MemoryStorage) UpdateEnrollment(ctx context.Context, enr types.Enrollment, owner string) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.enrollments[enr.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrEnrollmentNotFound, enr.ID)
		}
		if stored.LeaseOwner != owner {
			return fmt.Errorf("%w: enrollment=%d owner=%s", ErrLeaseLost, enr.ID, owner)
		}
		s.enrollments[enr.ID] = clone(enr)
		return nil
	})
}

// ClaimEnrollment leases an enrollment to owner.
func (s *MemoryStorage) ClaimEnrollment(ctx context.Context, id uint64, owner string, now, until time.Time) (types.Enrollment, error) {
	return withContext(ctx, func() (types.Enrollment, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		enr, ok := s.enrollments[id]
		if !ok {
			return enr, fmt.Errorf("%w: id=%d", ErrEnrollmentNotFound, id)
		}
		if !leaseFree(enr.LeaseOwner, enr.LeaseExpiresAt, owner, now) {
			return types.Enrollment{}, fmt.Errorf("%w: enrollment=%d", ErrLeaseHeld, id)
		}
		enr.LeaseOwner = owner
		enr.LeaseExpiresAt = millis(until)
		s.enrollments[id] = enr
		return clone(enr), nil
	})
}

// ClaimStaleEnrollments leases active enrollments with a free or expired lease.
func (s *MemoryStorage) ClaimStaleEnrollments(ctx context.Context, owner string, now, until time.Time, limit int) ([]types.Enrollment, error) {
	return withContext(ctx, func() ([]types.Enrollment, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var candidates []types.Enrollment
		for _, enr := range s.enrollments {
			if enr.Status == types.EnrollmentActive && (enr.LeaseOwner == "" || enr.LeaseExpiresAt <= millis(now)) {
				candidates = append(candidates, enr)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt < candidates[j].UpdatedAt })
		if limit > 0 && len(candidates) > limit {
			candidates = candidates[:limit]
		}
		out := make([]types.Enrollment, 0, len(candidates))
		for _, enr := range candidates {
			enr.LeaseOwner = owner
			enr.LeaseExpiresAt = millis(until)
			s.enrollments[enr.ID] = enr
			out = append(out, clone(enr))
		}
		return out, nil
	})
}

// SuspendEnrollment stores the waiting enrollment and its pending wake together.
func (s *MemoryStorage) SuspendEnrollment(ctx context.Context, enr types.Enrollment, wake types.ScheduledWake, owner string) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.enrollments[enr.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrEnrollmentNotFound, enr.ID)
		}
		if stored.LeaseOwner != owner {
			return fmt.Errorf("%w: enrollment=%d owner=%s", ErrLeaseLost, enr.ID, owner)
		}
		for _, w := range s.wakes {
			if w.EnrollmentID == enr.ID && w.Status == types.WakePending {
				return fmt.Errorf("%w: enrollment=%d wake=%d", ErrWakePending, enr.ID, w.ID)
			}
		}
		s.wakes[wake.ID] = wake
		s.enrollments[enr.ID] = clone(enr)
		return nil
	})
}

// ListEnrollments lists matching enrollments ordered by id.
func (s *MemoryStorage) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]types.Enrollment, error) {
	return withContext(ctx, func() ([]types.Enrollment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Enrollment
		for _, enr := range s.enrollments {
			if filter.DefinitionID != 0 && enr.DefinitionID != filter.DefinitionID {
				continue
			}
			if filter.ContactID != "" && enr.ContactID != filter.ContactID {
				continue
			}
			if !statusIn(enr.Status, filter.Statuses) {
				continue
			}
			out = append(out, enr)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
		for i := range out {
			out[i] = clone(out[i])
		}
		return out, nil
	})
}

// ClaimDueWakes leases due pending wakes and wakes whose claim expired.
func (s *MemoryStorage) ClaimDueWakes(ctx context.Context, owner string, now, until time.Time, limit int) ([]types.ScheduledWake, error) {
	return withContext(ctx, func() ([]types.ScheduledWake, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		nowMs := millis(now)
		var due []types.ScheduledWake
		for _, w := range s.wakes {
			if (w.Status == types.WakePending && w.DueAt <= nowMs) ||
				(w.Status == types.WakeClaimed && w.LeaseExpiresAt <= nowMs) {
				due = append(due, w)
			}
		}
		sort.Slice(due, func(i, j int) bool { return due[i].DueAt < due[j].DueAt })
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		for i := range due {
			due[i].Status = types.WakeClaimed
			due[i].ClaimOwner = owner
			due[i].LeaseExpiresAt = millis(until)
			due[i].UpdatedAt = nowMs
			s.wakes[due[i].ID] = due[i]
		}
		return due, nil
	})
}

// updateClaimed applies fn to a wake claimed by owner.
func (s *MemoryStorage) updateClaimed(ctx context.Context, id uint64, owner string, fn func(w *types.ScheduledWake)) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		w, ok := s.wakes[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrWakeNotFound, id)
		}
		if w.Status != types.WakeClaimed || w.ClaimOwner != owner {
			return fmt.Errorf("%w: wake=%d owner=%s", ErrLeaseLost, id, owner)
		}
		fn(&w)
		w.UpdatedAt = millis(time.Now())
		s.wakes[id] = w
		return nil
	})
}

// CompleteWake marks a claimed wake done.
func (s *MemoryStorage) CompleteWake(ctx context.Context, id uint64, owner string) error {
	return s.updateClaimed(ctx, id, owner, func(w *types.ScheduledWake) {
		w.Status = types.WakeDone
		w.ClaimOwner, w.LeaseExpiresAt = "", 0
	})
}

// ReleaseWake returns a claimed wake to pending.
func (s *MemoryStorage) ReleaseWake(ctx context.Context, id uint64, owner string) error {
	return s.updateClaimed(ctx, id, owner, func(w *types.ScheduledWake) {
		w.Status = types.WakePending
		w.ClaimOwner, w.LeaseExpiresAt = "", 0
	})
}

// RetryWake reschedules a claimed wake after a failed attempt.
func (s *MemoryStorage) RetryWake(ctx context.Context, id uint64, owner string, dueAt time.Time, lastErr string) error {
	return s.updateClaimed(ctx, id, owner, func(w *types.ScheduledWake) {
		w.Status = types.WakePending
		w.Attempts++
		w.DueAt = millis(dueAt)
		w.LastError = lastErr
		w.ClaimOwner, w.LeaseExpiresAt = "", 0
	})
}

// DeadLetterWake parks a claimed wake after its final failed attempt.
func (s *MemoryStorage) DeadLetterWake(ctx context.Context, id uint64, owner string, lastErr string) error {
	return s.updateClaimed(ctx, id, owner, func(w *types.ScheduledWake) {
		w.Status = types.WakeDeadLetter
		w.Attempts++
		w.LastError = lastErr
		w.ClaimOwner, w.LeaseExpiresAt = "", 0
	})
}

// ReplayWake rearms a dead-lettered wake and reopens its enrollment.
func (s *MemoryStorage) ReplayWake(ctx context.Context, id uint64, now time.Time) (types.ScheduledWake, types.Enrollment, error) {
	var enr types.Enrollment
	wake, err := withContext(ctx, func() (types.ScheduledWake, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w, ok := s.wakes[id]
		if !ok {
			return w, fmt.Errorf("%w: id=%d", ErrWakeNotFound, id)
		}
		stored, ok := s.enrollments[w.EnrollmentID]
		if !ok {
			return w, fmt.Errorf("%w: id=%d", ErrEnrollmentNotFound, w.EnrollmentID)
		}
		if err := replayable(w, stored, now); err != nil {
			return w, err
		}
		for _, other := range s.enrollments {
			if other.ID != stored.ID && other.DefinitionID == stored.DefinitionID &&
				other.ContactID == stored.ContactID && other.Status.Open() {
				return w, fmt.Errorf("%w: definition=%d contact=%s", ErrAlreadyEnrolled, stored.DefinitionID, stored.ContactID)
			}
		}
		rearm(&w, &stored, now)
		s.wakes[id] = w
		s.enrollments[stored.ID] = clone(stored)
		enr = clone(stored)
		return w, nil
	})
	return wake, enr, err
}

// GetWake retrieves a wake from memory.
func (s *MemoryStorage) GetWake(ctx context.Context, id uint64) (types.ScheduledWake, error) {
	return getItem(ctx, &s.mu, s.wakes, id, ErrWakeNotFound)
}

// ListWakes lists matching wakes ordered by due time.
func (s *MemoryStorage) ListWakes(ctx context.Context, filter WakeFilter) ([]types.ScheduledWake, error) {
	return withContext(ctx, func() ([]types.ScheduledWake, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ScheduledWake
		for _, w := range s.wakes {
			if filter.EnrollmentID != 0 && w.EnrollmentID != filter.EnrollmentID {
				continue
			}
			if filter.Status != "" && w.Status != filter.Status {
				continue
			}
			out = append(out, w)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].DueAt == out[j].DueAt {
				return out[i].ID < out[j].ID
			}
			return out[i].DueAt < out[j].DueAt
		})
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
		return out, nil
	})
}

// AppendStepLog appends a log entry for its enrollment.
func (s *MemoryStorage) AppendStepLog(ctx context.Context, log types.StepExecutionLog) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.logs[log.EnrollmentID] = append(s.logs[log.EnrollmentID], clone(log))
		return nil
	})
}

// FinishStepLog replaces a log entry that has not reached a final status.
func (s *MemoryStorage) FinishStepLog(ctx context.Context, log types.StepExecutionLog) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.logs[log.EnrollmentID]
		for i := range entries {
			if entries[i].ID != log.ID {
				continue
			}
			if entries[i].Status.Final() {
				return fmt.Errorf("%w: id=%d", ErrLogImmutable, log.ID)
			}
			entries[i] = clone(log)
			return nil
		}
		return fmt.Errorf("%w: id=%d", ErrLogNotFound, log.ID)
	})
}

// ListStepLogs returns an enrollment's log entries in the order they were appended.
func (s *MemoryStorage) ListStepLogs(ctx context.Context, enrollmentID uint64) ([]types.StepExecutionLog, error) {
	return withContext(ctx, func() ([]types.StepExecutionLog, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		entries := s.logs[enrollmentID]
		out := make([]types.StepExecutionLog, len(entries))
		for i, entry := range entries {
			out[i] = clone(entry)
		}
		return out, nil
	})
}

// ClearFinished drops enrollments in a closed status along with their logs and wakes.
func (s *MemoryStorage) ClearFinished(ctx context.Context) error {
	return run(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, enr := range s.enrollments {
			if enr.Status.Open() {
				continue
			}
			delete(s.enrollments, id)
			delete(s.logs, id)
			for wid, w := range s.wakes {
				if w.EnrollmentID == id {
					delete(s.wakes, wid)
				}
			}
		}
		return nil
	})
}

// Close implements Storage.
func (s *MemoryStorage) Close() error { return nil }

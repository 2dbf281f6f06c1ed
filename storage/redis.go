package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

const defaultKeyPrefix = "workflow:"

// watchRetries bounds optimistic transaction retries on key contention.
const watchRetries = 16

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Multi-key invariants are kept with WATCH/MULTI transactions.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}, nil
}

func idString(id uint64) string { return strconv.FormatUint(id, 10) }

func (s *RedisStorage) key(parts ...interface{}) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += fmt.Sprint(p)
	}
	return k
}

func (s *RedisStorage) definitionKey(id uint64, version int) string {
	return s.key("def", idString(id), "v", version)
}
func (s *RedisStorage) versionsKey(id uint64) string { return s.key("def", idString(id), "versions") }
func (s *RedisStorage) enrollmentKey(id uint64) string { return s.key("enr", idString(id)) }
func (s *RedisStorage) openKey(def uint64, contact string) string {
	return s.key("enr", "open", idString(def), contact)
}
func (s *RedisStorage) pairKey(def uint64, contact string) string {
	return s.key("enr", "seen", idString(def), contact)
}
func (s *RedisStorage) contactKey(contact string) string { return s.key("enr", "contact", contact) }
func (s *RedisStorage) wakeKey(id uint64) string         { return s.key("wake", idString(id)) }
func (s *RedisStorage) pendingWakeKey(enr uint64) string { return s.key("wake", "open", idString(enr)) }
func (s *RedisStorage) enrollmentWakesKey(enr uint64) string {
	return s.key("wakes", "enr", idString(enr))
}
func (s *RedisStorage) logKey(id uint64) string   { return s.key("log", idString(id)) }
func (s *RedisStorage) logsKey(enr uint64) string { return s.key("logs", idString(enr)) }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON retrieves and unmarshals a value stored under key.
func getJSON[T any](ctx context.Context, c getter, key string, errNotFound error) (T, error) {
	var zero T
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
	} else if err != nil {
		return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}
	return result, nil
}

func mustJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %v", v, err)
	}
	return data, nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key changed.
func (s *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < watchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %v kept conflicting", keys)
}

// SaveDefinition stores a definition version and indexes it. Published
// versions are written once, checked under WATCH.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	data, err := mustJSON(def)
	if err != nil {
		return err
	}
	key := s.definitionKey(def.ID, def.Version)
	write := func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.ZAdd(ctx, s.versionsKey(def.ID), &redis.Z{Score: float64(def.Version), Member: def.Version})
		pipe.SAdd(ctx, s.key("defs"), idString(def.ID))
		return nil
	}
	if def.Version == 0 {
		_, err = s.client.TxPipelined(ctx, write)
		return err
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: id=%d version=%d", ErrVersionExists, def.ID, def.Version)
		}
		_, err = tx.TxPipelined(ctx, write)
		return err
	}, key)
}

func (s *RedisStorage) latestVersion(ctx context.Context, c interface {
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}, id uint64) (int, error) {
	versions, err := c.ZRevRange(ctx, s.versionsKey(id), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
	}
	return strconv.Atoi(versions[0])
}

// GetDefinition retrieves the latest version of a definition.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	version, err := s.latestVersion(ctx, s.client, id)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	return s.GetDefinitionVersion(ctx, id, version)
}

// GetDefinitionVersion retrieves one version of a definition.
func (s *RedisStorage) GetDefinitionVersion(ctx context.Context, id uint64, version int) (types.WorkflowDefinition, error) {
	return getJSON[types.WorkflowDefinition](ctx, s.client, s.definitionKey(id, version), ErrDefinitionNotFound)
}

// ListDefinitions lists the latest version of every matching definition.
func (s *RedisStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]types.WorkflowDefinition, error) {
	ids, err := s.client.SMembers(ctx, s.key("defs")).Result()
	if err != nil {
		return nil, err
	}
	var out []types.WorkflowDefinition
	for _, raw := range ids {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		def, err := s.GetDefinition(ctx, id)
		if errors.Is(err, ErrDefinitionNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if filter.Status != "" && def.Status != filter.Status {
			continue
		}
		if filter.TriggerType != "" && def.Trigger.Type != filter.TriggerType {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetDefinitionStatus updates the status of the latest version.
func (s *RedisStorage) SetDefinitionStatus(ctx context.Context, id uint64, status types.DefinitionStatus) error {
	version, err := s.latestVersion(ctx, s.client, id)
	if err != nil {
		return err
	}
	key := s.definitionKey(id, version)
	return s.watch(ctx, func(tx *redis.Tx) error {
		def, err := getJSON[types.WorkflowDefinition](ctx, tx, key, ErrDefinitionNotFound)
		if err != nil {
			return err
		}
		def.Status = status
		def.UpdatedAt = millis(time.Now())
		data, err := mustJSON(def)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

// releaseOpenSlot frees the open slot only while it still names the given enrollment.
var releaseOpenSlot = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// writeEnrollment queues the enrollment document and keeps the open and active indexes in step.
func (s *RedisStorage) writeEnrollment(ctx context.Context, pipe redis.Pipeliner, enr types.Enrollment) error {
	data, err := mustJSON(enr)
	if err != nil {
		return err
	}
	id := idString(enr.ID)
	pipe.Set(ctx, s.enrollmentKey(enr.ID), data, 0)
	if !enr.Status.Open() {
		releaseOpenSlot.Eval(ctx, pipe, []string{s.openKey(enr.DefinitionID, enr.ContactID)}, id)
	}
	if enr.Status == types.EnrollmentActive {
		pipe.SAdd(ctx, s.key("enrs", "active"), id)
	} else {
		pipe.SRem(ctx, s.key("enrs", "active"), id)
	}
	return nil
}

// CreateEnrollment stores a new enrollment, guarding the open slot with SETNX semantics under WATCH.
func (s *RedisStorage) CreateEnrollment(ctx context.Context, enr types.Enrollment, allowReentry bool) error {
	openKey := s.openKey(enr.DefinitionID, enr.ContactID)
	pairKey := s.pairKey(enr.DefinitionID, enr.ContactID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		open, err := tx.Exists(ctx, openKey).Result()
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: definition=%d contact=%s", ErrAlreadyEnrolled, enr.DefinitionID, enr.ContactID)
		}
		seen, err := tx.SCard(ctx, pairKey).Result()
		if err != nil {
			return err
		}
		if seen > 0 && !allowReentry {
			return fmt.Errorf("%w: definition=%d contact=%s", ErrReentryNotAllowed, enr.DefinitionID, enr.ContactID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			id := idString(enr.ID)
			if err := s.writeEnrollment(ctx, pipe, enr); err != nil {
				return err
			}
			if enr.Status.Open() {
				pipe.Set(ctx, openKey, id, 0)
			}
			pipe.SAdd(ctx, pairKey, id)
			pipe.SAdd(ctx, s.contactKey(enr.ContactID), id)
			pipe.SAdd(ctx, s.key("enrs"), id)
			return nil
		})
		return err
	}, openKey, pairKey)
}

// GetEnrollment retrieves an enrollment.
func (s *RedisStorage) GetEnrollment(ctx context.Context, id uint64) (types.Enrollment, error) {
	return getJSON[types.Enrollment](ctx, s.client, s.enrollmentKey(id), ErrEnrollmentNotFound)
}

// UpdateEnrollment saves an enrollment owned by owner.
func (s *RedisStorage) UpdateEnrollment(ctx context.Context, enr types.Enrollment, owner string) error {
	key := s.enrollmentKey(enr.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		stored, err := getJSON[types.Enrollment](ctx, tx, key, ErrEnrollmentNotFound)
		if err != nil {
			return err
		}
		if stored.LeaseOwner != owner {
			return fmt.Errorf("%w: enrollment=%d owner=%s", ErrLeaseLost, enr.ID, owner)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeEnrollment(ctx, pipe, enr)
		})
		return err
	}, key)
}

// claimEnrollment leases one enrollment when allowed reports true for its stored state.
func (s *RedisStorage) claimEnrollment(ctx context.Context, id uint64, owner string, until time.Time,
	allowed func(types.Enrollment) error) (types.Enrollment, error) {
	key := s.enrollmentKey(id)
	var claimed types.Enrollment
	err := s.watch(ctx, func(tx *redis.Tx) error {
		enr, err := getJSON[types.Enrollment](ctx, tx, key, ErrEnrollmentNotFound)
		if err != nil {
			return err
		}
		if err := allowed(enr); err != nil {
			return err
		}
		enr.LeaseOwner = owner
		enr.LeaseExpiresAt = millis(until)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeEnrollment(ctx, pipe, enr)
		})
		claimed = enr
		return err
	}, key)
	return claimed, err
}

// ClaimEnrollment leases an enrollment to owner.
func (s *RedisStorage) ClaimEnrollment(ctx context.Context, id uint64, owner string, now, until time.Time) (types.Enrollment, error) {
	return s.claimEnrollment(ctx, id, owner, until, func(enr types.Enrollment) error {
		if !leaseFree(enr.LeaseOwner, enr.LeaseExpiresAt, owner, now) {
			return fmt.Errorf("%w: enrollment=%d", ErrLeaseHeld, id)
		}
		return nil
	})
}

var errNotClaimable = errors.New("not claimable")

// ClaimStaleEnrollments leases active enrollments with a free or expired lease.
func (s *RedisStorage) ClaimStaleEnrollments(ctx context.Context, owner string, now, until time.Time, limit int) ([]types.Enrollment, error) {
	ids, err := s.client.SMembers(ctx, s.key("enrs", "active")).Result()
	if err != nil {
		return nil, err
	}
	var out []types.Enrollment
	for _, raw := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		enr, err := s.claimEnrollment(ctx, id, owner, until, func(enr types.Enrollment) error {
			if enr.Status != types.EnrollmentActive || (enr.LeaseOwner != "" && enr.LeaseExpiresAt > millis(now)) {
				return errNotClaimable
			}
			return nil
		})
		if errors.Is(err, errNotClaimable) || errors.Is(err, ErrEnrollmentNotFound) {
			continue
		} else if err != nil {
			return out, err
		}
		out = append(out, enr)
	}
	return out, nil
}

// SuspendEnrollment stores the waiting enrollment and its pending wake in one transaction.
func (s *RedisStorage) SuspendEnrollment(ctx context.Context, enr types.Enrollment, wake types.ScheduledWake, owner string) error {
	key := s.enrollmentKey(enr.ID)
	pendingKey := s.pendingWakeKey(enr.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		stored, err := getJSON[types.Enrollment](ctx, tx, key, ErrEnrollmentNotFound)
		if err != nil {
			return err
		}
		if stored.LeaseOwner != owner {
			return fmt.Errorf("%w: enrollment=%d owner=%s", ErrLeaseLost, enr.ID, owner)
		}
		pending, err := tx.Get(ctx, pendingKey).Result()
		if err == nil {
			return fmt.Errorf("%w: enrollment=%d wake=%s", ErrWakePending, enr.ID, pending)
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		data, err := mustJSON(wake)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.writeEnrollment(ctx, pipe, enr); err != nil {
				return err
			}
			id := idString(wake.ID)
			pipe.Set(ctx, s.wakeKey(wake.ID), data, 0)
			pipe.Set(ctx, pendingKey, id, 0)
			pipe.ZAdd(ctx, s.key("wakes", "pending"), &redis.Z{Score: float64(wake.DueAt), Member: id})
			pipe.SAdd(ctx, s.enrollmentWakesKey(enr.ID), id)
			pipe.SAdd(ctx, s.key("wakes"), id)
			return nil
		})
		return err
	}, key, pendingKey)
}

func parseIDs(raw []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseUint(r, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListEnrollments lists matching enrollments ordered by id.
func (s *RedisStorage) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]types.Enrollment, error) {
	set := s.key("enrs")
	if filter.ContactID != "" {
		set = s.contactKey(filter.ContactID)
	}
	raw, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(raw)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []types.Enrollment
	for _, id := range ids {
		enr, err := s.GetEnrollment(ctx, id)
		if errors.Is(err, ErrEnrollmentNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if filter.DefinitionID != 0 && enr.DefinitionID != filter.DefinitionID {
			continue
		}
		if !statusIn(enr.Status, filter.Statuses) {
			continue
		}
		out = append(out, enr)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ClaimDueWakes leases due pending wakes and wakes whose claim expired.
func (s *RedisStorage) ClaimDueWakes(ctx context.Context, owner string, now, until time.Time, limit int) ([]types.ScheduledWake, error) {
	nowMs := millis(now)
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(nowMs, 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	pending, err := s.client.ZRangeByScore(ctx, s.key("wakes", "pending"), by).Result()
	if err != nil {
		return nil, err
	}
	expired, err := s.client.ZRangeByScore(ctx, s.key("wakes", "claimed"), by).Result()
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(append(pending, expired...))
	if err != nil {
		return nil, err
	}

	var out []types.ScheduledWake
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		key := s.wakeKey(id)
		var claimed types.ScheduledWake
		err := s.watch(ctx, func(tx *redis.Tx) error {
			w, err := getJSON[types.ScheduledWake](ctx, tx, key, ErrWakeNotFound)
			if err != nil {
				return err
			}
			if !((w.Status == types.WakePending && w.DueAt <= nowMs) ||
				(w.Status == types.WakeClaimed && w.LeaseExpiresAt <= nowMs)) {
				return errNotClaimable
			}
			w.Status = types.WakeClaimed
			w.ClaimOwner = owner
			w.LeaseExpiresAt = millis(until)
			w.UpdatedAt = nowMs
			data, err := mustJSON(w)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				member := idString(w.ID)
				pipe.Set(ctx, key, data, 0)
				pipe.ZRem(ctx, s.key("wakes", "pending"), member)
				pipe.ZAdd(ctx, s.key("wakes", "claimed"), &redis.Z{Score: float64(w.LeaseExpiresAt), Member: member})
				pipe.Del(ctx, s.pendingWakeKey(w.EnrollmentID))
				return nil
			})
			claimed = w
			return err
		}, key)
		if errors.Is(err, errNotClaimable) || errors.Is(err, ErrWakeNotFound) {
			continue
		} else if err != nil {
			return out, err
		}
		out = append(out, claimed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt < out[j].DueAt })
	return out, nil
}

// updateClaimed applies fn to a wake claimed by owner and reindexes it.
func (s *RedisStorage) updateClaimed(ctx context.Context, id uint64, owner string, fn func(w *types.ScheduledWake)) error {
	key := s.wakeKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		w, err := getJSON[types.ScheduledWake](ctx, tx, key, ErrWakeNotFound)
		if err != nil {
			return err
		}
		if w.Status != types.WakeClaimed || w.ClaimOwner != owner {
			return fmt.Errorf("%w: wake=%d owner=%s", ErrLeaseLost, id, owner)
		}
		fn(&w)
		w.ClaimOwner, w.LeaseExpiresAt = "", 0
		w.UpdatedAt = millis(time.Now())
		data, err := mustJSON(w)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			member := idString(id)
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, s.key("wakes", "claimed"), member)
			if w.Status == types.WakePending {
				pipe.ZAdd(ctx, s.key("wakes", "pending"), &redis.Z{Score: float64(w.DueAt), Member: member})
				pipe.Set(ctx, s.pendingWakeKey(w.EnrollmentID), member, 0)
			}
			return nil
		})
		return err
	}, key)
}

// CompleteWake marks a claimed wake done.
func (s *RedisStorage) CompleteWake(ctx context.Context, id uint64, owner string) error {
	return s.updateClaimed(ctx, id, owner, func(w *types.ScheduledWake) { w.Status = types.WakeDone })
}

// ReleaseWake returns a claimed wake to pending.
func (s *RedisStorage) ReleaseWake(ctx context.Context, id uint64, owner string) error {
	return s.updateClaimed(ctx, id, owner, func(w *types.ScheduledWake) { w.Status = types.WakePending })
}

// RetryWake reschedules a claimed wake after a failed attempt.
func (s *RedisStorage) RetryWake(ctx context.Context, id uint64, owner string, dueAt time.Time, lastErr string) error {
	return s.updateClaimed(ctx, id, owner, func(w *types.ScheduledWake) {
		w.Status = types.WakePending
		w.Attempts++
		w.DueAt = millis(dueAt)
		w.LastError = lastErr
	})
}

// DeadLetterWake parks a claimed wake after its final failed attempt.
func (s *RedisStorage) DeadLetterWake(ctx context.Context, id uint64, owner string, lastErr string) error {
	return s.updateClaimed(ctx, id, owner, func(w *types.ScheduledWake) {
		w.Status = types.WakeDeadLetter
		w.Attempts++
		w.LastError = lastErr
	})
}

// ReplayWake rearms a dead-lettered wake and reopens its enrollment, taking
// the open slot of the pair back under WATCH.
func (s *RedisStorage) ReplayWake(ctx context.Context, id uint64, now time.Time) (types.ScheduledWake, types.Enrollment, error) {
	wakeKey := s.wakeKey(id)
	parked, err := getJSON[types.ScheduledWake](ctx, s.client, wakeKey, ErrWakeNotFound)
	if err != nil {
		return parked, types.Enrollment{}, err
	}
	enrKey := s.enrollmentKey(parked.EnrollmentID)
	stored, err := getJSON[types.Enrollment](ctx, s.client, enrKey, ErrEnrollmentNotFound)
	if err != nil {
		return parked, stored, err
	}
	openKey := s.openKey(stored.DefinitionID, stored.ContactID)
	pendingKey := s.pendingWakeKey(stored.ID)

	var (
		wake types.ScheduledWake
		enr  types.Enrollment
	)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		w, err := getJSON[types.ScheduledWake](ctx, tx, wakeKey, ErrWakeNotFound)
		if err != nil {
			return err
		}
		e, err := getJSON[types.Enrollment](ctx, tx, enrKey, ErrEnrollmentNotFound)
		if err != nil {
			return err
		}
		if err := replayable(w, e, now); err != nil {
			return err
		}
		holder, err := tx.Get(ctx, openKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if holder != "" && holder != idString(e.ID) {
			return fmt.Errorf("%w: definition=%d contact=%s", ErrAlreadyEnrolled, e.DefinitionID, e.ContactID)
		}
		pending, err := tx.Get(ctx, pendingKey).Result()
		if err == nil {
			return fmt.Errorf("%w: enrollment=%d wake=%s", ErrWakePending, e.ID, pending)
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		rearm(&w, &e, now)
		data, err := mustJSON(w)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.writeEnrollment(ctx, pipe, e); err != nil {
				return err
			}
			member := idString(w.ID)
			pipe.Set(ctx, openKey, idString(e.ID), 0)
			pipe.Set(ctx, wakeKey, data, 0)
			pipe.Set(ctx, pendingKey, member, 0)
			pipe.ZAdd(ctx, s.key("wakes", "pending"), &redis.Z{Score: float64(w.DueAt), Member: member})
			return nil
		})
		wake, enr = w, e
		return err
	}, wakeKey, enrKey, openKey, pendingKey)
	if err != nil {
		return types.ScheduledWake{}, types.Enrollment{}, err
	}
	return wake, enr, nil
}

// GetWake retrieves a wake.
func (s *RedisStorage) GetWake(ctx context.Context, id uint64) (types.ScheduledWake, error) {
	return getJSON[types.ScheduledWake](ctx, s.client, s.wakeKey(id), ErrWakeNotFound)
}

// ListWakes lists matching wakes ordered by due time.
func (s *RedisStorage) ListWakes(ctx context.Context, filter WakeFilter) ([]types.ScheduledWake, error) {
	set := s.key("wakes")
	if filter.EnrollmentID != 0 {
		set = s.enrollmentWakesKey(filter.EnrollmentID)
	}
	raw, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(raw)
	if err != nil {
		return nil, err
	}
	var out []types.ScheduledWake
	for _, id := range ids {
		w, err := s.GetWake(ctx, id)
		if errors.Is(err, ErrWakeNotFound) {
			continue
		} else if err != nil {
			return nil, err
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
}

// AppendStepLog stores a log entry and appends it to its enrollment's list.
func (s *RedisStorage) AppendStepLog(ctx context.Context, log types.StepExecutionLog) error {
	data, err := mustJSON(log)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.logKey(log.ID), data, 0)
		pipe.RPush(ctx, s.logsKey(log.EnrollmentID), idString(log.ID))
		return nil
	})
	return err
}

// FinishStepLog replaces a log entry that has not reached a final status.
func (s *RedisStorage) FinishStepLog(ctx context.Context, log types.StepExecutionLog) error {
	key := s.logKey(log.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		stored, err := getJSON[types.StepExecutionLog](ctx, tx, key, ErrLogNotFound)
		if err != nil {
			return err
		}
		if stored.Status.Final() {
			return fmt.Errorf("%w: id=%d", ErrLogImmutable, log.ID)
		}
		data, err := mustJSON(log)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

// ListStepLogs returns an enrollment's log entries in the order they were appended.
func (s *RedisStorage) ListStepLogs(ctx context.Context, enrollmentID uint64) ([]types.StepExecutionLog, error) {
	raw, err := s.client.LRange(ctx, s.logsKey(enrollmentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.StepExecutionLog, 0, len(raw))
	if len(raw) == 0 {
		return out, nil
	}
	keys := make([]string, len(raw))
	for i, r := range raw {
		keys[i] = s.key("log", r)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: key=%s", ErrLogNotFound, keys[i])
		}
		var entry types.StepExecutionLog
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

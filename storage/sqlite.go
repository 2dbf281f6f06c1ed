package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// SQLiteOptions configures the SQLite backend.
type SQLiteOptions struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteStorage persists everything in a single SQLite database file.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the database and applies migrations.
func NewSQLiteStorage(ctx context.Context, opts SQLiteOptions) (*SQLiteStorage, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		opts.Path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers inside this process; cross-process
	// safety comes from the conditional updates below.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *SQLiteStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveDefinition upserts the draft and inserts published versions.
func (s *SQLiteStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	doc, err := encodeJSON(def)
	if err != nil {
		return err
	}
	now := millis(time.Now())
	query := `INSERT INTO workflow_definitions(id,version,name,status,trigger_type,document,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`
	if def.Version == 0 {
		query += `
ON CONFLICT(id,version) DO UPDATE SET name=excluded.name, status=excluded.status, trigger_type=excluded.trigger_type,
document=excluded.document, updated_at=excluded.updated_at`
	}
	_, err = s.db.ExecContext(ctx, query,
		def.ID, def.Version, def.Name, string(def.Status), def.Trigger.Type, doc, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: id=%d version=%d", ErrVersionExists, def.ID, def.Version)
	}
	return err
}

func scanDefinition(row rowScanner) (types.WorkflowDefinition, error) {
	var doc string
	var def types.WorkflowDefinition
	if err := row.Scan(&doc); err != nil {
		return def, err
	}
	err := json.Unmarshal([]byte(doc), &def)
	return def, err
}

// GetDefinition returns the highest stored version.
func (s *SQLiteStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT document FROM workflow_definitions WHERE id=? ORDER BY version DESC LIMIT 1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return def, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
	}
	return def, err
}

// GetDefinitionVersion returns one stored version.
func (s *SQLiteStorage) GetDefinitionVersion(ctx context.Context, id uint64, version int) (types.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT document FROM workflow_definitions WHERE id=? AND version=?`, id, version))
	if errors.Is(err, sql.ErrNoRows) {
		return def, fmt.Errorf("%w: id=%d version=%d", ErrDefinitionNotFound, id, version)
	}
	return def, err
}

// ListDefinitions returns the latest version of each matching definition.
func (s *SQLiteStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]types.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT d.document FROM workflow_definitions d
WHERE d.version = (SELECT MAX(version) FROM workflow_definitions WHERE id=d.id)
AND (?='' OR d.status=?) AND (?='' OR d.trigger_type=?)
ORDER BY d.id`,
		string(filter.Status), string(filter.Status), filter.TriggerType, filter.TriggerType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// SetDefinitionStatus updates the latest version's status column and document.
func (s *SQLiteStorage) SetDefinitionStatus(ctx context.Context, id uint64, status types.DefinitionStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		def, err := scanDefinition(tx.QueryRowContext(ctx,
			`SELECT document FROM workflow_definitions WHERE id=? ORDER BY version DESC LIMIT 1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
		}
		if err != nil {
			return err
		}
		now := millis(time.Now())
		def.Status = status
		def.UpdatedAt = now
		doc, err := encodeJSON(def)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE workflow_definitions SET status=?, document=?, updated_at=? WHERE id=? AND version=?`,
			string(status), doc, now, id, def.Version)
		return err
	})
}

const enrollmentColumns = `id,definition_id,definition_version,contact_id,status,current_step_id,resume_step_id,
pending_wake_id,step_count,split_seed,context,lease_owner,lease_expires_at,exit_reason,created_at,updated_at,completed_at`

func scanEnrollment(row rowScanner) (types.Enrollment, error) {
	var enr types.Enrollment
	var status, context string
	err := row.Scan(&enr.ID, &enr.DefinitionID, &enr.DefinitionVersion, &enr.ContactID, &status, &enr.CurrentStepID,
		&enr.ResumeStepID, &enr.PendingWakeID, &enr.StepCount, &enr.SplitSeed, &context, &enr.LeaseOwner,
		&enr.LeaseExpiresAt, &enr.ExitReason, &enr.CreatedAt, &enr.UpdatedAt, &enr.CompletedAt)
	if err != nil {
		return enr, err
	}
	enr.Status = types.EnrollmentStatus(status)
	err = json.Unmarshal([]byte(context), &enr.Context)
	return enr, err
}

func enrollmentArgs(enr types.Enrollment) ([]interface{}, error) {
	context, err := encodeJSON(enr.Context)
	if err != nil {
		return nil, err
	}
	return []interface{}{enr.DefinitionID, enr.DefinitionVersion, enr.ContactID, string(enr.Status), enr.CurrentStepID,
		enr.ResumeStepID, enr.PendingWakeID, enr.StepCount, enr.SplitSeed, context, enr.LeaseOwner,
		enr.LeaseExpiresAt, enr.ExitReason, enr.CreatedAt, enr.UpdatedAt, enr.CompletedAt}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateEnrollment inserts an enrollment after checking the open-enrollment and re-entry rules.
func (s *SQLiteStorage) CreateEnrollment(ctx context.Context, enr types.Enrollment, allowReentry bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var open, total int
		err := tx.QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN status IN ('active','waiting') THEN 1 ELSE 0 END),0), COUNT(*)
FROM enrollments WHERE definition_id=? AND contact_id=?`, enr.DefinitionID, enr.ContactID).Scan(&open, &total)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: definition=%d contact=%s", ErrAlreadyEnrolled, enr.DefinitionID, enr.ContactID)
		}
		if total > 0 && !allowReentry {
			return fmt.Errorf("%w: definition=%d contact=%s", ErrReentryNotAllowed, enr.DefinitionID, enr.ContactID)
		}
		args, err := enrollmentArgs(enr)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO enrollments(`+enrollmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			append([]interface{}{enr.ID}, args...)...)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: definition=%d contact=%s", ErrAlreadyEnrolled, enr.DefinitionID, enr.ContactID)
		}
		return err
	})
}

// GetEnrollment loads one enrollment.
func (s *SQLiteStorage) GetEnrollment(ctx context.Context, id uint64) (types.Enrollment, error) {
	enr, err := scanEnrollment(s.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return enr, fmt.Errorf("%w: id=%d", ErrEnrollmentNotFound, id)
	}
	return enr, err
}

func (s *SQLiteStorage) enrollmentExists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}, id uint64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrollments WHERE id=?`, id).Scan(&n)
	return n > 0, err
}

func updateEnrollmentTx(ctx context.Context, tx *sql.Tx, enr types.Enrollment, owner string) (bool, error) {
	args, err := enrollmentArgs(enr)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE enrollments SET definition_id=?,definition_version=?,contact_id=?,status=?,
current_step_id=?,resume_step_id=?,pending_wake_id=?,step_count=?,split_seed=?,context=?,lease_owner=?,lease_expires_at=?,
exit_reason=?,created_at=?,updated_at=?,completed_at=? WHERE id=? AND lease_owner=?`, append(args, enr.ID, owner)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStorage) lostOrMissing(ctx context.Context, tx *sql.Tx, id uint64, owner string) error {
	exists, err := s.enrollmentExists(ctx, tx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: id=%d", ErrEnrollmentNotFound, id)
	}
	return fmt.Errorf("%w: enrollment=%d owner=%s", ErrLeaseLost, id, owner)
}

// UpdateEnrollment writes enr when owner holds the lease.
func (s *SQLiteStorage) UpdateEnrollment(ctx context.Context, enr types.Enrollment, owner string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := updateEnrollmentTx(ctx, tx, enr, owner)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostOrMissing(ctx, tx, enr.ID, owner)
		}
		return nil
	})
}

// ClaimEnrollment takes the lease with a conditional update.
func (s *SQLiteStorage) ClaimEnrollment(ctx context.Context, id uint64, owner string, now, until time.Time) (types.Enrollment, error) {
	var enr types.Enrollment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE enrollments SET lease_owner=?, lease_expires_at=?
WHERE id=? AND (lease_owner='' OR lease_owner=? OR lease_expires_at<=?)`, owner, millis(until), id, owner, millis(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			exists, err := s.enrollmentExists(ctx, tx, id)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: id=%d", ErrEnrollmentNotFound, id)
			}
			return fmt.Errorf("%w: enrollment=%d", ErrLeaseHeld, id)
		}
		enr, err = scanEnrollment(tx.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id=?`, id))
		return err
	})
	return enr, err
}

// ClaimStaleEnrollments leases active enrollments whose lease is free or expired.
func (s *SQLiteStorage) ClaimStaleEnrollments(ctx context.Context, owner string, now, until time.Time, limit int) ([]types.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []types.Enrollment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, `SELECT id FROM enrollments WHERE status='active' AND (lease_owner='' OR lease_expires_at<=?)
ORDER BY updated_at LIMIT ?`, millis(now), limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `UPDATE enrollments SET lease_owner=?, lease_expires_at=?
WHERE id=? AND status='active' AND (lease_owner='' OR lease_expires_at<=?)`, owner, millis(until), id, millis(now))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			enr, err := scanEnrollment(tx.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id=?`, id))
			if err != nil {
				return err
			}
			out = append(out, enr)
		}
		return nil
	})
	return out, err
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]uint64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SuspendEnrollment writes the waiting enrollment and inserts its wake in one transaction.
func (s *SQLiteStorage) SuspendEnrollment(ctx context.Context, enr types.Enrollment, wake types.ScheduledWake, owner string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var pending uint64
		err := tx.QueryRowContext(ctx, `SELECT id FROM scheduled_wakes WHERE enrollment_id=? AND status='pending'`, enr.ID).Scan(&pending)
		if err == nil {
			return fmt.Errorf("%w: enrollment=%d wake=%d", ErrWakePending, enr.ID, pending)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		ok, err := updateEnrollmentTx(ctx, tx, enr, owner)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostOrMissing(ctx, tx, enr.ID, owner)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO scheduled_wakes(`+wakeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			wake.ID, wake.EnrollmentID, wake.StepID, wake.DueAt, string(wake.Status), wake.Attempts, wake.LastError,
			wake.ClaimOwner, wake.LeaseExpiresAt, wake.CreatedAt, wake.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: enrollment=%d", ErrWakePending, enr.ID)
		}
		return err
	})
}

// ListEnrollments lists matching enrollments ordered by id.
func (s *SQLiteStorage) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]types.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE 1=1`
	var args []interface{}
	if filter.DefinitionID != 0 {
		query += ` AND definition_id=?`
		args = append(args, filter.DefinitionID)
	}
	if filter.ContactID != "" {
		query += ` AND contact_id=?`
		args = append(args, filter.ContactID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(filter.Statuses)-1) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Enrollment
	for rows.Next() {
		enr, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, enr)
	}
	return out, rows.Err()
}

const wakeColumns = `id,enrollment_id,step_id,due_at,status,attempts,last_error,claim_owner,lease_expires_at,created_at,updated_at`

func scanWake(row rowScanner) (types.ScheduledWake, error) {
	var w types.ScheduledWake
	var status string
	err := row.Scan(&w.ID, &w.EnrollmentID, &w.StepID, &w.DueAt, &status, &w.Attempts, &w.LastError,
		&w.ClaimOwner, &w.LeaseExpiresAt, &w.CreatedAt, &w.UpdatedAt)
	w.Status = types.WakeStatus(status)
	return w, err
}

// ClaimDueWakes leases due wakes with conditional updates so concurrent
// sweepers never claim the same wake.
func (s *SQLiteStorage) ClaimDueWakes(ctx context.Context, owner string, now, until time.Time, limit int) ([]types.ScheduledWake, error) {
	if limit <= 0 {
		limit = 100
	}
	nowMs := millis(now)
	const claimable = `((status='pending' AND due_at<=?) OR (status='claimed' AND lease_expires_at<=?))`
	var out []types.ScheduledWake
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, `SELECT id FROM scheduled_wakes WHERE `+claimable+` ORDER BY due_at LIMIT ?`, nowMs, nowMs, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `UPDATE scheduled_wakes SET status='claimed', claim_owner=?, lease_expires_at=?, updated_at=?
WHERE id=? AND `+claimable, owner, millis(until), nowMs, id, nowMs, nowMs)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			w, err := scanWake(tx.QueryRowContext(ctx, `SELECT `+wakeColumns+` FROM scheduled_wakes WHERE id=?`, id))
			if err != nil {
				return err
			}
			out = append(out, w)
		}
		return nil
	})
	return out, err
}

func (s *SQLiteStorage) updateClaimed(ctx context.Context, id uint64, owner, set string, args ...interface{}) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		all := append(args, millis(time.Now()), id, owner)
		res, err := tx.ExecContext(ctx, `UPDATE scheduled_wakes SET `+set+`, claim_owner='', lease_expires_at=0, updated_at=?
WHERE id=? AND status='claimed' AND claim_owner=?`, all...)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: wake=%d", ErrWakePending, id)
			}
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_wakes WHERE id=?`, id).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: id=%d", ErrWakeNotFound, id)
		}
		return fmt.Errorf("%w: wake=%d owner=%s", ErrLeaseLost, id, owner)
	})
}

// CompleteWake marks a claimed wake done.
func (s *SQLiteStorage) CompleteWake(ctx context.Context, id uint64, owner string) error {
	return s.updateClaimed(ctx, id, owner, `status='done'`)
}

// ReleaseWake returns a claimed wake to pending.
func (s *SQLiteStorage) ReleaseWake(ctx context.Context, id uint64, owner string) error {
	return s.updateClaimed(ctx, id, owner, `status='pending'`)
}

// RetryWake reschedules a claimed wake and counts the attempt.
func (s *SQLiteStorage) RetryWake(ctx context.Context, id uint64, owner string, dueAt time.Time, lastErr string) error {
	return s.updateClaimed(ctx, id, owner, `status='pending', attempts=attempts+1, due_at=?, last_error=?`, millis(dueAt), lastErr)
}

// DeadLetterWake parks a claimed wake and counts the attempt.
func (s *SQLiteStorage) DeadLetterWake(ctx context.Context, id uint64, owner string, lastErr string) error {
	return s.updateClaimed(ctx, id, owner, `status='dead_letter', attempts=attempts+1, last_error=?`, lastErr)
}

// ReplayWake rearms a dead-lettered wake and reopens its enrollment in one transaction.
func (s *SQLiteStorage) ReplayWake(ctx context.Context, id uint64, now time.Time) (types.ScheduledWake, types.Enrollment, error) {
	var (
		wake types.ScheduledWake
		enr  types.Enrollment
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wake, err = scanWake(tx.QueryRowContext(ctx, `SELECT `+wakeColumns+` FROM scheduled_wakes WHERE id=?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id=%d", ErrWakeNotFound, id)
		}
		if err != nil {
			return err
		}
		enr, err = scanEnrollment(tx.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id=?`, wake.EnrollmentID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id=%d", ErrEnrollmentNotFound, wake.EnrollmentID)
		}
		if err != nil {
			return err
		}
		if err := replayable(wake, enr, now); err != nil {
			return err
		}
		owner := enr.LeaseOwner
		rearm(&wake, &enr, now)
		if _, err := updateEnrollmentTx(ctx, tx, enr, owner); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: definition=%d contact=%s", ErrAlreadyEnrolled, enr.DefinitionID, enr.ContactID)
			}
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE scheduled_wakes SET status=?, attempts=?, due_at=?, last_error=?, claim_owner=?,
lease_expires_at=?, updated_at=? WHERE id=?`, string(wake.Status), wake.Attempts, wake.DueAt, wake.LastError,
			wake.ClaimOwner, wake.LeaseExpiresAt, wake.UpdatedAt, wake.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: enrollment=%d", ErrWakePending, enr.ID)
		}
		return err
	})
	if err != nil {
		return types.ScheduledWake{}, types.Enrollment{}, err
	}
	return wake, enr, nil
}

// GetWake loads one wake.
func (s *SQLiteStorage) GetWake(ctx context.Context, id uint64) (types.ScheduledWake, error) {
	w, err := scanWake(s.db.QueryRowContext(ctx, `SELECT `+wakeColumns+` FROM scheduled_wakes WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return w, fmt.Errorf("%w: id=%d", ErrWakeNotFound, id)
	}
	return w, err
}

// ListWakes lists matching wakes ordered by due time.
func (s *SQLiteStorage) ListWakes(ctx context.Context, filter WakeFilter) ([]types.ScheduledWake, error) {
	query := `SELECT ` + wakeColumns + ` FROM scheduled_wakes WHERE 1=1`
	var args []interface{}
	if filter.EnrollmentID != 0 {
		query += ` AND enrollment_id=?`
		args = append(args, filter.EnrollmentID)
	}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY due_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ScheduledWake
	for rows.Next() {
		w, err := scanWake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const logColumns = `id,enrollment_id,step_id,step_type,attempt,status,input,output,error,idempotency_key,started_at,finished_at`

// AppendStepLog inserts a log entry.
func (s *SQLiteStorage) AppendStepLog(ctx context.Context, log types.StepExecutionLog) error {
	input, err := encodeJSON(log.Input)
	if err != nil {
		return err
	}
	output, err := encodeJSON(log.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO step_execution_logs(`+logColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		log.ID, log.EnrollmentID, log.StepID, string(log.StepType), log.Attempt, string(log.Status), input, output,
		log.Error, log.IdempotencyKey, log.StartedAt, log.FinishedAt)
	return err
}

// FinishStepLog updates an entry that is still pending or running.
func (s *SQLiteStorage) FinishStepLog(ctx context.Context, log types.StepExecutionLog) error {
	output, err := encodeJSON(log.Output)
	if err != nil {
		return err
	}
	input, err := encodeJSON(log.Input)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE step_execution_logs SET status=?, input=?, output=?, error=?, finished_at=?
WHERE id=? AND status IN ('pending','running')`, string(log.Status), input, output, log.Error, log.FinishedAt, log.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_execution_logs WHERE id=?`, log.ID).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: id=%d", ErrLogNotFound, log.ID)
		}
		return fmt.Errorf("%w: id=%d", ErrLogImmutable, log.ID)
	})
}

// ListStepLogs returns an enrollment's log entries in insertion order.
func (s *SQLiteStorage) ListStepLogs(ctx context.Context, enrollmentID uint64) ([]types.StepExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+logColumns+` FROM step_execution_logs WHERE enrollment_id=? ORDER BY id`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []types.StepExecutionLog{}
	for rows.Next() {
		var l types.StepExecutionLog
		var stepType, status, input, output string
		if err := rows.Scan(&l.ID, &l.EnrollmentID, &l.StepID, &stepType, &l.Attempt, &status, &input, &output,
			&l.Error, &l.IdempotencyKey, &l.StartedAt, &l.FinishedAt); err != nil {
			return nil, err
		}
		l.StepType = types.StepType(stepType)
		l.Status = types.LogStatus(status)
		if err := json.Unmarshal([]byte(input), &l.Input); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(output), &l.Output); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

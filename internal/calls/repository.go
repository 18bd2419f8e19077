package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"call-scheduler/pkg/utils"

	"github.com/google/uuid"
)

// SQLStore persists records in the call_records table.
//
// Timestamps are stored as unix milliseconds so postgres and sqlite compare
// them the same way. Every state change is a single conditional UPDATE; the
// WHERE clause carries the precondition and RowsAffected reports who won.
type SQLStore struct {
	db      *sql.DB
	dialect utils.Dialect
	clock   func() time.Time
}

func NewSQLStore(db *sql.DB, dialect utils.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the creation clock; used by tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS call_records (
  id               TEXT PRIMARY KEY,
  phone_number     TEXT NOT NULL,
  schedule_time    BIGINT NULL,
  started          BOOLEAN NOT NULL DEFAULT FALSE,
  external_call_id TEXT NULL,
  last_status      TEXT NOT NULL DEFAULT '',
  claimed_at       BIGINT NULL,
  start_attempts   INTEGER NOT NULL DEFAULT 0,
  next_attempt_at  BIGINT NULL,
  poll_failures    INTEGER NOT NULL DEFAULT 0,
  last_error       TEXT NOT NULL DEFAULT '',
  created_at       BIGINT NOT NULL,
  updated_at       BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_call_records_due ON call_records (started, schedule_time)`,
	`CREATE INDEX IF NOT EXISTS idx_call_records_created ON call_records (created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_call_records_external ON call_records (external_call_id)`,
}

// Migrate creates the schema if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("calls: migrate: %w", err)
		}
	}
	return nil
}

const selectColumns = `id, phone_number, schedule_time, started, external_call_id, last_status,
claimed_at, start_attempts, next_attempt_at, poll_failures, last_error, created_at, updated_at`

func (s *SQLStore) q(query string) string { return utils.Rebind(s.dialect, query) }

func (s *SQLStore) Create(ctx context.Context, phoneNumber string, scheduleTime *time.Time) (Record, error) {
	rec, err := NewRecord(uuid.NewString(), phoneNumber, scheduleTime, s.clock())
	if err != nil {
		return Record{}, err
	}
	// Round to what the column can hold so the returned record matches later reads.
	rec.CreatedAt = fromMillis(rec.CreatedAt.UnixMilli())
	rec.UpdatedAt = rec.CreatedAt
	if rec.ScheduleTime != nil {
		st := fromMillis(rec.ScheduleTime.UnixMilli())
		rec.ScheduleTime = &st
	}

	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO call_records (id, phone_number, schedule_time, started, last_status, created_at, updated_at)
VALUES (?,?,?,?,?,?,?)`),
		rec.ID,
		rec.PhoneNumber,
		nullMillis(rec.ScheduleTime),
		false,
		"",
		rec.CreatedAt.UnixMilli(),
		rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+selectColumns+` FROM call_records WHERE id = ?`), id)
	return scanRecord(row)
}

func (s *SQLStore) GetByExternalID(ctx context.Context, externalCallID string) (Record, error) {
	if externalCallID == "" {
		return Record{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+selectColumns+` FROM call_records WHERE external_call_id = ? LIMIT 1`), externalCallID)
	return scanRecord(row)
}

func (s *SQLStore) ListAll(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM call_records ORDER BY created_at ASC, id ASC`)
}

func (s *SQLStore) FindDue(ctx context.Context, now time.Time) ([]Record, error) {
	ms := now.UnixMilli()
	return s.query(ctx, `
SELECT `+selectColumns+` FROM call_records
WHERE started = ?
  AND claimed_at IS NULL
  AND last_status NOT IN (?, ?)
  AND (schedule_time IS NULL OR schedule_time <= ?)
  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY created_at ASC, id ASC`,
		false, string(StatusCompleted), string(StatusFailed), ms, ms)
}

func (s *SQLStore) FindPollable(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `
SELECT `+selectColumns+` FROM call_records
WHERE started = ?
  AND external_call_id IS NOT NULL AND external_call_id <> ''
  AND last_status NOT IN (?, ?)
ORDER BY created_at ASC, id ASC`,
		true, string(StatusCompleted), string(StatusFailed))
}

func (s *SQLStore) MarkStarting(ctx context.Context, id string, now time.Time) (bool, error) {
	ms := now.UnixMilli()
	n, err := s.exec(ctx, `
UPDATE call_records SET claimed_at = ?, updated_at = ?
WHERE id = ? AND started = ? AND claimed_at IS NULL AND last_status NOT IN (?, ?)`,
		ms, ms, id, false, string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if err := s.mustExist(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) CommitStart(ctx context.Context, id, externalCallID string, status Status, now time.Time) error {
	n, err := s.exec(ctx, `
UPDATE call_records
SET started = ?, external_call_id = ?, last_status = ?, claimed_at = NULL, next_attempt_at = NULL, last_error = '', updated_at = ?
WHERE id = ? AND started = ? AND claimed_at IS NOT NULL`,
		true, externalCallID, string(status), now.UnixMilli(), id, false)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	return ErrClaimConflict
}

func (s *SQLStore) AbortStart(ctx context.Context, id, reason string, nextAttemptAt *time.Time, now time.Time) (int, error) {
	return s.releaseClaim(ctx, id, `
UPDATE call_records
SET claimed_at = NULL, start_attempts = start_attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
WHERE id = ? AND started = ? AND claimed_at IS NOT NULL`,
		reason, nullMillis(nextAttemptAt), now.UnixMilli(), id, false)
}

func (s *SQLStore) FailStart(ctx context.Context, id, reason string, now time.Time) (int, error) {
	return s.releaseClaim(ctx, id, `
UPDATE call_records
SET claimed_at = NULL, start_attempts = start_attempts + 1, last_error = ?, next_attempt_at = NULL,
    last_status = ?, updated_at = ?
WHERE id = ? AND started = ? AND claimed_at IS NOT NULL`,
		reason, string(StatusFailed), now.UnixMilli(), id, false)
}

// releaseClaim runs a claim-conditioned update and reads back start_attempts
// in the same transaction.
func (s *SQLStore) releaseClaim(ctx context.Context, id, update string, args ...any) (int, error) {
	var attempts int
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(update), args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, s.q(`SELECT start_attempts FROM call_records WHERE id = ?`), id).Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if n != 1 {
			return ErrClaimConflict
		}
		return nil
	})
	return attempts, err
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status, now time.Time) error {
	n, err := s.exec(ctx, `UPDATE call_records SET last_status = ?, updated_at = ? WHERE id = ?`,
		string(status), now.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
UPDATE call_records SET last_status = ?, poll_failures = 0, updated_at = ?
WHERE id = ? AND last_status = ?`,
		string(to), now.UnixMilli(), id, string(from))
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if err := s.mustExist(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) RecordPollFailure(ctx context.Context, id, reason string, now time.Time) (int, error) {
	var failures int
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
UPDATE call_records SET poll_failures = poll_failures + 1, last_error = ?, updated_at = ? WHERE id = ?`),
			reason, now.UnixMilli(), id); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, s.q(`SELECT poll_failures FROM call_records WHERE id = ?`), id).Scan(&failures)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return failures, err
}

func (s *SQLStore) ResetPollFailures(ctx context.Context, id string, now time.Time) error {
	n, err := s.exec(ctx, `UPDATE call_records SET poll_failures = 0, updated_at = ? WHERE id = ?`, now.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ReleaseClaims(ctx context.Context, claimedBefore time.Time) (int, error) {
	n, err := s.exec(ctx, `
UPDATE call_records SET claimed_at = NULL
WHERE claimed_at IS NOT NULL AND claimed_at <= ?`, claimedBefore.UnixMilli())
	return int(n), err
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) mustExist(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM call_records WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r                                    Record
		scheduleTime, claimedAt, nextAttempt sql.NullInt64
		externalID                           sql.NullString
		lastStatus                           string
		createdAt, updatedAt                 int64
	)
	if err := row.Scan(
		&r.ID,
		&r.PhoneNumber,
		&scheduleTime,
		&r.Started,
		&externalID,
		&lastStatus,
		&claimedAt,
		&r.StartAttempts,
		&nextAttempt,
		&r.PollFailures,
		&r.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.ExternalCallID = externalID.String
	r.LastStatus = Status(lastStatus)
	r.ScheduleTime = millisPtr(scheduleTime)
	r.ClaimedAt = millisPtr(claimedAt)
	r.NextAttemptAt = millisPtr(nextAttempt)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

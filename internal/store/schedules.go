package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"listflow/internal/domain"
)

const scheduleCols = `id,scheduled_at,status,channel,account,item_interval_min,item_interval_max,actual_at,actual_count,error_message,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s                    domain.Schedule
		scheduledAt          int64
		actualAt             sql.NullInt64
		createdAt, updatedAt int64
		status               string
	)
	if err := row.Scan(&s.ID, &scheduledAt, &status, &s.Channel, &s.Account, &s.ItemIntervalMin, &s.ItemIntervalMax,
		&actualAt, &s.ActualCount, &s.ErrorMessage, &createdAt, &updatedAt); err != nil {
		return domain.Schedule{}, err
	}
	s.Status = domain.ScheduleStatus(status)
	s.ScheduledTime = fromMillis(scheduledAt)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	if actualAt.Valid {
		t := fromMillis(actualAt.Int64)
		s.ActualTime = &t
	}
	return s, nil
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateSchedule stores a pending schedule with its ordered items. Item order
// in the slice becomes the attempt order.
func (r *Repo) CreateSchedule(ctx context.Context, s domain.Schedule, items []domain.WorkItem) (domain.Schedule, []domain.WorkItem, error) {
	if s.ID == "" {
		s.ID = "sch_" + uuid.NewString()
	}
	if !domain.ValidItemInterval(s.ItemIntervalMin) || !domain.ValidItemInterval(s.ItemIntervalMax) {
		return domain.Schedule{}, nil, fmt.Errorf("%w: [%d, %d] ms", ErrInvalidInterval, s.ItemIntervalMin, s.ItemIntervalMax)
	}
	if s.ItemIntervalMax < s.ItemIntervalMin {
		s.ItemIntervalMax = s.ItemIntervalMin
	}
	now := r.clock.Now()
	s.Status = domain.StatusPending
	s.CreatedAt, s.UpdatedAt = now, now
	s.ScheduledTime = s.ScheduledTime.UTC()

	stored := make([]domain.WorkItem, len(items))
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.q(`
INSERT INTO schedules (id,scheduled_at,status,channel,account,item_interval_min,item_interval_max,actual_count,error_message,created_at,updated_at)
VALUES (?,?,'pending',?,?,?,?,0,'',?,?)`),
			s.ID, toMillis(s.ScheduledTime), s.Channel, s.Account, s.ItemIntervalMin, s.ItemIntervalMax,
			toMillis(now), toMillis(now)); err != nil {
			return err
		}
		for i, it := range items {
			if it.ID == "" {
				it.ID = "itm_" + uuid.NewString()
			}
			it.ScheduleID = s.ID
			it.Position = i
			if it.Channel == "" {
				it.Channel = s.Channel
			}
			if it.Account == "" {
				it.Account = s.Account
			}
			if it.MaxRetries <= 0 {
				it.MaxRetries = domain.DefaultMaxRetries
			}
			it.LastOutcome = domain.OutcomePending
			if _, err := tx.ExecContext(ctx, r.q(`
INSERT INTO work_items (id,schedule_id,seq,item_key,channel,account,payload,last_outcome,last_error,retry_count,max_retries,exhausted)
VALUES (?,?,?,?,?,?,?,'pending','',0,?,0)`),
				it.ID, it.ScheduleID, it.Position, it.ItemKey, it.Channel, it.Account, string(it.Payload), it.MaxRetries); err != nil {
				return err
			}
			stored[i] = it
		}
		return nil
	})
	if err != nil {
		return domain.Schedule{}, nil, err
	}
	return s, stored, nil
}

func (r *Repo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+scheduleCols+` FROM schedules WHERE id=?`), id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

// ListSchedules returns the most recently scheduled entries first. An empty
// status lists every schedule.
func (r *Repo) ListSchedules(ctx context.Context, status domain.ScheduleStatus, limit int) ([]domain.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.QueryContext(ctx, r.q(`SELECT `+scheduleCols+` FROM schedules ORDER BY scheduled_at DESC LIMIT ?`), limit)
	} else {
		rows, err = r.db.QueryContext(ctx, r.q(`SELECT `+scheduleCols+` FROM schedules WHERE status=? ORDER BY scheduled_at DESC LIMIT ?`), string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

// DueSchedules selects pending schedules whose scheduled time lies in
// [from, to], oldest first, at most limit rows.
func (r *Repo) DueSchedules(ctx context.Context, from, to time.Time, limit int) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT `+scheduleCols+` FROM schedules
WHERE status='pending' AND scheduled_at >= ? AND scheduled_at <= ?
ORDER BY scheduled_at ASC, id ASC
LIMIT ?`), toMillis(from), toMillis(to), limit)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

// ClaimSchedule moves a schedule from pending to in_progress. It reports false
// when the schedule was no longer pending.
func (r *Repo) ClaimSchedule(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE schedules SET status='in_progress', actual_at=?, updated_at=?
WHERE id=? AND status='pending'`), toMillis(at), r.nowMillis(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Repo) CompleteSchedule(ctx context.Context, id string, actualCount int) error {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE schedules SET status='completed', actual_count=?, updated_at=?
WHERE id=? AND status='in_progress'`), actualCount, r.nowMillis(), id)
	if err != nil {
		return err
	}
	return requireOne(res)
}

func (r *Repo) FailSchedule(ctx context.Context, id, message string) error {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE schedules SET status='failed', error_message=?, updated_at=?
WHERE id=? AND status='in_progress'`), message, r.nowMillis(), id)
	if err != nil {
		return err
	}
	return requireOne(res)
}

const staleMessage = "abandoned in progress"

// RecoverStale fails schedules left in_progress since before cutoff.
func (r *Repo) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE schedules SET status='failed', error_message=?, updated_at=?
WHERE status='in_progress' AND actual_at < ?`), staleMessage, r.nowMillis(), toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrInvalidTransition
	}
	return nil
}

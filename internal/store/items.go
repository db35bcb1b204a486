package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"listflow/internal/domain"
)

const itemCols = `w.id,w.schedule_id,w.seq,w.item_key,w.channel,w.account,w.payload,w.last_outcome,w.last_error,w.retry_count,w.max_retries,w.exhausted`

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var (
		it        domain.WorkItem
		payload   string
		outcome   string
		exhausted int
	)
	if err := row.Scan(&it.ID, &it.ScheduleID, &it.Position, &it.ItemKey, &it.Channel, &it.Account, &payload,
		&outcome, &it.LastError, &it.RetryCount, &it.MaxRetries, &exhausted); err != nil {
		return domain.WorkItem{}, err
	}
	if payload != "" {
		it.Payload = json.RawMessage(payload)
	}
	it.LastOutcome = domain.Outcome(outcome)
	it.Exhausted = exhausted != 0
	return it, nil
}

func collectItems(rows *sql.Rows) ([]domain.WorkItem, error) {
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ScheduleItems returns a schedule's items in attempt order.
func (r *Repo) ScheduleItems(ctx context.Context, scheduleID string) ([]domain.WorkItem, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+itemCols+` FROM work_items w WHERE w.schedule_id=? ORDER BY w.seq ASC`), scheduleID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (r *Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+itemCols+` FROM work_items w WHERE w.id=?`), id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkItem{}, ErrNotFound
	}
	return it, err
}

// RecordOutcome appends an attempt record and moves the item's last-outcome
// pointer. Existing outcome rows are never rewritten.
func (r *Repo) RecordOutcome(ctx context.Context, o domain.ItemOutcome) (domain.ItemOutcome, error) {
	if o.ID == "" {
		o.ID = "out_" + uuid.NewString()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = r.clock.Now()
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.q(`
INSERT INTO item_outcomes (id,item_id,schedule_id,item_key,channel,account,attempt,status,error,listing_id,recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
			o.ID, o.ItemID, o.ScheduleID, o.ItemKey, o.Channel, o.Account, o.Attempt, string(o.Status), o.Error, o.ListingID,
			toMillis(o.RecordedAt)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, r.q(`UPDATE work_items SET last_outcome=?, last_error=? WHERE id=?`),
			string(o.Status), o.Error, o.ItemID)
		return err
	})
	if err != nil {
		return domain.ItemOutcome{}, err
	}
	return o, nil
}

// ItemOutcomes lists every recorded attempt of an item, oldest first.
func (r *Repo) ItemOutcomes(ctx context.Context, itemID string) ([]domain.ItemOutcome, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT id,item_id,schedule_id,item_key,channel,account,attempt,status,error,listing_id,recorded_at
FROM item_outcomes WHERE item_id=? ORDER BY recorded_at ASC, attempt ASC`), itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ItemOutcome
	for rows.Next() {
		var (
			o      domain.ItemOutcome
			status string
			at     int64
		)
		if err := rows.Scan(&o.ID, &o.ItemID, &o.ScheduleID, &o.ItemKey, &o.Channel, &o.Account, &o.Attempt,
			&status, &o.Error, &o.ListingID, &at); err != nil {
			return nil, err
		}
		o.Status = domain.Outcome(status)
		o.RecordedAt = fromMillis(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// RetryCandidates returns non-exhausted items that failed, plus items never
// attempted on a schedule that already finished. Ordered by schedule time,
// then item position.
func (r *Repo) RetryCandidates(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT `+itemCols+`
FROM work_items w JOIN schedules s ON s.id = w.schedule_id
WHERE w.exhausted = 0
  AND (w.last_outcome = 'failed'
       OR (w.last_outcome = 'pending' AND s.status IN ('completed','failed')))
ORDER BY s.scheduled_at ASC, w.schedule_id ASC, w.seq ASC
LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// IncrementRetry bumps the retry counter unless the ceiling has been reached,
// in which case ErrRetryExhausted is returned and nothing changes.
func (r *Repo) IncrementRetry(ctx context.Context, itemID string) (int, error) {
	var count int
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.q(`
UPDATE work_items SET retry_count = retry_count + 1
WHERE id=? AND exhausted = 0 AND retry_count < max_retries`), itemID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrRetryExhausted
		}
		return tx.QueryRowContext(ctx, r.q(`SELECT retry_count FROM work_items WHERE id=?`), itemID).Scan(&count)
	})
	return count, err
}

// MarkExhausted flags an item as permanently failed.
func (r *Repo) MarkExhausted(ctx context.Context, itemID string) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE work_items SET exhausted = 1 WHERE id=?`), itemID)
	return err
}

package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"listflow/internal/domain"
)

// AppendExecutionLog writes one immutable tick record.
func (r *Repo) AppendExecutionLog(ctx context.Context, l domain.ExecutionLog) (domain.ExecutionLog, error) {
	if l.ID == "" {
		l.ID = "log_" + uuid.NewString()
	}
	details := l.ErrorDetails
	if details == nil {
		details = []string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return domain.ExecutionLog{}, err
	}
	_, err = r.db.ExecContext(ctx, r.q(`
INSERT INTO execution_logs (id,execution_at,schedules_processed,items_listed,errors_count,error_details,duration_ms)
VALUES (?,?,?,?,?,?,?)`),
		l.ID, toMillis(l.ExecutionTime), l.SchedulesProcessed, l.ItemsListed, l.ErrorsCount, string(raw), l.DurationMs)
	if err != nil {
		return domain.ExecutionLog{}, err
	}
	return l, nil
}

// ListExecutionLogs returns the newest tick records first.
func (r *Repo) ListExecutionLogs(ctx context.Context, limit int) ([]domain.ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT id,execution_at,schedules_processed,items_listed,errors_count,error_details,duration_ms
FROM execution_logs ORDER BY execution_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionLog
	for rows.Next() {
		var (
			l       domain.ExecutionLog
			at      int64
			details string
		)
		if err := rows.Scan(&l.ID, &at, &l.SchedulesProcessed, &l.ItemsListed, &l.ErrorsCount, &details, &l.DurationMs); err != nil {
			return nil, err
		}
		l.ExecutionTime = fromMillis(at)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &l.ErrorDetails); err != nil {
				return nil, err
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

package audit

import (
	"context"
	"time"

	"listflow/internal/domain"
)

// Aggregate folds per-schedule results into a tick summary. Faults count as
// processed schedules and contribute their message to Errors, but no item
// counts.
func Aggregate(results []domain.ExecutionResult, faults []error) domain.TickSummary {
	sum := domain.TickSummary{SchedulesProcessed: len(results) + len(faults), Faults: len(faults)}
	for _, r := range results {
		sum.TotalProducts += r.ProductsProcessed
		sum.TotalSuccess += r.SuccessCount
		sum.TotalFailed += r.FailedCount
		sum.Errors = append(sum.Errors, r.Errors...)
	}
	for _, f := range faults {
		sum.Errors = append(sum.Errors, f.Error())
	}
	return sum
}

type Store interface {
	AppendExecutionLog(ctx context.Context, l domain.ExecutionLog) (domain.ExecutionLog, error)
}

// Recorder writes the per-tick audit row.
type Recorder struct {
	store Store
}

func NewRecorder(st Store) *Recorder {
	return &Recorder{store: st}
}

func (r *Recorder) Persist(ctx context.Context, sum domain.TickSummary, executedAt time.Time, d time.Duration) (domain.ExecutionLog, error) {
	return r.store.AppendExecutionLog(ctx, domain.ExecutionLog{
		ExecutionTime:      executedAt,
		SchedulesProcessed: sum.SchedulesProcessed,
		ItemsListed:        sum.TotalSuccess,
		ErrorsCount:        len(sum.Errors),
		ErrorDetails:       sum.Errors,
		DurationMs:         d.Milliseconds(),
	})
}

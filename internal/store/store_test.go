package store

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"listflow/internal/clock"
	"listflow/internal/domain"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) (*Repo, *clock.Manual) {
	t.Helper()
	db, err := Open(SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewManual(epoch)
	return NewRepo(db, SQLite, clk), clk
}

func seedSchedule(t *testing.T, r *Repo, at time.Time, keys ...string) (domain.Schedule, []domain.WorkItem) {
	t.Helper()
	items := make([]domain.WorkItem, len(keys))
	for i, k := range keys {
		items[i] = domain.WorkItem{ItemKey: k, Payload: json.RawMessage(`{"sku":"` + k + `"}`)}
	}
	s, stored, err := r.CreateSchedule(context.Background(), domain.Schedule{
		ScheduledTime:   at,
		Channel:         "ebay",
		Account:         "main",
		ItemIntervalMin: 10,
		ItemIntervalMax: 20,
	}, items)
	require.NoError(t, err)
	return s, stored
}

func TestCreateAndGetSchedule(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	s, items := seedSchedule(t, r, epoch.Add(time.Minute), "SKU-1", "SKU-2")
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[0].Position)
	assert.Equal(t, 1, items[1].Position)
	assert.Equal(t, "ebay", items[0].Channel)
	assert.Equal(t, domain.DefaultMaxRetries, items[0].MaxRetries)

	got, err := r.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.ScheduledTime.Equal(epoch.Add(time.Minute)))
	assert.Nil(t, got.ActualTime)
	assert.Equal(t, 10, got.ItemIntervalMin)

	stored, err := r.ScheduleItems(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "SKU-1", stored[0].ItemKey)
	assert.JSONEq(t, `{"sku":"SKU-1"}`, string(stored[0].Payload))
	assert.Equal(t, domain.OutcomePending, stored[0].LastOutcome)

	_, err = r.GetSchedule(ctx, "sch_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateScheduleRejectsIntervalOutOfRange(t *testing.T) {
	r, _ := newTestRepo(t)
	maxMs := int(domain.MaxItemInterval.Milliseconds())
	tests := []struct {
		name     string
		min, max int
	}{
		{name: "negative min", min: -1, max: 10},
		{name: "max above cap", min: 0, max: maxMs + 1},
		{name: "huge max", min: 0, max: math.MaxInt},
		{name: "both huge", min: 1e13, max: 1e13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.CreateSchedule(context.Background(), domain.Schedule{
				ScheduledTime: epoch, Channel: "ebay", Account: "main",
				ItemIntervalMin: tt.min, ItemIntervalMax: tt.max,
			}, []domain.WorkItem{{ItemKey: "SKU-1"}})
			assert.ErrorIs(t, err, ErrInvalidInterval)
		})
	}

	list, err := r.ListSchedules(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = r.CreateSchedule(context.Background(), domain.Schedule{
		ScheduledTime: epoch, Channel: "ebay", Account: "main", ItemIntervalMin: maxMs, ItemIntervalMax: maxMs,
	}, nil)
	assert.NoError(t, err)
}

func TestDueSchedulesWindowOrderAndCap(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	late, _ := seedSchedule(t, r, epoch.Add(4*time.Minute))
	early, _ := seedSchedule(t, r, epoch.Add(-4*time.Minute))
	mid, _ := seedSchedule(t, r, epoch)
	seedSchedule(t, r, epoch.Add(10*time.Minute))
	seedSchedule(t, r, epoch.Add(-10*time.Minute))

	due, err := r.DueSchedules(ctx, epoch.Add(-5*time.Minute), epoch.Add(5*time.Minute), 5)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []string{early.ID, mid.ID, late.ID}, []string{due[0].ID, due[1].ID, due[2].ID})

	capped, err := r.DueSchedules(ctx, epoch.Add(-5*time.Minute), epoch.Add(5*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)
	assert.Equal(t, early.ID, capped[0].ID)
}

func TestClaimIsCompareAndSet(t *testing.T) {
	r, clk := newTestRepo(t)
	ctx := context.Background()
	s, _ := seedSchedule(t, r, epoch)

	ok, err := r.ClaimSchedule(ctx, s.ID, clk.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimSchedule(ctx, s.ID, clk.Now())
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	got, err := r.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	require.NotNil(t, got.ActualTime)
	assert.True(t, got.ActualTime.Equal(epoch))

	due, err := r.DueSchedules(ctx, epoch.Add(-time.Hour), epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCompleteAndFailRequireInProgress(t *testing.T) {
	r, clk := newTestRepo(t)
	ctx := context.Background()
	s, _ := seedSchedule(t, r, epoch)

	assert.ErrorIs(t, r.CompleteSchedule(ctx, s.ID, 1), ErrInvalidTransition)

	_, err := r.ClaimSchedule(ctx, s.ID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, r.CompleteSchedule(ctx, s.ID, 4))

	assert.ErrorIs(t, r.FailSchedule(ctx, s.ID, "late"), ErrInvalidTransition)

	got, err := r.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.ActualCount)
	assert.Empty(t, got.ErrorMessage)
}

func TestRecoverStale(t *testing.T) {
	r, clk := newTestRepo(t)
	ctx := context.Background()
	stale, _ := seedSchedule(t, r, epoch)
	fresh, _ := seedSchedule(t, r, epoch)

	_, err := r.ClaimSchedule(ctx, stale.ID, epoch)
	require.NoError(t, err)
	_, err = r.ClaimSchedule(ctx, fresh.ID, epoch.Add(50*time.Minute))
	require.NoError(t, err)

	clk.Advance(time.Hour)
	n, err := r.RecoverStale(ctx, clk.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.GetSchedule(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, staleMessage, got.ErrorMessage)

	got, err = r.GetSchedule(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestRecordOutcomeAppends(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	s, items := seedSchedule(t, r, epoch, "SKU-1")
	it := items[0]

	_, err := r.RecordOutcome(ctx, domain.ItemOutcome{
		ItemID: it.ID, ScheduleID: s.ID, ItemKey: it.ItemKey, Channel: "ebay", Account: "main",
		Status: domain.OutcomeFailed, Error: "timeout",
	})
	require.NoError(t, err)
	_, err = r.RecordOutcome(ctx, domain.ItemOutcome{
		ItemID: it.ID, ScheduleID: s.ID, ItemKey: it.ItemKey, Channel: "ebay", Account: "main",
		Attempt: 1, Status: domain.OutcomeSuccess, ListingID: "L-9",
	})
	require.NoError(t, err)

	outcomes, err := r.ItemOutcomes(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, domain.OutcomeFailed, outcomes[0].Status)
	assert.Equal(t, "timeout", outcomes[0].Error)
	assert.Equal(t, domain.OutcomeSuccess, outcomes[1].Status)
	assert.Equal(t, "L-9", outcomes[1].ListingID)

	got, err := r.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, got.LastOutcome)
	assert.Empty(t, got.LastError)
}

func TestRetryCandidatesAndCeiling(t *testing.T) {
	r, clk := newTestRepo(t)
	ctx := context.Background()
	s, items := seedSchedule(t, r, epoch, "SKU-1", "SKU-2", "SKU-3")
	_, err := r.ClaimSchedule(ctx, s.ID, clk.Now())
	require.NoError(t, err)

	record := func(it domain.WorkItem, status domain.Outcome) {
		_, err := r.RecordOutcome(ctx, domain.ItemOutcome{ItemID: it.ID, ScheduleID: s.ID, ItemKey: it.ItemKey,
			Channel: it.Channel, Account: it.Account, Status: status})
		require.NoError(t, err)
	}
	record(items[0], domain.OutcomeFailed)
	record(items[1], domain.OutcomeSuccess)

	// Running schedule: the untouched item is not a candidate yet.
	cands, err := r.RetryCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, items[0].ID, cands[0].ID)

	require.NoError(t, r.CompleteSchedule(ctx, s.ID, 1))
	cands, err = r.RetryCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, items[0].ID, cands[0].ID)
	assert.Equal(t, items[2].ID, cands[1].ID)

	for i := 1; i <= domain.DefaultMaxRetries; i++ {
		n, err := r.IncrementRetry(ctx, items[0].ID)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	_, err = r.IncrementRetry(ctx, items[0].ID)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	require.NoError(t, r.MarkExhausted(ctx, items[0].ID))
	cands, err = r.RetryCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, items[2].ID, cands[0].ID)
}

func TestInsertLockFirstWriterWins(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	l, err := r.GetLock(ctx, "SKU-1")
	require.NoError(t, err)
	assert.Nil(t, l)

	got, created, err := r.InsertLock(ctx, domain.Lock{ItemKey: "SKU-1", Channel: "ebay", Account: "main", AcquiredAt: epoch})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ebay", got.Channel)

	got, created, err = r.InsertLock(ctx, domain.Lock{ItemKey: "SKU-1", Channel: "amazon", Account: "eu", AcquiredAt: epoch})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ebay", got.Channel)
	assert.Equal(t, "main", got.Account)
	assert.True(t, got.AcquiredAt.Equal(epoch))
}

func TestExecutionLogs(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := r.AppendExecutionLog(ctx, domain.ExecutionLog{ExecutionTime: epoch, SchedulesProcessed: 1, ItemsListed: 2, DurationMs: 40})
	require.NoError(t, err)
	_, err = r.AppendExecutionLog(ctx, domain.ExecutionLog{ExecutionTime: epoch.Add(time.Minute), SchedulesProcessed: 2,
		ItemsListed: 1, ErrorsCount: 1, ErrorDetails: []string{"SKU-3: rejected"}, DurationMs: 80})
	require.NoError(t, err)

	logs, err := r.ListExecutionLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].SchedulesProcessed)
	assert.Equal(t, []string{"SKU-3: rejected"}, logs[0].ErrorDetails)
	assert.Empty(t, logs[1].ErrorDetails)
	assert.Equal(t, int64(40), logs[1].DurationMs)
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("SQLite")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	d, err = ParseDialect("postgresql")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "postgres", d.DriverName())

	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

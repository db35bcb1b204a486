package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"listflow/internal/channel"
	"listflow/internal/clock"
	"listflow/internal/domain"
	"listflow/internal/lock"
)

type fakeStore struct {
	mu        sync.Mutex
	items     map[string][]domain.WorkItem
	itemsErr  error
	outcomes  []domain.ItemOutcome
	completed map[string]int
	failed    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:     make(map[string][]domain.WorkItem),
		completed: make(map[string]int),
		failed:    make(map[string]string),
	}
}

func (f *fakeStore) ScheduleItems(_ context.Context, id string) ([]domain.WorkItem, error) {
	if f.itemsErr != nil {
		return nil, f.itemsErr
	}
	return f.items[id], nil
}

func (f *fakeStore) RecordOutcome(_ context.Context, o domain.ItemOutcome) (domain.ItemOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return o, nil
}

func (f *fakeStore) CompleteSchedule(_ context.Context, id string, n int) error {
	f.completed[id] = n
	return nil
}

func (f *fakeStore) FailSchedule(_ context.Context, id, msg string) error {
	f.failed[id] = msg
	return nil
}

// seqRand returns the queued values in order, then zeros.
type seqRand struct{ vals []int64 }

func (r *seqRand) Int64N(n int64) int64 {
	if len(r.vals) == 0 {
		return 0
	}
	v := r.vals[0]
	r.vals = r.vals[1:]
	return v % n
}

type harness struct {
	engine *Engine
	store  *fakeStore
	locks  *lock.MemoryStore
	mgr    *lock.Manager
	clock  *clock.Manual
	calls  []string
}

func newHarness(t *testing.T, list channel.ClientFunc, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(),
		locks: lock.NewMemoryStore(),
		clock: clock.NewManual(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
	h.mgr = lock.NewManager(h.locks, h.clock)
	reg := channel.NewRegistry()
	reg.Register("ebay", channel.ClientFunc(func(ctx context.Context, it domain.WorkItem) (channel.Result, error) {
		h.calls = append(h.calls, it.ItemKey)
		return list(ctx, it)
	}))
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.engine = New(h.store, h.mgr, reg, opts...)
	return h
}

func okClient(_ context.Context, it domain.WorkItem) (channel.Result, error) {
	return channel.Result{Success: true, ListingID: "L-" + it.ItemKey}, nil
}

func schedule(min, max int) domain.Schedule {
	return domain.Schedule{ID: "sch_1", Channel: "ebay", Account: "main", ItemIntervalMin: min, ItemIntervalMax: max,
		Status: domain.StatusInProgress}
}

func items(keys ...string) []domain.WorkItem {
	out := make([]domain.WorkItem, len(keys))
	for i, k := range keys {
		out[i] = domain.WorkItem{ID: "itm_" + k, ScheduleID: "sch_1", Position: i, ItemKey: k, Channel: "ebay",
			Account: "main", MaxRetries: 3}
	}
	return out
}

func TestExecuteAllSucceedWithFixedPacing(t *testing.T) {
	h := newHarness(t, okClient)

	res, err := h.engine.Execute(context.Background(), schedule(20, 20), items("A", "B", "C"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.ProductsProcessed)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 20 * time.Millisecond}, h.clock.Sleeps())
	assert.Equal(t, 40*time.Millisecond, res.Duration)
	assert.Equal(t, 3, h.locks.Len())

	for _, k := range []string{"A", "B", "C"} {
		l, err := h.mgr.GetActiveLock(context.Background(), k)
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.True(t, l.HeldBy("ebay", "main"))
	}
	require.Len(t, h.store.outcomes, 3)
	assert.Equal(t, "L-A", h.store.outcomes[0].ListingID)
}

func TestExecutePacingWithinBounds(t *testing.T) {
	h := newHarness(t, okClient, WithRand(&seqRand{vals: []int64{0, 50, 25, 999}}))

	_, err := h.engine.Execute(context.Background(), schedule(100, 150), items("A", "B", "C", "D", "E"))
	require.NoError(t, err)

	sleeps := h.clock.Sleeps()
	require.Len(t, sleeps, 4)
	for _, d := range sleeps {
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 125 * time.Millisecond,
		(100 + 999%51) * time.Millisecond}, sleeps)
}

func TestExecuteInvertedBoundsClampToMin(t *testing.T) {
	h := newHarness(t, okClient)

	_, err := h.engine.Execute(context.Background(), schedule(30, 10), items("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Millisecond}, h.clock.Sleeps())
}

func TestRunOutOfRangePacingIsClamped(t *testing.T) {
	ceiling := domain.MaxItemInterval
	tests := []struct {
		name     string
		min, max int
		lo, hi   time.Duration
	}{
		{name: "max int upper bound", min: 0, max: math.MaxInt, lo: 0, hi: ceiling},
		{name: "both above ceiling", min: 1e13, max: 1e13, lo: ceiling, hi: ceiling},
		{name: "negative bounds", min: -50, max: -10, lo: 0, hi: 0},
		{name: "min above ceiling", min: math.MaxInt, max: 0, lo: ceiling, hi: ceiling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, okClient)
			h.store.items["sch_1"] = items("A", "B")

			res, err := h.engine.Run(context.Background(), schedule(tt.min, tt.max))
			require.NoError(t, err)
			assert.Equal(t, 2, res.SuccessCount)
			assert.Equal(t, []string{"A", "B"}, h.calls)
			assert.Empty(t, h.store.failed)
			assert.Equal(t, 2, h.store.completed["sch_1"])

			sleeps := h.clock.Sleeps()
			require.Len(t, sleeps, 1)
			assert.GreaterOrEqual(t, sleeps[0], tt.lo)
			assert.LessOrEqual(t, sleeps[0], tt.hi)
		})
	}
}

func TestRunRejectsUnclaimedSchedule(t *testing.T) {
	h := newHarness(t, okClient)
	h.store.items["sch_1"] = items("A")
	s := schedule(0, 0)
	s.Status = domain.StatusPending

	_, err := h.engine.Run(context.Background(), s)
	require.Error(t, err)
	assert.False(t, IsFault(err), "an unclaimed schedule is left untouched")
	assert.Empty(t, h.calls)
	assert.Empty(t, h.store.failed)
	assert.Empty(t, h.store.completed)
}

// stealingLocks hides existing locks from the pre-listing check, so the
// post-listing Acquire meets another holder.
type stealingLocks struct{ *lock.MemoryStore }

func (stealingLocks) GetLock(context.Context, string) (*domain.Lock, error) { return nil, nil }

func TestProcessItemLockConflictAfterListingStaysSuccess(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	mem := lock.NewMemoryStore()
	_, _, err := mem.InsertLock(context.Background(), domain.Lock{ItemKey: "A", Channel: "ebay", Account: "outlet"})
	require.NoError(t, err)

	reg := channel.NewRegistry()
	reg.Register("ebay", channel.ClientFunc(okClient))
	st := newFakeStore()
	eng := New(st, lock.NewManager(stealingLocks{mem}, clk), reg, WithClock(clk))

	out := eng.ProcessItem(context.Background(), items("A")[0])
	assert.Equal(t, domain.OutcomeSuccess, out.Status)
	assert.Equal(t, "L-A", out.ListingID)

	l, err := mem.GetLock(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "outlet", l.Account, "first holder keeps the lock")
}

func TestExecuteLockedItemSoftFails(t *testing.T) {
	h := newHarness(t, okClient)
	_, err := h.mgr.Acquire(context.Background(), "A", "ebay", "outlet")
	require.NoError(t, err)

	res, err := h.engine.Execute(context.Background(), schedule(0, 0), items("A", "B"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "already listed under ebay/outlet")
	assert.Equal(t, []string{"B"}, h.calls, "locked item must not reach the channel")

	l, err := h.mgr.GetActiveLock(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "outlet", l.Account)
}

func TestExecuteFailuresNeverAbortBatch(t *testing.T) {
	h := newHarness(t, func(_ context.Context, it domain.WorkItem) (channel.Result, error) {
		switch it.ItemKey {
		case "B":
			return channel.Result{}, errors.New("gateway timeout")
		case "C":
			return channel.Result{Success: false, Error: "duplicate listing"}, nil
		case "D":
			panic("nil pointer in client")
		case "E":
			return channel.Result{Success: false}, nil
		}
		return channel.Result{Success: true, ListingID: "ok"}, nil
	})

	keys := []string{"A", "B", "C", "D", "E", "F"}
	res, err := h.engine.Execute(context.Background(), schedule(0, 0), items(keys...))
	require.NoError(t, err)

	assert.Equal(t, len(keys), res.SuccessCount+res.FailedCount)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 4, res.FailedCount)
	assert.Equal(t, keys, h.calls)
	assert.Equal(t, 2, h.locks.Len(), "only successful items are locked")

	byKey := map[string]domain.ItemOutcome{}
	for _, o := range h.store.outcomes {
		byKey[o.ItemKey] = o
	}
	assert.Equal(t, "gateway timeout", byKey["B"].Error)
	assert.Equal(t, "duplicate listing", byKey["C"].Error)
	assert.Contains(t, byKey["D"].Error, "channel client panic")
	assert.Equal(t, "listing rejected by channel", byKey["E"].Error)
	assert.Equal(t, domain.OutcomeSuccess, byKey["F"].Status)
}

func TestExecuteUnknownChannel(t *testing.T) {
	h := newHarness(t, okClient)
	its := items("A")
	its[0].Channel = "etsy"

	res, err := h.engine.Execute(context.Background(), schedule(0, 0), its)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedCount)
	assert.Contains(t, h.store.outcomes[0].Error, "no client for channel")
}

func TestRunEmptyScheduleCompletes(t *testing.T) {
	h := newHarness(t, okClient)

	res, err := h.engine.Run(context.Background(), schedule(10, 20))
	require.NoError(t, err)

	assert.Zero(t, res.ProductsProcessed)
	assert.Zero(t, res.SuccessCount)
	assert.Empty(t, h.clock.Sleeps())
	n, ok := h.store.completed["sch_1"]
	assert.True(t, ok)
	assert.Equal(t, 0, n)
}

func TestRunCompletesEvenWithFailedItems(t *testing.T) {
	h := newHarness(t, okClient)
	_, err := h.mgr.Acquire(context.Background(), "A", "amazon", "eu")
	require.NoError(t, err)
	h.store.items["sch_1"] = items("A", "B")

	res, err := h.engine.Run(context.Background(), schedule(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, h.store.completed["sch_1"])
	assert.Empty(t, h.store.failed)
}

func TestRunItemLoadFaultFailsSchedule(t *testing.T) {
	h := newHarness(t, okClient)
	h.store.itemsErr = errors.New("db gone")

	_, err := h.engine.Run(context.Background(), schedule(0, 0))
	require.Error(t, err)
	assert.True(t, IsFault(err))
	assert.Equal(t, "load items: db gone", h.store.failed["sch_1"])
	assert.Empty(t, h.store.completed)
	assert.False(t, IsFault(fmt.Errorf("plain")))
}

func TestRunInterruptedFailsSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, func(_ context.Context, it domain.WorkItem) (channel.Result, error) {
		cancel()
		return channel.Result{Success: true}, nil
	})
	h.store.items["sch_1"] = items("A", "B", "C")

	res, err := h.engine.Run(ctx, schedule(5, 5))
	require.Error(t, err)
	assert.True(t, IsFault(err))
	assert.Equal(t, 1, res.ProductsProcessed)
	assert.Contains(t, h.store.failed["sch_1"], "interrupted after 1 of 3 items")
	assert.Equal(t, []string{"A"}, h.calls)
}

func TestProcessItemRecordsAttempt(t *testing.T) {
	h := newHarness(t, okClient)
	it := items("A")[0]
	it.RetryCount = 2

	out := h.engine.ProcessItem(context.Background(), it)
	assert.Equal(t, domain.OutcomeSuccess, out.Status)
	assert.Equal(t, 2, out.Attempt)
	assert.Equal(t, "itm_A", out.ItemID)
	assert.False(t, out.RecordedAt.IsZero())
}

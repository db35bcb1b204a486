package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"listflow/internal/clock"
	"listflow/internal/domain"
)

const (
	DefaultTolerance  = 5 * time.Minute
	DefaultMaxPerTick = 5
)

type Store interface {
	DueSchedules(ctx context.Context, from, to time.Time, limit int) ([]domain.Schedule, error)
	ClaimSchedule(ctx context.Context, id string, at time.Time) (bool, error)
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	Tolerance  time.Duration // symmetric window around now
	MaxPerTick int
	StaleAfter time.Duration // 0 disables reconciliation
}

// Dispatcher selects due pending schedules and claims them.
type Dispatcher struct {
	store Store
	clock clock.Clock
	cfg   Config
}

func New(st Store, clk clock.Clock, cfg Config) *Dispatcher {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = DefaultMaxPerTick
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Dispatcher{store: st, clock: clk, cfg: cfg}
}

// Dispatch returns the schedules claimed for this tick in ascending scheduled
// time. Every returned schedule is already in_progress with ActualTime set.
func (d *Dispatcher) Dispatch(ctx context.Context) ([]domain.Schedule, error) {
	now := d.clock.Now()
	due, err := d.store.DueSchedules(ctx, now.Add(-d.cfg.Tolerance), now.Add(d.cfg.Tolerance), d.cfg.MaxPerTick)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}

	claimed := make([]domain.Schedule, 0, len(due))
	for _, s := range due {
		ok, err := d.store.ClaimSchedule(ctx, s.ID, now)
		if err != nil {
			return claimed, fmt.Errorf("claim schedule %s: %w", s.ID, err)
		}
		if !ok {
			log.Debug().Str("schedule_id", s.ID).Msg("schedule claimed elsewhere")
			continue
		}
		at := now
		s.Status = domain.StatusInProgress
		s.ActualTime = &at
		claimed = append(claimed, s)
	}
	return claimed, nil
}

// Reconcile fails schedules stuck in_progress for longer than StaleAfter.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	if d.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	n, err := d.store.RecoverStale(ctx, d.clock.Now().Add(-d.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("recover stale schedules: %w", err)
	}
	if n > 0 {
		log.Warn().Int("recovered", n).Dur("stale_after", d.cfg.StaleAfter).Msg("failed stale in_progress schedules")
	}
	return n, nil
}

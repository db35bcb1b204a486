package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"listflow/internal/audit"
	"listflow/internal/clock"
	"listflow/internal/domain"
	"listflow/internal/engine"
)

type Dispatcher interface {
	Dispatch(ctx context.Context) ([]domain.Schedule, error)
	Reconcile(ctx context.Context) (int, error)
}

type Runner interface {
	Run(ctx context.Context, s domain.Schedule) (domain.ExecutionResult, error)
}

type Retrier interface {
	Run(ctx context.Context) (domain.RetrySummary, error)
}

type Recorder interface {
	Persist(ctx context.Context, sum domain.TickSummary, executedAt time.Time, d time.Duration) (domain.ExecutionLog, error)
}

// Service drives ticks and retry passes. Ticks and retries never overlap in
// the same process.
type Service struct {
	dispatcher Dispatcher
	runner     Runner
	retrier    Retrier
	recorder   Recorder
	clock      clock.Clock

	mu sync.Mutex
}

func NewService(d Dispatcher, r Runner, retrier Retrier, rec Recorder, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{dispatcher: d, runner: r, retrier: retrier, recorder: rec, clock: clk}
}

// Tick runs one dispatcher pass. Only a failure to select schedules is fatal;
// a schedule that faults is counted and the tick moves on.
func (s *Service) Tick(ctx context.Context) (domain.TickSummary, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.clock.Now()

	if _, err := s.dispatcher.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("stale schedule reconciliation failed")
	}

	schedules, err := s.dispatcher.Dispatch(ctx)
	if err != nil && len(schedules) == 0 {
		log.Error().Err(err).Msg("failed to get due schedules")
		return domain.TickSummary{}, s.clock.Now().Sub(start), err
	}

	var (
		results []domain.ExecutionResult
		faults  []error
	)
	dispatchErr := err
	if dispatchErr != nil {
		log.Error().Err(dispatchErr).Int("claimed", len(schedules)).Msg("dispatch stopped early")
	}

	for _, schedule := range schedules {
		res, err := s.runner.Run(ctx, schedule)
		if err != nil {
			if engine.IsFault(err) {
				log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("schedule failed")
			} else {
				log.Warn().Err(err).Str("schedule_id", schedule.ID).Msg("schedule not run")
			}
			faults = append(faults, fmt.Errorf("schedule %s: %w", schedule.ID, err))
			continue
		}
		results = append(results, res)
	}

	sum := audit.Aggregate(results, faults)
	if dispatchErr != nil {
		sum.Errors = append(sum.Errors, "dispatch: "+dispatchErr.Error())
	}
	elapsed := s.clock.Now().Sub(start)

	if _, err := s.recorder.Persist(context.WithoutCancel(ctx), sum, start, elapsed); err != nil {
		log.Error().Err(err).Msg("failed to persist execution log")
		return sum, elapsed, errors.Join(errPersist, err)
	}

	log.Info().
		Int("schedules", sum.SchedulesProcessed).
		Int("products", sum.TotalProducts).
		Int("success", sum.TotalSuccess).
		Int("failed", sum.TotalFailed).
		Int("faults", sum.Faults).
		Dur("duration", elapsed).
		Msg("tick finished")
	return sum, elapsed, nil
}

var errPersist = errors.New("persist execution log")

// IsPersistError reports whether a tick ran but its audit row was not written.
func IsPersistError(err error) bool { return errors.Is(err, errPersist) }

// Retry runs one retry pass.
func (s *Service) Retry(ctx context.Context) (domain.RetrySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrier.Run(ctx)
}

// Start registers the tick and retry jobs on a cron scheduler and blocks until
// ctx is done. An overrunning job is skipped, never run concurrently.
func (s *Service) Start(ctx context.Context, tickSpec, retrySpec string) error {
	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	if _, err := c.AddFunc(tickSpec, func() {
		if _, _, err := s.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("tick failed")
		}
	}); err != nil {
		return fmt.Errorf("tick spec %q: %w", tickSpec, err)
	}
	if retrySpec != "" {
		if _, err := c.AddFunc(retrySpec, func() {
			if _, err := s.Retry(ctx); err != nil {
				log.Error().Err(err).Msg("retry pass failed")
			}
		}); err != nil {
			return fmt.Errorf("retry spec %q: %w", retrySpec, err)
		}
	}

	c.Start()
	log.Info().Str("tick", tickSpec).Str("retry", retrySpec).Msg("schedule service started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// ValidateSpec validates a cron expression or descriptor such as "@every 1m".
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// cronLogger routes robfig/cron logs into zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

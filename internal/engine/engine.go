package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"listflow/internal/channel"
	"listflow/internal/clock"
	"listflow/internal/domain"
	"listflow/internal/lock"
)

const (
	ErrCodeEngineFault = "ENGINE_FAULT"
	ErrCodeNotClaimed  = "SCHEDULE_NOT_CLAIMED"
)

// IsFault reports whether err is a whole-schedule engine fault, meaning the
// schedule has been moved to failed.
func IsFault(err error) bool {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode == ErrCodeEngineFault
	}
	return false
}

// Store is the persistence the engine needs for one schedule run.
type Store interface {
	ScheduleItems(ctx context.Context, scheduleID string) ([]domain.WorkItem, error)
	RecordOutcome(ctx context.Context, o domain.ItemOutcome) (domain.ItemOutcome, error)
	CompleteSchedule(ctx context.Context, id string, actualCount int) error
	FailSchedule(ctx context.Context, id, message string) error
}

type Locker interface {
	GetActiveLock(ctx context.Context, key string) (*domain.Lock, error)
	Acquire(ctx context.Context, key, channel, account string) (domain.Lock, error)
	Guard(key string) func()
}

type Channels interface {
	Lookup(name string) (channel.Client, error)
}

// Rand is the jitter source. *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Int64N(n int64) int64
}

type globalRand struct{}

func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

// Engine executes a claimed schedule's items one at a time.
type Engine struct {
	store    Store
	locks    Locker
	channels Channels
	clock    clock.Clock
	rand     Rand
	tracer   trace.Tracer
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithRand(r Rand) Option { return func(e *Engine) { e.rand = r } }

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

func New(store Store, locks Locker, channels Channels, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		locks:    locks,
		channels: channels,
		clock:    clock.Real{},
		rand:     globalRand{},
		tracer:   otel.Tracer("listflow/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run loads the schedule's items, executes them and finalises the schedule.
// A non-nil error is an engine fault; item failures never surface here.
func (e *Engine) Run(ctx context.Context, s domain.Schedule) (res domain.ExecutionResult, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("schedule.id", s.ID),
		attribute.String("schedule.channel", s.Channel),
		attribute.String("schedule.account", s.Account),
	))
	defer span.End()

	res = domain.ExecutionResult{ScheduleID: s.ID}
	if !domain.CanTransition(s.Status, domain.StatusCompleted) {
		return res, errors.New(fmt.Sprintf("schedule %s is %s, not claimed", s.ID, s.Status), errors.CategoryConflict).
			WithTextCode(ErrCodeNotClaimed).
			WithMetadata(map[string]any{"schedule_id": s.ID, "status": string(s.Status)})
	}
	defer func() {
		if r := recover(); r != nil {
			err = e.fault(ctx, s, errors.New(fmt.Sprintf("panic: %v", r), errors.CategoryHandler), "engine panic")
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	items, err := e.store.ScheduleItems(ctx, s.ID)
	if err != nil {
		return res, e.fault(ctx, s, err, "load items")
	}

	res, err = e.Execute(ctx, s, items)
	if err != nil {
		msg := fmt.Sprintf("interrupted after %d of %d items", res.ProductsProcessed, len(items))
		return res, e.fault(ctx, s, err, msg)
	}

	if err := e.store.CompleteSchedule(ctx, s.ID, res.SuccessCount); err != nil {
		return res, errors.Wrap(err, errors.CategoryHandler, "complete schedule").
			WithTextCode(ErrCodeEngineFault).
			WithMetadata(map[string]any{"schedule_id": s.ID})
	}

	log.Info().
		Str("schedule_id", s.ID).
		Int("processed", res.ProductsProcessed).
		Int("success", res.SuccessCount).
		Int("failed", res.FailedCount).
		Dur("duration", res.Duration).
		Msg("schedule completed")
	return res, nil
}

// fault marks the schedule failed and returns the wrapped engine error.
func (e *Engine) fault(ctx context.Context, s domain.Schedule, cause error, stage string) error {
	msg := fmt.Sprintf("%s: %v", stage, cause)
	if err := e.store.FailSchedule(context.WithoutCancel(ctx), s.ID, msg); err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Msg("failed to mark schedule failed")
	}
	log.Error().Err(cause).Str("schedule_id", s.ID).Str("stage", stage).Msg("schedule failed")
	return errors.Wrap(cause, errors.CategoryHandler, stage).
		WithTextCode(ErrCodeEngineFault).
		WithMetadata(map[string]any{"schedule_id": s.ID})
}

// Execute attempts every item in order, sleeping a jittered interval between
// consecutive items. It only returns an error when ctx is cancelled, in which
// case the result covers the items attempted so far.
func (e *Engine) Execute(ctx context.Context, s domain.Schedule, items []domain.WorkItem) (domain.ExecutionResult, error) {
	start := e.clock.Now()
	res := domain.ExecutionResult{ScheduleID: s.ID}
	finish := func() domain.ExecutionResult {
		res.Duration = e.clock.Now().Sub(start)
		return res
	}

	for i, item := range items {
		if i > 0 {
			if err := e.clock.Sleep(ctx, e.interval(s)); err != nil {
				return finish(), err
			}
		} else if err := ctx.Err(); err != nil {
			return finish(), err
		}

		out := e.ProcessItem(ctx, item)
		res.ProductsProcessed++
		if out.Status == domain.OutcomeSuccess {
			res.SuccessCount++
		} else {
			res.FailedCount++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", item.ItemKey, out.Error))
		}
	}
	return finish(), nil
}

// interval draws a pacing delay uniformly from [min, max] milliseconds, with
// both bounds clamped to [0, domain.MaxItemInterval].
func (e *Engine) interval(s domain.Schedule) time.Duration {
	ceiling := domain.MaxItemInterval.Milliseconds()
	clamp := func(ms int) int64 {
		v := int64(ms)
		if v < 0 {
			return 0
		}
		if v > ceiling {
			return ceiling
		}
		return v
	}
	lo, hi := clamp(s.ItemIntervalMin), clamp(s.ItemIntervalMax)
	if hi < lo {
		hi = lo
	}
	ms := lo + e.rand.Int64N(hi-lo+1)
	return time.Duration(ms) * time.Millisecond
}

// ProcessItem runs the lock check, channel call and outcome recording for a
// single item. It is shared by the primary pass and retries.
func (e *Engine) ProcessItem(ctx context.Context, item domain.WorkItem) domain.ItemOutcome {
	ctx, span := e.tracer.Start(ctx, "engine.process_item", trace.WithAttributes(
		attribute.String("item.key", item.ItemKey),
		attribute.String("item.channel", item.Channel),
		attribute.String("item.account", item.Account),
		attribute.Int("item.attempt", item.RetryCount),
	))
	defer span.End()

	release := e.locks.Guard(item.ItemKey)
	defer release()

	out := domain.ItemOutcome{
		ItemID:     item.ID,
		ScheduleID: item.ScheduleID,
		ItemKey:    item.ItemKey,
		Channel:    item.Channel,
		Account:    item.Account,
		Attempt:    item.RetryCount,
		Status:     domain.OutcomeFailed,
	}

	held, err := e.locks.GetActiveLock(ctx, item.ItemKey)
	switch {
	case err != nil:
		out.Error = fmt.Sprintf("lock check failed: %v", err)
	case held != nil:
		out.Error = fmt.Sprintf("already listed under %s/%s", held.Channel, held.Account)
	default:
		result, err := e.list(ctx, item)
		switch {
		case err != nil:
			out.Error = err.Error()
		case !result.Success:
			out.Error = result.Error
			if out.Error == "" {
				out.Error = "listing rejected by channel"
			}
		default:
			out.Status = domain.OutcomeSuccess
			out.ListingID = result.ListingID
		}
	}
	out.RecordedAt = e.clock.Now()

	logger := log.With().
		Str("schedule_id", item.ScheduleID).
		Str("item_key", item.ItemKey).
		Str("channel", item.Channel).
		Str("account", item.Account).
		Int("attempt", item.RetryCount).
		Logger()

	recCtx := context.WithoutCancel(ctx)
	if _, err := e.store.RecordOutcome(recCtx, out); err != nil {
		logger.Error().Err(err).Msg("failed to record item outcome")
	}

	if out.Status != domain.OutcomeSuccess {
		span.SetStatus(codes.Error, out.Error)
		logger.Warn().Str("error", out.Error).Msg("item failed")
		return out
	}

	if _, err := e.locks.Acquire(recCtx, item.ItemKey, item.Channel, item.Account); err != nil {
		span.RecordError(err)
		if lock.IsLockHeld(err) {
			logger.Error().Err(err).Msg("listed item but another holder took the lock")
		} else {
			logger.Error().Err(err).Msg("listed item but could not acquire lock")
		}
	}
	logger.Info().Str("listing_id", out.ListingID).Msg("item listed")
	return out
}

// list calls the channel client, turning a panic into an item failure.
func (e *Engine) list(ctx context.Context, item domain.WorkItem) (res channel.Result, err error) {
	client, err := e.channels.Lookup(item.Channel)
	if err != nil {
		return channel.Result{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel client panic: %v", r)
		}
	}()
	return client.List(ctx, item)
}

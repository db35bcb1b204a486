package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"listflow/internal/clock"
	"listflow/internal/domain"
	"listflow/internal/store"
)

const DefaultDelay = time.Second

type Store interface {
	RetryCandidates(ctx context.Context, limit int) ([]domain.WorkItem, error)
	IncrementRetry(ctx context.Context, itemID string) (int, error)
	MarkExhausted(ctx context.Context, itemID string) error
}

// ItemProcessor is the engine's single-item path.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, item domain.WorkItem) domain.ItemOutcome
}

type Config struct {
	Delay     time.Duration // fixed pause between retried items
	BatchSize int           // maximum candidates per pass
}

// Coordinator re-attempts failed or never-attempted items within their retry
// ceiling.
type Coordinator struct {
	store     Store
	processor ItemProcessor
	clock     clock.Clock
	cfg       Config
}

func NewCoordinator(st Store, p ItemProcessor, clk clock.Clock, cfg Config) *Coordinator {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{store: st, processor: p, clock: clk, cfg: cfg}
}

// CollectRetryable splits candidates into those still under their ceiling
// and those that have exhausted it. Exhausted items are flagged permanently
// failed so later passes skip them.
func (c *Coordinator) CollectRetryable(ctx context.Context) (retryable, exhausted []domain.WorkItem, err error) {
	cands, err := c.store.RetryCandidates(ctx, c.cfg.BatchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("retry candidates: %w", err)
	}
	for _, it := range cands {
		if it.Retryable() {
			retryable = append(retryable, it)
			continue
		}
		if err := c.store.MarkExhausted(ctx, it.ID); err != nil {
			return nil, nil, fmt.Errorf("mark exhausted %s: %w", it.ID, err)
		}
		it.Exhausted = true
		exhausted = append(exhausted, it)
		log.Warn().
			Str("item_id", it.ID).
			Str("item_key", it.ItemKey).
			Int("retry_count", it.RetryCount).
			Str("last_error", it.LastError).
			Msg("item permanently failed")
	}
	return retryable, exhausted, nil
}

// Run performs one retry pass.
func (c *Coordinator) Run(ctx context.Context) (domain.RetrySummary, error) {
	var sum domain.RetrySummary

	retryable, exhausted, err := c.CollectRetryable(ctx)
	if err != nil {
		return sum, err
	}
	sum.Exhausted = len(exhausted)

	for i, it := range retryable {
		if i > 0 {
			if err := c.clock.Sleep(ctx, c.cfg.Delay); err != nil {
				return sum, err
			}
		}
		n, err := c.store.IncrementRetry(ctx, it.ID)
		if errors.Is(err, store.ErrRetryExhausted) {
			sum.Exhausted++
			continue
		}
		if err != nil {
			return sum, fmt.Errorf("increment retry %s: %w", it.ID, err)
		}
		it.RetryCount = n

		out := c.processor.ProcessItem(ctx, it)
		sum.Attempted++
		if out.Status == domain.OutcomeSuccess {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}

	log.Info().
		Int("attempted", sum.Attempted).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("exhausted", sum.Exhausted).
		Msg("retry pass finished")
	return sum, nil
}

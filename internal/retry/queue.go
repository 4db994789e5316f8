// Package retry reschedules failed and canceled tasks into the delay store.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// CanceledDelay is how long a canceled task waits before it is fed back.
const CanceledDelay = 10 * time.Second

// Decision reports what ScheduleRetry did with a task.
type Decision int

// Retry decisions.
const (
	Scheduled Decision = iota
	Gone
)

func (d Decision) String() string {
	if d == Gone {
		return "gone"
	}
	return "scheduled"
}

// Queue computes retry delays and stores tasks until release.
type Queue struct {
	store  crawler.DelayStore
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds a Queue.
func New(store crawler.DelayStore, clock crawler.Clock, logger *zap.Logger) (*Queue, error) {
	if store == nil {
		return nil, errors.New("retry queue requires a delay store")
	}
	if clock == nil {
		return nil, errors.New("retry queue requires a clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, clock: clock, logger: logger.Named("retry")}, nil
}

// Delay picks the wait before the given attempt: the outcome's hint, then the
// task's own delay, then the default schedule.
func Delay(task crawler.CrawlTask, outcome crawler.FetchOutcome, attempt int) time.Duration {
	switch {
	case outcome.RetryDelay > 0:
		return outcome.RetryDelay
	case task.RetryDelay > 0:
		return task.RetryDelay
	default:
		return crawler.DefaultRetryDelay(attempt)
	}
}

// ScheduleRetry stores the next attempt of task, or reports Gone when the
// retry budget is spent. The returned duration is the delay applied.
func (q *Queue) ScheduleRetry(ctx context.Context, task crawler.CrawlTask, outcome crawler.FetchOutcome) (Decision, time.Duration, error) {
	next := task.Retries + 1
	if next > task.MaxRetries {
		// Fetchers normally report exhausted tasks as gone themselves.
		q.logger.Warn("retry budget exhausted, gone (unexpected)",
			zap.String("url", task.URL),
			zap.Int("retries", task.Retries),
			zap.Int("max_retries", task.MaxRetries),
		)
		return Gone, 0, nil
	}

	delay := Delay(task, outcome, next)
	retried := task
	retried.Retries = next
	retried.Args = crawler.StripRefresh(task.Args)
	if err := q.store.Add(ctx, retried, q.clock.Now().Add(delay)); err != nil {
		return Scheduled, delay, fmt.Errorf("schedule retry of %s: %w", task.URL, err)
	}
	q.logger.Debug("retry scheduled",
		zap.String("url", task.URL),
		zap.Int("attempt", next),
		zap.Duration("delay", delay),
	)
	return Scheduled, delay, nil
}

// ScheduleCanceled feeds a canceled task back after a short delay without
// spending its retry budget.
func (q *Queue) ScheduleCanceled(ctx context.Context, task crawler.CrawlTask, outcome crawler.FetchOutcome) (time.Duration, error) {
	delay := CanceledDelay
	if outcome.RetryDelay > 0 {
		delay = outcome.RetryDelay
	}
	return delay, q.Requeue(ctx, task, delay)
}

// Requeue puts task back unchanged after delay. It is used for tasks that
// were pulled but never ran, or that failed for reasons outside the task.
func (q *Queue) Requeue(ctx context.Context, task crawler.CrawlTask, delay time.Duration) error {
	if err := q.store.Add(ctx, task, q.clock.Now().Add(delay)); err != nil {
		return fmt.Errorf("requeue %s: %w", task.URL, err)
	}
	return nil
}

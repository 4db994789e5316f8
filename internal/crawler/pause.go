package crawler

import (
	"context"
	"time"
)

// Sleeper abstracts how the scheduler backs off while a gate is closed.
type Sleeper interface {
	Sleep(ctx context.Context, delay time.Duration)
}

// TimerSleeper sleeps on a real timer and wakes early when ctx is done.
type TimerSleeper struct{}

// Sleep implements Sleeper.
func (TimerSleeper) Sleep(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "host b is not blocked by a")
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.test"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.test"))
}

func TestLimiterWaitBeyondDeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.test/a"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := l.Wait(ctx, "https://slow.test/b")
	require.Error(t, err)
	require.NoError(t, ctx.Err(), "fails without waiting out the deadline")
	require.Equal(t, crawler.KindTimeout, crawler.KindOf(err))
	require.ErrorIs(t, err, ErrBacklog)
}

func TestPenalizeAndOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 4, HostRPS: map[string]float64{"gentle.test": 0.5}})
	require.Equal(t, rate.Limit(0.5), l.Rate("https://gentle.test/x"))

	l.Penalize("https://busy.test/a")
	require.Equal(t, rate.Limit(2), l.Rate("https://busy.test/b"))
	for range 10 {
		l.Penalize("https://busy.test/a")
	}
	require.Equal(t, minRate, l.Rate("https://busy.test/a"))

	open := New(Config{})
	open.Penalize("https://any.test")
	require.Equal(t, rate.Limit(1), open.Rate("https://any.test"))
}

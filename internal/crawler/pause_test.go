package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerSleeperHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	TimerSleeper{}.Sleep(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second, "sleep should exit immediately when context is done")
}

func TestTimerSleeperWaits(t *testing.T) {
	t.Parallel()

	start := time.Now()
	TimerSleeper{}.Sleep(context.Background(), 20*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

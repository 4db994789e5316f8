package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type fakeBackend struct {
	closes int
	err    error
}

func (b *fakeBackend) Close() error {
	b.closes++
	return b.err
}

type fakeFactory struct {
	mu       sync.Mutex
	backends map[string]*fakeBackend
	closeErr error
	proxies  []crawler.ProxyHandle
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{backends: make(map[string]*fakeBackend)}
}

func (f *fakeFactory) Open(_ context.Context, id string, proxy crawler.ProxyHandle) (crawler.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &fakeBackend{err: f.closeErr}
	f.backends[id] = b
	f.proxies = append(f.proxies, proxy)
	return b, nil
}

type fakePool struct {
	err error
}

func (p *fakePool) Take(context.Context) (crawler.ProxyHandle, error) {
	if p.err != nil {
		return crawler.ProxyHandle{}, p.err
	}
	return crawler.ProxyHandle{ID: "p1", URL: "http://proxy:8080"}, nil
}

type countingLeaks struct {
	n int
}

func (c *countingLeaks) MarkLeak() { c.n++ }

func newTestManager(t *testing.T, cfg Config, factory *fakeFactory, pool crawler.ProxyPool) (*Manager, *fakeClock, *countingLeaks) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	leaks := &countingLeaks{}
	m, err := NewManager(cfg, Deps{
		Factory: factory,
		Proxies: pool,
		IDs:     &seqIDs{},
		Clock:   clock,
		Leaks:   leaks,
	})
	require.NoError(t, err)
	return m, clock, leaks
}

func TestNewManagerValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewManager(Config{}, Deps{})
	require.Error(t, err)
	_, err = NewManager(Config{}, Deps{Factory: newFakeFactory()})
	require.Error(t, err)
	_, err = NewManager(Config{}, Deps{Factory: newFakeFactory(), IDs: &seqIDs{}})
	require.Error(t, err)
}

func TestManagerGrowsThenRotates(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{PoolSize: 2}, newFakeFactory(), &fakePool{})
	ctx := context.Background()

	a, err := m.Next(ctx)
	require.NoError(t, err)
	b, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, "http://proxy:8080", a.Proxy().URL)

	c, err := m.Next(ctx)
	require.NoError(t, err)
	d, err := m.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID(), c.ID())
	require.Equal(t, b.ID(), d.ID())
	require.Equal(t, 2, m.Size())
}

func TestManagerRetiresLeakedIdentity(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory()
	m, _, leaks := newTestManager(t, Config{PoolSize: 2, MaxWarnings: 8}, factory, nil)
	ctx := context.Background()

	a, err := m.Next(ctx)
	require.NoError(t, err)
	b, err := m.Next(ctx)
	require.NoError(t, err)

	m.Report(a, crawler.FetchOutcome{Status: crawler.StatusRetry, Integrity: crawler.IntegrityForbidden})
	require.True(t, a.IsLeaked())
	require.Equal(t, 1, leaks.n)

	// A second signal on an already leaked identity is not a new leak.
	m.Report(a, crawler.FetchOutcome{Status: crawler.StatusRetry, Integrity: crawler.IntegrityRobotCheck})
	require.Equal(t, 1, leaks.n)

	replacement, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), replacement.ID())
	require.NotEqual(t, b.ID(), replacement.ID())
	require.True(t, a.IsRetired())
	require.Equal(t, 1, factory.backends[a.ID()].closes)

	next, err := m.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, b.ID(), next.ID(), "ring order is preserved around the replacement")

	status := m.Snapshot()
	require.Len(t, status.Active, 2)
	require.Equal(t, 1, status.Zombies)
}

func leakCounter(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "crawler_identity_leaks_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

// Not parallel: the leak counter is process-wide.
func TestManagerReportCountsLeakMetric(t *testing.T) {
	factory := newFakeFactory()
	m, _, _ := newTestManager(t, Config{PoolSize: 1, MaxWarnings: 8}, factory, nil)
	before := leakCounter(t)

	id, err := m.Next(context.Background())
	require.NoError(t, err)
	m.Report(id, crawler.FetchOutcome{Status: crawler.StatusRetry, Integrity: crawler.IntegrityForbidden})
	m.Report(id, crawler.FetchOutcome{Status: crawler.StatusRetry, Integrity: crawler.IntegrityForbidden})

	require.InDelta(t, before+1, leakCounter(t), 0)
}

func TestManagerRetiresUnhealthyIdentityAfterGrace(t *testing.T) {
	t.Parallel()

	m, clock, _ := newTestManager(t, Config{PoolSize: 1, MinThroughput: 0.1, HealthGrace: time.Minute}, newFakeFactory(), nil)
	ctx := context.Background()

	a, err := m.Next(ctx)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	same, err := m.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID(), same.ID(), "young identities are exempt from the throughput check")

	clock.Advance(time.Minute)
	fresh, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), fresh.ID())
}

func TestManagerProxyExhaustedSurfaces(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{PoolSize: 1}, newFakeFactory(), &fakePool{err: crawler.ErrProxyBalanceExhausted})
	_, err := m.Next(context.Background())
	require.ErrorIs(t, err, crawler.ErrProxyBalanceExhausted)
	require.Equal(t, crawler.KindProxyExhausted, crawler.KindOf(err))
	require.Equal(t, 0, m.Size())
}

func TestManagerCloseAggregatesAndRejectsNext(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory()
	factory.closeErr = errors.New("browser stuck")
	m, _, _ := newTestManager(t, Config{PoolSize: 3}, factory, nil)
	ctx := context.Background()
	for range 3 {
		_, err := m.Next(ctx)
		require.NoError(t, err)
	}

	err := m.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "browser stuck")
	for _, b := range factory.backends {
		require.Equal(t, 1, b.closes)
	}
	require.NoError(t, m.Close(), "second close is a no-op")

	_, err = m.Next(ctx)
	require.ErrorIs(t, err, crawler.ErrIllegalState)
}

func TestIdentityWarningArithmetic(t *testing.T) {
	t.Parallel()

	id := newIdentity("x", time.Unix(0, 0), crawler.ProxyHandle{}, nil, Config{MaxWarnings: 3}.withDefaults())
	id.MarkSuccess()
	require.Equal(t, 0, id.LeakWarnings(), "warnings never go negative")

	id.Record(crawler.FetchOutcome{Status: crawler.StatusRetry, Integrity: crawler.IntegrityWrongDistrict})
	require.Equal(t, 2, id.LeakWarnings())
	id.Record(crawler.FetchOutcome{Status: crawler.StatusSuccess})
	require.Equal(t, 1, id.LeakWarnings())
	require.EqualValues(t, 1, id.Successes())

	leaked := id.Record(crawler.FetchOutcome{Status: crawler.StatusRetry, Integrity: crawler.IntegrityBrowserError})
	require.True(t, leaked)
	require.True(t, id.IsLeaked())
	require.NoError(t, id.Close())
	require.True(t, id.IsRetired())
}

func TestIdentityThroughput(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	id := newIdentity("x", start, crawler.ProxyHandle{}, nil, Config{MinThroughput: 0.5, HealthGrace: time.Second}.withDefaults())
	for range 10 {
		id.MarkSuccess()
	}
	require.InDelta(t, 1.0, id.Throughput(start.Add(10*time.Second)), 1e-9)
	require.True(t, id.IsHealthy(start.Add(10*time.Second)))
	require.False(t, id.IsHealthy(start.Add(40*time.Second)))
	require.Zero(t, id.Throughput(start))
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/admission"
	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/hash/sha256"
	"github.com/JakeFAU/streamcrawler/internal/hosts"
	"github.com/JakeFAU/streamcrawler/internal/identity"
	"github.com/JakeFAU/streamcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/streamcrawler/internal/retry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

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

type fetchResult struct {
	outcome crawler.FetchOutcome
	err     error
}

type scriptedFetcher struct {
	mu       sync.Mutex
	results  []fetchResult
	calls    int
	sessions []string
}

func (f *scriptedFetcher) Fetch(_ context.Context, _ crawler.CrawlTask, session crawler.Session) (crawler.FetchOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session.ID())
	r := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return r.outcome, r.err
}

type recordingStore struct {
	mu    sync.Mutex
	added []crawler.DelayedTask
}

func (s *recordingStore) Add(_ context.Context, task crawler.CrawlTask, releaseAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, crawler.DelayedTask{Task: task, ReleaseAt: releaseAt})
	return nil
}

type fakeStats struct {
	mu      sync.Mutex
	reports []crawler.PageReport
}

func (s *fakeStats) RecordPage(_ context.Context, report crawler.PageReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

type countingProxy struct{ n int }

func (p *countingProxy) ReportProxyExhausted() { p.n++ }

type noSleep struct{ calls int }

func (s *noSleep) Sleep(context.Context, time.Duration) { s.calls++ }

type fixture struct {
	worker   *Worker
	state    *crawler.State
	fetcher  *scriptedFetcher
	store    *recordingStore
	stats    *fakeStats
	hosts    *hosts.Tracker
	proxy    *countingProxy
	geofence *admission.RateMeter
	sleeper  *noSleep
	clock    *fakeClock
}

func newFixture(t *testing.T, results ...fetchResult) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	f := &fixture{
		state:    crawler.NewState(),
		fetcher:  &scriptedFetcher{results: results},
		store:    &recordingStore{},
		stats:    &fakeStats{},
		hosts:    hosts.New(hosts.Config{MaxFailures: 1}, nil),
		proxy:    &countingProxy{},
		geofence: admission.NewRateMeter(time.Hour, time.Minute, clock),
		sleeper:  &noSleep{},
		clock:    clock,
	}
	ids, err := identity.NewManager(identity.Config{PoolSize: 1}, identity.Deps{
		Factory: crawler.NopBackendFactory{},
		IDs:     &seqIDs{},
		Clock:   clock,
	})
	require.NoError(t, err)
	rq, err := retry.New(f.store, clock, nil)
	require.NoError(t, err)
	f.worker, err = New(Config{FetchTimeout: time.Second}, Deps{
		State:      f.state,
		Identities: ids,
		Fetcher:    f.fetcher,
		Hosts:      f.hosts,
		Retry:      rq,
		Proxy:      f.proxy,
		Stats:      f.stats,
		Keys:       sha256.New(),
		Geofence:   f.geofence,
		Cancels:    admission.NewRateMeter(time.Minute, time.Second, clock),
		Clock:      clock,
		Sleeper:    f.sleeper,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return f
}

func task(url string) crawler.CrawlTask {
	return crawler.CrawlTask{URL: url, MaxRetries: 2}
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestExecuteSuccessRecordsStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fetchResult{outcome: crawler.FetchOutcome{
		Status:       crawler.StatusSuccess,
		ProtocolCode: 200,
		Bytes:        512,
		Page:         crawler.PageStats{Anchors: 3},
	}})
	f.geofence.Mark(5)

	require.NoError(t, f.worker.Execute(context.Background(), task("https://shop.test/a")))
	snap := f.state.Snapshot()
	require.EqualValues(t, 1, snap.Successes)
	require.Equal(t, "https://shop.test/a", snap.LastURL)
	require.Len(t, f.stats.reports, 1)
	require.Equal(t, "shop.test", f.stats.reports[0].Host)
	require.Equal(t, "id-1", f.stats.reports[0].IdentityID)
	require.Equal(t, 3, f.stats.reports[0].Page.Anchors)
	require.Len(t, f.stats.reports[0].TaskKey, 64)
	require.Zero(t, f.geofence.Count(), "clean success resets the geofence counter")
}

func TestExecuteRetrySchedulesAndCountsHostFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fetchResult{outcome: crawler.FetchOutcome{Status: crawler.StatusRetry, ProtocolCode: 503}})
	require.NoError(t, f.worker.Execute(context.Background(), task("https://flaky.test/a")))
	require.NoError(t, f.worker.Execute(context.Background(), task("https://flaky.test/b")))

	require.Len(t, f.store.added, 2)
	require.Equal(t, 1, f.store.added[0].Task.Retries)
	require.Equal(t, f.clock.now.Add(3*time.Minute), f.store.added[0].ReleaseAt)
	require.EqualValues(t, 2, f.state.Snapshot().Retries)
	require.False(t, f.hosts.IsReachable("flaky.test"))
}

func TestExecuteGeofencedRetryMarksMeterButNotHost(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fetchResult{outcome: crawler.FetchOutcome{
		Status:    crawler.StatusRetry,
		Integrity: crawler.IntegrityWrongDistrict,
	}})
	require.NoError(t, f.worker.Execute(context.Background(), task("https://shop.test/a")))
	require.EqualValues(t, 1, f.geofence.Count())
	require.Zero(t, f.hosts.Failures("shop.test"))
}

func TestExecuteGoneIsCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fetchResult{outcome: crawler.FetchOutcome{Status: crawler.StatusGone, ProtocolCode: 404}})
	require.NoError(t, f.worker.Execute(context.Background(), task("https://shop.test/missing")))
	require.EqualValues(t, 1, f.state.Snapshot().Gone)
	require.Empty(t, f.store.added)
}

func TestExecuteRetryBudgetSpentIsGone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fetchResult{outcome: crawler.FetchOutcome{Status: crawler.StatusRetry}})
	exhausted := task("https://shop.test/a")
	exhausted.Retries = 2
	require.NoError(t, f.worker.Execute(context.Background(), exhausted))
	require.EqualValues(t, 1, f.state.Snapshot().Gone)
	require.Empty(t, f.store.added)
}

func TestExecuteCanceledOutcomeRequeuesWithoutSpendingRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fetchResult{outcome: crawler.FetchOutcome{Status: crawler.StatusCanceled}})
	require.NoError(t, f.worker.Execute(context.Background(), task("https://shop.test/a")))
	require.Len(t, f.store.added, 1)
	require.Zero(t, f.store.added[0].Task.Retries)
	require.Equal(t, f.clock.now.Add(retry.CanceledDelay), f.store.added[0].ReleaseAt)
	require.EqualValues(t, 1, f.state.Snapshot().Canceled)
}

func TestExecuteFastCancelsPause(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fetchResult{outcome: crawler.FetchOutcome{Status: crawler.StatusCanceled}})
	for range 61 {
		require.NoError(t, f.worker.Execute(context.Background(), task("https://shop.test/a")))
	}
	require.Equal(t, 2, f.sleeper.calls, "pauses once the minute rate reaches one per second")
}

func TestExecuteErrorKinds(t *testing.T) {
	t.Parallel()

	t.Run("transient retries", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fetchResult{err: crawler.NewFetchError(crawler.KindTransient, errors.New("reset"))})
		require.NoError(t, f.worker.Execute(context.Background(), task("https://a.test")))
		require.Len(t, f.store.added, 1)
		require.Equal(t, 1, f.hosts.Failures("a.test"))
		require.Equal(t, crawler.FlowContinue, f.state.Flow())
	})

	t.Run("timeout retries and counts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fetchResult{err: context.DeadlineExceeded})
		require.NoError(t, f.worker.Execute(context.Background(), task("https://a.test")))
		require.EqualValues(t, 1, f.state.Snapshot().Timeouts)
		require.Len(t, f.store.added, 1)
	})

	t.Run("rate limit backlog retries without host failure", func(t *testing.T) {
		t.Parallel()
		limiter := ratelimit.New(ratelimit.Config{DefaultRPS: 0.01, DefaultBurst: 1})
		require.NoError(t, limiter.Wait(context.Background(), "https://a.test/1"))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		waitErr := limiter.Wait(ctx, "https://a.test/2")
		require.Error(t, waitErr)

		f := newFixture(t, fetchResult{err: crawler.NewFetchError(crawler.KindOf(waitErr), waitErr)})
		require.NoError(t, f.worker.Execute(context.Background(), task("https://a.test/2")))
		require.Len(t, f.store.added, 1)
		require.Equal(t, 1, f.store.added[0].Task.Retries)
		require.EqualValues(t, 1, f.state.Snapshot().Retries)
		require.Zero(t, f.hosts.Failures("a.test"))
		require.True(t, f.hosts.IsReachable("a.test"))
	})

	t.Run("proxy exhausted closes proxy gate", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fetchResult{err: crawler.ErrProxyBalanceExhausted})
		require.NoError(t, f.worker.Execute(context.Background(), task("https://a.test")))
		require.Equal(t, 1, f.proxy.n)
		require.Len(t, f.store.added, 1)
		require.Zero(t, f.store.added[0].Task.Retries)
		require.Equal(t, crawler.FlowContinue, f.state.Flow())
	})

	t.Run("proxy untrusted stops", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fetchResult{err: crawler.ErrProxyVendorUntrusted})
		require.NoError(t, f.worker.Execute(context.Background(), task("https://a.test")))
		require.Equal(t, crawler.FlowStop, f.state.Flow())
		require.Len(t, f.store.added, 1, "admitted work is not dropped")
	})

	t.Run("cancellation stops once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fetchResult{err: context.Canceled})
		require.NoError(t, f.worker.Execute(context.Background(), task("https://a.test")))
		require.NoError(t, f.worker.Execute(context.Background(), task("https://b.test")))
		require.Equal(t, crawler.FlowStop, f.state.Flow())
		require.False(t, f.state.MarkIllegal(), "illegal flag already set")
	})

	t.Run("unclassified is returned", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fetchResult{err: errors.New("boom")})
		err := f.worker.Execute(context.Background(), task("https://a.test"))
		require.ErrorContains(t, err, "boom")
		require.Empty(t, f.store.added)
		require.Equal(t, crawler.FlowContinue, f.state.Flow())
		require.Equal(t, "boom", f.state.Snapshot().LastFetchError)
	})
}

func TestExecuteLeakedIdentityIsReplaced(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		fetchResult{outcome: crawler.FetchOutcome{Status: crawler.StatusRetry, Integrity: crawler.IntegrityForbidden, ProtocolCode: 403}},
		fetchResult{outcome: crawler.FetchOutcome{Status: crawler.StatusSuccess, ProtocolCode: 200}},
	)
	require.NoError(t, f.worker.Execute(context.Background(), task("https://a.test/1")))
	require.NoError(t, f.worker.Execute(context.Background(), task("https://a.test/2")))
	require.Equal(t, []string{"id-1", "id-2"}, f.fetcher.sessions)
}

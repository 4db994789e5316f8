package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

func newRobotsServer(t *testing.T, hits *atomic.Int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			return
		}
		hits.Add(1)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckerHonorsDisallow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newRobotsServer(t, &hits, http.StatusOK, "User-agent: *\nDisallow: /blocked\n")
	c := New(Config{UserAgent: "streamcrawler"}, srv.Client(), nil, nil)

	ctx := context.Background()
	require.True(t, c.Allowed(ctx, srv.URL+"/allowed"))
	require.False(t, c.Allowed(ctx, srv.URL+"/blocked/page"))
	require.True(t, c.Allowed(ctx, srv.URL))
	require.EqualValues(t, 1, hits.Load())
}

func TestCheckerAgentGroup(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newRobotsServer(t, &hits, http.StatusOK, "User-agent: streamcrawler\nDisallow: /\n\nUser-agent: *\nAllow: /\n")

	ours := New(Config{UserAgent: "streamcrawler"}, srv.Client(), nil, nil)
	require.False(t, ours.Allowed(context.Background(), srv.URL+"/x"))

	other := New(Config{UserAgent: "otherbot"}, srv.Client(), nil, nil)
	require.True(t, other.Allowed(context.Background(), srv.URL+"/x"))
}

func TestCheckerCacheExpires(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newRobotsServer(t, &hits, http.StatusOK, "User-agent: *\nDisallow: /private\n")
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Config{TTL: time.Minute}, srv.Client(), clock, nil)

	ctx := context.Background()
	require.False(t, c.Allowed(ctx, srv.URL+"/private"))
	clock.Advance(30 * time.Second)
	require.False(t, c.Allowed(ctx, srv.URL+"/private"))
	require.EqualValues(t, 1, hits.Load())

	clock.Advance(time.Minute)
	require.False(t, c.Allowed(ctx, srv.URL+"/private"))
	require.EqualValues(t, 2, hits.Load())
}

func TestCheckerMissingRobotsAllows(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newRobotsServer(t, &hits, http.StatusNotFound, "")
	c := New(Config{}, srv.Client(), nil, nil)
	require.True(t, c.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestCheckerUnreachableHostAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(Config{FetchTimeout: time.Second}, nil, nil, nil)
	require.True(t, c.Allowed(context.Background(), addr+"/page"))
}

func TestCheckerRejectsBadURL(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil, nil, nil)
	require.False(t, c.Allowed(context.Background(), "::not a url"))
	require.False(t, c.Allowed(context.Background(), "/relative"))
}

func TestCheckerServerErrorDisallows(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newRobotsServer(t, &hits, http.StatusServiceUnavailable, "")
	c := New(Config{}, srv.Client(), nil, nil)
	require.False(t, c.Allowed(context.Background(), srv.URL+"/anything"))
}

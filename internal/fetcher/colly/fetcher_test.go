package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/fetcher"
	"github.com/JakeFAU/streamcrawler/internal/headless/detector"
	"github.com/JakeFAU/streamcrawler/internal/policy/ratelimit"
)

type fakeSession struct {
	proxy crawler.ProxyHandle
}

func (s fakeSession) ID() string { return "id-1" }

func (s fakeSession) Proxy() crawler.ProxyHandle { return s.proxy }

func (s fakeSession) Backend() crawler.Backend { return crawler.NopBackend{} }

var productPage = "<html><head><title>Widget</title></head><body><a href='/cart'>cart</a><img src='w.png'><p>" +
	strings.Repeat("twelve ninety nine ", 200) + "</p></body></html>"

func newFetcher() *Fetcher {
	return New(Config{UserAgent: "streamcrawler-test", Timeout: 2 * time.Second}, Deps{
		Detector: detector.New(detector.DefaultConfig()),
		Limiter:  ratelimit.New(ratelimit.Config{}),
	})
}

func task(u string) crawler.CrawlTask {
	return crawler.CrawlTask{URL: u, MaxRetries: 2}
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		_, _ = w.Write([]byte(productPage))
	}))
	defer srv.Close()

	out, err := newFetcher().Fetch(context.Background(), task(srv.URL+"/item"), fakeSession{})
	require.NoError(t, err)
	require.Equal(t, crawler.StatusSuccess, out.Status)
	require.Equal(t, http.StatusOK, out.ProtocolCode)
	require.Equal(t, crawler.IntegrityOK, out.Integrity)
	require.Equal(t, crawler.PageStats{Anchors: 1, Images: 1, Texts: 2}, out.Page)
	require.Equal(t, srv.URL+"/item", out.FinalURL)
	require.Equal(t, "streamcrawler-test", agent.Load())
}

func TestFetchMapsStatusCodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/busy":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/blocked":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	f := newFetcher()
	ctx := context.Background()

	out, err := f.Fetch(ctx, task(srv.URL+"/missing"), fakeSession{})
	require.NoError(t, err)
	require.Equal(t, crawler.StatusGone, out.Status)

	out, err = f.Fetch(ctx, task(srv.URL+"/blocked"), fakeSession{})
	require.NoError(t, err)
	require.Equal(t, crawler.StatusRetry, out.Status)
	require.Equal(t, crawler.IntegrityForbidden, out.Integrity)

	spent := task(srv.URL + "/flaky")
	spent.Retries = 2
	out, err = f.Fetch(ctx, spent, fakeSession{})
	require.NoError(t, err)
	require.Equal(t, crawler.StatusGone, out.Status)

	out, err = f.Fetch(ctx, task(srv.URL+"/busy"), fakeSession{})
	require.NoError(t, err)
	require.Equal(t, crawler.StatusRetry, out.Status)
	require.Equal(t, 30*time.Second, out.RetryDelay)
	require.EqualValues(t, 1, f.limiter.Rate(srv.URL), "429 slows the host down")
}

func TestFetchThroughSessionProxy(t *testing.T) {
	t.Parallel()

	var proxied atomic.Int64
	var target atomic.Value
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		target.Store(r.URL.Host)
		_, _ = w.Write([]byte(productPage))
	}))
	defer proxy.Close()

	f := newFetcher()
	session := fakeSession{proxy: crawler.ProxyHandle{ID: "p1", URL: proxy.URL}}
	out, err := f.Fetch(context.Background(), task("http://origin.test/item"), session)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusSuccess, out.Status)
	require.EqualValues(t, 1, proxied.Load())
	require.Equal(t, "origin.test", target.Load())
	f.CloseIdle()
}

func TestFetchNetworkFailureIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := newFetcher().Fetch(context.Background(), task(addr+"/gone-server"), fakeSession{})
	require.Error(t, err)
	require.Contains(t, []crawler.ErrorKind{crawler.KindTransient, crawler.KindTimeout}, crawler.KindOf(err))
}

func TestFetchDeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-release }))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newFetcher().Fetch(ctx, task(srv.URL), fakeSession{})
	require.Equal(t, crawler.KindTimeout, crawler.KindOf(err))
}

func TestClassifyKeepsKnownKinds(t *testing.T) {
	t.Parallel()

	require.Equal(t, crawler.KindTransient, crawler.KindOf(classify(errors.New("connection reset"))))
	require.Equal(t, crawler.KindCanceled, crawler.KindOf(classify(context.Canceled)))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, Deps{})
	var page fetcher.Page
	var fetchErr error
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Now(), &page, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, page.Code)
	require.Equal(t, "body", string(page.Body))
	require.Equal(t, "ok", page.Header.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }

func (s *stubHooks) OnError(cb colly.ErrorCallback) { s.onError = cb }

func TestFetchRateLimitBacklogIsTimeout(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(productPage))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second}, Deps{
		Detector: detector.New(detector.DefaultConfig()),
		Limiter:  ratelimit.New(ratelimit.Config{DefaultRPS: 0.01, DefaultBurst: 1}),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.Fetch(ctx, task(srv.URL+"/a"), fakeSession{})
	require.NoError(t, err)
	_, err = f.Fetch(ctx, task(srv.URL+"/b"), fakeSession{})
	require.Equal(t, crawler.KindTimeout, crawler.KindOf(err))
	require.ErrorIs(t, err, ratelimit.ErrBacklog)
	require.EqualValues(t, 1, hits.Load())
}

// Package collyfetcher implements crawler.Fetcher with plain HTTP via gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/fetcher"
	"github.com/JakeFAU/streamcrawler/internal/headless/detector"
	"github.com/JakeFAU/streamcrawler/internal/policy/ratelimit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Deps are optional collaborators. A nil Detector skips integrity checks and a
// nil Limiter skips politeness waits.
type Deps struct {
	Detector  *detector.Detector
	Limiter   *ratelimit.Limiter
	Clock     crawler.Clock
	Transport http.RoundTripper
}

// Fetcher implements crawler.Fetcher using the Colly collector. Each session
// proxy gets its own transport so connections are never shared across
// identities.
type Fetcher struct {
	cfg      Config
	detector *detector.Detector
	limiter  *ratelimit.Limiter
	clock    crawler.Clock
	base     http.RoundTripper

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, deps Deps) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Fetcher{
		cfg:        cfg,
		detector:   deps.Detector,
		limiter:    deps.Limiter,
		clock:      deps.Clock,
		base:       deps.Transport,
		transports: make(map[string]http.RoundTripper),
	}
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, task crawler.CrawlTask, session crawler.Session) (crawler.FetchOutcome, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, task.URL); err != nil {
			return crawler.FetchOutcome{}, crawler.NewFetchError(crawler.KindOf(err), err)
		}
	}
	transport, err := f.transportFor(session)
	if err != nil {
		return crawler.FetchOutcome{}, err
	}
	collector := f.buildCollector(transport)

	var (
		page     fetcher.Page
		fetchErr error
	)
	start := f.now()
	f.configureCollectorHooks(collector, start, &page, &fetchErr)
	if err := f.runCollector(ctx, collector, task.URL, &fetchErr); err != nil {
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return crawler.FetchOutcome{Status: crawler.StatusGone, FinalURL: task.URL}, nil
		}
		return crawler.FetchOutcome{}, classify(err)
	}

	out := fetcher.Classify(task, page, f.detector, f.now())
	if page.Code == http.StatusTooManyRequests && f.limiter != nil {
		f.limiter.Penalize(task.URL)
	}
	return out, nil
}

func (f *Fetcher) now() time.Time {
	if f.clock != nil {
		return f.clock.Now()
	}
	return time.Now()
}

func (f *Fetcher) buildCollector(transport http.RoundTripper) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(transport)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, page *fetcher.Page, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = fetcher.Page{
			Code:     r.StatusCode,
			Body:     append([]byte(nil), r.Body...),
			FinalURL: r.Request.URL.String(),
			Elapsed:  f.now().Sub(start),
		}
		if r.Headers != nil {
			page.Header = r.Headers.Clone()
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// transportFor returns the transport for the session's proxy, building it on
// first use.
func (f *Fetcher) transportFor(session crawler.Session) (http.RoundTripper, error) {
	var handle crawler.ProxyHandle
	if session != nil {
		handle = session.Proxy()
	}
	if handle.IsZero() {
		if f.base != nil {
			return f.base, nil
		}
		return f.cached("", nil)
	}
	proxyURL, err := url.Parse(handle.URL)
	if err != nil {
		return nil, crawler.NewFetchError(crawler.KindIllegalState, fmt.Errorf("parse proxy %s: %w", handle.ID, err))
	}
	return f.cached(handle.URL, proxyURL)
}

func (f *Fetcher) cached(key string, proxyURL *url.URL) (http.RoundTripper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t, nil
	}
	t := newHTTPTransport(proxyURL)
	f.transports[key] = t
	return t, nil
}

// CloseIdle drops idle connections on every cached transport.
func (f *Fetcher) CloseIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		if ht, ok := t.(*http.Transport); ok {
			ht.CloseIdleConnections()
		}
	}
}

// classify tags a transport failure. Anything a plain HTTP client reports
// that is not a deadline or cancellation is worth retrying.
func classify(err error) error {
	kind := crawler.KindOf(err)
	if kind == crawler.KindUnclassified {
		kind = crawler.KindTransient
	}
	return crawler.NewFetchError(kind, err)
}

func newHTTPTransport(proxyURL *url.URL) *http.Transport {
	proxy := http.ProxyFromEnvironment
	if proxyURL != nil {
		proxy = http.ProxyURL(proxyURL)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Package headless fetches pages in per-identity Chrome browsers via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/fetcher"
	"github.com/JakeFAU/streamcrawler/internal/headless/detector"
	"github.com/JakeFAU/streamcrawler/internal/policy/ratelimit"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after the body is ready for late scripts.
	SettleDelay time.Duration
}

// RobotsChecker decides whether robots.txt permits a URL.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Deps are optional collaborators.
type Deps struct {
	Detector *detector.Detector
	Limiter  *ratelimit.Limiter
	// Robots, when set, is consulted before each navigation.
	Robots RobotsChecker
	Clock  crawler.Clock
}

// Fetcher implements crawler.Fetcher on top of the session's Browser.
type Fetcher struct {
	cfg      Config
	detector *detector.Detector
	limiter  *ratelimit.Limiter
	robots   RobotsChecker
	clock    crawler.Clock
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, deps Deps) *Fetcher {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Fetcher{
		cfg:      cfg,
		detector: deps.Detector,
		limiter:  deps.Limiter,
		robots:   deps.Robots,
		clock:    deps.Clock,
	}
}

// Fetch opens a tab in the session's browser, navigates, and classifies the
// rendered page.
func (f *Fetcher) Fetch(ctx context.Context, task crawler.CrawlTask, session crawler.Session) (crawler.FetchOutcome, error) {
	browser, ok := session.Backend().(*Browser)
	if !ok {
		return crawler.FetchOutcome{}, crawler.NewFetchError(crawler.KindIllegalState,
			fmt.Errorf("session %s has no browser backend (%T)", session.ID(), session.Backend()))
	}
	if f.robots != nil && !f.robots.Allowed(ctx, task.URL) {
		return crawler.FetchOutcome{Status: crawler.StatusGone, FinalURL: task.URL}, nil
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, task.URL); err != nil {
			return crawler.FetchOutcome{}, crawler.NewFetchError(crawler.KindOf(err), err)
		}
	}

	tabCtx, tabCancel := chromedp.NewContext(browser.Context())
	defer tabCancel()
	// Tie the tab to the caller's deadline and cancellation.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := f.now()
	html, finalURL, err := f.runHeadless(tabCtx, task.URL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchOutcome{}, fmt.Errorf("headless fetch %s: %w", task.URL, ctxErr)
		}
		return f.mapRunError(task, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(task.URL, finalURL)
	page := fetcher.Page{
		Code:     status,
		Body:     []byte(html),
		FinalURL: responseURL,
		Elapsed:  f.now().Sub(start),
		Header:   headers,
	}
	return fetcher.Classify(task, page, f.detector, f.now()), nil
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

// mapRunError turns a failed navigation into an outcome or a tagged error.
// Proxy failures retire the identity; other net:: failures are transient;
// anything else is charged to the browser.
func (f *Fetcher) mapRunError(task crawler.CrawlTask, err error) (crawler.FetchOutcome, error) {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.FetchOutcome{}, crawler.NewFetchError(crawler.KindTimeout, err)
	case isProxyFailure(msg):
		return crawler.FetchOutcome{
			Status:    crawler.ExhaustRetries(task, crawler.StatusRetry),
			Integrity: crawler.IntegrityProxyRetired,
			FinalURL:  task.URL,
		}, nil
	case strings.Contains(msg, "net::ERR_"):
		return crawler.FetchOutcome{}, crawler.NewFetchError(crawler.KindTransient, err)
	default:
		return crawler.FetchOutcome{
			Status:    crawler.ExhaustRetries(task, crawler.StatusRetry),
			Integrity: crawler.IntegrityBrowserError,
			FinalURL:  task.URL,
		}, nil
	}
}

var proxyFailureMarkers = []string{
	"net::ERR_PROXY",
	"net::ERR_TUNNEL_CONNECTION_FAILED",
	"net::ERR_SOCKS_CONNECTION_FAILED",
}

func isProxyFailure(msg string) bool {
	for _, m := range proxyFailureMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (f *Fetcher) now() time.Time {
	if f.clock != nil {
		return f.clock.Now()
	}
	return time.Now()
}

// responseMeta records the main document response seen by the tab.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Later document responses belong to iframes; keep the first one.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

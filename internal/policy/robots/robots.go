// Package robots answers whether a URL may be fetched under its host's
// robots.txt. The colly fetcher has this built in; the headless fetcher
// asks a Checker before opening a tab.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

const (
	defaultTTL     = time.Hour
	maxRobotsBytes = 1 << 20
)

// Config tunes the checker.
type Config struct {
	UserAgent string
	// TTL is how long a host's rules are reused before being fetched again.
	TTL time.Duration
	// FetchTimeout bounds each robots.txt request.
	FetchTimeout time.Duration
}

type entry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Checker caches parsed robots.txt per host.
type Checker struct {
	cfg    Config
	client *http.Client
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

// New builds a Checker. A nil client uses a dedicated one with the fetch
// timeout applied.
func New(cfg Config, client *http.Client, clock crawler.Clock, logger *zap.Logger) *Checker {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:     cfg,
		client:  client,
		clock:   clock,
		logger:  logger.Named("robots"),
		entries: make(map[string]entry),
	}
}

// Allowed reports whether rawURL may be fetched. Unparseable URLs are
// refused; hosts whose robots.txt cannot be loaded are allowed.
func (c *Checker) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := c.rules(ctx, parsed)
	if err != nil {
		c.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return data.TestAgent(target, c.cfg.UserAgent)
}

func (c *Checker) rules(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	key := parsed.Scheme + "://" + strings.ToLower(parsed.Host)
	now := c.now()

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < c.cfg.TTL {
		return cached.data, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		data, err := c.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{data: data, fetchedAt: now}
		c.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, ok := v.(*robotstxt.RobotsData)
	if !ok {
		return nil, fmt.Errorf("robots cache type mismatch: %T", v)
	}
	return data, nil
}

func (c *Checker) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func (c *Checker) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now()
}

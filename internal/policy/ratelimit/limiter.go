// Package ratelimit paces requests per host with token buckets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/metrics"
)

// ErrBacklog means the host's queued requests would outlast the caller's deadline.
var ErrBacklog = errors.New("host rate limit backlog exceeds deadline")

// minRate is the floor Penalize will not go below.
const minRate = rate.Limit(0.05)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	hostRates    map[string]rate.Limit
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// HostRPS overrides DefaultRPS for individual hosts.
	HostRPS map[string]float64
}

// New creates a new Limiter. A non-positive DefaultRPS means no limit.
func New(cfg Config) *Limiter {
	metrics.Init()
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	hostRates := make(map[string]rate.Limit, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		if rps > 0 {
			hostRates[host] = rate.Limit(rps)
		}
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		hostRates:    hostRates,
	}
}

func (l *Limiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		r := l.defaultRate
		if hr, ok := l.hostRates[host]; ok {
			r = hr
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}

func hostKey(rawURL string) string {
	if host := crawler.HostOf(rawURL); host != "" {
		return host
	}
	return "unknown"
}

// Wait blocks until a token is available for the URL's host. When the
// host's backlog outlasts the context deadline it fails at once with a
// timeout, so the task is retried instead of dropped.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostKey(rawURL)
	start := time.Now()
	if err := l.limiter(host).Wait(ctx); err != nil {
		if ctx.Err() == nil {
			return crawler.NewFetchError(crawler.KindTimeout, fmt.Errorf("%w: %s: %w", ErrBacklog, host, err))
		}
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Penalize halves the host's rate after it pushed back (e.g. HTTP 429).
func (l *Limiter) Penalize(rawURL string) {
	lim := l.limiter(hostKey(rawURL))
	current := lim.Limit()
	if current == rate.Inf {
		// An unlimited host starts over from one request per second.
		lim.SetLimit(1)
		return
	}
	lim.SetLimit(max(current/2, minRate))
}

// Rate returns the current limit for the URL's host.
func (l *Limiter) Rate(rawURL string) rate.Limit {
	return l.limiter(hostKey(rawURL)).Limit()
}

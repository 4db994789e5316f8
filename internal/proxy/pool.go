// Package proxy hands out proxy endpoints to new fetch identities.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// Unlimited disables the balance check.
const Unlimited = -1

// StaticPool rotates through a fixed list of endpoints. Each Take spends one
// unit of balance.
type StaticPool struct {
	mu        sync.Mutex
	proxies   []crawler.ProxyHandle
	next      int
	balance   int
	untrusted bool
}

// NewStaticPool validates the endpoint URLs. balance is the number of Take
// calls allowed before the vendor counts as exhausted; Unlimited disables it.
func NewStaticPool(endpoints []string, balance int) (*StaticPool, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("proxy pool requires at least one endpoint")
	}
	proxies := make([]crawler.ProxyHandle, 0, len(endpoints))
	for i, raw := range endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %d: %w", i, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy %d: want scheme://host:port, got %q", i, raw)
		}
		proxies = append(proxies, crawler.ProxyHandle{ID: u.Host, URL: u.String()})
	}
	return &StaticPool{proxies: proxies, balance: balance}, nil
}

// Take implements crawler.ProxyPool.
func (p *StaticPool) Take(ctx context.Context) (crawler.ProxyHandle, error) {
	if err := ctx.Err(); err != nil {
		return crawler.ProxyHandle{}, fmt.Errorf("take proxy: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.untrusted {
		return crawler.ProxyHandle{}, crawler.ErrProxyVendorUntrusted
	}
	if p.balance == 0 {
		return crawler.ProxyHandle{}, crawler.ErrProxyBalanceExhausted
	}
	if p.balance > 0 {
		p.balance--
	}
	h := p.proxies[p.next]
	p.next = (p.next + 1) % len(p.proxies)
	return h, nil
}

// Refill sets the remaining balance, e.g. after the vendor account is topped up.
func (p *StaticPool) Refill(balance int) {
	p.mu.Lock()
	p.balance = balance
	p.mu.Unlock()
}

// Balance returns the remaining balance, or Unlimited.
func (p *StaticPool) Balance() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Untrust makes every later Take fail with crawler.ErrProxyVendorUntrusted.
func (p *StaticPool) Untrust() {
	p.mu.Lock()
	p.untrusted = true
	p.mu.Unlock()
}

// Len returns the number of endpoints.
func (p *StaticPool) Len() int {
	return len(p.proxies)
}

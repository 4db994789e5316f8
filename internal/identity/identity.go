// Package identity manages the pool of fetch identities (browser profile plus
// proxy) and retires the ones that leak or stop producing.
package identity

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// Warning weights applied per page integrity signal.
const (
	robotCheckWarnings   = 1
	geofenceWarnings     = 2
	browserErrorWarnings = 3
)

// Identity is one browsing persona. It is safe for concurrent use by the
// fetch tasks assigned to it.
type Identity struct {
	id            string
	createdAt     time.Time
	proxy         crawler.ProxyHandle
	backend       crawler.Backend
	minThroughput float64
	maxWarnings   int32
	grace         time.Duration

	tasks        atomic.Int64
	attempts     atomic.Int64
	successes    atomic.Int64
	leakWarnings atomic.Int32
	retired      atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newIdentity(id string, now time.Time, proxy crawler.ProxyHandle, backend crawler.Backend, cfg Config) *Identity {
	return &Identity{
		id:            id,
		createdAt:     now,
		proxy:         proxy,
		backend:       backend,
		minThroughput: cfg.MinThroughput,
		maxWarnings:   int32(cfg.MaxWarnings),
		grace:         cfg.HealthGrace,
	}
}

// ID implements crawler.Session.
func (i *Identity) ID() string { return i.id }

// Proxy implements crawler.Session.
func (i *Identity) Proxy() crawler.ProxyHandle { return i.proxy }

// Backend implements crawler.Session.
func (i *Identity) Backend() crawler.Backend { return i.backend }

// CreatedAt returns when the identity was opened.
func (i *Identity) CreatedAt() time.Time { return i.createdAt }

// Successes returns the number of successful fetches.
func (i *Identity) Successes() int64 { return i.successes.Load() }

// LeakWarnings returns the current warning score.
func (i *Identity) LeakWarnings() int { return int(i.leakWarnings.Load()) }

// Throughput is successes per second since creation.
func (i *Identity) Throughput(now time.Time) float64 {
	elapsed := now.Sub(i.createdAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(i.successes.Load()) / elapsed
}

// IsHealthy reports whether throughput meets the minimum. Identities younger
// than the grace period are healthy by default since a rate over a handful of
// tasks says nothing.
func (i *Identity) IsHealthy(now time.Time) bool {
	if now.Sub(i.createdAt) < i.grace {
		return true
	}
	return i.Throughput(now) >= i.minThroughput
}

// IsLeaked reports whether the warning score went past the limit.
func (i *Identity) IsLeaked() bool {
	return i.leakWarnings.Load() > i.maxWarnings
}

// IsRetired reports whether the identity was removed from rotation or closed.
func (i *Identity) IsRetired() bool {
	return i.retired.Load()
}

// MarkSuccess counts a success and forgives one warning.
func (i *Identity) MarkSuccess() {
	i.successes.Add(1)
	for {
		w := i.leakWarnings.Load()
		if w <= 0 || i.leakWarnings.CompareAndSwap(w, w-1) {
			return
		}
	}
}

// MarkWarning adds n to the warning score.
func (i *Identity) MarkWarning(n int) {
	if n > 0 {
		i.leakWarnings.Add(int32(n))
	}
}

// MarkLeaked pushes the score past the limit.
func (i *Identity) MarkLeaked() {
	for {
		w := i.leakWarnings.Load()
		if w > i.maxWarnings || i.leakWarnings.CompareAndSwap(w, i.maxWarnings+1) {
			return
		}
	}
}

// Record applies one fetch outcome and reports whether it tipped the identity
// into the leaked state.
func (i *Identity) Record(outcome crawler.FetchOutcome) bool {
	wasLeaked := i.IsLeaked()
	i.attempts.Add(1)
	switch outcome.Integrity {
	case crawler.IntegrityForbidden, crawler.IntegrityProxyRetired:
		i.MarkLeaked()
	case crawler.IntegrityRobotCheck:
		i.MarkWarning(robotCheckWarnings)
	case crawler.IntegrityWrongDistrict, crawler.IntegrityWrongProfile:
		i.MarkWarning(geofenceWarnings)
	case crawler.IntegrityBrowserError:
		i.MarkWarning(browserErrorWarnings)
	}
	if outcome.Status == crawler.StatusSuccess && outcome.Integrity == crawler.IntegrityOK {
		i.MarkSuccess()
	}
	return !wasLeaked && i.IsLeaked()
}

// Close releases the backend once. Later calls return the first result.
func (i *Identity) Close() error {
	i.retired.Store(true)
	i.closeOnce.Do(func() {
		if i.backend != nil {
			i.closeErr = i.backend.Close()
		}
	})
	return i.closeErr
}

// Snapshot is a read-only view of an identity for diagnostics.
type Snapshot struct {
	ID           string    `json:"id"`
	Proxy        string    `json:"proxy,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Tasks        int64     `json:"tasks"`
	Attempts     int64     `json:"attempts"`
	Successes    int64     `json:"successes"`
	LeakWarnings int       `json:"leak_warnings"`
	Throughput   float64   `json:"throughput_per_min"`
	Healthy      bool      `json:"healthy"`
	Leaked       bool      `json:"leaked"`
}

func (i *Identity) snapshot(now time.Time) Snapshot {
	return Snapshot{
		ID:           i.id,
		Proxy:        i.proxy.ID,
		CreatedAt:    i.createdAt,
		Tasks:        i.tasks.Load(),
		Attempts:     i.attempts.Load(),
		Successes:    i.successes.Load(),
		LeakWarnings: i.LeakWarnings(),
		Throughput:   i.Throughput(now) * 60,
		Healthy:      i.IsHealthy(now),
		Leaked:       i.IsLeaked(),
	}
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/metrics"
)

const zombieReportSize = 15

// Config controls pool size and retirement thresholds.
type Config struct {
	// PoolSize is the number of identities kept in rotation.
	PoolSize int
	// MinThroughput is the minimum successes per second once past HealthGrace.
	MinThroughput float64
	// MaxWarnings is the warning score above which an identity counts as leaked.
	MaxWarnings int
	// HealthGrace is how long a new identity is exempt from the throughput check.
	HealthGrace time.Duration
	// MaxZombies bounds the retired identities kept for diagnostics.
	MaxZombies int
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.MaxWarnings <= 0 {
		c.MaxWarnings = 8
	}
	if c.HealthGrace <= 0 {
		c.HealthGrace = 5 * time.Minute
	}
	if c.MaxZombies <= 0 {
		c.MaxZombies = 100
	}
	return c
}

// LeakRecorder is told each time an identity becomes leaked.
type LeakRecorder interface {
	MarkLeak()
}

// Manager hands out identities in rotation and replaces retired ones.
type Manager struct {
	cfg     Config
	factory crawler.BackendFactory
	proxies crawler.ProxyPool
	ids     crawler.IDGenerator
	clock   crawler.Clock
	leaks   LeakRecorder
	logger  *zap.Logger

	mu      sync.Mutex
	ring    []*Identity
	cursor  int
	zombies []*Identity
	closed  bool
}

// Deps bundles the Manager collaborators. Proxies and Leaks are optional.
type Deps struct {
	Factory crawler.BackendFactory
	Proxies crawler.ProxyPool
	IDs     crawler.IDGenerator
	Clock   crawler.Clock
	Leaks   LeakRecorder
	Logger  *zap.Logger
}

// NewManager builds a Manager.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Factory == nil {
		return nil, errors.New("identity manager requires a backend factory")
	}
	if deps.IDs == nil {
		return nil, errors.New("identity manager requires an id generator")
	}
	if deps.Clock == nil {
		return nil, errors.New("identity manager requires a clock")
	}
	metrics.Init()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		factory: deps.Factory,
		proxies: deps.Proxies,
		ids:     deps.IDs,
		clock:   deps.Clock,
		leaks:   deps.Leaks,
		logger:  logger.Named("identity"),
	}, nil
}

// Next returns the identity for the next fetch task. The pool grows lazily up
// to PoolSize; after that identities rotate, and an unhealthy or leaked one
// is retired and replaced in place.
func (m *Manager) Next(ctx context.Context) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("next identity: manager closed: %w", crawler.ErrIllegalState)
	}

	if len(m.ring) < m.cfg.PoolSize {
		id, err := m.open(ctx)
		if err != nil {
			return nil, err
		}
		m.ring = append(m.ring, id)
		id.tasks.Add(1)
		return id, nil
	}

	idx := m.cursor % len(m.ring)
	m.cursor = idx + 1
	current := m.ring[idx]
	now := m.clock.Now()
	if !current.IsRetired() && !current.IsLeaked() && current.IsHealthy(now) {
		current.tasks.Add(1)
		return current, nil
	}

	m.bury(current, now)
	if err := current.Close(); err != nil {
		m.logger.Warn("close retired identity failed", zap.String("identity", current.ID()), zap.Error(err))
	}
	replacement, err := m.open(ctx)
	if err != nil {
		m.ring = rebuild(m.ring, idx, nil)
		m.cursor = idx
		return nil, err
	}
	m.ring = rebuild(m.ring, idx, replacement)
	replacement.tasks.Add(1)
	return replacement, nil
}

// Report applies a fetch outcome to id and notifies the leak recorder if the
// identity just leaked.
func (m *Manager) Report(id *Identity, outcome crawler.FetchOutcome) {
	if id == nil {
		return
	}
	if id.Record(outcome) {
		m.logger.Warn("identity leaked",
			zap.String("identity", id.ID()),
			zap.String("integrity", outcome.Integrity.String()),
			zap.Int("warnings", id.LeakWarnings()),
		)
		metrics.ObserveIdentityLeak()
		if m.leaks != nil {
			m.leaks.MarkLeak()
		}
	}
}

// Size returns the number of identities in rotation.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ring)
}

// Status is a diagnostic view of the pool.
type Status struct {
	Active  []Snapshot `json:"active"`
	Zombies int        `json:"zombies"`
}

// Snapshot copies the pool state.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	status := Status{Active: make([]Snapshot, 0, len(m.ring)), Zombies: len(m.zombies)}
	for _, id := range m.ring {
		status.Active = append(status.Active, id.snapshot(now))
	}
	return status
}

// Close retires every identity in rotation and closes it, returning the
// joined close failures. Retired identities were closed when they left the
// rotation. Next fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	now := m.clock.Now()
	active := m.ring
	m.ring = nil
	var errs []error
	for _, id := range active {
		m.bury(id, now)
		if err := id.Close(); err != nil {
			m.logger.Warn("close identity failed", zap.String("identity", id.ID()), zap.Error(err))
			errs = append(errs, fmt.Errorf("close identity %s: %w", id.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) open(ctx context.Context) (*Identity, error) {
	idValue, err := m.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate identity id: %w", err)
	}
	var proxy crawler.ProxyHandle
	if m.proxies != nil {
		proxy, err = m.proxies.Take(ctx)
		if err != nil {
			return nil, fmt.Errorf("take proxy for identity %s: %w", idValue, err)
		}
	}
	backend, err := m.factory.Open(ctx, idValue, proxy)
	if err != nil {
		return nil, fmt.Errorf("open identity %s: %w", idValue, err)
	}
	m.logger.Info("identity opened", zap.String("identity", idValue), zap.String("proxy", proxy.ID))
	return newIdentity(idValue, m.clock.Now(), proxy, backend, m.cfg), nil
}

// bury records id as a zombie. Callers hold m.mu, take id out of the ring,
// and close it.
func (m *Manager) bury(id *Identity, now time.Time) {
	m.zombies = append([]*Identity{id}, m.zombies...)
	if len(m.zombies) > m.cfg.MaxZombies {
		m.zombies = m.zombies[:m.cfg.MaxZombies]
	}
	m.logger.Info("identity retired",
		zap.String("identity", id.ID()),
		zap.Bool("leaked", id.IsLeaked()),
		zap.Bool("healthy", id.IsHealthy(now)),
		zap.Int64("successes", id.Successes()),
		zap.Float64s("zombie_throughput_per_min", m.zombieThroughput(now)),
	)
}

func (m *Manager) zombieThroughput(now time.Time) []float64 {
	n := min(len(m.zombies), zombieReportSize)
	out := make([]float64, 0, n)
	for _, z := range m.zombies[:n] {
		out = append(out, z.Throughput(now)*60)
	}
	return out
}

// rebuild returns a new slice with ring[idx] replaced by repl, or removed when
// repl is nil. The old slice is left untouched for concurrent readers.
func rebuild(ring []*Identity, idx int, repl *Identity) []*Identity {
	next := make([]*Identity, 0, len(ring))
	next = append(next, ring[:idx]...)
	if repl != nil {
		next = append(next, repl)
	}
	return append(next, ring[idx+1:]...)
}

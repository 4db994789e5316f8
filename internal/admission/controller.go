// Package admission decides, before each dispatch, whether the process may
// start another fetch. Gates run in a fixed order and most of them block
// until their condition clears.
package admission

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// Decision is the result of one admission pass.
type Decision int

// Admission decisions.
const (
	// Admit lets the task through.
	Admit Decision = iota
	// Halt means the loop was asked to stop while waiting.
	Halt
	// Terminate means a fatal resource condition was hit.
	Terminate
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Halt:
		return "halt"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Config holds gate thresholds.
type Config struct {
	NumIdentities       int
	MaxTasksPerIdentity int
	// DiskFloor is the minimum free bytes on the largest volume.
	DiskFloor uint64
	// LeakRatePerMinute is the rolling identity-leak rate that closes the leak gate.
	LeakRatePerMinute float64
	// LeakMaxWait bounds how long the leak gate blocks.
	LeakMaxWait time.Duration
	// GeofenceMaxPerHour is the wrong-district count above which dispatch blocks.
	GeofenceMaxPerHour int64
	// ProxyRecheckEvery is how many proxy gate iterations pass between Take probes.
	ProxyRecheckEvery int64
	// MemoryReliefEvery is how many memory gate iterations pass between relief hints.
	MemoryReliefEvery int
	// PollInterval is the recheck cadence of the blocking gates.
	PollInterval time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		NumIdentities:       1,
		MaxTasksPerIdentity: 1,
		DiskFloor:           10 * gib,
		LeakRatePerMinute:   5,
		LeakMaxWait:         10 * time.Minute,
		GeofenceMaxPerHour:  60,
		ProxyRecheckEvery:   180,
		MemoryReliefEvery:   20,
		PollInterval:        time.Second,
	}
}

// Limit is the in-flight task bound.
func (c Config) Limit() int64 {
	return int64(max(c.NumIdentities, 1)) * int64(max(c.MaxTasksPerIdentity, 1))
}

// Deps bundles the Controller collaborators. Proxies may be nil.
type Deps struct {
	State     *crawler.State
	Resources Resources
	Leaks     *RateMeter
	Geofence  *RateMeter
	Proxies   crawler.ProxyPool
	Clock     crawler.Clock
	Sleeper   crawler.Sleeper
	// Relief hooks run when memory is short, e.g. cache clearers.
	Relief []func()
	Logger *zap.Logger
}

// Controller runs the admission gates.
type Controller struct {
	cfg       Config
	state     *crawler.State
	resources Resources
	leaks     *RateMeter
	geofence  *RateMeter
	proxies   crawler.ProxyPool
	clock     crawler.Clock
	sleeper   crawler.Sleeper
	relief    []func()
	logger    *zap.Logger

	proxyOutOfService atomic.Int64
	leakWait          atomic.Int64
}

// New builds a Controller.
func New(cfg Config, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleeper := deps.Sleeper
	if sleeper == nil {
		sleeper = crawler.TimerSleeper{}
	}
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ProxyRecheckEvery <= 0 {
		cfg.ProxyRecheckEvery = defaults.ProxyRecheckEvery
	}
	if cfg.MemoryReliefEvery <= 0 {
		cfg.MemoryReliefEvery = defaults.MemoryReliefEvery
	}
	if cfg.LeakMaxWait <= 0 {
		cfg.LeakMaxWait = defaults.LeakMaxWait
	}
	return &Controller{
		cfg:       cfg,
		state:     deps.State,
		resources: deps.Resources,
		leaks:     deps.Leaks,
		geofence:  deps.Geofence,
		proxies:   deps.Proxies,
		clock:     deps.Clock,
		sleeper:   sleeper,
		relief:    deps.Relief,
		logger:    logger.Named("admission"),
	}
}

// ReportProxyExhausted records that the proxy vendor ran out of balance. The
// proxy gate stays closed until a probe succeeds.
func (c *Controller) ReportProxyExhausted() {
	c.proxyOutOfService.Add(1)
	c.state.IncProxyOutages()
}

// ProxyOutOfService reports whether the proxy gate is closed.
func (c *Controller) ProxyOutOfService() bool {
	return c.proxyOutOfService.Load() > 0
}

// LeakWait returns the total time spent blocked on the leak gate.
func (c *Controller) LeakWait() time.Duration {
	return time.Duration(c.leakWait.Load())
}

// Admit runs every gate in order. It returns Admit only after all six pass,
// and clears the critical warning in that case.
func (c *Controller) Admit(ctx context.Context) Decision {
	gates := []func(context.Context) Decision{
		c.waitConcurrency,
		c.checkDisk,
		c.waitMemory,
		c.waitLeakRate,
		c.waitGeofence,
		c.waitProxy,
	}
	for _, gate := range gates {
		if d := gate(ctx); d != Admit {
			return d
		}
	}
	if !c.active(ctx) {
		return Halt
	}
	c.state.ClearWarning()
	return Admit
}

func (c *Controller) active(ctx context.Context) bool {
	return ctx.Err() == nil && c.state.Flow() == crawler.FlowContinue
}

// waitConcurrency blocks while the in-flight bound is reached.
func (c *Controller) waitConcurrency(ctx context.Context) Decision {
	limit := c.cfg.Limit()
	for k := 0; c.state.InFlight() >= limit; k++ {
		if !c.active(ctx) {
			return Halt
		}
		if k%120 == 0 {
			c.logger.Debug("waiting for a free fetch slot",
				zap.Int64("in_flight", c.state.InFlight()),
				zap.Int64("limit", limit),
			)
		}
		c.sleeper.Sleep(ctx, c.jitter(500*time.Millisecond))
	}
	return Admit
}

// checkDisk is fatal: low disk stops the loop rather than waiting.
func (c *Controller) checkDisk(context.Context) Decision {
	if c.resources == nil {
		return Admit
	}
	free, err := c.resources.LargestDiskFree()
	if err != nil {
		c.logger.Warn("disk probe failed", zap.Error(err))
		return Admit
	}
	if free < c.cfg.DiskFloor {
		c.state.SetWarning(crawler.WarningOutOfDisk)
		c.logger.Error("out of disk, stopping dispatch",
			zap.Uint64("free_bytes", free),
			zap.Uint64("floor_bytes", c.cfg.DiskFloor),
		)
		return Terminate
	}
	return Admit
}

// waitMemory blocks while available memory is under the reserve.
func (c *Controller) waitMemory(ctx context.Context) Decision {
	if c.resources == nil {
		return Admit
	}
	for k := 0; ; k++ {
		if !c.active(ctx) {
			return Halt
		}
		mem, err := c.resources.Memory()
		if err != nil {
			c.logger.Warn("memory probe failed", zap.Error(err))
			return Admit
		}
		reserve := MemoryReserve(mem.Total)
		if mem.Available >= reserve {
			return Admit
		}
		c.state.SetWarning(crawler.WarningOutOfMemory)
		if k%c.cfg.MemoryReliefEvery == 0 {
			c.logger.Warn("low memory, releasing caches",
				zap.Uint64("available_bytes", mem.Available),
				zap.Uint64("reserve_bytes", reserve),
				zap.Int("checks", k),
			)
			for _, hook := range c.relief {
				hook()
			}
		}
		c.sleeper.Sleep(ctx, c.jitter(c.cfg.PollInterval/2))
	}
}

// waitLeakRate blocks while identities leak too fast, for at most LeakMaxWait.
func (c *Controller) waitLeakRate(ctx context.Context) Decision {
	if c.leaks == nil || c.leaks.PerMinute() < c.cfg.LeakRatePerMinute {
		return Admit
	}
	c.state.SetWarning(crawler.WarningFastIdentityLeak)
	start := c.clock.Now()
	defer func() {
		c.leakWait.Add(int64(c.clock.Now().Sub(start)))
	}()
	for k := 0; c.leaks.PerMinute() >= c.cfg.LeakRatePerMinute; k++ {
		if !c.active(ctx) {
			return Halt
		}
		waited := c.clock.Now().Sub(start)
		if waited >= c.cfg.LeakMaxWait {
			c.logger.Warn("identity leak rate still high, resuming after max wait",
				zap.Duration("waited", waited))
			return Admit
		}
		if k%60 == 0 {
			c.logger.Warn("identities leaking too fast, pausing dispatch",
				zap.Float64("leaks_per_min", c.leaks.PerMinute()),
				zap.Duration("waited", waited),
			)
		}
		c.sleeper.Sleep(ctx, c.cfg.PollInterval)
	}
	return Admit
}

// waitGeofence blocks while too many pages came back for the wrong region.
func (c *Controller) waitGeofence(ctx context.Context) Decision {
	if c.geofence == nil {
		return Admit
	}
	for k := 0; c.geofence.Count() > c.cfg.GeofenceMaxPerHour; k++ {
		if !c.active(ctx) {
			return Halt
		}
		c.state.SetWarning(crawler.WarningWrongDistrict)
		if k%60 == 0 {
			c.logger.Warn("too many wrong-district pages, pausing dispatch",
				zap.Int64("last_hour", c.geofence.Count()),
				zap.Int64("limit", c.cfg.GeofenceMaxPerHour),
			)
		}
		c.sleeper.Sleep(ctx, c.cfg.PollInterval)
	}
	return Admit
}

// waitProxy blocks while the proxy vendor is out of service and probes it
// every ProxyRecheckEvery iterations.
func (c *Controller) waitProxy(ctx context.Context) Decision {
	for c.proxyOutOfService.Load() > 0 {
		if !c.active(ctx) {
			return Halt
		}
		c.state.SetWarning(crawler.WarningNoProxy)
		c.sleeper.Sleep(ctx, c.cfg.PollInterval)
		c.probeProxy(ctx)
	}
	return Admit
}

func (c *Controller) probeProxy(ctx context.Context) {
	n := c.proxyOutOfService.Add(1)
	if n%c.cfg.ProxyRecheckEvery != 0 {
		return
	}
	if c.proxies == nil {
		c.proxyOutOfService.Store(0)
		return
	}
	_, err := c.proxies.Take(ctx)
	if err == nil || crawler.KindOf(err) != crawler.KindProxyExhausted {
		if err != nil {
			c.logger.Warn("proxy probe failed with a different error, reopening gate", zap.Error(err))
		} else {
			c.logger.Info("proxy vendor back in service")
		}
		c.proxyOutOfService.Store(0)
		return
	}
	c.logger.Warn("proxy vendor still out of balance", zap.Int64("checks", n))
}

// jitter returns base plus a random extra of up to base.
func (c *Controller) jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + rand.N(base)
}

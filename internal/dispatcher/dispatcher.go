// Package dispatcher runs the crawl loop: it pulls tasks from the feed, passes
// them through admission, and fans them out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/admission"
	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/metrics"
)

// Executor runs one admitted task and returns only unclassified failures.
type Executor interface {
	Execute(ctx context.Context, task crawler.CrawlTask) error
}

// Gate decides whether another task may start.
type Gate interface {
	Admit(ctx context.Context) admission.Decision
}

// Reachability filters out hosts that keep failing.
type Reachability interface {
	IsReachable(host string) bool
}

// Requeuer puts a pulled but undispatched task back.
type Requeuer interface {
	Requeue(ctx context.Context, task crawler.CrawlTask, delay time.Duration) error
}

// Backlog reports tasks held back for later, such as delayed retries.
type Backlog interface {
	Pending(ctx context.Context) (int, error)
}

// SchedulerContext is the state and collaborators one crawl loop runs with.
// Backlog, Sleeper and Logger are optional.
type SchedulerContext struct {
	State     *crawler.State
	Feed      crawler.Feed
	Backlog   Backlog
	Admission Gate
	Executor  Executor
	Hosts     Reachability
	Requeue   Requeuer
	Clock     crawler.Clock
	Sleeper   crawler.Sleeper
	Logger    *zap.Logger
}

// Config controls the loop.
type Config struct {
	// Workers is the size of the fetch pool. It should equal the admission in-flight bound.
	Workers int
	// IdleWindow is how long the loop must see no work before AwaitIdle returns.
	IdleWindow time.Duration
	// EmptyFeedPause is the sleep between polls of an empty feed.
	EmptyFeedPause time.Duration
	// FinishFile is polled for a finish-job command. Empty disables it.
	FinishFile string
	// JobName scopes finish-job commands that name a job.
	JobName string
	// FinishPollInterval throttles finish file checks.
	FinishPollInterval time.Duration
	// ErrorBuffer is the capacity of the unclassified error channel.
	ErrorBuffer int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 10 * time.Second
	}
	if c.EmptyFeedPause <= 0 {
		c.EmptyFeedPause = time.Second
	}
	if c.FinishPollInterval <= 0 {
		c.FinishPollInterval = time.Second
	}
	if c.ErrorBuffer <= 0 {
		c.ErrorBuffer = 64
	}
	return c
}

var warningLabels = []string{
	crawler.WarningNone.String(),
	crawler.WarningOutOfMemory.String(),
	crawler.WarningOutOfDisk.String(),
	crawler.WarningNoProxy.String(),
	crawler.WarningFastIdentityLeak.String(),
	crawler.WarningWrongDistrict.String(),
}

// Dispatcher owns one crawl loop.
type Dispatcher struct {
	sc      SchedulerContext
	cfg     Config
	sleeper crawler.Sleeper
	logger  *zap.Logger

	running    atomic.Bool
	lastActive atomic.Int64
	lastFinish time.Time
	// removeFile defaults to os.Remove.
	removeFile func(string) error
	idle       *signal
	done       chan struct{}
	errs       chan error
}

// New validates sc and builds a Dispatcher.
func New(sc SchedulerContext, cfg Config) (*Dispatcher, error) {
	switch {
	case sc.State == nil:
		return nil, errors.New("dispatcher requires scheduler state")
	case sc.Feed == nil:
		return nil, errors.New("dispatcher requires a feed")
	case sc.Admission == nil:
		return nil, errors.New("dispatcher requires an admission gate")
	case sc.Executor == nil:
		return nil, errors.New("dispatcher requires an executor")
	case sc.Hosts == nil:
		return nil, errors.New("dispatcher requires a host tracker")
	case sc.Requeue == nil:
		return nil, errors.New("dispatcher requires a requeuer")
	case sc.Clock == nil:
		return nil, errors.New("dispatcher requires a clock")
	}
	metrics.Init()
	cfg = cfg.withDefaults()
	logger := sc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleeper := sc.Sleeper
	if sleeper == nil {
		sleeper = crawler.TimerSleeper{}
	}
	return &Dispatcher{
		sc:      sc,
		cfg:     cfg,
		sleeper: sleeper,
		logger:  logger.Named("dispatcher"),
		idle:    newSignal(),
		done:    make(chan struct{}),
		errs:    make(chan error, cfg.ErrorBuffer),
	}, nil
}

// Errors delivers fetch failures that could not be classified. The loop keeps
// running after sending one; the host process decides what to do.
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

// State returns a snapshot of the scheduler counters.
func (d *Dispatcher) State() crawler.StateSnapshot {
	return d.sc.State.Snapshot()
}

// Quit asks the loop to stop. In-flight tasks finish before Run returns.
func (d *Dispatcher) Quit() {
	if d.sc.State.Stop() {
		d.logger.Info("quit requested")
	}
}

// AwaitIdle blocks until the loop reports idle, the loop exits, or ctx is done.
func (d *Dispatcher) AwaitIdle(ctx context.Context) error {
	select {
	case <-d.idle.wait():
		return nil
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await idle: %w", ctx.Err())
	}
}

// Run drives the loop until Quit, a fatal condition, or ctx cancellation, then
// waits for in-flight tasks. A Dispatcher runs at most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}
	state := d.sc.State
	state.EnterRun()
	defer state.ExitRun()
	defer close(d.done)
	d.touch()

	work := make(chan crawler.CrawlTask, d.cfg.Workers)
	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range work {
				d.execute(ctx, task)
			}
		}()
	}

	d.logger.Info("dispatch loop started", zap.Int("workers", d.cfg.Workers))
	d.loop(ctx, work)
	close(work)
	wg.Wait()

	snap := state.Snapshot()
	d.logger.Info("dispatch loop finished",
		zap.Int64("total", snap.Total),
		zap.Int64("dispatched", snap.Dispatched),
		zap.Int64("successes", snap.Successes),
		zap.Int64("retries", snap.Retries),
		zap.Int64("gone", snap.Gone),
		zap.Int64("killed", snap.Killed),
		zap.String("warning", snap.Warning),
	)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch loop: %w", err)
	}
	return nil
}

func (d *Dispatcher) active(ctx context.Context) bool {
	return ctx.Err() == nil && d.sc.State.Flow() == crawler.FlowContinue
}

func (d *Dispatcher) loop(ctx context.Context, work chan<- crawler.CrawlTask) {
	state := d.sc.State
	for d.active(ctx) {
		if d.finishRequested() {
			d.logger.Info("finish command received, stopping")
			state.Stop()
			return
		}

		task, ok, err := d.sc.Feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("feed read failed", zap.Error(err))
			d.sleeper.Sleep(ctx, d.cfg.EmptyFeedPause)
			continue
		}
		if !ok {
			d.onEmptyFeed(ctx)
			continue
		}

		state.IncTotal()
		d.touch()
		if d.skip(task) {
			continue
		}

		decision := d.sc.Admission.Admit(ctx)
		metrics.SetCriticalWarning(state.Warning().String(), warningLabels)
		switch decision {
		case admission.Terminate:
			state.Stop()
			d.putBack(ctx, task)
			d.logger.Error("fatal admission condition, dispatch stopped",
				zap.String("warning", state.Warning().String()))
			return
		case admission.Halt:
			d.putBack(ctx, task)
			return
		}

		state.BeginTask()
		metrics.IncInFlight()
		metrics.ObserveDispatch("admitted")
		work <- task
	}
}

// skip filters tasks that must not be dispatched and counts them.
func (d *Dispatcher) skip(task crawler.CrawlTask) bool {
	state := d.sc.State
	switch {
	case task.IsNil() || task.Degenerate:
		state.IncDropped()
		metrics.ObserveDispatch("dropped")
	case task.IsDead(d.sc.Clock.Now()):
		state.IncKilled()
		metrics.ObserveDispatch("killed")
		d.logger.Debug("task deadline passed", zap.String("url", task.URL))
	case !d.sc.Hosts.IsReachable(task.Host()):
		state.IncUnreachable()
		metrics.ObserveDispatch("unreachable")
	default:
		return false
	}
	return true
}

func (d *Dispatcher) execute(ctx context.Context, task crawler.CrawlTask) {
	defer func() {
		if r := recover(); r != nil {
			d.raise(fmt.Errorf("fetch %s panicked: %v", task.URL, r))
		}
		d.sc.State.EndTask()
		metrics.DecInFlight()
		d.touch()
	}()
	if err := d.sc.Executor.Execute(ctx, task); err != nil {
		d.raise(err)
	}
}

func (d *Dispatcher) raise(err error) {
	select {
	case d.errs <- err:
	default:
		d.logger.Error("unclassified error dropped, channel full", zap.Error(err))
	}
}

func (d *Dispatcher) putBack(ctx context.Context, task crawler.CrawlTask) {
	if err := d.sc.Requeue.Requeue(context.WithoutCancel(ctx), task, 0); err != nil {
		d.logger.Error("return undispatched task failed", zap.String("url", task.URL), zap.Error(err))
	}
}

func (d *Dispatcher) onEmptyFeed(ctx context.Context) {
	d.sleeper.Sleep(ctx, d.cfg.EmptyFeedPause)
	if d.sc.State.InFlight() > 0 {
		return
	}
	if d.sc.Backlog != nil {
		n, err := d.sc.Backlog.Pending(ctx)
		if err != nil || n > 0 {
			return
		}
	}
	quiet := d.sc.Clock.Now().Sub(time.Unix(0, d.lastActive.Load()))
	if quiet >= d.cfg.IdleWindow {
		d.idle.broadcast()
	}
}

func (d *Dispatcher) touch() {
	d.lastActive.Store(d.sc.Clock.Now().UnixNano())
}

// signal wakes every current waiter on broadcast. Waiters that arrive later
// wait for the next broadcast.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

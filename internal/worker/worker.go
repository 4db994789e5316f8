// Package worker runs one admitted crawl task: it assigns an identity, calls
// the fetcher under a deadline, and routes the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/admission"
	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/hosts"
	"github.com/JakeFAU/streamcrawler/internal/identity"
	"github.com/JakeFAU/streamcrawler/internal/metrics"
	"github.com/JakeFAU/streamcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/streamcrawler/internal/retry"
)

const (
	timeoutSlack     = 30 * time.Second
	fastCancelPerSec = 1.0
	fastCancelPause  = time.Second
	timeoutLogEvery  = 20
)

// Identities hands out fetch identities and takes their outcomes back.
type Identities interface {
	Next(ctx context.Context) (*identity.Identity, error)
	Report(id *identity.Identity, outcome crawler.FetchOutcome)
}

// ProxyReporter is told when the proxy vendor runs out of balance.
type ProxyReporter interface {
	ReportProxyExhausted()
}

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout is the fetcher's own budget; the worker adds a fixed slack on top.
	FetchTimeout time.Duration
}

// Deps bundles Worker collaborators. Stats, Keys, Geofence, Cancels and Proxy may be nil.
type Deps struct {
	State      *crawler.State
	Identities Identities
	Fetcher    crawler.Fetcher
	Hosts      *hosts.Tracker
	Retry      *retry.Queue
	Proxy      ProxyReporter
	Stats      crawler.StatsSink
	Keys       crawler.Hasher
	Geofence   *admission.RateMeter
	Cancels    *admission.RateMeter
	Clock      crawler.Clock
	Sleeper    crawler.Sleeper
	Logger     *zap.Logger
}

// Worker executes crawl tasks.
type Worker struct {
	cfg        Config
	state      *crawler.State
	identities Identities
	fetcher    crawler.Fetcher
	hosts      *hosts.Tracker
	retry      *retry.Queue
	proxy      ProxyReporter
	stats      crawler.StatsSink
	keys       crawler.Hasher
	geofence   *admission.RateMeter
	cancels    *admission.RateMeter
	clock      crawler.Clock
	sleeper    crawler.Sleeper
	logger     *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case deps.State == nil:
		return nil, errors.New("worker requires scheduler state")
	case deps.Identities == nil:
		return nil, errors.New("worker requires an identity source")
	case deps.Fetcher == nil:
		return nil, errors.New("worker requires a fetcher")
	case deps.Hosts == nil:
		return nil, errors.New("worker requires a host tracker")
	case deps.Retry == nil:
		return nil, errors.New("worker requires a retry queue")
	case deps.Clock == nil:
		return nil, errors.New("worker requires a clock")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	metrics.Init()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleeper := deps.Sleeper
	if sleeper == nil {
		sleeper = crawler.TimerSleeper{}
	}
	return &Worker{
		cfg:        cfg,
		state:      deps.State,
		identities: deps.Identities,
		fetcher:    deps.Fetcher,
		hosts:      deps.Hosts,
		retry:      deps.Retry,
		proxy:      deps.Proxy,
		stats:      deps.Stats,
		keys:       deps.Keys,
		geofence:   deps.Geofence,
		cancels:    deps.Cancels,
		clock:      deps.Clock,
		sleeper:    sleeper,
		logger:     logger.Named("worker"),
	}, nil
}

// Execute runs task to completion. It returns an error only for failures it
// cannot classify; everything else is routed and absorbed.
func (w *Worker) Execute(ctx context.Context, task crawler.CrawlTask) error {
	id, err := w.identities.Next(ctx)
	if err != nil {
		return w.handleError(ctx, task, nil, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout+timeoutSlack)
	start := w.clock.Now()
	outcome, err := w.fetcher.Fetch(fetchCtx, task, id)
	cancel()
	if err != nil {
		return w.handleError(ctx, task, id, err)
	}
	if outcome.Elapsed <= 0 {
		outcome.Elapsed = w.clock.Now().Sub(start)
	}

	w.identities.Report(id, outcome)
	w.route(ctx, task, id, outcome)
	return nil
}

func (w *Worker) route(ctx context.Context, task crawler.CrawlTask, id *identity.Identity, outcome crawler.FetchOutcome) {
	host := task.Host()
	metrics.ObserveCrawl(task.URL, outcome.Status.String(), outcome.Bytes)
	if w.geofence != nil && outcome.Integrity.IsGeofenced() {
		w.geofence.Mark(1)
	}

	switch outcome.Status {
	case crawler.StatusSuccess:
		w.state.RecordSuccess(task.URL)
		w.hosts.RecordSuccess(host)
		if w.geofence != nil && outcome.Integrity == crawler.IntegrityOK {
			w.geofence.Reset()
		}
		w.recordPage(ctx, task, id, outcome)
	case crawler.StatusRetry:
		if outcome.Integrity == crawler.IntegrityOK && w.hosts.RecordFailure(host) {
			metrics.SetUnreachableHosts(len(w.hosts.Unreachable()))
		}
		w.scheduleRetry(ctx, task, outcome)
	case crawler.StatusGone:
		w.state.IncGone()
		w.logger.Info("task gone",
			zap.String("url", task.URL),
			zap.Int("code", outcome.ProtocolCode),
			zap.Int("retries", task.Retries),
		)
	case crawler.StatusCanceled:
		w.scheduleCanceled(ctx, task, outcome)
	}
}

func (w *Worker) recordPage(ctx context.Context, task crawler.CrawlTask, id *identity.Identity, outcome crawler.FetchOutcome) {
	if w.stats == nil {
		return
	}
	report := crawler.PageReport{
		URL:          task.URL,
		Host:         task.Host(),
		IdentityID:   id.ID(),
		ProtocolCode: outcome.ProtocolCode,
		Bytes:        outcome.Bytes,
		Elapsed:      outcome.Elapsed,
		Integrity:    outcome.Integrity.String(),
		Page:         outcome.Page,
		FetchedAt:    w.clock.Now(),
	}
	if w.keys != nil {
		key, err := w.keys.Hash([]byte(task.Key()))
		if err != nil {
			w.logger.Warn("hash task key failed", zap.String("url", task.URL), zap.Error(err))
		}
		report.TaskKey = key
	}
	if err := w.stats.RecordPage(ctx, report); err != nil {
		w.logger.Warn("record page stats failed", zap.String("url", task.URL), zap.Error(err))
	}
}

func (w *Worker) scheduleRetry(ctx context.Context, task crawler.CrawlTask, outcome crawler.FetchOutcome) {
	decision, delay, err := w.retry.ScheduleRetry(context.WithoutCancel(ctx), task, outcome)
	if err != nil {
		w.logger.Error("schedule retry failed", zap.String("url", task.URL), zap.Error(err))
		return
	}
	if decision == retry.Gone {
		w.state.IncGone()
		return
	}
	w.state.IncRetries()
	w.logger.Debug("task will retry",
		zap.String("url", task.URL),
		zap.Int("attempt", task.Retries+1),
		zap.Duration("delay", delay),
		zap.String("integrity", outcome.Integrity.String()),
	)
}

func (w *Worker) scheduleCanceled(ctx context.Context, task crawler.CrawlTask, outcome crawler.FetchOutcome) {
	w.state.IncCanceled()
	if _, err := w.retry.ScheduleCanceled(context.WithoutCancel(ctx), task, outcome); err != nil {
		w.logger.Error("requeue canceled task failed", zap.String("url", task.URL), zap.Error(err))
	}
	if w.cancels == nil {
		return
	}
	w.cancels.Mark(1)
	if w.cancels.Rate() >= fastCancelPerSec {
		w.logger.Warn("fetches canceled too fast, pausing", zap.Float64("per_sec", w.cancels.Rate()))
		w.sleeper.Sleep(ctx, fastCancelPause)
	}
}

// requeue returns a task that never really ran to the delay store without
// spending its retry budget.
func (w *Worker) requeue(ctx context.Context, task crawler.CrawlTask, delay time.Duration) {
	if err := w.retry.Requeue(context.WithoutCancel(ctx), task, delay); err != nil {
		w.logger.Error("requeue failed", zap.String("url", task.URL), zap.Error(err))
	}
}

func (w *Worker) handleError(ctx context.Context, task crawler.CrawlTask, id *identity.Identity, err error) error {
	kind := crawler.KindOf(err)
	metrics.ObserveFetchError(kind.String())
	w.state.RecordFetchError(err)
	host := task.Host()

	switch kind {
	case crawler.KindTransient:
		w.logger.Debug("transient fetch failure", zap.String("url", task.URL), zap.Error(err))
		w.report(id, crawler.StatusRetry)
		if w.hosts.RecordFailure(host) {
			metrics.SetUnreachableHosts(len(w.hosts.Unreachable()))
		}
		w.scheduleRetry(ctx, task, crawler.FetchOutcome{Status: crawler.StatusRetry})
	case crawler.KindTimeout:
		n := w.state.IncTimeouts()
		if n%timeoutLogEvery == 1 {
			w.logger.Warn("fetch timed out", zap.String("url", task.URL), zap.Int64("timeouts", n))
		}
		w.report(id, crawler.StatusRetry)
		// A politeness backlog says nothing about the host being down.
		if !errors.Is(err, ratelimit.ErrBacklog) && w.hosts.RecordFailure(host) {
			metrics.SetUnreachableHosts(len(w.hosts.Unreachable()))
		}
		w.scheduleRetry(ctx, task, crawler.FetchOutcome{Status: crawler.StatusRetry})
	case crawler.KindProxyExhausted:
		w.logger.Warn("proxy balance exhausted", zap.String("url", task.URL))
		if w.proxy != nil {
			w.proxy.ReportProxyExhausted()
		}
		w.requeue(ctx, task, retry.CanceledDelay)
	case crawler.KindProxyUntrusted:
		if w.state.Stop() {
			w.logger.Warn("proxy vendor untrusted, stopping", zap.Error(err))
		}
		w.requeue(ctx, task, 0)
	case crawler.KindIllegalState, crawler.KindCanceled:
		if w.state.MarkIllegal() {
			w.logger.Warn("illegal application state, stopping", zap.String("kind", kind.String()), zap.Error(err))
		}
		w.state.Stop()
		w.requeue(ctx, task, 0)
	default:
		w.logger.Error("unclassified fetch failure", zap.String("url", task.URL), zap.Error(err))
		return fmt.Errorf("fetch %s: %w", task.URL, err)
	}
	return nil
}

func (w *Worker) report(id *identity.Identity, status crawler.Status) {
	if id != nil {
		w.identities.Report(id, crawler.FetchOutcome{Status: status})
	}
}

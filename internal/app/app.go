// Package app builds every crawler component from configuration and runs
// them together. It is the dependency container behind the crawl command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/JakeFAU/streamcrawler/internal/admission"
	"github.com/JakeFAU/streamcrawler/internal/api"
	"github.com/JakeFAU/streamcrawler/internal/clock/system"
	"github.com/JakeFAU/streamcrawler/internal/config"
	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/streamcrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/streamcrawler/internal/fetcher/headless"
	"github.com/JakeFAU/streamcrawler/internal/hash/sha256"
	"github.com/JakeFAU/streamcrawler/internal/headless/detector"
	"github.com/JakeFAU/streamcrawler/internal/hosts"
	"github.com/JakeFAU/streamcrawler/internal/id/uuid"
	"github.com/JakeFAU/streamcrawler/internal/identity"
	"github.com/JakeFAU/streamcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/streamcrawler/internal/policy/robots"
	"github.com/JakeFAU/streamcrawler/internal/proxy"
	queueMemory "github.com/JakeFAU/streamcrawler/internal/queue/memory"
	queueRedis "github.com/JakeFAU/streamcrawler/internal/queue/redis"
	"github.com/JakeFAU/streamcrawler/internal/retry"
	"github.com/JakeFAU/streamcrawler/internal/stats"
	"github.com/JakeFAU/streamcrawler/internal/storage"
	"github.com/JakeFAU/streamcrawler/internal/storage/gcs"
	"github.com/JakeFAU/streamcrawler/internal/storage/local"
	"github.com/JakeFAU/streamcrawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// TaskQueue is the feed plus the delay store behind it.
type TaskQueue interface {
	crawler.Feed
	crawler.DelayStore
	Push(ctx context.Context, task crawler.CrawlTask) error
	Pending(ctx context.Context) (int, error)
	RunReleaser(ctx context.Context, interval time.Duration)
}

// Options override what Build would otherwise construct from config. Every
// field is optional.
type Options struct {
	// Registerer receives the Prometheus stats sink collectors.
	Registerer prometheus.Registerer
	// Resources replaces the host memory and disk probes.
	Resources admission.Resources
	// Redis replaces the client dialed from queue.redis.
	Redis goredis.UniversalClient
	// PubSubOptions are passed to the Pub/Sub client.
	PubSubOptions []option.ClientOption
	// StorageOptions are passed to the Cloud Storage client.
	StorageOptions []option.ClientOption
	// Clock drives every component. Defaults to the system clock.
	Clock crawler.Clock
	// Sleeper backs off every blocking gate. Defaults to the system clock.
	Sleeper crawler.Sleeper
}

// App holds the long-lived services of one crawl.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	state      *crawler.State
	queue      TaskQueue
	hosts      *hosts.Tracker
	identities *identity.Manager
	admission  *admission.Controller
	dispatcher *dispatcher.Dispatcher
	server     *api.Server
	postgres   *stats.Postgres
	archive    storage.ReportStore
	closers    []func() error
}

// Build constructs every component from cfg. On error, whatever was already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, state: crawler.NewState()}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
		}
	}()

	realClock := system.New()
	a.clock = opts.Clock
	if a.clock == nil {
		a.clock = realClock
	}
	sleeper := opts.Sleeper
	if sleeper == nil {
		sleeper = realClock
	}

	if err := a.buildQueue(cfg, opts); err != nil {
		return nil, err
	}

	a.hosts = hosts.New(hosts.Config{
		MaxFailures: cfg.Hosts.MaxFailures,
		NeverBlock:  cfg.Hosts.NeverBlock,
	}, logger)
	if cfg.Hosts.StateFile != "" {
		if err := a.hosts.Load(cfg.Hosts.StateFile); err != nil {
			return nil, fmt.Errorf("load host state: %w", err)
		}
	}

	var proxies crawler.ProxyPool
	if len(cfg.Proxy.Endpoints) > 0 {
		pool, err := proxy.NewStaticPool(cfg.Proxy.Endpoints, cfg.Proxy.Balance)
		if err != nil {
			return nil, fmt.Errorf("build proxy pool: %w", err)
		}
		proxies = pool
	}

	leaks := admission.NewRateMeter(15*time.Minute, time.Second, a.clock)
	geofence := admission.NewRateMeter(time.Hour, time.Minute, a.clock)
	cancels := admission.NewRateMeter(time.Minute, time.Second, a.clock)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.Burst,
		HostRPS:      cfg.RateLimit.HostRPS,
	})
	detect := detector.New(detectorConfig(cfg.Detector))

	var (
		fetcher crawler.Fetcher
		factory crawler.BackendFactory = crawler.NopBackendFactory{}
		relief  = []func(){admission.FreeOSMemory}
	)
	switch cfg.Crawler.Fetcher {
	case config.FetcherHeadless:
		factory = headlessfetcher.NewFactory(headlessfetcher.BrowserConfig{
			Headless:  cfg.Headless.Headless,
			ExecPath:  cfg.Headless.ExecPath,
			UserAgent: cfg.Crawler.UserAgent,
			DataRoot:  cfg.Headless.DataRoot,
		}, logger)
		deps := headlessfetcher.Deps{Detector: detect, Limiter: limiter, Clock: a.clock}
		if cfg.Crawler.RespectRobots {
			deps.Robots = robots.New(robots.Config{
				UserAgent:    cfg.Crawler.UserAgent,
				FetchTimeout: cfg.FetchTimeout(),
			}, nil, a.clock, logger)
		}
		fetcher = headlessfetcher.NewChromedp(headlessfetcher.Config{
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
			SettleDelay:       time.Duration(cfg.Headless.SettleMs) * time.Millisecond,
		}, deps)
	default:
		colly := collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.FetchTimeout(),
		}, collyfetcher.Deps{Detector: detect, Limiter: limiter, Clock: a.clock})
		relief = append(relief, colly.CloseIdle)
		fetcher = colly
	}

	a.identities, err = identity.NewManager(identity.Config{
		PoolSize:      cfg.Identity.PoolSize,
		MinThroughput: cfg.Identity.MinThroughput,
		MaxWarnings:   cfg.Identity.MaxWarnings,
		HealthGrace:   time.Duration(cfg.Identity.HealthGraceSeconds) * time.Second,
		MaxZombies:    cfg.Identity.MaxZombies,
	}, identity.Deps{
		Factory: factory,
		Proxies: proxies,
		IDs:     uuid.New(),
		Clock:   a.clock,
		Leaks:   leaks,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build identity manager: %w", err)
	}
	a.closers = append(a.closers, a.identities.Close)

	admissionCfg := admission.DefaultConfig()
	admissionCfg.NumIdentities = cfg.Identity.PoolSize
	admissionCfg.MaxTasksPerIdentity = cfg.Identity.TasksPerIdentity
	admissionCfg.DiskFloor = cfg.DiskFloorBytes()
	admissionCfg.LeakRatePerMinute = cfg.Admission.LeakRatePerMinute
	admissionCfg.LeakMaxWait = time.Duration(cfg.Admission.LeakMaxWaitSeconds) * time.Second
	admissionCfg.GeofenceMaxPerHour = cfg.Admission.GeofenceMaxPerHour
	admissionCfg.ProxyRecheckEvery = cfg.Admission.ProxyRecheckEvery
	admissionCfg.PollInterval = time.Duration(cfg.Admission.PollIntervalMs) * time.Millisecond

	resources := opts.Resources
	if resources == nil && !cfg.Admission.SkipResourceProbes {
		sys, err := admission.NewSystemResources()
		if err != nil {
			return nil, fmt.Errorf("open resource probes: %w", err)
		}
		resources = sys
	}
	a.admission = admission.New(admissionCfg, admission.Deps{
		State:     a.state,
		Resources: resources,
		Leaks:     leaks,
		Geofence:  geofence,
		Proxies:   proxies,
		Clock:     a.clock,
		Sleeper:   sleeper,
		Relief:    relief,
		Logger:    logger,
	})

	retries, err := retry.New(a.queue, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("build retry queue: %w", err)
	}

	sink, err := a.buildStats(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := a.buildArchive(ctx, cfg.Archive, opts); err != nil {
		return nil, err
	}

	exec, err := worker.New(worker.Config{FetchTimeout: cfg.FetchTimeout()}, worker.Deps{
		State:      a.state,
		Identities: a.identities,
		Fetcher:    fetcher,
		Hosts:      a.hosts,
		Retry:      retries,
		Proxy:      a.admission,
		Stats:      sink,
		Keys:       sha256.NewNamespaced(cfg.Crawler.JobName),
		Geofence:   geofence,
		Cancels:    cancels,
		Clock:      a.clock,
		Sleeper:    sleeper,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build worker: %w", err)
	}

	a.dispatcher, err = dispatcher.New(dispatcher.SchedulerContext{
		State:     a.state,
		Feed:      a.queue,
		Backlog:   a.queue,
		Admission: a.admission,
		Executor:  exec,
		Hosts:     a.hosts,
		Requeue:   retries,
		Clock:     a.clock,
		Sleeper:   sleeper,
		Logger:    logger,
	}, dispatcher.Config{
		Workers:    int(admissionCfg.Limit()),
		IdleWindow: cfg.IdleWindow(),
		FinishFile: cfg.Crawler.FinishFile,
		JobName:    cfg.Crawler.JobName,
	})
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	if cfg.Server.Enabled {
		apiKey := ""
		if cfg.Auth.Enabled {
			apiKey = cfg.Auth.APIKey
		}
		a.server, err = api.NewServer(api.Config{
			APIKey:            apiKey,
			RequestTimeout:    cfg.RequestTimeout(),
			DefaultMaxRetries: cfg.Crawler.MaxRetries,
		}, api.Deps{
			Scheduler:  a.dispatcher,
			Identities: a.identities,
			Hosts:      a.hosts,
			Gates:      a.admission,
			Tasks:      a.queue,
			Clock:      a.clock,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build api server: %w", err)
		}
	}

	logger.Info("crawler built",
		zap.String("job", cfg.Crawler.JobName),
		zap.String("fetcher", cfg.Crawler.Fetcher),
		zap.String("queue", cfg.Queue.Backend),
		zap.Int64("in_flight_limit", admissionCfg.Limit()),
		zap.Int("proxies", len(cfg.Proxy.Endpoints)),
	)
	return a, nil
}

func (a *App) buildQueue(cfg config.Config, opts Options) error {
	switch cfg.Queue.Backend {
	case config.QueueRedis:
		client := opts.Redis
		if client == nil {
			owned := goredis.NewClient(&goredis.Options{
				Addr:     cfg.Queue.Redis.Addr,
				Password: cfg.Queue.Redis.Password,
				DB:       cfg.Queue.Redis.DB,
			})
			a.closers = append(a.closers, owned.Close)
			client = owned
		}
		store, err := queueRedis.New(client, cfg.Queue.Redis.Prefix, a.clock, a.logger)
		if err != nil {
			return fmt.Errorf("build redis queue: %w", err)
		}
		a.queue = store
	default:
		q := queueMemory.NewQueue(cfg.Queue.Capacity, a.clock)
		a.closers = append(a.closers, func() error {
			q.Close()
			return nil
		})
		a.queue = q
	}
	return nil
}

func (a *App) buildStats(ctx context.Context, cfg config.Config, opts Options) (crawler.StatsSink, error) {
	var sinks []crawler.StatsSink
	if cfg.Stats.Prometheus {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		prom, err := stats.NewPrometheus(reg)
		if err != nil {
			return nil, fmt.Errorf("build prometheus sink: %w", err)
		}
		sinks = append(sinks, prom)
	}
	if cfg.Stats.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.Stats.PubSub.ProjectID, opts.PubSubOptions...)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		topic := client.Topic(cfg.Stats.PubSub.TopicName)
		a.closers = append(a.closers, func() error {
			topic.Stop()
			if err := client.Close(); err != nil {
				return fmt.Errorf("close pubsub client: %w", err)
			}
			return nil
		})
		ps, err := stats.NewPubSub(topic, cfg.Stats.PubSub.Wait)
		if err != nil {
			return nil, fmt.Errorf("build pubsub sink: %w", err)
		}
		sinks = append(sinks, ps)
	}
	if cfg.Stats.Postgres.Enabled {
		pg, err := stats.NewPostgres(ctx, stats.PostgresConfig{
			DSN:       cfg.Stats.Postgres.DSN,
			PageTable: cfg.Stats.Postgres.PageTable,
			RunTable:  cfg.Stats.Postgres.RunTable,
			MaxConns:  cfg.Stats.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("build postgres sink: %w", err)
		}
		a.postgres = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		sinks = append(sinks, pg)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return stats.NewMulti(a.logger, sinks...), nil
}

func (a *App) buildArchive(ctx context.Context, cfg config.ArchiveConfig, opts Options) error {
	switch {
	case cfg.GCSBucket != "":
		client, err := gcsclient.NewClient(ctx, opts.StorageOptions...)
		if err != nil {
			return fmt.Errorf("connect cloud storage: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return fmt.Errorf("build gcs archive: %w", err)
		}
		a.archive = store
	case cfg.LocalDir != "":
		store, err := local.New(cfg.LocalDir)
		if err != nil {
			return fmt.Errorf("build local archive: %w", err)
		}
		a.archive = store
	}
	return nil
}

func detectorConfig(cfg config.DetectorConfig) detector.Config {
	d := detector.DefaultConfig()
	if cfg.DistrictSelector != "" {
		d.DistrictSelector = cfg.DistrictSelector
	}
	d.ExpectedDistrict = cfg.ExpectedDistrict
	if cfg.ProfileSelector != "" {
		d.ProfileSelector = cfg.ProfileSelector
	}
	d.ExpectedProfile = cfg.ExpectedProfile
	return d
}

// Dispatcher exposes the crawl loop.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Handler returns the operator API handler, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler()
}

// Seed normalizes urls and pushes them onto the feed. Invalid urls are
// logged and skipped. It returns how many were queued.
func (a *App) Seed(ctx context.Context, urls []string) (int, error) {
	queued := 0
	for _, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil || crawler.HostOf(normalized) == "" {
			a.logger.Warn("skipping invalid seed", zap.String("url", raw), zap.Error(err))
			continue
		}
		task := crawler.CrawlTask{URL: normalized, MaxRetries: a.cfg.Crawler.MaxRetries}
		if err := a.queue.Push(ctx, task); err != nil {
			return queued, fmt.Errorf("push seed %q: %w", normalized, err)
		}
		queued++
	}
	return queued, nil
}

// Run drives the crawl until ctx is canceled or the dispatcher stops. It
// queues the configured seeds, serves the operator API, sweeps delayed
// retries, and logs unclassified fetch errors while the loop runs.
func (a *App) Run(ctx context.Context) error {
	startedAt := a.clock.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return a.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		a.queue.RunReleaser(gctx, a.cfg.ReleaseInterval())
		return nil
	})

	if len(a.cfg.Crawler.Seeds) > 0 {
		g.Go(func() error {
			n, err := a.Seed(gctx, a.cfg.Crawler.Seeds)
			if err != nil && gctx.Err() == nil {
				return err
			}
			a.logger.Info("seeds queued", zap.Int("count", n))
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-a.dispatcher.Errors():
				a.logger.Error("unclassified fetch failure", zap.Error(err))
			}
		}
	})

	if a.cfg.Crawler.ExitWhenIdle {
		g.Go(func() error {
			if err := a.dispatcher.AwaitIdle(gctx); err != nil {
				return nil
			}
			a.logger.Info("feed drained, finishing")
			a.dispatcher.Quit()
			return nil
		})
	}

	if a.server != nil {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("server shutdown error", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	a.recordRun(startedAt)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) recordRun(startedAt time.Time) {
	if a.postgres == nil && a.archive == nil {
		return
	}
	runID, err := uuid.New().NewRunID()
	if err != nil {
		a.logger.Warn("generate run id", zap.Error(err))
		return
	}
	finishedAt := a.clock.Now()
	snap := a.state.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.postgres != nil {
		if err := a.postgres.RecordRun(ctx, runID, startedAt, finishedAt, snap); err != nil {
			a.logger.Warn("record run failed", zap.Error(err))
		}
	}
	if a.archive != nil {
		report := storage.RunReport{
			RunID:            runID.String(),
			Job:              a.cfg.Crawler.JobName,
			StartedAt:        startedAt,
			FinishedAt:       finishedAt,
			Scheduler:        snap,
			Identities:       a.identities.Snapshot(),
			UnreachableHosts: a.hosts.Unreachable(),
		}
		uri, err := a.archive.PutReport(ctx, report)
		if err != nil {
			a.logger.Warn("archive run report failed", zap.Error(err))
			return
		}
		a.logger.Info("run report archived", zap.String("uri", uri))
	}
}

// Close persists host state and releases every opened resource.
func (a *App) Close() error {
	var errs []error
	if a.hosts != nil && a.cfg.Hosts.StateFile != "" {
		if err := a.hosts.Save(a.cfg.Hosts.StateFile); err != nil {
			errs = append(errs, fmt.Errorf("save host state: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

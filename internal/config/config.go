// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fetcher names.
const (
	FetcherColly    = "colly"
	FetcherHeadless = "headless"
)

// Queue backend names.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Hosts     HostsConfig     `mapstructure:"hosts"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	Port                  int  `mapstructure:"port"`
	RequestTimeoutSeconds int  `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the dispatch loop and fetch tasks.
type CrawlerConfig struct {
	JobName             string   `mapstructure:"job_name"`
	Fetcher             string   `mapstructure:"fetcher"`
	UserAgent           string   `mapstructure:"user_agent"`
	RespectRobots       bool     `mapstructure:"respect_robots"`
	FetchTimeoutSeconds int      `mapstructure:"fetch_timeout_seconds"`
	MaxRetries          int      `mapstructure:"max_retries"`
	IdleWindowSeconds   int      `mapstructure:"idle_window_seconds"`
	FinishFile          string   `mapstructure:"finish_file"`
	Seeds               []string `mapstructure:"seeds"`
	// ExitWhenIdle ends the run once the feed has drained.
	ExitWhenIdle bool `mapstructure:"exit_when_idle"`
}

// IdentityConfig controls the identity pool.
type IdentityConfig struct {
	PoolSize           int     `mapstructure:"pool_size"`
	TasksPerIdentity   int     `mapstructure:"tasks_per_identity"`
	MinThroughput      float64 `mapstructure:"min_throughput"`
	MaxWarnings        int     `mapstructure:"max_warnings"`
	HealthGraceSeconds int     `mapstructure:"health_grace_seconds"`
	MaxZombies         int     `mapstructure:"max_zombies"`
}

// AdmissionConfig holds the gate thresholds.
type AdmissionConfig struct {
	DiskFloorGB        float64 `mapstructure:"disk_floor_gb"`
	LeakRatePerMinute  float64 `mapstructure:"leak_rate_per_minute"`
	LeakMaxWaitSeconds int     `mapstructure:"leak_max_wait_seconds"`
	GeofenceMaxPerHour int64   `mapstructure:"geofence_max_per_hour"`
	ProxyRecheckEvery  int64   `mapstructure:"proxy_recheck_every"`
	PollIntervalMs     int     `mapstructure:"poll_interval_ms"`
	SkipResourceProbes bool    `mapstructure:"skip_resource_probes"`
}

// HostsConfig controls the reachability tracker.
type HostsConfig struct {
	MaxFailures int      `mapstructure:"max_failures"`
	NeverBlock  []string `mapstructure:"never_block"`
	StateFile   string   `mapstructure:"state_file"`
}

// ProxyConfig lists the proxy endpoints handed to identities.
type ProxyConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	// Balance is how many proxies may be taken; negative means unlimited.
	Balance int `mapstructure:"balance"`
}

// RateLimitConfig configures per-host politeness.
type RateLimitConfig struct {
	DefaultRPS float64            `mapstructure:"default_rps"`
	Burst      int                `mapstructure:"burst"`
	HostRPS    map[string]float64 `mapstructure:"host_rps"`
}

// HeadlessConfig configures the browser fetcher.
type HeadlessConfig struct {
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	DataRoot          string `mapstructure:"data_root"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	SettleMs          int    `mapstructure:"settle_ms"`
}

// DetectorConfig tunes page integrity checks.
type DetectorConfig struct {
	DistrictSelector string `mapstructure:"district_selector"`
	ExpectedDistrict string `mapstructure:"expected_district"`
	ProfileSelector  string `mapstructure:"profile_selector"`
	ExpectedProfile  string `mapstructure:"expected_profile"`
}

// QueueConfig selects where the feed and delayed retries live.
type QueueConfig struct {
	Backend           string      `mapstructure:"backend"`
	Capacity          int         `mapstructure:"capacity"`
	ReleaseIntervalMs int         `mapstructure:"release_interval_ms"`
	Redis             RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// StatsConfig enables the page stats sinks.
type StatsConfig struct {
	Prometheus bool           `mapstructure:"prometheus"`
	PubSub     PubSubConfig   `mapstructure:"pubsub"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// Wait blocks each record until the server acknowledges it.
	Wait bool `mapstructure:"wait"`
}

// PostgresConfig controls the relational stats sink.
type PostgresConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DSN       string `mapstructure:"dsn"`
	PageTable string `mapstructure:"page_table"`
	RunTable  string `mapstructure:"run_table"`
	MaxConns  int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects where end-of-run reports are written. GCS wins when
// both a bucket and a local directory are set.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.job_name", "default")
	v.SetDefault("crawler.fetcher", FetcherColly)
	v.SetDefault("crawler.user_agent", "streamcrawler/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.fetch_timeout_seconds", 60)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.idle_window_seconds", 10)
	v.SetDefault("crawler.finish_file", "")
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.exit_when_idle", false)
	v.SetDefault("identity.pool_size", 1)
	v.SetDefault("identity.tasks_per_identity", 4)
	v.SetDefault("identity.min_throughput", 0.0)
	v.SetDefault("identity.max_warnings", 8)
	v.SetDefault("identity.health_grace_seconds", 300)
	v.SetDefault("identity.max_zombies", 100)
	v.SetDefault("admission.disk_floor_gb", 10)
	v.SetDefault("admission.leak_rate_per_minute", 5)
	v.SetDefault("admission.leak_max_wait_seconds", 600)
	v.SetDefault("admission.geofence_max_per_hour", 60)
	v.SetDefault("admission.proxy_recheck_every", 180)
	v.SetDefault("admission.poll_interval_ms", 1000)
	v.SetDefault("admission.skip_resource_probes", false)
	v.SetDefault("hosts.max_failures", 20)
	v.SetDefault("hosts.never_block", []string{"*.amazon.com"})
	v.SetDefault("hosts.state_file", "")
	v.SetDefault("proxy.endpoints", []string{})
	v.SetDefault("proxy.balance", -1)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("headless.headless", true)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_ms", 0)
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.release_interval_ms", 1000)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.prefix", "streamcrawler")
	v.SetDefault("stats.prometheus", true)
	v.SetDefault("stats.pubsub.enabled", false)
	v.SetDefault("stats.pubsub.wait", false)
	v.SetDefault("stats.postgres.enabled", false)
	v.SetDefault("stats.postgres.page_table", "crawl_page_stats")
	v.SetDefault("stats.postgres.run_table", "crawl_runs")
	v.SetDefault("stats.postgres.max_conns", 4)
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("archive.local_dir", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Crawler.Fetcher {
	case FetcherColly, FetcherHeadless:
	default:
		return fmt.Errorf("crawler.fetcher must be %q or %q, got %q", FetcherColly, FetcherHeadless, c.Crawler.Fetcher)
	}
	if c.Crawler.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Identity.PoolSize <= 0 {
		return fmt.Errorf("identity.pool_size must be > 0")
	}
	if c.Identity.TasksPerIdentity <= 0 {
		return fmt.Errorf("identity.tasks_per_identity must be > 0")
	}
	switch c.Queue.Backend {
	case QueueMemory:
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case QueueRedis:
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr must be set when the redis backend is selected")
		}
	default:
		return fmt.Errorf("queue.backend must be %q or %q, got %q", QueueMemory, QueueRedis, c.Queue.Backend)
	}
	if c.Stats.PubSub.Enabled && (c.Stats.PubSub.ProjectID == "" || c.Stats.PubSub.TopicName == "") {
		return fmt.Errorf("stats.pubsub.project_id and topic_name must be set when pubsub is enabled")
	}
	if c.Stats.Postgres.Enabled && c.Stats.Postgres.DSN == "" {
		return fmt.Errorf("stats.postgres.dsn must be set when postgres is enabled")
	}
	if strings.ContainsAny(c.Archive.Prefix, `\`) || strings.HasPrefix(c.Archive.Prefix, "/") {
		return fmt.Errorf("archive.prefix must be a relative slash-separated path")
	}
	return nil
}

// FetchTimeout is the fetcher's own time budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSeconds) * time.Second
}

// IdleWindow is how long the feed must stay quiet before the crawl counts as idle.
func (c Config) IdleWindow() time.Duration {
	return time.Duration(c.Crawler.IdleWindowSeconds) * time.Second
}

// RequestTimeout bounds each operator API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ReleaseInterval is the cadence of the delayed retry sweep.
func (c Config) ReleaseInterval() time.Duration {
	return time.Duration(c.Queue.ReleaseIntervalMs) * time.Millisecond
}

// DiskFloorBytes converts the configured disk floor to bytes.
func (c Config) DiskFloorBytes() uint64 {
	if c.Admission.DiskFloorGB <= 0 {
		return 0
	}
	return uint64(c.Admission.DiskFloorGB * (1 << 30))
}

// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickhouse = "clickhouse"
	BackendLocal      = "local"
	BackendGCS        = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	OKX        OKXConfig        `mapstructure:"okx"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	Clickhouse ClickhouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the worker pool and the lease contract.
type CrawlerConfig struct {
	Workers         int    `mapstructure:"workers"`
	WorkerPrefix    string `mapstructure:"worker_prefix"`
	LeaseTTLSeconds int    `mapstructure:"lease_ttl_seconds"`
	PollIntervalMs  int    `mapstructure:"poll_interval_ms"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	UserAgent       string `mapstructure:"user_agent"`
}

// PlannerConfig sets the task windows.
type PlannerConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	IntervalSeconds     int  `mapstructure:"interval_seconds"`
	RankWindowMinutes   int  `mapstructure:"rank_window_minutes"`
	DetailWindowMinutes int  `mapstructure:"detail_window_minutes"`
	TradeWindowMinutes  int  `mapstructure:"trade_window_minutes"`
	Details             bool `mapstructure:"details"`
	Trades              bool `mapstructure:"trades"`
	MaxProjects         int  `mapstructure:"max_projects"`
}

// OKXConfig holds the exchange endpoint, credentials and ranking query.
type OKXConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Passphrase    string `mapstructure:"passphrase"`
	ClockOffsetMs int    `mapstructure:"clock_offset_ms"`
	SyncClock     bool   `mapstructure:"sync_clock"`
	InstType      string `mapstructure:"inst_type"`
	SortType      string `mapstructure:"sort_type"`
	Limit         int    `mapstructure:"limit"`
	LastDays      string `mapstructure:"last_days"`
	TradeLimit    int    `mapstructure:"trade_limit"`
}

// HTTPConfig configures fetch timeouts and the retry backoff.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig configures the per-endpoint token buckets.
type RateLimitConfig struct {
	DefaultRPS float64            `mapstructure:"default_rps"`
	Burst      int                `mapstructure:"burst"`
	PathRPS    map[string]float64 `mapstructure:"path_rps"`
}

// IngestConfig tunes the update path.
type IngestConfig struct {
	SnapshotBucketMinutes int `mapstructure:"snapshot_bucket_minutes"`
}

// StorageConfig selects repository and archive backends.
type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	SnapshotBackend string `mapstructure:"snapshot_backend"`
	ArchiveBackend  string `mapstructure:"archive_backend"`
	LocalDir        string `mapstructure:"local_dir"`
	GCSBucket       string `mapstructure:"gcs_bucket"`
	Prefix          string `mapstructure:"prefix"`
	ContentType     string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int    `mapstructure:"max_conns"`
	MinConns               int    `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// ClickhouseConfig points at the snapshot time-series database.
type ClickhouseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig enables the crawl log fingerprint cache when Addr is set.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

// PubSubConfig holds the visibility event topic.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicName      string `mapstructure:"topic_name"`
	EnableOrdering bool   `mapstructure:"enable_ordering"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	Region      string  `mapstructure:"region"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.worker_prefix", "harvester")
	v.SetDefault("crawler.lease_ttl_seconds", 60)
	v.SetDefault("crawler.poll_interval_ms", 1000)
	v.SetDefault("crawler.max_attempts", 5)
	v.SetDefault("crawler.user_agent", "smartfollow-harvester/0.1")
	v.SetDefault("planner.enabled", true)
	v.SetDefault("planner.interval_seconds", 60)
	v.SetDefault("planner.rank_window_minutes", 10)
	v.SetDefault("planner.detail_window_minutes", 60)
	v.SetDefault("planner.trade_window_minutes", 60)
	v.SetDefault("planner.details", true)
	v.SetDefault("planner.trades", false)
	v.SetDefault("okx.base_url", "https://www.okx.com")
	v.SetDefault("okx.sync_clock", true)
	v.SetDefault("okx.inst_type", "SWAP")
	v.SetDefault("okx.sort_type", "overview")
	v.SetDefault("okx.limit", 20)
	v.SetDefault("okx.last_days", "3")
	v.SetDefault("okx.trade_limit", 100)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("rate_limit.default_rps", 2)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("ingest.snapshot_bucket_minutes", 10)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.snapshot_backend", "")
	v.SetDefault("storage.archive_backend", BackendMemory)
	v.SetDefault("storage.local_dir", "data/archive")
	v.SetDefault("storage.prefix", "harvester")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("redis.ttl_minutes", 1440)
	v.SetDefault("pubsub.topic_name", "project-visibility")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("telemetry.service_name", "harvester")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("crawler.lease_ttl_seconds must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds >= c.Crawler.LeaseTTLSeconds {
		return fmt.Errorf("http.timeout_seconds must be shorter than crawler.lease_ttl_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.OKX.BaseURL == "" {
		return fmt.Errorf("okx.base_url is required")
	}
	creds := []string{c.OKX.AccessKey, c.OKX.SecretKey, c.OKX.Passphrase}
	set := 0
	for _, v := range creds {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != len(creds) {
		return fmt.Errorf("okx.access_key, okx.secret_key and okx.passphrase must be set together")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, postgres", c.Storage.Backend)
	}
	switch c.Storage.SnapshotBackend {
	case "":
	case BackendClickhouse:
		if c.Clickhouse.DSN == "" {
			return fmt.Errorf("clickhouse.dsn is required when storage.snapshot_backend is clickhouse")
		}
	default:
		return fmt.Errorf("storage.snapshot_backend %q is not clickhouse", c.Storage.SnapshotBackend)
	}
	switch c.Storage.ArchiveBackend {
	case "", BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required when storage.archive_backend is local")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required when storage.archive_backend is gcs")
		}
	default:
		return fmt.Errorf("storage.archive_backend %q is not one of memory, local, gcs", c.Storage.ArchiveBackend)
	}
	if c.Ingest.SnapshotBucketMinutes < 0 {
		return fmt.Errorf("ingest.snapshot_bucket_minutes must be >= 0")
	}
	return nil
}

// LeaseTTL returns the task lease duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Crawler.LeaseTTLSeconds) * time.Second
}

// FetchTimeout returns the per-request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Minutes converts a minute count to a duration.
func Minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// Package config loads and validates pagewatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/pagewatch/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. PAGEWATCH_SERVER_PORT.
const EnvPrefix = "PAGEWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Events    EventsConfig    `mapstructure:"events"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Diff      DiffConfig      `mapstructure:"diff"`
	Logging   logging.Config  `mapstructure:"logging"`
	// Manifest is an optional YAML file of sites and targets seeded at startup.
	Manifest string `mapstructure:"manifest"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig governs the tick loop and the worker pool.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Workers      int           `mapstructure:"workers"`
	QueueDepth   int           `mapstructure:"queue_depth"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	FetchRetries int           `mapstructure:"fetch_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
}

// HTTPConfig configures the plain fetcher and per-host pacing.
type HTTPConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Renderer backends.
const (
	RendererNone     = "none"
	RendererChromedp = "chromedp"
	RendererRod      = "rod"
)

// RendererConfig selects the JavaScript-capable backend for renderer-mode sites.
type RendererConfig struct {
	Backend       string `mapstructure:"backend"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	// ControlURL is a DevTools websocket of an already running browser (rod).
	ControlURL string `mapstructure:"control_url"`
	// ManagedURL is a rod launcher manager endpoint (rod).
	ManagedURL string `mapstructure:"managed_url"`
}

// Storage and archive backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	ArchiveNone     = "none"
	ArchiveLocal    = "local"
	ArchiveGCS      = "gcs"
)

// StorageConfig selects where entities, snapshots and archived pages live.
type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	Archive         ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig controls raw page archival on change.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// Event publishers.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// EventsConfig holds the change-event publisher settings.
type EventsConfig struct {
	Publisher string `mapstructure:"publisher"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// NotifyConfig tunes notification delivery.
type NotifyConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	IncludeGlobalTargets bool          `mapstructure:"include_global_targets"`
	TelegramAPIBase      string        `mapstructure:"telegram_api_base"`
	TimeoutSeconds       int           `mapstructure:"timeout_seconds"`
	// MaxConcurrent bounds the targets delivered to at once per change.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// DiffConfig controls unified diff rendering.
type DiffConfig struct {
	ContextLines int `mapstructure:"context_lines"`
}

// Load builds a Config from an optional .env file, an optional config file and
// the environment, in increasing order of precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_depth", 64)
	v.SetDefault("scheduler.fetch_timeout", "30s")
	v.SetDefault("scheduler.fetch_retries", 1)
	v.SetDefault("scheduler.retry_backoff", "2s")
	v.SetDefault("scheduler.cycle_timeout", "2m")
	v.SetDefault("http.user_agent", "pagewatch/0.1 (+https://github.com/JakeFAU/pagewatch)")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.rate_limit_rps", 1.0)
	v.SetDefault("http.rate_limit_burst", 2)
	v.SetDefault("renderer.backend", RendererNone)
	v.SetDefault("renderer.max_parallel", 1)
	v.SetDefault("renderer.nav_timeout_seconds", 25)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.table_prefix", "pagewatch_")
	v.SetDefault("storage.migrate", true)
	v.SetDefault("storage.history_limit", 100)
	v.SetDefault("storage.archive.backend", ArchiveNone)
	v.SetDefault("storage.archive.prefix", "pages")
	v.SetDefault("events.publisher", PublisherNone)
	v.SetDefault("events.topic", "pagewatch-changes")
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.backoff_initial", "500ms")
	v.SetDefault("notify.backoff_max", "10s")
	v.SetDefault("notify.include_global_targets", true)
	v.SetDefault("notify.telegram_api_base", "https://api.telegram.org")
	v.SetDefault("notify.timeout_seconds", 15)
	v.SetDefault("notify.max_concurrent", 8)
	v.SetDefault("diff.context_lines", 3)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.FetchTimeout <= 0 {
		return fmt.Errorf("scheduler.fetch_timeout must be > 0")
	}
	if c.Scheduler.FetchRetries < 0 || c.Scheduler.FetchRetries > 2 {
		return fmt.Errorf("scheduler.fetch_retries must be between 0 and 2")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Renderer.Backend {
	case RendererNone, RendererChromedp, RendererRod:
	default:
		return fmt.Errorf("renderer.backend must be one of none, chromedp, rod")
	}
	if c.Renderer.Backend != RendererNone && c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0 when a renderer is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres")
	}
	switch c.Storage.Archive.Backend {
	case ArchiveNone:
	case ArchiveLocal:
		if c.Storage.Archive.BaseDir == "" {
			return fmt.Errorf("storage.archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Storage.Archive.GCSBucket == "" {
			return fmt.Errorf("storage.archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("storage.archive.backend must be none, local or gcs")
	}
	switch c.Events.Publisher {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("events.publisher must be none, memory or pubsub")
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be > 0")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

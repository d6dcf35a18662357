package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	Scheduler  SchedulerConfig         `yaml:"scheduler" mapstructure:"scheduler"`
	Reconcile  ReconcileConfig         `yaml:"reconcile" mapstructure:"reconcile"`
	Sources    map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
	Statements StatementsConfig        `yaml:"statements" mapstructure:"statements"`
	Monitoring MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Events     EventsConfig            `yaml:"events" mapstructure:"events"`
	Watch      WatchConfig             `yaml:"watch" mapstructure:"watch"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SchedulerConfig bounds parallelism and collision handling.
type SchedulerConfig struct {
	CustomerConcurrency    int `yaml:"customer_concurrency" mapstructure:"customer_concurrency"`
	AccessConcurrency      int `yaml:"access_concurrency" mapstructure:"access_concurrency"`
	CollisionPollMillis    int `yaml:"collision_poll_interval_ms" mapstructure:"collision_poll_interval_ms"`
	CollisionPollCeiling   int `yaml:"collision_poll_ceiling" mapstructure:"collision_poll_ceiling"`
	MaxRunDurationMins     int `yaml:"max_run_duration_mins" mapstructure:"max_run_duration_mins"`
	DefaultLookbackDays    int `yaml:"default_lookback_days" mapstructure:"default_lookback_days"`
	IncrementalOverlapDays int `yaml:"incremental_overlap_days" mapstructure:"incremental_overlap_days"`
	AdapterTimeoutSecs     int `yaml:"adapter_timeout_secs" mapstructure:"adapter_timeout_secs"`
}

// CollisionPollInterval returns the configured poll interval.
func (s SchedulerConfig) CollisionPollInterval() time.Duration {
	return time.Duration(s.CollisionPollMillis) * time.Millisecond
}

// MaxRunDuration is the age after which an in-progress run is stale.
func (s SchedulerConfig) MaxRunDuration() time.Duration {
	return time.Duration(s.MaxRunDurationMins) * time.Minute
}

// DefaultLookback is the window for accesses that never succeeded.
func (s SchedulerConfig) DefaultLookback() time.Duration {
	return time.Duration(s.DefaultLookbackDays) * 24 * time.Hour
}

// IncrementalOverlap is subtracted from the last success time.
func (s SchedulerConfig) IncrementalOverlap() time.Duration {
	return time.Duration(s.IncrementalOverlapDays) * 24 * time.Hour
}

// AdapterTimeout bounds a single adapter call.
func (s SchedulerConfig) AdapterTimeout() time.Duration {
	return time.Duration(s.AdapterTimeoutSecs) * time.Second
}

// ReconcileConfig configures the reconciliation engine.
type ReconcileConfig struct {
	Tolerance       string `yaml:"tolerance" mapstructure:"tolerance"`
	WindowSlackDays int    `yaml:"window_slack_days" mapstructure:"window_slack_days"`
}

// WindowSlack widens the prior ledger window on both sides.
func (r ReconcileConfig) WindowSlack() time.Duration {
	return time.Duration(r.WindowSlackDays) * 24 * time.Hour
}

// SourceConfig describes one financial entity's online source.
type SourceConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	PageSize  int     `yaml:"page_size" mapstructure:"page_size"`
	TimeoutS  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// StatementsConfig configures the statement-file adapter.
type StatementsConfig struct {
	Dir      string   `yaml:"dir" mapstructure:"dir"`
	Entities []string `yaml:"entities" mapstructure:"entities"`
}

// MonitoringConfig configures operator alerts and the health checker.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// EventsConfig configures run event publishing.
type EventsConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// WatchConfig configures the watch daemon.
type WatchConfig struct {
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.customer_concurrency", 4)
	v.SetDefault("scheduler.access_concurrency", 2)
	v.SetDefault("scheduler.collision_poll_interval_ms", 1000)
	v.SetDefault("scheduler.collision_poll_ceiling", 180)
	v.SetDefault("scheduler.max_run_duration_mins", 60)
	v.SetDefault("scheduler.default_lookback_days", 90)
	v.SetDefault("scheduler.incremental_overlap_days", 7)
	v.SetDefault("scheduler.adapter_timeout_secs", 600)
	v.SetDefault("reconcile.tolerance", "0.01")
	v.SetDefault("reconcile.window_slack_days", 3)
	v.SetDefault("statements.dir", "statements")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("events.topic", "ledger-sync.runs")
	v.SetDefault("watch.schedule", "@every 1h")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "sync", "watch":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateScheduler()...)
		if mode == "watch" && c.Watch.Schedule == "" {
			errs = append(errs, "watch.schedule is required")
		}
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate", "status", "ledger", "access":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateScheduler() []string {
	var errs []string
	s := c.Scheduler
	if s.CustomerConcurrency < 1 || s.CustomerConcurrency > 64 {
		errs = append(errs, "scheduler.customer_concurrency must be between 1 and 64")
	}
	if s.AccessConcurrency < 1 || s.AccessConcurrency > 64 {
		errs = append(errs, "scheduler.access_concurrency must be between 1 and 64")
	}
	if s.CollisionPollCeiling < 1 {
		errs = append(errs, "scheduler.collision_poll_ceiling must be >= 1")
	}
	if s.MaxRunDurationMins < 1 {
		errs = append(errs, "scheduler.max_run_duration_mins must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Package config loads the chatsync configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/chatsync/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Version       int                 `yaml:"version"`
	User          UserConfig          `yaml:"user"`
	Platform      PlatformConfig      `yaml:"platform"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Feed          FeedConfig          `yaml:"feed"`
	Presence      PresenceConfig      `yaml:"presence"`
	Cache         CacheConfig         `yaml:"cache"`
	Optimistic    OptimisticConfig    `yaml:"optimistic"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// UserConfig identifies the local user.
type UserConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

// Platform modes.
const (
	PlatformMemory = "memory"
	PlatformRemote = "remote"
)

// PlatformConfig selects and configures the remote platform adapter.
type PlatformConfig struct {
	// Mode is "memory" (in-process demo platform) or "remote".
	Mode           string        `yaml:"mode"`
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Server settings used by `chatsync serve`.
	Listen   string        `yaml:"listen"`
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// ConnectionConfig tunes the connection monitor.
type ConnectionConfig struct {
	Interval     time.Duration            `yaml:"interval"`
	ProbeTimeout time.Duration            `yaml:"probe_timeout"`
	InitialDelay time.Duration            `yaml:"initial_delay"`
	MaxDelay     time.Duration            `yaml:"max_delay"`
	MaxAttempts  int                      `yaml:"max_attempts"`
	Thresholds   models.LatencyThresholds `yaml:"thresholds"`
}

// FeedConfig tunes the change feed synchronizer.
type FeedConfig struct {
	SendRetryDelay            time.Duration `yaml:"send_retry_delay"`
	OfflineRetryWait          time.Duration `yaml:"offline_retry_wait"`
	ReconcileInterval         time.Duration `yaml:"reconcile_interval"`
	DegradedReconcileInterval time.Duration `yaml:"degraded_reconcile_interval"`
	ResubscribeMaxDelay       time.Duration `yaml:"resubscribe_max_delay"`
	MessagePageSize           int           `yaml:"message_page_size"`
	PostPageSize              int           `yaml:"post_page_size"`
	NotificationLimit         int           `yaml:"notification_limit"`
	PreviewLength             int           `yaml:"preview_length"`
}

// PresenceConfig tunes the presence tracker.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// CacheConfig configures the shared caches.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MaxSize         int           `yaml:"max_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// OptimisticConfig configures optimistic mutations.
type OptimisticConfig struct {
	// Timeout bounds each server confirmation (0 = none).
	Timeout time.Duration `yaml:"timeout"`
}

// OutboxConfig configures the durable outbox.
type OutboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Platform.Mode == "" {
		cfg.Platform.Mode = PlatformMemory
	}
	if cfg.Platform.RequestTimeout == 0 {
		cfg.Platform.RequestTimeout = 10 * time.Second
	}
	if cfg.Platform.Listen == "" {
		cfg.Platform.Listen = ":8080"
	}
	if cfg.Platform.TokenTTL == 0 {
		cfg.Platform.TokenTTL = 24 * time.Hour
	}

	if cfg.Connection.Interval == 0 {
		cfg.Connection.Interval = 10 * time.Second
	}
	if cfg.Connection.ProbeTimeout == 0 {
		cfg.Connection.ProbeTimeout = 5 * time.Second
	}
	if cfg.Connection.InitialDelay == 0 {
		cfg.Connection.InitialDelay = time.Second
	}
	if cfg.Connection.MaxDelay == 0 {
		cfg.Connection.MaxDelay = 30 * time.Second
	}
	if cfg.Connection.MaxAttempts == 0 {
		cfg.Connection.MaxAttempts = 5
	}
	if cfg.Connection.Thresholds == (models.LatencyThresholds{}) {
		cfg.Connection.Thresholds = models.DefaultLatencyThresholds()
	}

	if cfg.Feed.SendRetryDelay == 0 {
		cfg.Feed.SendRetryDelay = 2 * time.Second
	}
	if cfg.Feed.OfflineRetryWait == 0 {
		cfg.Feed.OfflineRetryWait = 2 * time.Minute
	}
	if cfg.Feed.ReconcileInterval == 0 {
		cfg.Feed.ReconcileInterval = 30 * time.Second
	}
	if cfg.Feed.DegradedReconcileInterval == 0 {
		cfg.Feed.DegradedReconcileInterval = 2 * time.Minute
	}
	if cfg.Feed.ResubscribeMaxDelay == 0 {
		cfg.Feed.ResubscribeMaxDelay = 30 * time.Second
	}
	if cfg.Feed.MessagePageSize == 0 {
		cfg.Feed.MessagePageSize = 50
	}
	if cfg.Feed.PostPageSize == 0 {
		cfg.Feed.PostPageSize = 50
	}
	if cfg.Feed.NotificationLimit == 0 {
		cfg.Feed.NotificationLimit = 200
	}
	if cfg.Feed.PreviewLength == 0 {
		cfg.Feed.PreviewLength = 80
	}

	if cfg.Presence.HeartbeatInterval == 0 {
		cfg.Presence.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Presence.IdleTimeout == 0 {
		cfg.Presence.IdleTimeout = 5 * time.Minute
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 500
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = time.Minute
	}

	if cfg.Outbox.Enabled && cfg.Outbox.Path == "" {
		cfg.Outbox.Path = "chatsync-outbox.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "chatsync"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.User.ID) == "" {
		add("user.id is required")
	}

	switch c.Platform.Mode {
	case PlatformMemory:
	case PlatformRemote:
		if strings.TrimSpace(c.Platform.BaseURL) == "" {
			add("platform.base_url is required in remote mode")
		}
		if strings.TrimSpace(c.Platform.Token) == "" {
			add("platform.token is required in remote mode")
		}
	default:
		add("platform.mode must be %q or %q, got %q", PlatformMemory, PlatformRemote, c.Platform.Mode)
	}

	durations := map[string]time.Duration{
		"connection.interval":              c.Connection.Interval,
		"connection.probe_timeout":         c.Connection.ProbeTimeout,
		"connection.initial_delay":         c.Connection.InitialDelay,
		"connection.max_delay":             c.Connection.MaxDelay,
		"feed.send_retry_delay":            c.Feed.SendRetryDelay,
		"feed.reconcile_interval":          c.Feed.ReconcileInterval,
		"feed.degraded_reconcile_interval": c.Feed.DegradedReconcileInterval,
		"presence.heartbeat_interval":      c.Presence.HeartbeatInterval,
		"presence.idle_timeout":            c.Presence.IdleTimeout,
		"cache.ttl":                        c.Cache.TTL,
	}
	for _, name := range sortedKeys(durations) {
		if durations[name] < 0 {
			add("%s must not be negative", name)
		}
	}
	if c.Connection.MaxDelay < c.Connection.InitialDelay {
		add("connection.max_delay must be at least connection.initial_delay")
	}
	if c.Connection.MaxAttempts < 1 {
		add("connection.max_attempts must be at least 1")
	}
	if c.Connection.Thresholds.Excellent >= c.Connection.Thresholds.Good {
		add("connection.thresholds.excellent must be below connection.thresholds.good")
	}
	if c.Feed.NotificationLimit < 1 {
		add("feed.notification_limit must be at least 1")
	}
	if c.Cache.MaxSize < 0 {
		add("cache.max_size must not be negative")
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}

	return errors.Join(errs...)
}

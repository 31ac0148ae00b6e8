// Package models - Service configuration and operational settings.
// This file defines configuration structures for all service components.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, storage, limits, etc.)
// - Environment-friendly defaults that work out of the box
// - Comprehensive validation to catch misconfigurations early
// - The process must never start serving with undefined limits
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Storage type constants
const (
	StorageTypeSQLite   = "sqlite"
	StorageTypePostgres = "postgres"
	StorageTypeRedis    = "redis"
	StorageTypeMemory   = "memory"
)

// Tier name constants. Unknown or invalid API keys always resolve to standard.
const (
	TierStandard   = "standard"
	TierEnterprise = "enterprise"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Limits        LimitsConfig        `yaml:"limits" json:"limits"`
	Escalation    EscalationConfig    `yaml:"escalation" json:"escalation"`
	Whitelist     []string            `yaml:"whitelist" json:"whitelist"`
	Janitor       JanitorConfig       `yaml:"janitor" json:"janitor"`
	Exporter      ExporterConfig      `yaml:"exporter" json:"exporter"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// LimitsConfig holds the static policy table: per-tier limit pairs plus
// endpoint overrides that replace the tier limits wholesale when matched.
type LimitsConfig struct {
	Tiers     map[string]TierLimits `yaml:"tiers" json:"tiers"`
	Endpoints []EndpointOverride    `yaml:"endpoints" json:"endpoints"`
}

// TierLimits is one limit pair. Both windows slide; neither resets at
// fixed boundaries.
type TierLimits struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerDay    int `yaml:"per_day" json:"per_day"`
}

// EndpointOverride replaces the tier's limits for requests to a path or
// path prefix. Overrides are all-or-nothing: both windows come from the
// override, never a per-window merge.
type EndpointOverride struct {
	Path      string `yaml:"path" json:"path"`
	Prefix    bool   `yaml:"prefix" json:"prefix"`
	PerMinute int    `yaml:"per_minute" json:"per_minute"`
	PerDay    int    `yaml:"per_day" json:"per_day"`
}

// EscalationConfig drives progressive bans. Thresholds are evaluated from
// highest severity to lowest; first match wins.
type EscalationConfig struct {
	HourlyThreshold int           `yaml:"hourly_threshold" json:"hourly_threshold"` // violations in 1h -> level 1
	HourlyBan       time.Duration `yaml:"hourly_ban" json:"hourly_ban"`
	SevereThreshold int           `yaml:"severe_threshold" json:"severe_threshold"` // violations in 1h -> level 2
	SevereBan       time.Duration `yaml:"severe_ban" json:"severe_ban"`
	DailyThreshold  int           `yaml:"daily_threshold" json:"daily_threshold"` // violations in 24h -> level 3
	DailyBan        time.Duration `yaml:"daily_ban" json:"daily_ban"`
}

type JanitorConfig struct {
	Interval  time.Duration `yaml:"interval" json:"interval"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

type ExporterConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Path     string        `yaml:"path" json:"path"`
}

type SecurityConfig struct {
	// SSRAuthSecret validates X-SSR-Auth from the frontend worker so its
	// forwarded client address can be trusted. Empty disables the header.
	SSRAuthSecret string `yaml:"ssr_auth_secret" json:"ssr_auth_secret"`
	// BootstrapKey is a raw enterprise API key seeded into storage at
	// startup if not already present.
	BootstrapKey string `yaml:"bootstrap_key" json:"bootstrap_key"`
	// EnableAdmin exposes the admin endpoints (key creation, client reset).
	EnableAdmin bool `yaml:"enable_admin" json:"enable_admin"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Exporter   string  `yaml:"exporter" json:"exporter"` // stdout or otlp
	Endpoint   string  `yaml:"endpoint" json:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default limits mirror the public API's published tiers: standard 60/min
// and 2000/day for everyone, enterprise 1000/min and 100000/day for paid
// keys, with /api/events carrying its own pair because the events feed is
// polled by calendar widgets.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageTypeSQLite,
			Database: DatabaseConfig{
				DSN:             "./data/gatekeeper.db",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Limits: LimitsConfig{
			Tiers: map[string]TierLimits{
				TierStandard:   {PerMinute: 60, PerDay: 2000},
				TierEnterprise: {PerMinute: 1000, PerDay: 100000},
			},
			Endpoints: []EndpointOverride{
				{Path: "/api/events", PerMinute: 120, PerDay: 10000},
			},
		},
		Escalation: EscalationConfig{
			HourlyThreshold: 10,
			HourlyBan:       time.Hour,
			SevereThreshold: 50,
			SevereBan:       24 * time.Hour,
			DailyThreshold:  100,
			DailyBan:        7 * 24 * time.Hour,
		},
		Whitelist: []string{},
		Janitor: JanitorConfig{
			Interval:  5 * time.Minute,
			Retention: 24 * time.Hour,
		},
		Exporter: ExporterConfig{
			Enabled:  true,
			Interval: time.Minute,
			Path:     "./data/blocked_addrs.txt",
		},
		Security: SecurityConfig{
			EnableAdmin: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "gatekeeper",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

// Validate checks the configuration for invalid or missing values.
// Any error here is fatal at startup: serving with undefined limits is
// worse than not serving.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls_cert_file and tls_key_file are required when TLS is enabled"))
	}

	switch c.Storage.Type {
	case StorageTypeSQLite, StorageTypePostgres:
		if c.Storage.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database DSN is required for %s storage", c.Storage.Type))
		}
	case StorageTypeRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("redis addr is required for redis storage"))
		}
	case StorageTypeMemory:
		// No additional configuration.
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %s", c.Storage.Type))
	}

	if len(c.Limits.Tiers) == 0 {
		errs = append(errs, errors.New("at least one tier must be configured"))
	}
	if _, ok := c.Limits.Tiers[TierStandard]; !ok {
		errs = append(errs, fmt.Errorf("tier %q must be configured; it is the fallback for unkeyed requests", TierStandard))
	}
	for name, tier := range c.Limits.Tiers {
		if tier.PerMinute <= 0 || tier.PerDay <= 0 {
			errs = append(errs, fmt.Errorf("tier %s limits must be positive, got %d/min %d/day", name, tier.PerMinute, tier.PerDay))
		}
		if tier.PerDay < tier.PerMinute {
			errs = append(errs, fmt.Errorf("tier %s day limit %d is below its minute limit %d", name, tier.PerDay, tier.PerMinute))
		}
	}
	for _, ep := range c.Limits.Endpoints {
		if ep.Path == "" || !strings.HasPrefix(ep.Path, "/") {
			errs = append(errs, fmt.Errorf("endpoint override path must start with /, got %q", ep.Path))
		}
		if ep.PerMinute <= 0 || ep.PerDay <= 0 {
			errs = append(errs, fmt.Errorf("endpoint override %s limits must be positive", ep.Path))
		}
	}

	if c.Escalation.HourlyThreshold <= 0 || c.Escalation.SevereThreshold <= 0 || c.Escalation.DailyThreshold <= 0 {
		errs = append(errs, errors.New("escalation thresholds must be positive"))
	}
	if c.Escalation.SevereThreshold <= c.Escalation.HourlyThreshold {
		errs = append(errs, fmt.Errorf("severe threshold %d must exceed hourly threshold %d",
			c.Escalation.SevereThreshold, c.Escalation.HourlyThreshold))
	}
	if c.Escalation.HourlyBan <= 0 || c.Escalation.SevereBan <= 0 || c.Escalation.DailyBan <= 0 {
		errs = append(errs, errors.New("escalation ban durations must be positive"))
	}

	for _, addr := range c.Whitelist {
		if _, err := netip.ParseAddr(addr); err != nil {
			errs = append(errs, fmt.Errorf("invalid whitelist address %q: %w", addr, err))
		}
	}

	if c.Janitor.Interval <= 0 {
		errs = append(errs, errors.New("janitor interval must be positive"))
	}
	if c.Janitor.Retention < 24*time.Hour {
		errs = append(errs, fmt.Errorf("janitor retention %s is below the 24h day window; purged rows would shorten daily counts", c.Janitor.Retention))
	}

	if c.Exporter.Enabled {
		if c.Exporter.Interval <= 0 {
			errs = append(errs, errors.New("exporter interval must be positive"))
		}
		if c.Exporter.Path == "" {
			errs = append(errs, errors.New("exporter path is required when the exporter is enabled"))
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, fmt.Errorf("metrics port must be between 1 and 65535, got %d", c.Metrics.Port))
		}
		if c.Metrics.Path == "" {
			errs = append(errs, errors.New("metrics path is required when metrics are enabled"))
		}
	}

	if c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if c.Observability.Tracing.Endpoint == "" {
				errs = append(errs, errors.New("tracing endpoint is required for the otlp exporter"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported tracing exporter: %s", c.Observability.Tracing.Exporter))
		}
		if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("tracing sample rate must be in [0,1], got %f", c.Observability.Tracing.SampleRate))
		}
	}

	return errors.Join(errs...)
}

// Package config loads and validates export service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Render    RenderConfig    `mapstructure:"render"`
	Logging   LoggingConfig   `mapstructure:"logging"`
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

// SchedulerConfig governs the pending-job tick loop.
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// CleanupConfig governs the retention/cache sweep loop.
type CleanupConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// JobsConfig bounds job record lifetime.
type JobsConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// CacheConfig bounds the in-memory result cache.
type CacheConfig struct {
	CapacityBytes int64         `mapstructure:"capacity_bytes"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig holds admission-control caps and windows.
type RateLimitConfig struct {
	Window              time.Duration `mapstructure:"window"`
	HourlyCap           int           `mapstructure:"hourly_cap"`
	DailyCap            int           `mapstructure:"daily_cap"`
	UploadWindow        time.Duration `mapstructure:"upload_window"`
	UploadIPCap         int           `mapstructure:"upload_ip_cap"`
	UploadUserCap       int           `mapstructure:"upload_user_cap"`
	UploadConcurrentCap int           `mapstructure:"upload_concurrent_cap"`
	MaxUploadBytes      int64         `mapstructure:"max_upload_bytes"`
	Emergency           bool          `mapstructure:"emergency"`
}

// StoreConfig selects the job store provider.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds the pgx connection settings.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects the durable artifact archive provider.
type ArchiveConfig struct {
	Provider string    `mapstructure:"provider"`
	GCS      GCSConfig `mapstructure:"gcs"`
}

// GCSConfig holds the Cloud Storage bucket settings.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// NotifyConfig selects the event publisher provider.
type NotifyConfig struct {
	Provider string       `mapstructure:"provider"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds Pub/Sub topic settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// RenderConfig configures the renderer adapters.
type RenderConfig struct {
	PDFEnabled     bool          `mapstructure:"pdf_enabled"`
	PDFMaxParallel int           `mapstructure:"pdf_max_parallel"`
	PDFTimeout     time.Duration `mapstructure:"pdf_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXPORTSRV")
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
	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("cleanup.interval", "15m")
	v.SetDefault("jobs.retention", "24h")
	v.SetDefault("cache.capacity_bytes", 256<<20)
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("ratelimit.window", "1h")
	v.SetDefault("ratelimit.hourly_cap", 5)
	v.SetDefault("ratelimit.daily_cap", 20)
	v.SetDefault("ratelimit.upload_window", "1m")
	v.SetDefault("ratelimit.upload_ip_cap", 30)
	v.SetDefault("ratelimit.upload_user_cap", 10)
	v.SetDefault("ratelimit.upload_concurrent_cap", 2)
	v.SetDefault("ratelimit.max_upload_bytes", 10<<20)
	v.SetDefault("ratelimit.emergency", false)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.postgres.table", "export_jobs")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("notify.provider", "noop")
	v.SetDefault("render.pdf_enabled", false)
	v.SetDefault("render.pdf_max_parallel", 1)
	v.SetDefault("render.pdf_timeout", "60s")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	if c.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup.interval must be > 0")
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be > 0")
	}
	if c.Cache.CapacityBytes <= 0 {
		return fmt.Errorf("cache.capacity_bytes must be > 0")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.UploadWindow <= 0 {
		return fmt.Errorf("ratelimit windows must be > 0")
	}
	if c.RateLimit.HourlyCap <= 0 || c.RateLimit.DailyCap <= 0 {
		return fmt.Errorf("ratelimit job caps must be > 0")
	}
	if c.RateLimit.MaxUploadBytes <= 0 {
		return fmt.Errorf("ratelimit.max_upload_bytes must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown store provider: %s", c.Store.Provider)
	}
	switch c.Archive.Provider {
	case "noop":
	case "gcs":
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown archive provider: %s", c.Archive.Provider)
	}
	switch c.Notify.Provider {
	case "noop":
	case "pubsub":
		if c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.TopicID == "" {
			return fmt.Errorf("notify.pubsub.project_id and topic_id are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("unknown notify provider: %s", c.Notify.Provider)
	}
	if c.Render.PDFEnabled && c.Render.PDFMaxParallel <= 0 {
		return fmt.Errorf("render.pdf_max_parallel must be > 0 when pdf rendering is enabled")
	}
	return nil
}

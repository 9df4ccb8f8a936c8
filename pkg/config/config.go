// Package config defines the loader engine's process configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	App       AppConfig       `koanf:"app"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Database  DatabaseConfig  `koanf:"database"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Recovery  RecoveryConfig  `koanf:"recovery"`
	Sink      SinkConfig      `koanf:"sink"`
	Source    SourceConfig    `koanf:"source"`
	Activity  ActivityConfig  `koanf:"activity"`
	Secret    SecretConfig    `koanf:"secret"`
	Admin     AdminConfig     `koanf:"admin"`
}

// AppConfig holds general process metadata.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig controls the Prometheus metrics/health listener.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig describes the engine's own Postgres store (loader, execution_lock tables).
type DatabaseConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns the libpq connection string for the engine's own database.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
	)
}

// SchedulerConfig controls the scheduling tick and dispatch concurrency (spec.md §6).
type SchedulerConfig struct {
	TickIntervalMs         int `koanf:"tick_interval_ms"`
	WorkerPoolSize         int `koanf:"worker_pool_size"`
	DefaultLookbackSeconds int `koanf:"default_lookback_seconds"`
}

// Tick returns the scheduler tick as a time.Duration.
func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// DefaultLookback returns the seed lookback window as a time.Duration.
func (s SchedulerConfig) DefaultLookback() time.Duration {
	return time.Duration(s.DefaultLookbackSeconds) * time.Second
}

// RecoveryConfig controls the stale-lock/failed-loader sweeper (spec.md §6).
type RecoveryConfig struct {
	TickIntervalMs    int `koanf:"tick_interval_ms"`
	StaleLockSeconds  int `koanf:"stale_lock_seconds"`
	FailedGraceSecond int `koanf:"failed_grace_seconds"`
}

// Tick returns the sweeper tick as a time.Duration.
func (r RecoveryConfig) Tick() time.Duration {
	return time.Duration(r.TickIntervalMs) * time.Millisecond
}

// StaleLockThreshold returns the stale-lock age threshold as a time.Duration.
func (r RecoveryConfig) StaleLockThreshold() time.Duration {
	return time.Duration(r.StaleLockSeconds) * time.Second
}

// FailedGrace returns the FAILED auto-recovery grace period as a time.Duration.
func (r RecoveryConfig) FailedGrace() time.Duration {
	return time.Duration(r.FailedGraceSecond) * time.Second
}

// SinkConfig controls the ingestion sink's transactional behavior.
type SinkConfig struct {
	TransactionTimeoutSeconds int `koanf:"transaction_timeout_seconds"`
}

// TransactionTimeout returns the sink transaction timeout as a time.Duration.
func (s SinkConfig) TransactionTimeout() time.Duration {
	return time.Duration(s.TransactionTimeoutSeconds) * time.Second
}

// SourceConfig controls source-database connection pooling (spec.md §6).
type SourceConfig struct {
	PoolMax int `koanf:"pool_max"`
}

// ActivityConfig controls the activity-event publisher.
type ActivityConfig struct {
	Enabled       bool   `koanf:"enabled"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	Stream        string `koanf:"stream"`
}

// SecretConfig controls the authenticated-encryption key derivation for
// loaderSql and source passwords at rest.
type SecretConfig struct {
	MasterKey string `koanf:"master_key"`
}

// AdminConfig controls the internal admin HTTP surface that consumes
// pause/resume/force-next-run/backfill commands (spec.md §6). It carries
// no authentication of its own; auth is out of scope (spec.md Non-goals).
type AdminConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// Validate checks invariant constraints on the loaded configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Scheduler.TickIntervalMs <= 0 {
		errs = append(errs, "scheduler.tick_interval_ms must be positive")
	}
	if c.Scheduler.WorkerPoolSize <= 0 {
		errs = append(errs, "scheduler.worker_pool_size must be positive")
	}
	if c.Scheduler.DefaultLookbackSeconds <= 0 {
		errs = append(errs, "scheduler.default_lookback_seconds must be positive")
	}

	if c.Recovery.StaleLockSeconds <= 0 {
		errs = append(errs, "recovery.stale_lock_seconds must be positive")
	}
	if c.Recovery.FailedGraceSecond <= 0 {
		errs = append(errs, "recovery.failed_grace_seconds must be positive")
	}

	if c.Source.PoolMax <= 0 {
		errs = append(errs, "source.pool_max must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the process is running in a development environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the process is running in a production environment.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}

// Package config loads cadent configuration from defaults, a TOML
// file, and CADENT_-prefixed environment variables, in that precedence
// order, with optional hot reload via a file watcher.
package config

import (
	"encoding/base64"
	"time"

	"github.com/emberworks/cadent/errors"
)

// Config represents the cadent daemon configuration
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Log         LogConfig         `mapstructure:"log"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Recurring   RecurringConfig   `mapstructure:"recurring"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// StorageConfig configures the SQLite database
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures log output
type LogConfig struct {
	JSON bool `mapstructure:"json"` // JSON output for machine consumption, console otherwise
}

// SchedulerConfig configures the job scheduler loop
type SchedulerConfig struct {
	TickIntervalSeconds      int `mapstructure:"tick_interval_seconds"`       // How often to claim due jobs (default: 1)
	ClaimLimit               int `mapstructure:"claim_limit"`                 // Max jobs claimed per tick (0 = 2x workers)
	Workers                  int `mapstructure:"workers"`                     // Concurrent handler executions (default: 4)
	DefaultJobTimeoutSeconds int `mapstructure:"default_job_timeout_seconds"` // Per-job deadline when the handler sets none (default: 60)
	MaxAttempts              int `mapstructure:"max_attempts"`                // Default attempt budget for new jobs (default: 3)
	BackoffBaseSeconds       int `mapstructure:"backoff_base_seconds"`        // Retry backoff base (default: 30)
	BackoffCapSeconds        int `mapstructure:"backoff_cap_seconds"`         // Retry backoff ceiling (default: 3600)
}

// CredentialsConfig configures the token refresh manager
type CredentialsConfig struct {
	SafetyMarginMinutes  int     `mapstructure:"safety_margin_minutes"`  // Remaining lifetime below which GetValidToken refreshes (default: 5)
	ExpiryThresholdHours int     `mapstructure:"expiry_threshold_hours"` // Sweep lookahead window (default: 24)
	SweepWorkers         int     `mapstructure:"sweep_workers"`          // Concurrent refreshes per sweep (default: 10)
	EncryptionKey        string  `mapstructure:"encryption_key"`         // Base64 32-byte key for tokens at rest; empty = plaintext
	RefreshPerMinute     float64 `mapstructure:"refresh_per_minute"`     // Per-provider refresh rate limit (0 = unlimited)
}

// RecurringConfig configures the built-in recurring jobs
type RecurringConfig struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"` // How often due times are evaluated (default: 30)
	SweepEveryHours     int `mapstructure:"sweep_every_hours"`     // Credential sweep interval (default: 6)
	AnalyticsHourUTC    int `mapstructure:"analytics_hour_utc"`    // Daily analytics sync hour (default: 3)
	RetentionWeekday    int `mapstructure:"retention_weekday"`     // Weekly cleanup day, 0=Sunday (default: 0)
	RetentionHourUTC    int `mapstructure:"retention_hour_utc"`    // Weekly cleanup hour (default: 4)
	RetentionAgeDays    int `mapstructure:"retention_age_days"`    // Terminal job retention (default: 30)
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // host:port for /metrics (default: :9464)
}

// TickInterval returns the scheduler tick as a duration
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// DefaultJobTimeout returns the default per-job deadline as a duration
func (c SchedulerConfig) DefaultJobTimeout() time.Duration {
	return time.Duration(c.DefaultJobTimeoutSeconds) * time.Second
}

// BackoffBase returns the retry backoff base as a duration
func (c SchedulerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the retry backoff ceiling as a duration
func (c SchedulerConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// SafetyMargin returns the refresh safety margin as a duration
func (c CredentialsConfig) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginMinutes) * time.Minute
}

// ExpiryThreshold returns the sweep lookahead as a duration
func (c CredentialsConfig) ExpiryThreshold() time.Duration {
	return time.Duration(c.ExpiryThresholdHours) * time.Hour
}

// DecodeEncryptionKey decodes the configured base64 key.
// Returns nil (plaintext mode) when unset.
func (c CredentialsConfig) DecodeEncryptionKey() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "encryption key is not valid base64")
	}
	return key, nil
}

// TickInterval returns the recurring evaluation tick as a duration
func (c RecurringConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// SweepEvery returns the credential sweep cadence as a duration
func (c RecurringConfig) SweepEvery() time.Duration {
	return time.Duration(c.SweepEveryHours) * time.Hour
}

// RetentionAge returns the terminal-job retention window as a duration
func (c RecurringConfig) RetentionAge() time.Duration {
	return time.Duration(c.RetentionAgeDays) * 24 * time.Hour
}

// Validate rejects configurations the daemon cannot run with
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path cannot be empty")
	}
	if c.Scheduler.Workers < 1 {
		return errors.New("scheduler.workers must be at least 1")
	}
	if c.Scheduler.TickIntervalSeconds < 1 {
		return errors.New("scheduler.tick_interval_seconds must be at least 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return errors.New("scheduler.max_attempts must be at least 1")
	}
	if c.Scheduler.BackoffCapSeconds < c.Scheduler.BackoffBaseSeconds {
		return errors.New("scheduler.backoff_cap_seconds must be >= backoff_base_seconds")
	}
	if c.Recurring.AnalyticsHourUTC < 0 || c.Recurring.AnalyticsHourUTC > 23 {
		return errors.New("recurring.analytics_hour_utc must be between 0 and 23")
	}
	if c.Recurring.RetentionWeekday < 0 || c.Recurring.RetentionWeekday > 6 {
		return errors.New("recurring.retention_weekday must be between 0 (Sunday) and 6")
	}
	if c.Recurring.RetentionHourUTC < 0 || c.Recurring.RetentionHourUTC > 23 {
		return errors.New("recurring.retention_hour_utc must be between 0 and 23")
	}
	if _, err := c.Credentials.DecodeEncryptionKey(); err != nil {
		return err
	}
	return nil
}

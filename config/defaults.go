package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.path", "cadent.db")

	// Log defaults
	v.SetDefault("log.json", false)

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval_seconds", 1)
	v.SetDefault("scheduler.claim_limit", 0) // 0 = 2x workers
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.default_job_timeout_seconds", 60)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff_base_seconds", 30)
	v.SetDefault("scheduler.backoff_cap_seconds", 3600)

	// Credential defaults
	v.SetDefault("credentials.safety_margin_minutes", 5)
	v.SetDefault("credentials.expiry_threshold_hours", 24)
	v.SetDefault("credentials.sweep_workers", 10)
	v.SetDefault("credentials.refresh_per_minute", 0.0)

	// Recurring job defaults
	v.SetDefault("recurring.tick_interval_seconds", 30)
	v.SetDefault("recurring.sweep_every_hours", 6)
	v.SetDefault("recurring.analytics_hour_utc", 3)
	v.SetDefault("recurring.retention_weekday", 0) // Sunday
	v.SetDefault("recurring.retention_hour_utc", 4)
	v.SetDefault("recurring.retention_age_days", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to
// environment variables so secrets never need to live in the TOML file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("storage.path", "CADENT_STORAGE_PATH")
	v.BindEnv("credentials.encryption_key", "CADENT_CREDENTIALS_ENCRYPTION_KEY")
}

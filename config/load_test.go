package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadent.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "cadent.db", cfg.Storage.Path)
	assert.False(t, cfg.Log.JSON)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.DefaultJobTimeout())
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.BackoffBase())
	assert.Equal(t, time.Hour, cfg.Scheduler.BackoffCap())
	assert.Equal(t, 5*time.Minute, cfg.Credentials.SafetyMargin())
	assert.Equal(t, 24*time.Hour, cfg.Credentials.ExpiryThreshold())
	assert.Equal(t, 10, cfg.Credentials.SweepWorkers)
	assert.Equal(t, 30*time.Second, cfg.Recurring.TickInterval())
	assert.Equal(t, 6*time.Hour, cfg.Recurring.SweepEvery())
	assert.Equal(t, 30*24*time.Hour, cfg.Recurring.RetentionAge())
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9464", cfg.Metrics.Listen)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
[storage]
path = "/var/lib/cadent/cadent.db"

[scheduler]
workers = 8
tick_interval_seconds = 2

[credentials]
sweep_workers = 4

[metrics]
enabled = true
listen = ":9999"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cadent/cadent.db", cfg.Storage.Path)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, 4, cfg.Credentials.SweepWorkers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Listen)

	// Values not in the file keep their defaults
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Credentials.SafetyMargin())
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	path := writeConfigFile(t, `
[scheduler]
workers = 0
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		require.NoError(t, v.Unmarshal(&cfg))
		return &cfg
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Scheduler.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Scheduler.BackoffBaseSeconds = 100
	cfg.Scheduler.BackoffCapSeconds = 50
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Recurring.AnalyticsHourUTC = 24
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Recurring.RetentionWeekday = 7
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Credentials.EncryptionKey = "not base64!!!"
	assert.Error(t, cfg.Validate())
}

func TestDecodeEncryptionKey(t *testing.T) {
	var cfg CredentialsConfig

	key, err := cfg.DecodeEncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key, "unset key means plaintext mode")

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	cfg.EncryptionKey = base64.StdEncoding.EncodeToString(raw)

	key, err = cfg.DecodeEncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestSensitiveEnvVars(t *testing.T) {
	t.Setenv("CADENT_STORAGE_PATH", "/tmp/env-cadent.db")
	t.Setenv("CADENT_CREDENTIALS_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))

	v := viper.New()
	SetDefaults(v)
	BindSensitiveEnvVars(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, "/tmp/env-cadent.db", cfg.Storage.Path)
	key, err := cfg.Credentials.DecodeEncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

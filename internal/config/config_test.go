package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("does-not-exist")
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "tradehive", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, "paper", cfg.Brokers.Default)
	assert.Equal(t, 200, cfg.Swarm.DispatchLimit)
	assert.Equal(t, 3, cfg.Swarm.DefaultAttempts)
	assert.Equal(t, 60*time.Second, cfg.Swarm.AlarmInterval)
	assert.Equal(t, 5*time.Minute, cfg.Swarm.StaleAfter)
	assert.Equal(t, 0.10, cfg.Trading.PositionPct)
	assert.Equal(t, 5000.0, cfg.Trading.MaxPositionNotional)
	assert.Equal(t, 10*time.Minute, cfg.Alerts.DedupeWindow)
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5432, User: "hive", Password: "pw",
		Database: "hive", SSLMode: "disable",
	}
	assert.Equal(t, "postgres://hive:pw@db:5432/hive?sslmode=disable", d.DSN())

	d.URL = "postgres://other"
	assert.Equal(t, "postgres://other", d.DSN())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errHas string
	}{
		{
			name:   "bad environment",
			mutate: func(c *Config) { c.App.Environment = "prod" },
			errHas: "app.environment",
		},
		{
			name:   "unknown broker",
			mutate: func(c *Config) { c.Brokers.Default = "ibkr" },
			errHas: "brokers.default",
		},
		{
			name:   "alpaca without key",
			mutate: func(c *Config) { c.Brokers.Default = "alpaca" },
			errHas: "alpaca.api_key",
		},
		{
			name:   "dispatch limit above cap",
			mutate: func(c *Config) { c.Swarm.DispatchLimit = 500 },
			errHas: "dispatch_limit",
		},
		{
			name:   "zero attempts",
			mutate: func(c *Config) { c.Swarm.DefaultAttempts = 0 },
			errHas: "default_attempts",
		},
		{
			name: "production without approval secret",
			mutate: func(c *Config) {
				c.App.Environment = "production"
				c.Approval.Secret = ""
			},
			errHas: "approval.secret",
		},
		{
			name: "blob enabled without bucket",
			mutate: func(c *Config) {
				c.Blob.Enabled = true
				c.Blob.Bucket = ""
			},
			errHas: "blob.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errHas)
		})
	}
}

func TestRejectPlaceholder(t *testing.T) {
	assert.Error(t, rejectPlaceholder("approval secret", "changeme"))
	assert.Error(t, rejectPlaceholder("approval secret", "SECRET"))
	assert.NoError(t, rejectPlaceholder("approval secret", "1d4e9fbb2c3a44d0a5c7"))
}

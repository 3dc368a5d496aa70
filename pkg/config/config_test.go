package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"zero submit timeout", func(c *Config) { c.Ledger.SubmitTimeout = 0 }},
		{"missing authority", func(c *Config) { c.Ledger.AuthorityAccount = "" }},
		{"missing treasury", func(c *Config) { c.Ledger.TreasuryAccount = "" }},
		{"zero self tick cap", func(c *Config) { c.Ledger.MaxSelfTicksPerCall = 0 }},
		{"fee above 100", func(c *Config) { c.Ledger.DefaultPricing.PlatformFeePercent = 101 }},
		{"submitter not registered", func(c *Config) { c.Ledger.TickSubmitters = []string{"other"} }},
		{"tick longer than interval", func(c *Config) { c.Submitter.TickDuration = 2 * time.Second }},
		{"zero submitter workers", func(c *Config) { c.Submitter.Workers = 0 }},
		{"zero orchestrator interval", func(c *Config) { c.Orchestrator.Interval = 0 }},
		{"zero max deferrals", func(c *Config) { c.Orchestrator.MaxDeferrals = 0 }},
		{"zero billing lock ttl", func(c *Config) { c.Orchestrator.LockTTL = 0 }},
		{"negative grace period", func(c *Config) { c.Orchestrator.DepartedGracePeriod = -time.Second }},
		{"short wallet seed", func(c *Config) { c.Wallet.MasterSeed = "short" }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"pong before ping", func(c *Config) { c.Transport.PongTimeout = c.Transport.PingInterval }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"relay without redis", func(c *Config) { c.Relay.Enabled = true }},
		{"archive without dsn", func(c *Config) { c.Archive.Enabled = true; c.Archive.DSN = "" }},
		{"backup without path", func(c *Config) { c.Backup.Enabled = true; c.Backup.Path = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"ws max concurrent must be >= 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.MaxConcurrent = -1
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, uint64(60), cfg.Ledger.MaxSelfTicksPerCall)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":9000"
ledger:
  tick_submitters: ["ticker", "backup-ticker"]
  default_pricing:
    rate_per_tick: 5
    min_payment_amount: 50
    platform_fee_percent: 20
orchestrator:
  interval: 10s
  departed_grace_period: 1h
  max_deferrals: 4
submitter:
  retry:
    max_attempts: 5
    initial_delay: 50ms
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("TICKSETTLE_LOG_LEVEL", "debug")
	t.Setenv("TICKSETTLE_DEFAULT_SPENDING_LIMIT", "1000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, []string{"ticker", "backup-ticker"}, cfg.Ledger.TickSubmitters)
	assert.Equal(t, PricingConfig{RatePerTick: 5, MinPaymentAmount: 50, PlatformFeePercent: 20}, cfg.Ledger.DefaultPricing)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.Interval)
	assert.Equal(t, time.Hour, cfg.Orchestrator.DepartedGracePeriod)
	assert.Equal(t, 4, cfg.Orchestrator.MaxDeferrals)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.LockTTL)
	assert.Equal(t, 5, cfg.Submitter.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Submitter.Retry.InitialDelay)
	assert.True(t, cfg.Submitter.Retry.Enabled, "unset keys keep their defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, uint64(1000), cfg.Orchestrator.DefaultSpendingLimit)
}

func TestLoad_InvalidEnvOverride(t *testing.T) {
	t.Setenv("TICKSETTLE_DEFAULT_SPENDING_LIMIT", "lots")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

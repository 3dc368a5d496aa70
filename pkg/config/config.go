package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ticksettle/pkg/circuitbreaker"
	"ticksettle/pkg/logger"
	"ticksettle/pkg/retry"
	"ticksettle/pkg/tracing"
	"ticksettle/pkg/validation"

	"gopkg.in/yaml.v2"
)

type PricingConfig struct {
	RatePerTick        uint64 `yaml:"rate_per_tick"`
	MinPaymentAmount   uint64 `yaml:"min_payment_amount"`
	PlatformFeePercent uint8  `yaml:"platform_fee_percent"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Ledger struct {
		SubmitTimeout       time.Duration `yaml:"submit_timeout"`
		MaxConflictRetries  int           `yaml:"max_conflict_retries"`
		AuthorityAccount    string        `yaml:"authority_account"`
		TreasuryAccount     string        `yaml:"treasury_account"`
		TickSubmitters      []string      `yaml:"tick_submitters"`
		MaxSelfTicksPerCall uint64        `yaml:"max_self_ticks_per_call"`
		MinSelfTickInterval time.Duration `yaml:"min_self_tick_interval"`
		DefaultPricing      PricingConfig `yaml:"default_pricing"`
	} `yaml:"ledger"`

	Submitter struct {
		Enabled        bool                  `yaml:"enabled"`
		Account        string                `yaml:"account"`
		Interval       time.Duration         `yaml:"interval"`
		TickDuration   time.Duration         `yaml:"tick_duration"`
		Workers        int                   `yaml:"workers"`
		LockTTL        time.Duration         `yaml:"lock_ttl"`
		Retry          retry.Config          `yaml:"retry"`
		CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	} `yaml:"submitter"`

	Orchestrator struct {
		Enabled              bool          `yaml:"enabled"`
		Interval             time.Duration `yaml:"interval"`
		Workers              int           `yaml:"workers"`
		DefaultSpendingLimit uint64        `yaml:"default_spending_limit"` // 0 = unlimited
		DepartedGracePeriod  time.Duration `yaml:"departed_grace_period"`  // 0 = indefinite
		TermsCacheTTL        time.Duration `yaml:"terms_cache_ttl"`
		MaxDeferrals         int           `yaml:"max_deferrals"` // deferred passes before a viewer is paused
		LockTTL              time.Duration `yaml:"lock_ttl"`
	} `yaml:"orchestrator"`

	Wallet struct {
		MasterSeed    string        `yaml:"master_seed"`
		CredentialTTL time.Duration `yaml:"credential_ttl"`
	} `yaml:"wallet"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging logger.Config `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Transport struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		MaxMessageSize int64         `yaml:"max_message_size"`
	} `yaml:"transport"`

	Backup struct {
		Enabled   bool          `yaml:"enabled"`
		Path      string        `yaml:"path"`
		Interval  time.Duration `yaml:"interval"`
		Retention int           `yaml:"retention"`
	} `yaml:"backup"`

	Archive struct {
		Enabled      bool          `yaml:"enabled"`
		DSN          string        `yaml:"dsn"`
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
	} `yaml:"archive"`

	Relay struct {
		Enabled      bool          `yaml:"enabled"`
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
	} `yaml:"relay"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Ledger
	if c.Ledger.SubmitTimeout <= 0 {
		return fmt.Errorf("ledger.submit_timeout must be > 0")
	}
	if c.Ledger.MaxConflictRetries < 0 {
		return fmt.Errorf("ledger.max_conflict_retries must be >= 0")
	}
	if c.Ledger.AuthorityAccount == "" {
		return fmt.Errorf("ledger.authority_account must not be empty")
	}
	if c.Ledger.TreasuryAccount == "" {
		return fmt.Errorf("ledger.treasury_account must not be empty")
	}
	if c.Ledger.MaxSelfTicksPerCall == 0 {
		return fmt.Errorf("ledger.max_self_ticks_per_call must be > 0")
	}
	if c.Ledger.DefaultPricing.PlatformFeePercent > 100 {
		return fmt.Errorf("ledger.default_pricing.platform_fee_percent must be <= 100")
	}

	// Submitter
	if c.Submitter.Enabled {
		if c.Submitter.Account == "" {
			return fmt.Errorf("submitter.account must not be empty when submitter.enabled=true")
		}
		if !contains(c.Ledger.TickSubmitters, c.Submitter.Account) {
			return fmt.Errorf("submitter.account %q must be listed in ledger.tick_submitters", c.Submitter.Account)
		}
		if c.Submitter.Interval <= 0 {
			return fmt.Errorf("submitter.interval must be > 0")
		}
		if c.Submitter.TickDuration <= 0 || c.Submitter.TickDuration > c.Submitter.Interval {
			return fmt.Errorf("submitter.tick_duration must be > 0 and <= submitter.interval")
		}
		if c.Submitter.Workers <= 0 {
			return fmt.Errorf("submitter.workers must be > 0")
		}
		if c.Submitter.LockTTL <= 0 {
			return fmt.Errorf("submitter.lock_ttl must be > 0")
		}
	}

	// Orchestrator
	if c.Orchestrator.Enabled {
		if c.Orchestrator.Interval <= 0 {
			return fmt.Errorf("orchestrator.interval must be > 0")
		}
		if c.Orchestrator.Workers <= 0 {
			return fmt.Errorf("orchestrator.workers must be > 0")
		}
		if c.Orchestrator.MaxDeferrals <= 0 {
			return fmt.Errorf("orchestrator.max_deferrals must be > 0")
		}
		if c.Orchestrator.LockTTL <= 0 {
			return fmt.Errorf("orchestrator.lock_ttl must be > 0")
		}
	}
	if c.Orchestrator.DepartedGracePeriod < 0 {
		return fmt.Errorf("orchestrator.departed_grace_period must be >= 0")
	}

	// Wallet
	if len(c.Wallet.MasterSeed) < 16 {
		return fmt.Errorf("wallet.master_seed must be at least 16 bytes")
	}
	if c.Wallet.CredentialTTL <= 0 {
		return fmt.Errorf("wallet.credential_ttl must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL < c.Auth.AccessTokenTTL {
		return fmt.Errorf("auth.refresh_token_ttl must be >= auth.access_token_ttl")
	}

	// Transport
	if c.Transport.PingInterval <= 0 {
		return fmt.Errorf("transport.ping_interval must be > 0")
	}
	if c.Transport.PongTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.pong_timeout must be > transport.ping_interval")
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Path == "" {
			return fmt.Errorf("backup.path must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
		}
		if c.Backup.Retention < 0 {
			return fmt.Errorf("backup.retention must be >= 0")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn must not be empty when archive.enabled=true")
		}
		if c.Archive.PollInterval <= 0 || c.Archive.BatchSize <= 0 {
			return fmt.Errorf("archive.poll_interval and archive.batch_size must be > 0")
		}
	}

	// Relay
	if c.Relay.Enabled {
		if !c.Redis.Enabled {
			return fmt.Errorf("relay.enabled requires redis.enabled=true")
		}
		if c.Relay.PollInterval <= 0 || c.Relay.BatchSize <= 0 {
			return fmt.Errorf("relay.poll_interval and relay.batch_size must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Ledger.SubmitTimeout = 5 * time.Second
	cfg.Ledger.MaxConflictRetries = 3
	cfg.Ledger.AuthorityAccount = "platform"
	cfg.Ledger.TreasuryAccount = "treasury"
	cfg.Ledger.TickSubmitters = []string{"ticker"}
	cfg.Ledger.MaxSelfTicksPerCall = 60
	cfg.Ledger.MinSelfTickInterval = time.Second
	cfg.Ledger.DefaultPricing = PricingConfig{RatePerTick: 1, MinPaymentAmount: 10, PlatformFeePercent: 10}

	cfg.Submitter.Enabled = true
	cfg.Submitter.Account = "ticker"
	cfg.Submitter.Interval = time.Second
	cfg.Submitter.TickDuration = time.Second
	cfg.Submitter.Workers = 16
	cfg.Submitter.LockTTL = 5 * time.Second
	cfg.Submitter.Retry = retry.DefaultConfig()
	cfg.Submitter.CircuitBreaker = circuitbreaker.DefaultConfig()

	cfg.Orchestrator.Enabled = true
	cfg.Orchestrator.Interval = 5 * time.Second
	cfg.Orchestrator.Workers = 8
	cfg.Orchestrator.TermsCacheTTL = time.Minute
	cfg.Orchestrator.MaxDeferrals = 10
	cfg.Orchestrator.LockTTL = 30 * time.Second

	cfg.Wallet.MasterSeed = "insecure-development-seed"
	cfg.Wallet.CredentialTTL = time.Minute

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging = logger.DefaultConfig()

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Transport.PingInterval = 30 * time.Second
	cfg.Transport.PongTimeout = 60 * time.Second
	cfg.Transport.MaxMessageSize = 4 * 1024

	cfg.Backup.Enabled = false
	cfg.Backup.Path = "./data/snapshots"
	cfg.Backup.Interval = time.Hour
	cfg.Backup.Retention = 24

	cfg.Archive.Enabled = false
	cfg.Archive.DSN = "./data/payments.db"
	cfg.Archive.PollInterval = 2 * time.Second
	cfg.Archive.BatchSize = 500

	cfg.Relay.Enabled = false
	cfg.Relay.PollInterval = time.Second
	cfg.Relay.BatchSize = 200

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("TICKSETTLE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("TICKSETTLE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("TICKSETTLE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if seed := os.Getenv("TICKSETTLE_WALLET_SEED"); seed != "" {
		c.Wallet.MasterSeed = seed
	}
	if addr := os.Getenv("TICKSETTLE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if submitters := os.Getenv("TICKSETTLE_TICK_SUBMITTERS"); submitters != "" {
		c.Ledger.TickSubmitters = strings.Split(submitters, ",")
	}
	if limit := os.Getenv("TICKSETTLE_DEFAULT_SPENDING_LIMIT"); limit != "" {
		v, err := strconv.ParseUint(limit, 10, 64)
		if err != nil {
			return fmt.Errorf("TICKSETTLE_DEFAULT_SPENDING_LIMIT: %w", err)
		}
		c.Orchestrator.DefaultSpendingLimit = v
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

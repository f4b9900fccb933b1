package config

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/dexharvest/dexharvest-go/internal/utils"
)

type Config struct {
	Environment    string               `mapstructure:"environment"`
	LogLevel       string               `mapstructure:"log_level"`
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Provider       ProviderConfig       `mapstructure:"provider"`
	RateLimits     RateLimitConfig      `mapstructure:"rate_limits"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Collectors     []CollectorConfig    `mapstructure:"collectors"`
	Discovery      DiscoveryConfig      `mapstructure:"discovery"`
	Cleanup        CleanupConfig        `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProviderConfig configures the upstream market-data API.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout int    `mapstructure:"timeout"`
	// PaceRPS is a transport-level request pacer applied below the keyed
	// rate limiter; zero disables pacing.
	PaceRPS float64 `mapstructure:"pace_rps"`
}

// RateLimitConfig configures the keyed outbound rate limiter.
type RateLimitConfig struct {
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	RequestsPerDay    int     `mapstructure:"requests_per_day"`
	BaseRetryAfter    string  `mapstructure:"base_retry_after"`
	MaxBackoff        string  `mapstructure:"max_backoff"`
	// SharedKey makes every network contend through one provider-wide
	// resource key instead of an isolated key per network.
	SharedKey bool `mapstructure:"shared_key"`
}

// BaseRetryAfterDuration returns the parsed base retry-after, safe default 5s.
func (c RateLimitConfig) BaseRetryAfterDuration() time.Duration {
	return parseDurationOr(c.BaseRetryAfter, 5*time.Second, "rate_limits.base_retry_after")
}

// MaxBackoffDuration returns the parsed backoff cap, safe default 5m.
func (c RateLimitConfig) MaxBackoffDuration() time.Duration {
	return parseDurationOr(c.MaxBackoff, 5*time.Minute, "rate_limits.max_backoff")
}

type CircuitBreakerConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	RecoveryTimeout  string `mapstructure:"recovery_timeout"`
}

// RecoveryTimeoutDuration returns the parsed recovery timeout, safe default 60s.
func (c CircuitBreakerConfig) RecoveryTimeoutDuration() time.Duration {
	return parseDurationOr(c.RecoveryTimeout, 60*time.Second, "circuit_breaker.recovery_timeout")
}

// CollectorConfig describes one registered collector.
type CollectorConfig struct {
	Name       string `mapstructure:"name"`
	EntityType string `mapstructure:"entity_type"`
	Network    string `mapstructure:"network"`
	Timeframe  string `mapstructure:"timeframe"`
	Interval   string `mapstructure:"interval"`
	Enabled    bool   `mapstructure:"enabled"`
}

// IntervalDuration returns the parsed collection interval, safe default 5m.
func (c CollectorConfig) IntervalDuration() time.Duration {
	return parseDurationOr(c.Interval, 5*time.Minute, "collectors."+c.Name+".interval")
}

type DiscoveryConfig struct {
	Networks          []string `mapstructure:"networks"`
	MinVolumeUSD      float64  `mapstructure:"min_volume_usd"`
	ActivityThreshold float64  `mapstructure:"activity_threshold"`
	MaxPoolsPerDex    int      `mapstructure:"max_pools_per_dex"`
	LookbackWindow    string   `mapstructure:"lookback_window"`
	Watchlist         []string `mapstructure:"watchlist"`
	VolumeWeight      float64  `mapstructure:"volume_weight"`
	TxWeight          float64  `mapstructure:"tx_weight"`
	LiquidityWeight   float64  `mapstructure:"liquidity_weight"`
}

// LookbackDuration returns the parsed new-pool lookback window, safe default 24h.
func (c DiscoveryConfig) LookbackDuration() time.Duration {
	return parseDurationOr(c.LookbackWindow, 24*time.Hour, "discovery.lookback_window")
}

type CleanupConfig struct {
	HistoryRetentionHours  int `mapstructure:"history_retention_hours"`
	TradeRetentionHours    int `mapstructure:"trade_retention_hours"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
}

// Load reads configuration from ./configs/config.yaml (or ./config.yaml)
// plus environment variables, applies defaults, and validates. Invalid
// values are replaced by safe defaults with a loud log rather than
// failing startup.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)
	for _, err := range config.sanitize() {
		logrus.WithError(err).Warn("replaced invalid configuration value")
	}

	return &config, nil
}

// Reload re-reads the configuration source and returns a fresh Config.
// Callers swap descriptors and thresholds from it without resetting
// in-flight rate-limit state.
func Reload() (*Config, error) {
	return Load()
}

// sanitize replaces out-of-range values with safe defaults and returns one
// ConfigurationError per substitution. Collection never starts with a
// silently broken config.
func (c *Config) sanitize() []error {
	var errs []error
	if c.RateLimits.RequestsPerMinute <= 0 {
		errs = append(errs, utils.NewConfigurationError("rate_limits.requests_per_minute", c.RateLimits.RequestsPerMinute, "must be positive, using 30"))
		c.RateLimits.RequestsPerMinute = 30
	}
	if c.RateLimits.RequestsPerDay <= 0 {
		errs = append(errs, utils.NewConfigurationError("rate_limits.requests_per_day", c.RateLimits.RequestsPerDay, "must be positive, using 10000"))
		c.RateLimits.RequestsPerDay = 10000
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, utils.NewConfigurationError("circuit_breaker.failure_threshold", c.CircuitBreaker.FailureThreshold, "must be positive, using 5"))
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.Discovery.ActivityThreshold < 0 || c.Discovery.ActivityThreshold > 100 {
		errs = append(errs, utils.NewConfigurationError("discovery.activity_threshold", c.Discovery.ActivityThreshold, "must be in [0,100], using 20"))
		c.Discovery.ActivityThreshold = 20
	}
	if c.Discovery.MaxPoolsPerDex <= 0 {
		errs = append(errs, utils.NewConfigurationError("discovery.max_pools_per_dex", c.Discovery.MaxPoolsPerDex, "must be positive, using 100"))
		c.Discovery.MaxPoolsPerDex = 100
	}
	for i := range c.Collectors {
		if c.Collectors[i].Name == "" {
			errs = append(errs, utils.NewConfigurationError("collectors", i, "collector has no name, disabling"))
			c.Collectors[i].Enabled = false
		}
	}
	return errs
}

func parseDurationOr(raw string, fallback time.Duration, field string) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logrus.Warnf("invalid duration for %s: %q, using %s", field, raw, fallback)
		return fallback
	}
	return d
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "dexharvest")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("provider.base_url", "https://api.geckoterminal.com/api/v2")
	viper.SetDefault("provider.timeout", 30)
	viper.SetDefault("provider.pace_rps", 2.0)

	viper.SetDefault("rate_limits.requests_per_minute", 30)
	viper.SetDefault("rate_limits.requests_per_day", 10000)
	viper.SetDefault("rate_limits.base_retry_after", "5s")
	viper.SetDefault("rate_limits.max_backoff", "5m")
	viper.SetDefault("rate_limits.shared_key", true)

	viper.SetDefault("circuit_breaker.failure_threshold", 5)
	viper.SetDefault("circuit_breaker.recovery_timeout", "60s")

	viper.SetDefault("discovery.networks", []string{"solana"})
	viper.SetDefault("discovery.min_volume_usd", 1000.0)
	viper.SetDefault("discovery.activity_threshold", 20.0)
	viper.SetDefault("discovery.max_pools_per_dex", 100)
	viper.SetDefault("discovery.lookback_window", "24h")
	viper.SetDefault("discovery.watchlist", []string{})
	viper.SetDefault("discovery.volume_weight", 0.45)
	viper.SetDefault("discovery.tx_weight", 0.30)
	viper.SetDefault("discovery.liquidity_weight", 0.25)

	viper.SetDefault("cleanup.history_retention_hours", 720)
	viper.SetDefault("cleanup.trade_retention_hours", 168)
	viper.SetDefault("cleanup.cleanup_interval_minutes", 60)
}

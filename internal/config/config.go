package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/0toBillions/clawtrade/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the shared broadcast channel and the rate-limit window.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ChainConfig covers on-chain data access.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	WrappedNative  string        `mapstructure:"wrapped_native"`
	Stablecoins    []string      `mapstructure:"stablecoins"`
}

// PricingConfig parameterises USD price resolution.
type PricingConfig struct {
	SpotFeedURL     string        `mapstructure:"spot_feed_url"`
	SpotFeedTimeout time.Duration `mapstructure:"spot_feed_timeout"`
	NativeFallback  float64       `mapstructure:"native_fallback_usd"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	Pairs           []PairConfig  `mapstructure:"pairs"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshTokens   []string      `mapstructure:"refresh_tokens"`
}

// PairConfig maps a token to the liquidity pool used to price it against a base asset.
type PairConfig struct {
	Token string `mapstructure:"token"`
	Pool  string `mapstructure:"pool"`
	Base  string `mapstructure:"base"`
}

// IndexerConfig governs the per-agent trade scan.
type IndexerConfig struct {
	LookbackBlocks uint64 `mapstructure:"lookback_blocks"`
	MaxBlockSpan   uint64 `mapstructure:"max_block_span"`
}

// SchedulerConfig governs sweep cadence and retry behaviour.
type SchedulerConfig struct {
	IndexInterval time.Duration `mapstructure:"index_interval"`
	Workers       int           `mapstructure:"workers"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// RealtimeConfig describes the websocket endpoint and its admission gate.
type RealtimeConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	Channel        string        `mapstructure:"channel"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBufferSize int           `mapstructure:"send_buffer_size"`
}

// RateLimitConfig tunes the sliding-window admission gate.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int64         `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLAWTRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "clawtrade")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.key_prefix", "clawtrade:")

	v.SetDefault("chain.request_timeout", "10s")

	v.SetDefault("pricing.spot_feed_timeout", "5s")
	v.SetDefault("pricing.native_fallback_usd", 3000.0)
	v.SetDefault("pricing.cache_ttl", "60s")
	v.SetDefault("pricing.refresh_interval", "30s")

	v.SetDefault("indexer.lookback_blocks", uint64(5000))
	v.SetDefault("indexer.max_block_span", uint64(10000))

	v.SetDefault("scheduler.index_interval", "2m")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.retry_backoff", "500ms")
	v.SetDefault("scheduler.max_backoff", "10s")
	v.SetDefault("scheduler.drain_timeout", "30s")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("realtime.listen_addr", ":8090")
	v.SetDefault("realtime.channel", "clawtrade:events")
	v.SetDefault("realtime.write_timeout", "10s")
	v.SetDefault("realtime.send_buffer_size", 64)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", int64(60))
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.IndexInterval <= 0 {
		return fmt.Errorf("scheduler.index_interval must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be greater than zero")
	}
	if c.Pricing.CacheTTL <= 0 {
		return fmt.Errorf("pricing.cache_ttl must be greater than zero")
	}
	if c.Pricing.RefreshInterval <= 0 {
		return fmt.Errorf("pricing.refresh_interval must be greater than zero")
	}
	if c.Indexer.LookbackBlocks == 0 {
		return fmt.Errorf("indexer.lookback_blocks must be greater than zero")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be greater than zero")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be greater than zero")
		}
	}
	if c.Realtime.JWTSecret == "" && c.App.Environment == "production" {
		return fmt.Errorf("realtime.jwt_secret is required in production")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

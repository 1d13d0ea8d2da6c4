package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cvdwatcher/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. CVDWATCHER_DATABASE_DSN.
const EnvPrefix = "CVDWATCHER"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Whale      WhaleConfig      `mapstructure:"whale"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// Symbols seeds the registry on `symbols add --defaults` and dry runs.
	Symbols []string `mapstructure:"symbols"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the shared cooldown gate. Empty Addr disables it.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// SchedulerConfig governs the in-process trigger used by `run`.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// UpstreamConfig covers the market-data provider and the retrying client.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxJitter      time.Duration `mapstructure:"max_jitter"`
	UserAgent      string        `mapstructure:"user_agent"`
	TradePageLimit int           `mapstructure:"trade_page_limit"`
	MaxTradePages  int           `mapstructure:"max_trade_pages"`
}

// CollectorConfig shapes buckets and batch pacing.
type CollectorConfig struct {
	Interval                 time.Duration `mapstructure:"interval"`
	DefaultBackfillIntervals int           `mapstructure:"default_backfill_intervals"`
	BatchSize                int           `mapstructure:"batch_size"`
	BatchDelay               time.Duration `mapstructure:"batch_delay"`
}

// ClassifierConfig holds the alert rule thresholds, in percent.
type ClassifierConfig struct {
	ReferenceOffset   time.Duration `mapstructure:"reference_offset"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	DivergenceWindow  int           `mapstructure:"divergence_window"`
	MaxCVDChangePct   float64       `mapstructure:"max_cvd_change_pct"`
	MaxPriceChangePct float64       `mapstructure:"max_price_change_pct"`

	BreakoutCVDPct          float64 `mapstructure:"breakout_cvd_pct"`
	BreakoutPricePct        float64 `mapstructure:"breakout_price_pct"`
	BreakoutOIPct           float64 `mapstructure:"breakout_oi_pct"`
	AccumulationCVDPct      float64 `mapstructure:"accumulation_cvd_pct"`
	AccumulationMaxPricePct float64 `mapstructure:"accumulation_max_price_pct"`
	AccumulationMinOIPct    float64 `mapstructure:"accumulation_min_oi_pct"`
	DistributionCVDPct      float64 `mapstructure:"distribution_cvd_pct"`
	DistributionPricePct    float64 `mapstructure:"distribution_price_pct"`
	DistributionOIPct       float64 `mapstructure:"distribution_oi_pct"`
	ShortCVDPct             float64 `mapstructure:"short_cvd_pct"`
	ShortPricePct           float64 `mapstructure:"short_price_pct"`
	ShortOIPct              float64 `mapstructure:"short_oi_pct"`
	DivergencePriceRatio    float64 `mapstructure:"divergence_price_ratio"`
	DivergenceCVDRatio      float64 `mapstructure:"divergence_cvd_ratio"`
}

// WhaleConfig toggles and tunes the open-interest pattern detector.
type WhaleConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	AccumulationOIPct     float64 `mapstructure:"accumulation_oi_pct"`
	AccumulationMaxPrice  float64 `mapstructure:"accumulation_max_price_pct"`
	AccumulationMinRatio  float64 `mapstructure:"accumulation_min_ratio"`
	DistributionOIPct     float64 `mapstructure:"distribution_oi_pct"`
	DistributionPriceFrac float64 `mapstructure:"distribution_price_frac"`
	WashRisePct           float64 `mapstructure:"wash_rise_pct"`
	WashDropPct           float64 `mapstructure:"wash_drop_pct"`
	WashMaxNetPct         float64 `mapstructure:"wash_max_net_pct"`
	WashMaxPricePct       float64 `mapstructure:"wash_max_price_pct"`
}

// AlertingConfig defines alert delivery.
type AlertingConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	DispatchLimit int            `mapstructure:"dispatch_limit"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// MetricsConfig controls the Prometheus endpoint served by `run`.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// loadDotEnv reads ./.env when present. Variables already set win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %w", err)
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cvdwatcher")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.symbols", []string{"BTCUSDT", "ETHUSDT"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.key_prefix", "cvdwatcher:")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x43564457))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("upstream.base_url", "https://fapi.binance.com")
	v.SetDefault("upstream.request_timeout", "12s")
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.base_delay", "600ms")
	v.SetDefault("upstream.max_jitter", "200ms")
	v.SetDefault("upstream.user_agent", "cvdwatcher/1.0")
	v.SetDefault("upstream.trade_page_limit", 1000)
	v.SetDefault("upstream.max_trade_pages", 200)

	v.SetDefault("collector.interval", "5m")
	v.SetDefault("collector.default_backfill_intervals", 24)
	v.SetDefault("collector.batch_size", 4)
	v.SetDefault("collector.batch_delay", "800ms")

	v.SetDefault("classifier.reference_offset", "5m")
	v.SetDefault("classifier.cooldown", "15m")
	v.SetDefault("classifier.divergence_window", 12)
	v.SetDefault("classifier.max_cvd_change_pct", 150.0)
	v.SetDefault("classifier.max_price_change_pct", 50.0)
	v.SetDefault("classifier.breakout_cvd_pct", 8.0)
	v.SetDefault("classifier.breakout_price_pct", 3.0)
	v.SetDefault("classifier.breakout_oi_pct", 3.0)
	v.SetDefault("classifier.accumulation_cvd_pct", 10.0)
	v.SetDefault("classifier.accumulation_max_price_pct", 1.0)
	v.SetDefault("classifier.accumulation_min_oi_pct", 0.0)
	v.SetDefault("classifier.distribution_cvd_pct", -3.0)
	v.SetDefault("classifier.distribution_price_pct", 1.0)
	v.SetDefault("classifier.distribution_oi_pct", -1.0)
	v.SetDefault("classifier.short_cvd_pct", -5.0)
	v.SetDefault("classifier.short_price_pct", -2.0)
	v.SetDefault("classifier.short_oi_pct", 2.0)
	v.SetDefault("classifier.divergence_price_ratio", 0.999)
	v.SetDefault("classifier.divergence_cvd_ratio", 0.92)

	v.SetDefault("whale.enabled", true)
	v.SetDefault("whale.accumulation_oi_pct", 3.0)
	v.SetDefault("whale.accumulation_max_price_pct", 0.5)
	v.SetDefault("whale.accumulation_min_ratio", 0.2)
	v.SetDefault("whale.distribution_oi_pct", -3.0)
	v.SetDefault("whale.distribution_price_frac", 0.5)
	v.SetDefault("whale.wash_rise_pct", 3.0)
	v.SetDefault("whale.wash_drop_pct", -2.5)
	v.SetDefault("whale.wash_max_net_pct", 1.0)
	v.SetDefault("whale.wash_max_price_pct", 0.5)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.dispatch_limit", 50)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9108")
	v.SetDefault("metrics.namespace", "cvdwatcher")
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be greater than zero")
	}
	if c.Collector.Interval%time.Minute != 0 {
		return fmt.Errorf("collector.interval must be a whole number of minutes")
	}
	if c.Collector.BatchSize <= 0 {
		return fmt.Errorf("collector.batch_size must be greater than zero")
	}
	if c.Collector.BatchDelay < 0 {
		return fmt.Errorf("collector.batch_delay cannot be negative")
	}
	if c.Collector.DefaultBackfillIntervals <= 0 {
		return fmt.Errorf("collector.default_backfill_intervals must be greater than zero")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries cannot be negative")
	}
	if c.Classifier.Cooldown < 0 {
		return fmt.Errorf("classifier.cooldown cannot be negative")
	}
	if c.Classifier.DivergenceWindow < 2 {
		return fmt.Errorf("classifier.divergence_window must be at least 2")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis.enabled is true")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
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

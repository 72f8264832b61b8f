package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradeflow TradeflowConfig `yaml:"tradeflow"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Collector CollectorConfig `yaml:"collector"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Calc      CalcConfig      `yaml:"calc"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	TradeBuffer int `yaml:"trade_buffer"`
}

// CollectorConfig holds the shared websocket lifecycle settings applied to
// every exchange collector.
type CollectorConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelayBase   time.Duration `yaml:"reconnect_delay_base"`
	ReconnectDelayMax    time.Duration `yaml:"reconnect_delay_max"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	SubscribeAckTimeout  time.Duration `yaml:"subscribe_ack_timeout"`
	SubscribeBatchSize   int           `yaml:"subscribe_batch_size"`
	SubscribeRate        int           `yaml:"subscribe_rate"`
}

type BufferConfig struct {
	MaxTradesPerKey int `yaml:"max_trades_per_key"`
	MaxTotalTrades  int `yaml:"max_total_trades"`
}

type SchedulerConfig struct {
	TickInterval       time.Duration     `yaml:"tick_interval"`
	MaxConcurrent      int               `yaml:"max_concurrent_calculations"`
	DispatchPerTick    int               `yaml:"dispatch_per_tick"`
	SummaryInterval    time.Duration     `yaml:"summary_interval"`
	Indicators         []IndicatorConfig `yaml:"indicators"`
	// timeframe -> recalculation interval in seconds
	TimeframeIntervals map[string]int `yaml:"timeframe_intervals"`
}

// IndicatorConfig binds an indicator to its supported timeframes and priority.
type IndicatorConfig struct {
	Name       string   `yaml:"name"`
	Priority   string   `yaml:"priority"`
	Timeframes []string `yaml:"timeframes"`
}

type CalcConfig struct {
	ValueAreaPercentage float64           `yaml:"value_area_percentage"`
	DefaultTickSize     string            `yaml:"default_tick_size"`
	TickSizes           map[string]string `yaml:"tick_sizes"`
	LargeTradeNotional  string            `yaml:"large_trade_notional"`
	MinProfileTrades    int               `yaml:"min_profile_trades"`
	MinFlowTrades       int               `yaml:"min_flow_trades"`
	LookbackMinutes     int               `yaml:"lookback_minutes"`
	Absorption          AbsorptionConfig  `yaml:"absorption"`
}

// AbsorptionConfig carries the empirically chosen absorption thresholds. The
// defaults are not known to be optimal; keep them tunable.
type AbsorptionConfig struct {
	SubWindow          time.Duration `yaml:"sub_window"`
	MinTrades          int           `yaml:"min_trades"`
	IntensityRatio     float64       `yaml:"intensity_ratio"`
	MaxPriceRangePct   float64       `yaml:"max_price_range_pct"`
	ImbalanceThreshold float64       `yaml:"imbalance_threshold"`
}

type SourceConfig struct {
	Bybit    ExchangeSourceConfig `yaml:"bybit"`
	Binance  ExchangeSourceConfig `yaml:"binance"`
	Coinbase ExchangeSourceConfig `yaml:"coinbase"`
	Kraken   ExchangeSourceConfig `yaml:"kraken"`
}

type ExchangeSourceConfig struct {
	Enabled         bool     `yaml:"enabled"`
	URL             string   `yaml:"url"`
	Symbols         []string `yaml:"symbols"`
	ValidateSymbols bool     `yaml:"validate_symbols"`
}

type StorageConfig struct {
	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
}

type RedisConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	RetentionMinutes int    `yaml:"retention_minutes"`
	MaxTradesPerKey  int    `yaml:"max_trades_per_key"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	TimeFormat    string        `yaml:"time_format"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// LoadConfig reads, defaults and validates the yaml configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override storage settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Storage.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Storage.Redis.Password = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.TradeBuffer == 0 {
		cfg.Channels.TradeBuffer = 1000
	}
	if cfg.Collector.MaxReconnectAttempts == 0 {
		cfg.Collector.MaxReconnectAttempts = 10
	}
	if cfg.Collector.ReconnectDelayBase == 0 {
		cfg.Collector.ReconnectDelayBase = time.Second
	}
	if cfg.Collector.ReconnectDelayMax == 0 {
		cfg.Collector.ReconnectDelayMax = 30 * time.Second
	}
	if cfg.Collector.ConnectTimeout == 0 {
		cfg.Collector.ConnectTimeout = 10 * time.Second
	}
	if cfg.Collector.SubscribeAckTimeout == 0 {
		cfg.Collector.SubscribeAckTimeout = 10 * time.Second
	}
	if cfg.Collector.SubscribeBatchSize == 0 {
		cfg.Collector.SubscribeBatchSize = 10
	}
	if cfg.Collector.SubscribeRate == 0 {
		cfg.Collector.SubscribeRate = 5
	}
	if cfg.Buffer.MaxTradesPerKey == 0 {
		cfg.Buffer.MaxTradesPerKey = 1000
	}
	if cfg.Buffer.MaxTotalTrades == 0 {
		cfg.Buffer.MaxTotalTrades = 100000
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 5 * time.Second
	}
	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 10
	}
	if cfg.Scheduler.DispatchPerTick == 0 {
		cfg.Scheduler.DispatchPerTick = 20
	}
	if cfg.Scheduler.SummaryInterval == 0 {
		cfg.Scheduler.SummaryInterval = 30 * time.Second
	}
	if len(cfg.Scheduler.Indicators) == 0 {
		cfg.Scheduler.Indicators = []IndicatorConfig{
			{Name: "order_flow", Priority: "critical", Timeframes: []string{"1m", "5m"}},
			{Name: "volume_profile", Priority: "high", Timeframes: []string{"1m", "5m", "15m", "1h"}},
		}
	}
	if len(cfg.Scheduler.TimeframeIntervals) == 0 {
		cfg.Scheduler.TimeframeIntervals = map[string]int{
			"1m": 60, "5m": 300, "15m": 900, "30m": 1800,
			"1h": 3600, "4h": 14400, "1d": 86400,
		}
	}
	if cfg.Calc.ValueAreaPercentage == 0 {
		cfg.Calc.ValueAreaPercentage = 0.70
	}
	if cfg.Calc.DefaultTickSize == "" {
		cfg.Calc.DefaultTickSize = "0.01"
	}
	if len(cfg.Calc.TickSizes) == 0 {
		cfg.Calc.TickSizes = map[string]string{
			"BTCUSDT": "1", "BTCUSD": "1",
			"ETHUSDT": "0.1", "ETHUSD": "0.1",
			"SOLUSDT": "0.01", "XRPUSDT": "0.0001",
		}
	}
	if cfg.Calc.LargeTradeNotional == "" {
		cfg.Calc.LargeTradeNotional = "100000"
	}
	if cfg.Calc.MinProfileTrades == 0 {
		cfg.Calc.MinProfileTrades = 20
	}
	if cfg.Calc.MinFlowTrades == 0 {
		cfg.Calc.MinFlowTrades = 10
	}
	if cfg.Calc.LookbackMinutes == 0 {
		cfg.Calc.LookbackMinutes = 60
	}
	if cfg.Calc.Absorption.SubWindow == 0 {
		cfg.Calc.Absorption.SubWindow = 60 * time.Second
	}
	if cfg.Calc.Absorption.MinTrades == 0 {
		cfg.Calc.Absorption.MinTrades = 10
	}
	if cfg.Calc.Absorption.IntensityRatio == 0 {
		cfg.Calc.Absorption.IntensityRatio = 2.5
	}
	if cfg.Calc.Absorption.MaxPriceRangePct == 0 {
		cfg.Calc.Absorption.MaxPriceRangePct = 0.0015
	}
	if cfg.Calc.Absorption.ImbalanceThreshold == 0 {
		cfg.Calc.Absorption.ImbalanceThreshold = 0.6
	}
	if cfg.Storage.Redis.RetentionMinutes == 0 {
		cfg.Storage.Redis.RetentionMinutes = 24 * 60
	}
	if cfg.Storage.Redis.MaxTradesPerKey == 0 {
		cfg.Storage.Redis.MaxTradesPerKey = 10000
	}
	if cfg.Archive.FlushInterval == 0 {
		cfg.Archive.FlushInterval = time.Minute
	}
	if cfg.Archive.Compression == "" {
		cfg.Archive.Compression = "snappy"
	}
	if cfg.Archive.TimeFormat == "" {
		cfg.Archive.TimeFormat = "year={year}/month={month}/day={day}/hour={hour}"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}

	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if cfg.Channels.TradeBuffer <= 0 {
		return fmt.Errorf("channels.trade_buffer must be greater than 0")
	}

	if cfg.Collector.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("collector.max_reconnect_attempts must be greater than 0")
	}
	if cfg.Collector.ReconnectDelayBase <= 0 || cfg.Collector.ReconnectDelayMax < cfg.Collector.ReconnectDelayBase {
		return fmt.Errorf("collector reconnect delays are invalid")
	}

	if cfg.Calc.ValueAreaPercentage <= 0 || cfg.Calc.ValueAreaPercentage > 1 {
		return fmt.Errorf("calc.value_area_percentage must be in (0,1]")
	}
	if _, err := decimal.NewFromString(cfg.Calc.DefaultTickSize); err != nil {
		return fmt.Errorf("calc.default_tick_size is not a valid decimal: %w", err)
	}
	for sym, tick := range cfg.Calc.TickSizes {
		if _, err := decimal.NewFromString(tick); err != nil {
			return fmt.Errorf("calc.tick_sizes[%s] is not a valid decimal: %w", sym, err)
		}
	}
	if _, err := decimal.NewFromString(cfg.Calc.LargeTradeNotional); err != nil {
		return fmt.Errorf("calc.large_trade_notional is not a valid decimal: %w", err)
	}

	for _, ind := range cfg.Scheduler.Indicators {
		switch strings.ToLower(ind.Priority) {
		case "critical", "high", "medium", "low":
		default:
			return fmt.Errorf("scheduler indicator %s has invalid priority '%s'", ind.Name, ind.Priority)
		}
		for _, tf := range ind.Timeframes {
			if _, ok := cfg.Scheduler.TimeframeIntervals[tf]; !ok {
				return fmt.Errorf("scheduler indicator %s references unknown timeframe '%s'", ind.Name, tf)
			}
		}
	}

	if cfg.Storage.Redis.Enabled && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when redis is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	return nil
}

// TickSize returns the configured tick size for a canonical symbol, falling
// back to the default tick when the symbol is unknown.
func (c *CalcConfig) TickSize(symbol string) decimal.Decimal {
	if tick, ok := c.TickSizes[symbol]; ok {
		if d, err := decimal.NewFromString(tick); err == nil && d.IsPositive() {
			return d
		}
	}
	d, err := decimal.NewFromString(c.DefaultTickSize)
	if err != nil || !d.IsPositive() {
		return decimal.New(1, -2)
	}
	return d
}

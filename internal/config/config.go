// Package config defines all configuration for the signal engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via SIGNALMILL_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	API      APIConfig      `mapstructure:"api"`
}

// EngineConfig tunes the simulated execution model.
//
//   - FeePct: taker fee in percent, charged on entry and exit of every leg.
//   - SlippagePct: adverse price skew in percent applied to every fill.
//   - DumpDir: where instance reports are dumped as JSON.
type EngineConfig struct {
	FeePct      float64 `mapstructure:"fee_pct"`
	SlippagePct float64 `mapstructure:"slippage_pct"`
	DumpDir     string  `mapstructure:"dump_dir"`

	// Instances to run live off the exchange stream, as canonical keys
	// ("BTCUSDT:sma-cross:binance:live").
	Instances []string `mapstructure:"instances"`
}

// ExchangeConfig holds the reference exchange endpoints.
type ExchangeConfig struct {
	BinanceBaseURL string        `mapstructure:"binance_base_url"`
	BinanceWSURL   string        `mapstructure:"binance_ws_url"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
}

// StrategyConfig tunes the built-in SMA crossover reference strategy.
type StrategyConfig struct {
	Interval         string  `mapstructure:"interval"`
	Fast             int     `mapstructure:"fast"`
	Slow             int     `mapstructure:"slow"`
	TakeProfitPct    float64 `mapstructure:"take_profit_pct"`
	StopLossPct      float64 `mapstructure:"stop_loss_pct"`
	EstimatedMinutes int64   `mapstructure:"estimated_minutes"`

	// RiskName shares one position ledger across strategies that name it;
	// MaxPositions caps open positions under that ledger.
	RiskName     string `mapstructure:"risk_name"`
	MaxPositions int    `mapstructure:"max_positions"`
}

// StoreConfig sets where signal rows and cached candles are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the HTTP control surface.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides
// (SIGNALMILL_ENGINE_FEE_PCT, SIGNALMILL_STORE_DATA_DIR, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIGNALMILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.fee_pct", 0.1)
	v.SetDefault("engine.slippage_pct", 0.1)
	v.SetDefault("engine.dump_dir", "data/dump")
	v.SetDefault("exchange.binance_base_url", "https://api.binance.com")
	v.SetDefault("exchange.binance_ws_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("exchange.http_timeout", 10*time.Second)
	v.SetDefault("strategy.interval", "5m")
	v.SetDefault("strategy.fast", 9)
	v.SetDefault("strategy.slow", 21)
	v.SetDefault("strategy.take_profit_pct", 1.5)
	v.SetDefault("strategy.stop_loss_pct", 0.75)
	v.SetDefault("strategy.estimated_minutes", 720)
	v.SetDefault("strategy.max_positions", 3)
	v.SetDefault("store.data_dir", "data/store")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Engine.FeePct < 0 || c.Engine.FeePct >= 100 {
		return fmt.Errorf("engine.fee_pct must be in [0, 100)")
	}
	if c.Engine.SlippagePct < 0 || c.Engine.SlippagePct >= 100 {
		return fmt.Errorf("engine.slippage_pct must be in [0, 100)")
	}
	if c.Strategy.Fast <= 0 || c.Strategy.Slow <= c.Strategy.Fast {
		return fmt.Errorf("strategy: need 0 < fast < slow")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Exchange.BinanceBaseURL == "" {
		return fmt.Errorf("exchange.binance_base_url is required")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid TCP port")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

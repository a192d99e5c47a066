package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/gridlabs/dualgrid/pkg/grid"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Collector CollectorConfig `mapstructure:"collector"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
}

// BinanceConfig contains exchange API settings. Historical klines are public
// data; keys are only needed for authenticated endpoints.
type BinanceConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`
}

// EngineConfig contains simulation engine settings
type EngineConfig struct {
	InitialBalanceLong  float64 `mapstructure:"initial_balance_long"`
	InitialBalanceShort float64 `mapstructure:"initial_balance_short"`
	MakerRatePct        float64 `mapstructure:"maker_rate_pct"`
	TakerRatePct        float64 `mapstructure:"taker_rate_pct"`
	StopLossStrategy    string  `mapstructure:"stop_loss_strategy"` // "independent" or "close_both"

	LightningThresholdPct float64 `mapstructure:"lightning_threshold_pct"`
	LightningLossFactor   float64 `mapstructure:"lightning_loss_factor"`
	LightningLossCapPct   float64 `mapstructure:"lightning_loss_cap_pct"`
	FillEfficiency        float64 `mapstructure:"fill_efficiency"`
}

// OptimizerConfig contains parameter search settings
type OptimizerConfig struct {
	PopulationSize     int     `mapstructure:"population_size"`
	Generations        int     `mapstructure:"generations"`
	Iterations         int     `mapstructure:"iterations"`
	PointsPerIteration int     `mapstructure:"points_per_iteration"`
	MutationRate       float64 `mapstructure:"mutation_rate"`
	ForwardTestPct     float64 `mapstructure:"forward_test_pct"`
	MaxWorkers         int     `mapstructure:"max_workers"`
}

// CollectorConfig contains market data collection settings
type CollectorConfig struct {
	Interval          string `mapstructure:"interval"`
	Days              int    `mapstructure:"days"`
	KlinesPerRequest  int    `mapstructure:"klines_per_request"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	MaxRetries        int    `mapstructure:"max_retries"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("DUALGRID")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "DualGrid")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Binance defaults
	v.SetDefault("binance.testnet", false)

	// Engine defaults. Commission rates match Binance spot VIP 0 with BNB
	// discount, in percent.
	v.SetDefault("engine.initial_balance_long", 1000.0)
	v.SetDefault("engine.initial_balance_short", 1000.0)
	v.SetDefault("engine.maker_rate_pct", 0.02)
	v.SetDefault("engine.taker_rate_pct", 0.05)
	v.SetDefault("engine.stop_loss_strategy", string(grid.StopLossIndependent))
	v.SetDefault("engine.lightning_threshold_pct", 15.0)
	v.SetDefault("engine.lightning_loss_factor", 0.3)
	v.SetDefault("engine.lightning_loss_cap_pct", 10.0)
	v.SetDefault("engine.fill_efficiency", 0.75)

	// Optimizer defaults
	v.SetDefault("optimizer.population_size", 50)
	v.SetDefault("optimizer.generations", 20)
	v.SetDefault("optimizer.iterations", 3)
	v.SetDefault("optimizer.points_per_iteration", 50)
	v.SetDefault("optimizer.mutation_rate", 0.1)
	v.SetDefault("optimizer.forward_test_pct", 0.3)
	v.SetDefault("optimizer.max_workers", 4)

	// Collector defaults
	v.SetDefault("collector.interval", "1h")
	v.SetDefault("collector.days", 30)
	v.SetDefault("collector.klines_per_request", 1000)
	v.SetDefault("collector.requests_per_second", 10)
	v.SetDefault("collector.max_retries", 3)
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.Engine.InitialBalanceLong < 0 || c.Engine.InitialBalanceShort < 0 {
		return fmt.Errorf("engine: initial balances must not be negative")
	}
	if c.Engine.MakerRatePct < 0 || c.Engine.TakerRatePct < 0 {
		return fmt.Errorf("engine: commission rates must not be negative")
	}
	if c.Engine.FillEfficiency <= 0 || c.Engine.FillEfficiency > 1 {
		return fmt.Errorf("engine: fill_efficiency must be in (0, 1]")
	}

	switch grid.StopLossStrategy(c.Engine.StopLossStrategy) {
	case grid.StopLossIndependent, grid.StopLossCloseBoth:
	default:
		return fmt.Errorf("engine: unknown stop_loss_strategy %q", c.Engine.StopLossStrategy)
	}

	if c.Optimizer.ForwardTestPct <= 0 || c.Optimizer.ForwardTestPct >= 1 {
		return fmt.Errorf("optimizer: forward_test_pct must be in (0, 1)")
	}
	if c.Optimizer.MaxWorkers < 1 {
		return fmt.Errorf("optimizer: max_workers must be at least 1")
	}

	if c.Collector.Days < 1 {
		return fmt.Errorf("collector: days must be at least 1")
	}
	if c.Collector.KlinesPerRequest < 1 || c.Collector.KlinesPerRequest > 1000 {
		return fmt.Errorf("collector: klines_per_request must be in [1, 1000]")
	}

	return nil
}

// SimConfig assembles the engine's run configuration from the loaded settings
func (c *Config) SimConfig() grid.SimConfig {
	return grid.SimConfig{
		InitialBalanceLong:  c.Engine.InitialBalanceLong,
		InitialBalanceShort: c.Engine.InitialBalanceShort,
		MakerRatePct:        c.Engine.MakerRatePct,
		TakerRatePct:        c.Engine.TakerRatePct,
		StopLossStrategy:    grid.StopLossStrategy(c.Engine.StopLossStrategy),
		Tuning: grid.Tuning{
			LightningThresholdPct: c.Engine.LightningThresholdPct,
			LightningLossFactor:   c.Engine.LightningLossFactor,
			LightningLossCapPct:   c.Engine.LightningLossCapPct,
			FillEfficiency:        c.Engine.FillEfficiency,
		},
	}
}

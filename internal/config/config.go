// Package config assembles process configuration from environment
// variables (optionally seeded by a local .env file) into a small set of
// JSON-tagged structs: the exchange credential, logging, risk sizing, the
// auto-tune debounce thresholds, and the list of strategy runners to start.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the root of the engine's configuration.
type Config struct {
	Exchange ExchangeConfig `json:"exchange"`
	Logging  LoggingConfig  `json:"logging"`
	Risk     RiskConfig     `json:"risk"`
	Autotune AutotuneConfig `json:"autotune"`
	Runners  []RunnerConfig `json:"runners"`

	// TestMode mirrors the "test environment" flag: when true, the
	// exchange client talks to the testnet base URL regardless of
	// ExchangeConfig.BaseURL and skips its startup time-sync call so the
	// process can come up against a sandbox with no live clock to query.
	TestMode bool `json:"test_mode"`
}

// ExchangeConfig holds the single API credential this process trades with.
// Multi-tenant credential management is an external collaborator (out of
// scope); this engine is one process per credential.
type ExchangeConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	Testnet   bool   `json:"testnet"`
}

// LoggingConfig governs internal/log's backing zerolog.Logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console-writer output for local development
}

// RiskConfig feeds internal/risk.SizingConfig directly; field meanings are
// documented there.
type RiskConfig struct {
	VolatilityEnabled      bool    `json:"volatility_enabled"`
	ATRPeriod              int     `json:"atr_period"`
	ATRMultiplier          float64 `json:"atr_multiplier"`
	PerformanceEnabled     bool    `json:"performance_enabled"`
	WinStreakBoost         float64 `json:"win_streak_boost"`
	LossStreakReduction    float64 `json:"loss_streak_reduction"`
	MaxWinStreakBoost      float64 `json:"max_win_streak_boost"`
	MaxLossStreakReduction float64 `json:"max_loss_streak_reduction"`
	KellyEnabled           bool    `json:"kelly_enabled"`
	KellyFraction          float64 `json:"kelly_fraction"`
	MinTradesForKelly      int     `json:"min_trades_for_kelly"`
	MaxKellyPositionPct    float64 `json:"max_kelly_position_pct"`
}

// AutotuneConfig feeds internal/autotune.Config directly.
type AutotuneConfig struct {
	MinTimeBetweenTuningHours float64 `json:"min_time_between_tuning_hours"`
	MinTrades                 int     `json:"min_trades"`
}

// RunnerConfig describes one strategy instance to start; it maps directly
// onto internal/runner.Config. Params carries strategy-specific tuning
// values as strings, the same loosely-typed shape update_params accepts.
type RunnerConfig struct {
	StrategyID    string            `json:"strategy_id"`
	StrategyType  string            `json:"strategy_type"`
	Symbol        string            `json:"symbol"`
	Interval      string            `json:"interval"`
	Params        map[string]string `json:"params"`
	RiskPerTrade  float64           `json:"risk_per_trade"`
	FixedAmount   *float64          `json:"fixed_amount"`
	QuoteAsset    string            `json:"quote_asset"`
	CloseOnCancel bool              `json:"close_on_cancel"`
}

// Load reads a local .env file if present, then a runner-list JSON file
// named by ENGINE_RUNNERS_FILE (default "runners.json"), then applies
// environment variable overrides for everything else. A missing runner
// file is not an error — it just means no runners start, which is a valid
// (if useless) configuration for smoke-testing the wiring alone.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Exchange: ExchangeConfig{
			APIKey:    os.Getenv("ENGINE_API_KEY"),
			SecretKey: os.Getenv("ENGINE_SECRET_KEY"),
			BaseURL:   getEnvOrDefault("ENGINE_BASE_URL", "https://fapi.binance.com"),
			Testnet:   getEnvBoolOrDefault("ENGINE_TESTNET", false),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("ENGINE_LOG_LEVEL", "info"),
			Pretty: getEnvBoolOrDefault("ENGINE_LOG_PRETTY", false),
		},
		Risk: RiskConfig{
			ATRPeriod:              getEnvIntOrDefault("ENGINE_RISK_ATR_PERIOD", 14),
			ATRMultiplier:          getEnvFloatOrDefault("ENGINE_RISK_ATR_MULTIPLIER", 2.0),
			VolatilityEnabled:      getEnvBoolOrDefault("ENGINE_RISK_VOLATILITY_ENABLED", false),
			PerformanceEnabled:     getEnvBoolOrDefault("ENGINE_RISK_PERFORMANCE_ENABLED", false),
			WinStreakBoost:         getEnvFloatOrDefault("ENGINE_RISK_WIN_STREAK_BOOST", 0.10),
			LossStreakReduction:    getEnvFloatOrDefault("ENGINE_RISK_LOSS_STREAK_REDUCTION", 0.15),
			MaxWinStreakBoost:      getEnvFloatOrDefault("ENGINE_RISK_MAX_WIN_STREAK_BOOST", 0.50),
			MaxLossStreakReduction: getEnvFloatOrDefault("ENGINE_RISK_MAX_LOSS_STREAK_REDUCTION", 0.50),
			KellyEnabled:           getEnvBoolOrDefault("ENGINE_RISK_KELLY_ENABLED", false),
			KellyFraction:          getEnvFloatOrDefault("ENGINE_RISK_KELLY_FRACTION", 0.25),
			MinTradesForKelly:      getEnvIntOrDefault("ENGINE_RISK_MIN_TRADES_FOR_KELLY", 100),
			MaxKellyPositionPct:    getEnvFloatOrDefault("ENGINE_RISK_MAX_KELLY_POSITION_PCT", 0.10),
		},
		Autotune: AutotuneConfig{
			MinTimeBetweenTuningHours: getEnvFloatOrDefault("ENGINE_AUTOTUNE_MIN_HOURS", 24),
			MinTrades:                 getEnvIntOrDefault("ENGINE_AUTOTUNE_MIN_TRADES", 20),
		},
		TestMode: getEnvBoolOrDefault("ENGINE_TEST_MODE", false),
	}

	runners, err := loadRunners(getEnvOrDefault("ENGINE_RUNNERS_FILE", "runners.json"))
	if err != nil {
		return nil, err
	}
	cfg.Runners = runners

	if !cfg.TestMode {
		if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" {
			return nil, fmt.Errorf("ENGINE_API_KEY and ENGINE_SECRET_KEY are required outside ENGINE_TEST_MODE")
		}
	}

	return cfg, nil
}

func loadRunners(path string) ([]RunnerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading runner config %s: %w", path, err)
	}
	var runners []RunnerConfig
	if err := json.Unmarshal(data, &runners); err != nil {
		return nil, fmt.Errorf("parsing runner config %s: %w", path, err)
	}
	return runners, nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

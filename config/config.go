// Package config loads the engine configuration from YAML with
// environment variable overrides. Environment values take precedence
// over the file; Validate runs after both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"crypto-trading-bot/internal/exchange"
)

// Trading modes.
const (
	ModeLive     = "live"
	ModePaper    = "paper"
	ModeBacktest = "backtest"
)

type Config struct {
	General      GeneralConfig                 `yaml:"general"`
	Trading      TradingConfig                 `yaml:"trading"`
	Exchange     ExchangeConfig                `yaml:"exchange"`
	Risk         RiskConfig                    `yaml:"risk"`
	Symbols      []SymbolConfig                `yaml:"symbols"`
	Strategies   map[string]map[string]float64 `yaml:"strategies"`
	Logging      LoggingConfig                 `yaml:"logging"`
	Events       EventsConfig                  `yaml:"events"`
	Journal      JournalConfig                 `yaml:"journal"`
	StateStore   StateStoreConfig              `yaml:"state_store"`
	Notification NotificationConfig            `yaml:"notification"`
}

type GeneralConfig struct {
	UpdateInterval int    `yaml:"update_interval"` // seconds, status heartbeat floor
	Timezone       string `yaml:"timezone"`        // IANA name, informational
}

type TradingConfig struct {
	Mode              string  `yaml:"mode"` // live, paper or backtest
	MaxOpenTrades     int     `yaml:"max_open_trades"`
	DailyTargetProfit float64 `yaml:"daily_target_profit"` // fraction of equity, 0 disables
	ExitOnTarget      bool    `yaml:"exit_on_target"`
	StartingCash      float64 `yaml:"starting_cash"` // paper and backtest ledgers
	SlippagePct       float64 `yaml:"slippage_pct"`
	FeePct            float64 `yaml:"fee_pct"`
	Workers           int     `yaml:"workers"` // 0 = min(bindings, cpu·2)
}

type ExchangeConfig struct {
	Name        string            `yaml:"name"`
	TestNet     bool              `yaml:"testnet"`
	Credentials CredentialsConfig `yaml:"credentials"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Retry       RetryConfig       `yaml:"retry"`
	Breaker     BreakerConfig     `yaml:"circuit_breaker"`
}

type CredentialsConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	OrderRateLimit    int `yaml:"order_rate_limit"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

type BreakerConfig struct {
	Failures    int `yaml:"failures"`
	CooldownSec int `yaml:"cooldown_sec"`
}

type RiskConfig struct {
	Sizing                string  `yaml:"sizing"`
	MaxRiskPerTrade       float64 `yaml:"max_risk_per_trade"`
	MaxRiskTotal          float64 `yaml:"max_risk_total"`
	DefaultStopLossPct    float64 `yaml:"default_stop_loss_pct"`
	TargetProfitPct       float64 `yaml:"target_profit_pct"`
	UseTrailingStop       bool    `yaml:"use_trailing_stop"`
	TrailingActivationPct float64 `yaml:"trailing_stop_activation_pct"`
	TrailingDistancePct   float64 `yaml:"trailing_stop_distance_pct"`
	UseATRForStops        bool    `yaml:"use_atr_for_stops"`
	ATRMultiplier         float64 `yaml:"atr_multiplier"`
	ATRPeriod             int     `yaml:"atr_period"`
	KellyMaxFraction      float64 `yaml:"kelly_max_fraction"`
}

type SymbolConfig struct {
	Symbol        string  `yaml:"symbol"`
	Timeframe     string  `yaml:"timeframe"`
	Strategy      string  `yaml:"strategy"`
	Quantity      float64 `yaml:"quantity"`       // 0 = size by risk engine
	MaxAllocation float64 `yaml:"max_allocation"` // fraction of equity
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Output string `yaml:"output"` // stdout, stderr or a file path
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON
}

type EventsConfig struct {
	QueueSize      int    `yaml:"queue_size"`
	OverflowPolicy string `yaml:"overflow_policy"` // drop_oldest, drop_new, block_publisher
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"` // postgres connection string
}

type StateStoreConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NotificationConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when a field is absent from
// the file.
func Default() *Config {
	return &Config{
		General: GeneralConfig{UpdateInterval: 30, Timezone: "UTC"},
		Trading: TradingConfig{
			Mode:          ModePaper,
			MaxOpenTrades: 3,
			StartingCash:  10000,
		},
		Exchange: ExchangeConfig{
			Name: "paper",
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 1200,
				OrderRateLimit:    60,
			},
			Retry:   RetryConfig{MaxAttempts: 3, BaseDelayMS: 500},
			Breaker: BreakerConfig{Failures: 5, CooldownSec: 30},
		},
		Risk: RiskConfig{
			Sizing:                "fixed_fraction",
			MaxRiskPerTrade:       0.01,
			MaxRiskTotal:          0.05,
			DefaultStopLossPct:    0.03,
			TargetProfitPct:       0.05,
			TrailingActivationPct: 0.02,
			TrailingDistancePct:   0.015,
			ATRMultiplier:         2,
			ATRPeriod:             14,
			KellyMaxFraction:      0.25,
		},
		Logging: LoggingConfig{Level: "info", Output: "stdout"},
		Events:  EventsConfig{QueueSize: 256, OverflowPolicy: "drop_oldest"},
	}
}

// applyEnvOverrides lets deployment environments override the file
// without editing it. Credentials in particular usually arrive here.
func applyEnvOverrides(cfg *Config) {
	cfg.Exchange.Credentials.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.Exchange.Credentials.APIKey)
	cfg.Exchange.Credentials.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.Exchange.Credentials.SecretKey)
	cfg.Exchange.TestNet = getEnvOrDefault("EXCHANGE_TESTNET", strconv.FormatBool(cfg.Exchange.TestNet)) == "true"

	cfg.Trading.Mode = getEnvOrDefault("TRADING_MODE", cfg.Trading.Mode)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)

	cfg.Journal.DSN = getEnvOrDefault("JOURNAL_DSN", cfg.Journal.DSN)
	cfg.StateStore.Address = getEnvOrDefault("STATE_STORE_ADDRESS", cfg.StateStore.Address)
	cfg.StateStore.Password = getEnvOrDefault("STATE_STORE_PASSWORD", cfg.StateStore.Password)

	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.General.UpdateInterval < 1 {
		return fmt.Errorf("config: general.update_interval %d must be at least 1 second", c.General.UpdateInterval)
	}
	if c.General.Timezone != "" {
		if _, err := time.LoadLocation(c.General.Timezone); err != nil {
			return fmt.Errorf("config: general.timezone: %w", err)
		}
	}

	switch c.Trading.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return fmt.Errorf("config: trading.mode %q must be live, paper or backtest", c.Trading.Mode)
	}
	if c.Trading.MaxOpenTrades < 1 {
		return fmt.Errorf("config: trading.max_open_trades %d must be at least 1", c.Trading.MaxOpenTrades)
	}
	if c.Trading.Mode == ModeLive && (c.Exchange.Credentials.APIKey == "" || c.Exchange.Credentials.SecretKey == "") {
		return fmt.Errorf("config: live trading requires exchange credentials")
	}

	if c.Exchange.RateLimit.RequestsPerMinute < 1 || c.Exchange.RateLimit.OrderRateLimit < 1 {
		return fmt.Errorf("config: exchange.rate_limit values must be positive")
	}
	if c.Exchange.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: exchange.retry.max_attempts %d must be at least 1", c.Exchange.Retry.MaxAttempts)
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol binding is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for i, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("config: symbols[%d]: empty symbol", i)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("config: symbols[%d]: duplicate symbol %s", i, s.Symbol)
		}
		seen[s.Symbol] = true
		if _, err := exchange.ParseTimeframe(s.Timeframe); err != nil {
			return fmt.Errorf("config: symbols[%d]: %w", i, err)
		}
		if s.Strategy == "" {
			return fmt.Errorf("config: symbols[%d]: empty strategy", i)
		}
		if s.MaxAllocation <= 0 || s.MaxAllocation > 1 {
			return fmt.Errorf("config: symbols[%d]: max_allocation %v must be in (0, 1]", i, s.MaxAllocation)
		}
	}

	switch c.Events.OverflowPolicy {
	case "drop_oldest", "drop_new", "block_publisher", "":
	default:
		return fmt.Errorf("config: events.overflow_policy %q unknown", c.Events.OverflowPolicy)
	}

	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("config: journal enabled without a DSN")
	}
	if c.StateStore.Enabled && c.StateStore.Address == "" {
		return fmt.Errorf("config: state_store enabled without an address")
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

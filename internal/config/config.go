// Package config loads the bot configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the rebalancing bot.
type Config struct {
	Ledger    Ledger          `yaml:"ledger"`
	Server    Server          `yaml:"server"`
	Tiers     []Tier          `yaml:"tiers"`
	Fees      Fees            `yaml:"fees"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Telegram  Telegram        `yaml:"telegram"`
	Logging   Logging         `yaml:"logging"`
	PaperMode bool            `yaml:"paper_mode"`
}

// Ledger holds paths for persisted accounting state.
type Ledger struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"`
}

// Server holds the admin HTTP listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Tier is one named sub-account with a target allocation weight and its own
// brokerage credentials.
type Tier struct {
	Name      string  `yaml:"name"`
	Weight    float64 `yaml:"weight"`
	APIKey    string  `yaml:"api_key"`
	APISecret string  `yaml:"api_secret"`
	BaseURL   string  `yaml:"base_url"`
}

// Fees holds performance-fee parameters.
type Fees struct {
	DefaultPercent float64 `yaml:"default_percent"`
	Tolerance      float64 `yaml:"tolerance"` // reconciliation tolerance in dollars
}

// RebalanceConfig controls the rebalance driver.
type RebalanceConfig struct {
	IntervalDays int    `yaml:"interval_days"` // trading days between cycles
	Cron         string `yaml:"cron"`          // daily check schedule
	FlagPath     string `yaml:"flag_path"`     // last-rebalance date stamp file
}

// Telegram holds credentials for the operator notification channel.
type Telegram struct {
	BotToken string  `yaml:"bot_token"`
	ChatID   string  `yaml:"chat_id"`
	AdminIDs []int64 `yaml:"admin_ids"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = []Tier{
			{Name: "low", Weight: 0.45},
			{Name: "medium", Weight: 0.35},
			{Name: "high", Weight: 0.20},
		}
	}
	if cfg.Ledger.SQLitePath == "" {
		cfg.Ledger.SQLitePath = "data/ledger.db"
	}
	if cfg.Ledger.ArchiveDir == "" {
		cfg.Ledger.ArchiveDir = "data/archive"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Fees.DefaultPercent == 0 {
		cfg.Fees.DefaultPercent = 0.20
	}
	if cfg.Fees.Tolerance == 0 {
		cfg.Fees.Tolerance = 0.01
	}
	if cfg.Rebalance.IntervalDays == 0 {
		cfg.Rebalance.IntervalDays = 22
	}
	if cfg.Rebalance.Cron == "" {
		// Daily check at 10:00 New York time on weekdays.
		cfg.Rebalance.Cron = "0 0 10 * * 1-5"
	}
	if cfg.Rebalance.FlagPath == "" {
		cfg.Rebalance.FlagPath = "data/last_rebalance"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Ledger.SQLitePath = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Ledger.ArchiveDir = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Per-tier Alpaca credentials, e.g. ALPACA_API_KEY_LOW.
	for i := range cfg.Tiers {
		suffix := strings.ToUpper(cfg.Tiers[i].Name)
		if v := os.Getenv("ALPACA_API_KEY_" + suffix); v != "" {
			cfg.Tiers[i].APIKey = v
		}
		if v := os.Getenv("ALPACA_SECRET_KEY_" + suffix); v != "" {
			cfg.Tiers[i].APISecret = v
		}
		if v := os.Getenv("ALPACA_BASE_URL_" + suffix); v != "" {
			cfg.Tiers[i].BaseURL = v
		}
	}
}

// Validate checks invariants that the rest of the system relies on.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	seen := make(map[string]bool, len(c.Tiers))
	sum := 0.0
	for _, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier name must not be empty")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tier name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Weight <= 0 {
			return fmt.Errorf("tier %q weight must be positive", t.Name)
		}
		sum += t.Weight
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("tier weights sum to %v, want 1.0", sum)
	}
	if c.Fees.DefaultPercent < 0 || c.Fees.DefaultPercent >= 1 {
		return fmt.Errorf("fees.default_percent must be in [0, 1)")
	}
	if c.Rebalance.IntervalDays <= 0 {
		return fmt.Errorf("rebalance.interval_days must be positive")
	}
	return nil
}

// Weights returns the tier name to allocation weight mapping as decimals.
func (c *Config) Weights() map[string]decimal.Decimal {
	w := make(map[string]decimal.Decimal, len(c.Tiers))
	for _, t := range c.Tiers {
		w[t.Name] = decimal.NewFromFloat(t.Weight)
	}
	return w
}

// TierNames returns tier names in configuration order.
func (c *Config) TierNames() []string {
	names := make([]string, len(c.Tiers))
	for i, t := range c.Tiers {
		names[i] = t.Name
	}
	return names
}

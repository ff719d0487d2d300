package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/quangdle/bybit-multistrat-bot/internal/risk"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy/smc"
)

// File is the top-level configuration document.
type File struct {
	LogLevel    string `mapstructure:"log_level"`
	LogDir      string `mapstructure:"log_dir"`
	StatePath   string `mapstructure:"state_path"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Telegram TelegramConfig `mapstructure:"telegram"`
	Bots     []BotConfig    `mapstructure:"bots"`
}

// TelegramConfig enables the alert notifier.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

// ExchangeConfig selects the adapter and its credentials.
type ExchangeConfig struct {
	ExchangeID      string `mapstructure:"exchange_id"`
	CredentialsName string `mapstructure:"credentials_name"`
	Sandbox         bool   `mapstructure:"sandbox"`
	RateLimit       bool   `mapstructure:"rate_limit"`
}

// RiskConfig is the per-bot risk policy block.
type RiskConfig struct {
	MaxPositionSize      float64 `mapstructure:"max_position_size"`
	StopLossPercentage   float64 `mapstructure:"stop_loss_percentage"`
	MaxDailyLoss         float64 `mapstructure:"max_daily_loss"`
	MinOrderSize         float64 `mapstructure:"min_order_size"`
	TakeProfitPercentage float64 `mapstructure:"take_profit_percentage"`
}

// ToPolicy maps the block onto the risk manager's config.
func (r RiskConfig) ToPolicy() risk.Config {
	return risk.Config{
		MaxPositionSize:      r.MaxPositionSize,
		StopLossPercentage:   r.StopLossPercentage,
		MaxDailyLoss:         r.MaxDailyLoss,
		MinOrderSize:         r.MinOrderSize,
		TakeProfitPercentage: r.TakeProfitPercentage,
	}
}

// HybridConfig splits capital between the grid and DCA engines.
type HybridConfig struct {
	GridAllocation float64 `mapstructure:"grid_allocation"`
}

// BotConfig is one bot's full parameter surface.
type BotConfig struct {
	Name       string `mapstructure:"name"`
	Symbol     string `mapstructure:"symbol"`
	Strategy   string `mapstructure:"strategy"`
	MarketType string `mapstructure:"market_type"`
	DryRun     bool   `mapstructure:"dry_run"`
	AutoStart  bool   `mapstructure:"auto_start"`

	Exchange ExchangeConfig `mapstructure:"exchange"`
	Risk     RiskConfig     `mapstructure:"risk_management"`

	Grid   *strategy.GridConfig  `mapstructure:"grid"`
	DCA    *strategy.DCAConfig   `mapstructure:"dca"`
	Trend  *strategy.TrendConfig `mapstructure:"trend_follower"`
	SMC    *smc.Config           `mapstructure:"smc"`
	Hybrid *HybridConfig         `mapstructure:"hybrid"`

	// Phased capital deployment. Zero total disables the manager.
	TotalCapital     float64 `mapstructure:"total_capital"`
	ResumePhaseTimer bool    `mapstructure:"resume_phase_timer"`
	RegimeFilter     bool    `mapstructure:"regime_filter"`
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("state_path", "data/state.db")
	v.SetDefault("resume_phase_timer", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg File
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails startup loudly on an invalid configuration instead of
// surfacing it as a runtime error later.
func (f *File) Validate() error {
	if len(f.Bots) == 0 {
		return fmt.Errorf("config: no bots defined")
	}
	seen := make(map[string]bool, len(f.Bots))
	for i := range f.Bots {
		b := &f.Bots[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if seen[b.Name] {
			return fmt.Errorf("config: duplicate bot name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// Validate checks one bot block, including its strategy parameters.
func (b *BotConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("config: bot without a name")
	}
	if b.Symbol == "" {
		return fmt.Errorf("config: bot %s has no symbol", b.Name)
	}
	switch b.MarketType {
	case "", "spot", "linear":
	default:
		return fmt.Errorf("config: bot %s has unknown market_type %q", b.Name, b.MarketType)
	}
	if b.Exchange.Sandbox && b.MarketType != "linear" {
		return fmt.Errorf("config: bot %s uses the demo endpoint, which requires market_type linear", b.Name)
	}

	switch b.Strategy {
	case "grid":
		if b.Grid == nil {
			return fmt.Errorf("config: bot %s needs a grid block", b.Name)
		}
		return b.Grid.Validate()
	case "dca":
		if b.DCA == nil {
			return fmt.Errorf("config: bot %s needs a dca block", b.Name)
		}
		return b.DCA.Validate()
	case "trend_follower":
		if b.Trend == nil {
			return fmt.Errorf("config: bot %s needs a trend_follower block", b.Name)
		}
		return b.Trend.Validate()
	case "smc":
		if b.SMC == nil {
			return fmt.Errorf("config: bot %s needs an smc block", b.Name)
		}
		return b.SMC.Validate()
	case "hybrid":
		if b.Grid == nil || b.DCA == nil {
			return fmt.Errorf("config: bot %s hybrid needs both grid and dca blocks", b.Name)
		}
		if b.Hybrid != nil && (b.Hybrid.GridAllocation < 0 || b.Hybrid.GridAllocation > 1) {
			return fmt.Errorf("config: bot %s hybrid grid_allocation outside [0, 1]", b.Name)
		}
		if err := b.Grid.Validate(); err != nil {
			return err
		}
		return b.DCA.Validate()
	default:
		return fmt.Errorf("config: bot %s has unknown strategy %q", b.Name, b.Strategy)
	}
}

// Credentials are the API secrets for one exchange account.
type Credentials struct {
	APIKey    string
	APISecret string
}

// LoadCredentials resolves named credentials from the environment,
// loading a .env file first when present. Keys follow the pattern
// BYBIT_<NAME>_API_KEY / BYBIT_<NAME>_API_SECRET.
func LoadCredentials(name string) (Credentials, error) {
	_ = godotenv.Load() // optional; real env wins over the file

	prefix := "BYBIT_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	creds := Credentials{
		APIKey:    os.Getenv(prefix + "_API_KEY"),
		APISecret: os.Getenv(prefix + "_API_SECRET"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, fmt.Errorf("credentials %q not found in environment (%s_API_KEY / %s_API_SECRET)", name, prefix, prefix)
	}
	return creds, nil
}

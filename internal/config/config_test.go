package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validYAML = `
log_level: debug
metrics_addr: ":9090"
bots:
  - name: grid-btc
    symbol: BTCUSDT
    strategy: grid
    market_type: linear
    dry_run: true
    auto_start: true
    risk_management:
      max_position_size: 1000
      max_daily_loss: 100
    grid:
      upper_price: 105
      lower_price: 95
      levels: 10
      quote_per_level: 95
      profit_margin: 0.01
      distribution: arithmetic
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "logs", cfg.LogDir) // default
	assert.Equal(t, ":9090", cfg.MetricsAddr)

	require.Len(t, cfg.Bots, 1)
	b := cfg.Bots[0]
	assert.Equal(t, "grid-btc", b.Name)
	assert.True(t, b.DryRun)
	require.NotNil(t, b.Grid)
	assert.Equal(t, 10, b.Grid.Levels)
	assert.Equal(t, strategy.DistArithmetic, b.Grid.Distribution)
	assert.Equal(t, 1000.0, b.Risk.ToPolicy().MaxPositionSize)
}

func TestLoadRejectsEmptyBots(t *testing.T) {
	_, err := Load(writeConfig(t, "log_level: info\nbots: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bots")
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	dup := validYAML + `
  - name: grid-btc
    symbol: ETHUSDT
    strategy: grid
    grid:
      upper_price: 4000
      lower_price: 3000
      levels: 10
      quote_per_level: 50
      distribution: arithmetic
`
	_, err := Load(writeConfig(t, dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate bot name")
}

func TestValidateMissingStrategyBlock(t *testing.T) {
	b := BotConfig{Name: "x", Symbol: "BTCUSDT", Strategy: "dca"}
	err := b.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a dca block")
}

func TestValidateUnknownStrategy(t *testing.T) {
	b := BotConfig{Name: "x", Symbol: "BTCUSDT", Strategy: "martingale"}
	assert.Error(t, b.Validate())
}

func TestValidateDemoRequiresLinear(t *testing.T) {
	b := BotConfig{
		Name: "x", Symbol: "BTCUSDT", Strategy: "grid", MarketType: "spot",
		Exchange: ExchangeConfig{Sandbox: true},
		Grid: &strategy.GridConfig{
			UpperPrice: 105, LowerPrice: 95, Levels: 10,
			QuotePerLevel: 95, Distribution: strategy.DistArithmetic,
		},
	}
	err := b.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market_type linear")
}

func TestValidateHybridNeedsBothBlocks(t *testing.T) {
	b := BotConfig{
		Name: "x", Symbol: "BTCUSDT", Strategy: "hybrid",
		Grid: &strategy.GridConfig{
			UpperPrice: 105, LowerPrice: 95, Levels: 10,
			QuotePerLevel: 95, Distribution: strategy.DistArithmetic,
		},
	}
	err := b.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both grid and dca")
}

func TestLoadCredentialsFromEnv(t *testing.T) {
	t.Setenv("BYBIT_MAIN_ACCOUNT_API_KEY", "key123")
	t.Setenv("BYBIT_MAIN_ACCOUNT_API_SECRET", "secret456")

	creds, err := LoadCredentials("main-account")
	require.NoError(t, err)
	assert.Equal(t, "key123", creds.APIKey)
	assert.Equal(t, "secret456", creds.APISecret)

	_, err = LoadCredentials("missing")
	assert.Error(t, err)
}

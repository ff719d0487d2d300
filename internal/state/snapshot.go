package state

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// BotState is the lifecycle state of a bot.
type BotState string

const (
	StateInitializing BotState = "INITIALIZING"
	StateRunning      BotState = "RUNNING"
	StatePaused       BotState = "PAUSED"
	StateStopped      BotState = "STOPPED"
	StateError        BotState = "ERROR"
)

// DealSnapshot is the persisted form of an open averaged position.
// HighestPrice carries the trailing high-water mark and must survive
// safety-order fills unchanged.
type DealSnapshot struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Direction     string          `json:"direction"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	QuoteSpent    decimal.Decimal `json:"quote_spent"`
	AvgEntry      decimal.Decimal `json:"avg_entry"`
	HighestPrice  decimal.Decimal `json:"highest_price"`
	TrailingArmed bool            `json:"trailing_armed"`
	SafetyOrders  int             `json:"safety_orders"`
	OpenedAt      time.Time       `json:"opened_at"`
	Config        json.RawMessage `json:"config,omitempty"`
}

// RiskSnapshot holds the risk counters that must survive a restart.
type RiskSnapshot struct {
	DailyLoss         float64   `json:"daily_loss"`
	DailyResetAt      time.Time `json:"daily_reset_at"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	Halted            bool      `json:"halted"`
	HaltReason        string    `json:"halt_reason,omitempty"`
}

// CapitalSnapshot persists the capital manager phase so a restarted bot
// resumes its phase timer.
type CapitalSnapshot struct {
	Phase          int       `json:"phase"`
	PhaseStartedAt time.Time `json:"phase_started_at"`
	Trades         int       `json:"trades"`
	Wins           int       `json:"wins"`
	NetPnL         float64   `json:"net_pnl"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	Errors         int       `json:"errors"`
	Halted         bool      `json:"halted"`
}

// Snapshot is the full recoverable state of one bot. Serializing and
// deserializing a snapshot reproduces identical in-memory state: order
// and deal slices keep their persisted ordering.
type Snapshot struct {
	Version       int              `json:"version"`
	BotName       string           `json:"bot_name"`
	Symbol        string           `json:"symbol"`
	Strategy      string           `json:"strategy"`
	State         BotState         `json:"state"`
	Regime        string           `json:"regime"`
	OpenOrders    []exchange.Order `json:"open_orders"`
	Deals         []DealSnapshot   `json:"deals"`
	Risk          RiskSnapshot     `json:"risk"`
	Capital       *CapitalSnapshot `json:"capital,omitempty"`
	StrategyState json.RawMessage  `json:"strategy_state,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	CheckpointAt  time.Time        `json:"checkpoint_at"`
}

// TradeRecord is an append-only realized-trade row.
type TradeRecord struct {
	BotName     string          `json:"bot_name"`
	DealID      string          `json:"deal_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	CloseReason string          `json:"close_reason,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

package strategy

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// ErrNoSignal is returned by evaluation helpers when conditions do not
// line up. It is informational, not a failure.
var ErrNoSignal = errors.New("no signal")

// IntentKind distinguishes order placement from cancellation.
type IntentKind string

const (
	IntentPlace  IntentKind = "place"
	IntentCancel IntentKind = "cancel"
)

// Intent is one action a strategy wants the orchestrator to execute.
// Intents pass through the staleness and risk gates before they reach
// the exchange.
type Intent struct {
	Kind   IntentKind
	Side   exchange.Side
	Type   exchange.OrderType
	Price  decimal.Decimal // zero for market orders
	Amount decimal.Decimal
	Role   exchange.OrderRole
	Tag    string

	// RefPrice is the price the signal was computed against. The
	// orchestrator rejects the intent if the market has moved more
	// than its staleness tolerance away from it. Zero disables the
	// gate for this intent.
	RefPrice decimal.Decimal

	// CycleID ties a grid counter-order to the cycle it unwinds.
	// Empty on fresh ladder entries; the orchestrator treats a
	// non-empty CycleID as an exit that must never be filtered.
	CycleID string

	// Stop, Targets and Confidence describe the plan behind an entry
	// signal for event consumers. Engines that do not compute a
	// component leave it zero.
	Stop       decimal.Decimal
	Targets    []decimal.Decimal
	Confidence float64

	// LocalID identifies the order to cancel for IntentCancel.
	LocalID string
}

// PlaceIntent builds a placement intent.
func PlaceIntent(side exchange.Side, typ exchange.OrderType, price, amount decimal.Decimal, role exchange.OrderRole) Intent {
	return Intent{Kind: IntentPlace, Side: side, Type: typ, Price: price, Amount: amount, Role: role}
}

// CancelIntent builds a cancellation intent for a locally tracked order.
func CancelIntent(localID string) Intent {
	return Intent{Kind: IntentCancel, LocalID: localID}
}

// MarketView is the read-only input bundle the orchestrator hands a
// strategy on each tick. Candle windows are keyed by timeframe
// ("1m", "15m", "1h", "4h", "1d").
type MarketView struct {
	Symbol     string
	Price      decimal.Decimal
	Candles    map[string][]types.OHLCV
	Instrument exchange.Instrument
	Now        time.Time
}

// PriceF returns the current price as float64 for indicator math.
func (v MarketView) PriceF() float64 {
	f, _ := v.Price.Float64()
	return f
}

// Window returns the candle window for a timeframe, or nil.
func (v MarketView) Window(timeframe string) []types.OHLCV {
	return v.Candles[timeframe]
}

// Strategy is the contract every engine implements. A strategy never
// talks to the exchange directly: it emits Intents and reacts to order
// lifecycle callbacks delivered by the orchestrator.
type Strategy interface {
	// Name identifies the engine kind (grid, dca, trend, smc).
	Name() string

	// Timeframes lists the candle windows Evaluate needs.
	Timeframes() []string

	// Evaluate produces this tick's intents from the market view.
	Evaluate(view MarketView) ([]Intent, error)

	// OnOrderPlaced tells the strategy the local id the orchestrator
	// assigned to one of its intents, so later cancels can name it.
	OnOrderPlaced(o exchange.Order)

	// OnOrderFilled reacts to a terminal fill of an order this
	// strategy placed. Counter-orders and exits come back as intents.
	OnOrderFilled(o exchange.Order, view MarketView) ([]Intent, error)

	// OnOrderCancelled reacts to an external cancellation.
	OnOrderCancelled(o exchange.Order) []Intent

	// OnIntentFailed tells the strategy one of its intents was
	// dropped by a gate or failed at the exchange, so it can correct
	// or retry its bookkeeping.
	OnIntentFailed(in Intent, err error)

	// Snapshot serializes the engine state for checkpointing.
	Snapshot() (json.RawMessage, error)

	// Restore rebuilds engine state from a checkpoint.
	Restore(raw json.RawMessage) error
}

// Deal is an open averaged position shared by the averaging engines.
// HighestPrice is the trailing high-water mark; it only moves up with
// the market and never resets on safety-order fills.
type Deal struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	QuoteSpent    decimal.Decimal `json:"quote_spent"`
	HighestPrice  decimal.Decimal `json:"highest_price"`
	TrailingArmed bool            `json:"trailing_armed"`
	SafetyFills   int             `json:"safety_fills"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// AvgEntry is total quote spent over total base amount.
func (d *Deal) AvgEntry() decimal.Decimal {
	if d.BaseAmount.IsZero() {
		return decimal.Zero
	}
	return d.QuoteSpent.Div(d.BaseAmount)
}

// ApplyFill folds one fill into the deal totals.
func (d *Deal) ApplyFill(price, amount decimal.Decimal) {
	d.BaseAmount = d.BaseAmount.Add(amount)
	d.QuoteSpent = d.QuoteSpent.Add(price.Mul(amount))
}

// ObservePrice lifts the high-water mark if the price made a new high.
func (d *Deal) ObservePrice(price decimal.Decimal) {
	if price.GreaterThan(d.HighestPrice) {
		d.HighestPrice = price
	}
}

// UnrealizedPct is the profit fraction of the deal at the given price,
// relative to average entry. Negative means under water.
func (d *Deal) UnrealizedPct(price decimal.Decimal) float64 {
	avg := d.AvgEntry()
	if avg.IsZero() {
		return 0
	}
	pct, _ := price.Sub(avg).Div(avg).Float64()
	return pct
}

package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// GridDistribution selects how level prices are spaced.
type GridDistribution string

const (
	DistArithmetic GridDistribution = "arithmetic"
	DistGeometric  GridDistribution = "geometric"
)

// GridConfig is the typed grid parameter block.
type GridConfig struct {
	UpperPrice    float64          `mapstructure:"upper_price" json:"upper_price"`
	LowerPrice    float64          `mapstructure:"lower_price" json:"lower_price"`
	Levels        int              `mapstructure:"levels" json:"levels"`
	QuotePerLevel float64          `mapstructure:"quote_per_level" json:"quote_per_level"`
	ProfitMargin  float64          `mapstructure:"profit_margin" json:"profit_margin"`
	Distribution  GridDistribution `mapstructure:"distribution" json:"distribution"`
	FeeRate       float64          `mapstructure:"fee_rate" json:"fee_rate"`

	// Trailing-grid: shift the window after price has stayed outside
	// the range for the cooldown period. Zero cooldown disables it.
	TrailingShift    bool          `mapstructure:"trailing_shift" json:"trailing_shift"`
	TrailingCooldown time.Duration `mapstructure:"trailing_cooldown" json:"trailing_cooldown"`
}

// Validate rejects configurations that cannot run.
func (c GridConfig) Validate() error {
	if c.Levels < 2 || c.Levels > 100 {
		return fmt.Errorf("grid: levels %d outside [2, 100]", c.Levels)
	}
	if c.LowerPrice <= 0 || c.UpperPrice <= c.LowerPrice {
		return fmt.Errorf("grid: invalid range [%.8f, %.8f]", c.LowerPrice, c.UpperPrice)
	}
	if c.QuotePerLevel <= 0 {
		return fmt.Errorf("grid: quote_per_level must be positive")
	}
	if c.ProfitMargin < 0 {
		return fmt.Errorf("grid: profit_margin must be >= 0")
	}
	if c.Distribution != DistArithmetic && c.Distribution != DistGeometric {
		return fmt.Errorf("grid: unknown distribution %q", c.Distribution)
	}
	return nil
}

// levelState is the per-level order state machine:
// idle -> buy_open -> buy_filled -> sell_open -> sell_filled -> idle,
// mirrored for levels that start on the sell side.
type levelState string

const (
	levelIdle       levelState = "idle"
	levelBuyOpen    levelState = "buy_open"
	levelBuyFilled  levelState = "buy_filled"
	levelSellOpen   levelState = "sell_open"
	levelSellFilled levelState = "sell_filled"
)

// gridLevel is one rung of the ladder.
type gridLevel struct {
	Index   int             `json:"index"`
	Price   decimal.Decimal `json:"price"`
	State   levelState      `json:"state"`
	LocalID string          `json:"local_id,omitempty"`
	CycleID string          `json:"cycle_id,omitempty"`

	// BuyPrice and Amount pin the in-flight cycle so the counter-order
	// and its PnL are computed from the actual fill, not the ladder.
	BuyPrice decimal.Decimal `json:"buy_price"`
	Amount   decimal.Decimal `json:"amount"`

	// HalfOpen marks a cycle whose counter-order failed on
	// insufficient balance; placement is retried each tick.
	HalfOpen bool `json:"half_open,omitempty"`
}

// GridCycle is one completed buy-low sell-high round trip.
type GridCycle struct {
	ID          string          `json:"id"`
	Level       int             `json:"level"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	Amount      decimal.Decimal `json:"amount"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// Grid harvests the spread between adjacent ladder levels with resting
// limit orders. It never chases price outside its range unless the
// trailing shift is enabled.
type Grid struct {
	cfg    GridConfig
	logger zerolog.Logger

	initialized  bool
	levels       []*gridLevel
	cycles       []GridCycle
	outsideSince time.Time // when price left the range, zero if inside
	lastShift    time.Time

	// CycleClosed, when set, is invoked for every completed cycle.
	CycleClosed func(GridCycle)
}

// NewGrid creates a grid engine. Config must already be validated.
func NewGrid(cfg GridConfig, logger zerolog.Logger) *Grid {
	if cfg.FeeRate == 0 {
		cfg.FeeRate = 0.001
	}
	return &Grid{
		cfg:    cfg,
		logger: logger.With().Str("engine", "grid").Logger(),
	}
}

func (g *Grid) Name() string { return "grid" }

func (g *Grid) Timeframes() []string { return nil }

// levelPrices computes the ladder from the configured distribution.
func (g *Grid) levelPrices() []decimal.Decimal {
	n := g.cfg.Levels
	prices := make([]decimal.Decimal, n)
	switch g.cfg.Distribution {
	case DistGeometric:
		ratio := math.Pow(g.cfg.UpperPrice/g.cfg.LowerPrice, 1/float64(n-1))
		for i := 0; i < n; i++ {
			prices[i] = decimal.NewFromFloat(g.cfg.LowerPrice * math.Pow(ratio, float64(i)))
		}
	default:
		step := (g.cfg.UpperPrice - g.cfg.LowerPrice) / float64(n-1)
		for i := 0; i < n; i++ {
			prices[i] = decimal.NewFromFloat(g.cfg.LowerPrice + step*float64(i))
		}
	}
	return prices
}

// Evaluate lays the ladder on the first call, retries half-open
// counter-orders, and drives the optional trailing window shift.
func (g *Grid) Evaluate(view MarketView) ([]Intent, error) {
	if !g.initialized {
		return g.initialize(view), nil
	}

	var intents []Intent
	intents = append(intents, g.retryHalfOpen(view)...)
	intents = append(intents, g.rearmIdle(view)...)
	intents = append(intents, g.maybeShift(view)...)
	return intents, nil
}

// initialize partitions the ladder around the market price: levels
// strictly below become buys, strictly above become sells, a level
// within one tick of price is skipped.
func (g *Grid) initialize(view MarketView) []Intent {
	prices := g.levelPrices()
	g.levels = make([]*gridLevel, len(prices))

	var intents []Intent
	for i, p := range prices {
		lvl := &gridLevel{Index: i, Price: p, State: levelIdle}
		g.levels[i] = lvl

		diff := p.Sub(view.Price).Abs()
		if diff.LessThanOrEqual(view.Instrument.TickSize) {
			continue
		}

		if p.LessThan(view.Price) {
			intents = append(intents, g.placeLevel(lvl, exchange.SideBuy, p, view))
		} else {
			intents = append(intents, g.placeLevel(lvl, exchange.SideSell, p, view))
		}
	}

	g.initialized = true
	g.logger.Info().
		Int("levels", len(prices)).
		Str("range", fmt.Sprintf("[%.4f, %.4f]", g.cfg.LowerPrice, g.cfg.UpperPrice)).
		Int("orders", len(intents)).
		Msg("📊 Grid ladder initialized")
	return intents
}

func (g *Grid) placeLevel(lvl *gridLevel, side exchange.Side, price decimal.Decimal, view MarketView) Intent {
	rounded := view.Instrument.RoundPrice(price, side)
	amount := view.Instrument.RoundAmount(
		decimal.NewFromFloat(g.cfg.QuotePerLevel).Div(rounded), side)

	role := exchange.RoleGridBuy
	state := levelBuyOpen
	if side == exchange.SideSell {
		role = exchange.RoleGridSell
		state = levelSellOpen
	}
	lvl.State = state
	lvl.Amount = amount

	in := PlaceIntent(side, exchange.OrderTypeLimit, rounded, amount, role)
	in.Tag = levelTag(lvl.Index)
	return in
}

// OnOrderPlaced records the local id for a level's resting order.
func (g *Grid) OnOrderPlaced(o exchange.Order) {
	if lvl := g.levelFor(o.Tag); lvl != nil {
		lvl.LocalID = o.LocalID
	}
}

// OnOrderFilled runs the counter-order logic. A buy fill opens a cycle
// and places the paired sell; a sell fill either closes the cycle or,
// for a ladder-initial sell, places the paired buy below.
func (g *Grid) OnOrderFilled(o exchange.Order, view MarketView) ([]Intent, error) {
	lvl := g.levelFor(o.Tag)
	if lvl == nil {
		return nil, nil
	}

	fillPrice := o.AvgFillPrice
	if fillPrice.IsZero() {
		fillPrice = o.Price
	}

	switch o.Side {
	case exchange.SideBuy:
		if lvl.State == levelSellFilled {
			// Counter-buy after a ladder-initial sell: round trip
			// done, the spread is sell price minus this buy price.
			g.closeCycle(lvl, fillPrice, lvl.BuyPrice, o.Filled)
			lvl.State = levelIdle
			return g.rearm(lvl, view), nil
		}
		lvl.State = levelBuyFilled
		lvl.BuyPrice = fillPrice
		lvl.Amount = o.Filled
		lvl.CycleID = uuid.NewString()
		return g.placeCounterSell(lvl, view), nil

	case exchange.SideSell:
		if lvl.State == levelSellOpen && lvl.CycleID == "" {
			// Ladder-initial sell filled: open a cycle downward.
			lvl.State = levelSellFilled
			lvl.BuyPrice = fillPrice // reference price, cycle closes on the buy back
			lvl.Amount = o.Filled
			lvl.CycleID = uuid.NewString()
			return g.placeCounterBuy(lvl, view), nil
		}
		// Counter-sell of a buy cycle filled: realize the spread.
		g.closeCycle(lvl, lvl.BuyPrice, fillPrice, o.Filled)
		lvl.State = levelIdle
		return g.rearm(lvl, view), nil
	}
	return nil, nil
}

// placeCounterSell prices the paired sell at buy x (1 + margin).
func (g *Grid) placeCounterSell(lvl *gridLevel, view MarketView) []Intent {
	margin := decimal.NewFromFloat(1 + g.cfg.ProfitMargin)
	price := view.Instrument.RoundPrice(lvl.BuyPrice.Mul(margin), exchange.SideSell)
	amount := view.Instrument.RoundAmount(lvl.Amount, exchange.SideSell)

	lvl.State = levelSellOpen
	lvl.HalfOpen = false
	in := PlaceIntent(exchange.SideSell, exchange.OrderTypeLimit, price, amount, exchange.RoleGridSell)
	in.Tag = levelTag(lvl.Index)
	in.CycleID = lvl.CycleID
	return []Intent{in}
}

// placeCounterBuy prices the paired buy at sell x (1 - margin).
func (g *Grid) placeCounterBuy(lvl *gridLevel, view MarketView) []Intent {
	margin := decimal.NewFromFloat(1 - g.cfg.ProfitMargin)
	price := view.Instrument.RoundPrice(lvl.BuyPrice.Mul(margin), exchange.SideBuy)
	amount := view.Instrument.RoundAmount(lvl.Amount, exchange.SideBuy)

	lvl.HalfOpen = false
	in := PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit, price, amount, exchange.RoleGridBuy)
	in.Tag = levelTag(lvl.Index)
	in.CycleID = lvl.CycleID
	return []Intent{in}
}

func (g *Grid) closeCycle(lvl *gridLevel, buyPrice, sellPrice, amount decimal.Decimal) {
	fees := buyPrice.Add(sellPrice).Mul(amount).Mul(decimal.NewFromFloat(g.cfg.FeeRate))
	pnl := sellPrice.Sub(buyPrice).Mul(amount).Sub(fees)

	cycle := GridCycle{
		ID:          lvl.CycleID,
		Level:       lvl.Index,
		BuyPrice:    buyPrice,
		SellPrice:   sellPrice,
		Amount:      amount,
		RealizedPnL: pnl,
		ClosedAt:    time.Now(),
	}
	g.cycles = append(g.cycles, cycle)
	lvl.CycleID = ""
	if g.CycleClosed != nil {
		g.CycleClosed(cycle)
	}

	g.logger.Info().
		Int("level", lvl.Index).
		Str("buy", buyPrice.String()).
		Str("sell", sellPrice.String()).
		Str("pnl", pnl.StringFixed(8)).
		Msg("✅ Grid cycle closed")
}

// rearm re-places the level's original resting order after a completed
// cycle so the ladder keeps working the range.
func (g *Grid) rearm(lvl *gridLevel, view MarketView) []Intent {
	diff := lvl.Price.Sub(view.Price).Abs()
	if diff.LessThanOrEqual(view.Instrument.TickSize) {
		return nil
	}
	side := exchange.SideBuy
	if lvl.Price.GreaterThan(view.Price) {
		side = exchange.SideSell
	}
	return []Intent{g.placeLevel(lvl, side, lvl.Price, view)}
}

// OnOrderCancelled returns a level to idle when its resting order is
// cancelled externally. A cancelled counter-order leaves its cycle
// half-open so Evaluate re-places it; dropping it would strand the
// cycle with no order working the unwind.
func (g *Grid) OnOrderCancelled(o exchange.Order) []Intent {
	lvl := g.levelFor(o.Tag)
	if lvl == nil {
		return nil
	}
	if lvl.CycleID != "" {
		lvl.HalfOpen = true
		lvl.LocalID = ""
		g.logger.Warn().Int("level", lvl.Index).Msg("⚠️ Grid counter-order cancelled externally, will re-place")
		return nil
	}
	if lvl.State == levelBuyOpen || lvl.State == levelSellOpen {
		lvl.State = levelIdle
		lvl.LocalID = ""
	}
	return nil
}

// OnIntentFailed degrades a cycle whose counter-order placement failed
// on insufficient balance to half-open; Evaluate retries it with the
// same intent. Ladder-initial placements return their level to idle.
func (g *Grid) OnIntentFailed(in Intent, err error) {
	lvl := g.levelFor(in.Tag)
	if lvl == nil {
		return
	}
	if lvl.CycleID != "" && exchange.KindOf(err) == exchange.KindInsufficient {
		lvl.HalfOpen = true
		g.logger.Warn().Int("level", lvl.Index).Msg("⚠️ Grid cycle half-open, will retry counter-order")
		return
	}
	if lvl.State == levelBuyOpen || lvl.State == levelSellOpen {
		lvl.State = levelIdle
		lvl.LocalID = ""
	}
}

func (g *Grid) retryHalfOpen(view MarketView) []Intent {
	var intents []Intent
	for _, lvl := range g.levels {
		if !lvl.HalfOpen {
			continue
		}
		switch lvl.State {
		case levelSellOpen:
			intents = append(intents, g.placeCounterSell(lvl, view)...)
		case levelSellFilled:
			intents = append(intents, g.placeCounterBuy(lvl, view)...)
		}
	}
	return intents
}

// rearmIdle re-places resting orders for levels parked at idle, whether
// they were skipped at initialization, cancelled externally, or dropped
// by a gate. Levels still within one tick of the market stay parked.
func (g *Grid) rearmIdle(view MarketView) []Intent {
	var intents []Intent
	for _, lvl := range g.levels {
		if lvl.State != levelIdle || lvl.CycleID != "" {
			continue
		}
		intents = append(intents, g.rearm(lvl, view)...)
	}
	return intents
}

// maybeShift recenters the window once price has stayed outside the
// range for the cooldown period. All resting orders are cancelled and
// the ladder re-initializes on the next tick.
func (g *Grid) maybeShift(view MarketView) []Intent {
	if !g.cfg.TrailingShift || g.cfg.TrailingCooldown <= 0 {
		return nil
	}

	price := view.PriceF()
	inside := price >= g.cfg.LowerPrice && price <= g.cfg.UpperPrice
	if inside {
		g.outsideSince = time.Time{}
		return nil
	}
	if g.outsideSince.IsZero() {
		g.outsideSince = view.Now
		return nil
	}
	if view.Now.Sub(g.outsideSince) < g.cfg.TrailingCooldown {
		return nil
	}

	width := g.cfg.UpperPrice - g.cfg.LowerPrice
	g.cfg.LowerPrice = price - width/2
	g.cfg.UpperPrice = price + width/2
	g.outsideSince = time.Time{}
	g.lastShift = view.Now

	var intents []Intent
	for _, lvl := range g.levels {
		if lvl.LocalID != "" && (lvl.State == levelBuyOpen || lvl.State == levelSellOpen) {
			intents = append(intents, CancelIntent(lvl.LocalID))
		}
	}
	g.initialized = false
	g.levels = nil

	g.logger.Info().
		Float64("lower", g.cfg.LowerPrice).
		Float64("upper", g.cfg.UpperPrice).
		Msg("📐 Grid window shifted")
	return intents
}

// Cycles returns the completed cycles.
func (g *Grid) Cycles() []GridCycle { return g.cycles }

// Busy reports whether any cycle is still in flight.
func (g *Grid) Busy() bool {
	for _, lvl := range g.levels {
		if lvl.CycleID != "" {
			return true
		}
	}
	return false
}

// LastCycle returns the most recently closed cycle, or nil.
func (g *Grid) LastCycle() *GridCycle {
	if len(g.cycles) == 0 {
		return nil
	}
	return &g.cycles[len(g.cycles)-1]
}

type gridState struct {
	Initialized  bool         `json:"initialized"`
	Levels       []*gridLevel `json:"levels"`
	Cycles       []GridCycle  `json:"cycles"`
	OutsideSince time.Time    `json:"outside_since,omitempty"`
	LowerPrice   float64      `json:"lower_price"`
	UpperPrice   float64      `json:"upper_price"`
}

func (g *Grid) Snapshot() (json.RawMessage, error) {
	return json.Marshal(gridState{
		Initialized:  g.initialized,
		Levels:       g.levels,
		Cycles:       g.cycles,
		OutsideSince: g.outsideSince,
		LowerPrice:   g.cfg.LowerPrice,
		UpperPrice:   g.cfg.UpperPrice,
	})
}

func (g *Grid) Restore(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var s gridState
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("restore grid state: %w", err)
	}
	g.initialized = s.Initialized
	g.levels = s.Levels
	g.cycles = s.Cycles
	g.outsideSince = s.OutsideSince
	if s.LowerPrice > 0 {
		g.cfg.LowerPrice = s.LowerPrice
	}
	if s.UpperPrice > 0 {
		g.cfg.UpperPrice = s.UpperPrice
	}
	return nil
}

func (g *Grid) levelFor(tag string) *gridLevel {
	idx, err := parseLevelTag(tag)
	if err != nil || idx < 0 || idx >= len(g.levels) {
		return nil
	}
	return g.levels[idx]
}

func levelTag(index int) string { return "level-" + strconv.Itoa(index) }

func parseLevelTag(tag string) (int, error) {
	const prefix = "level-"
	if len(tag) <= len(prefix) || tag[:len(prefix)] != prefix {
		return 0, fmt.Errorf("not a level tag: %q", tag)
	}
	return strconv.Atoi(tag[len(prefix):])
}

var _ Strategy = (*Grid)(nil)

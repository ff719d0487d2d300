package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/indicators"
	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// TrendPhase is the detected market phase on the trading timeframe.
type TrendPhase string

const (
	PhaseStrongUp   TrendPhase = "strong_trend_up"
	PhaseStrongDown TrendPhase = "strong_trend_down"
	PhaseWeakUp     TrendPhase = "weak_trend_up"
	PhaseWeakDown   TrendPhase = "weak_trend_down"
	PhaseSideways   TrendPhase = "sideways"
)

// TrendConfig is the typed trend-follower parameter block.
type TrendConfig struct {
	EMAFastPeriod int `mapstructure:"ema_fast_period" json:"ema_fast_period"`
	EMASlowPeriod int `mapstructure:"ema_slow_period" json:"ema_slow_period"`
	ATRPeriod     int `mapstructure:"atr_period" json:"atr_period"`
	RSIPeriod     int `mapstructure:"rsi_period" json:"rsi_period"`

	StrongThreshold   float64 `mapstructure:"strong_threshold" json:"strong_threshold"`
	WeakThreshold     float64 `mapstructure:"weak_threshold" json:"weak_threshold"`
	MaxATRFilterPct   float64 `mapstructure:"max_atr_filter_pct" json:"max_atr_filter_pct"`
	PullbackTolerance float64 `mapstructure:"pullback_tolerance" json:"pullback_tolerance"`
	VolumeMultiplier  float64 `mapstructure:"volume_multiplier" json:"volume_multiplier"`
	VolumePeriod      int     `mapstructure:"volume_period" json:"volume_period"`
	RangeLookback     int     `mapstructure:"range_lookback" json:"range_lookback"`

	RiskPerTradePct  float64 `mapstructure:"risk_per_trade_pct" json:"risk_per_trade_pct"`
	HalveAfterLosses int     `mapstructure:"halve_after_losses" json:"halve_after_losses"`
	AllowShort       bool    `mapstructure:"allow_short" json:"allow_short"`

	// ATR multiples per phase for the initial stop and target.
	SLMult map[TrendPhase]float64 `mapstructure:"sl_mult" json:"sl_mult"`
	TPMult map[TrendPhase]float64 `mapstructure:"tp_mult" json:"tp_mult"`

	BreakevenATR   float64 `mapstructure:"breakeven_atr" json:"breakeven_atr"`
	TrailingArmATR float64 `mapstructure:"trailing_arm_atr" json:"trailing_arm_atr"`
	TrailingGapATR float64 `mapstructure:"trailing_gap_atr" json:"trailing_gap_atr"`
	PartialAtTPPct float64 `mapstructure:"partial_at_tp_pct" json:"partial_at_tp_pct"`
	PartialFrac    float64 `mapstructure:"partial_frac" json:"partial_frac"`

	Timeframe string `mapstructure:"timeframe" json:"timeframe"`
}

func (c *TrendConfig) applyDefaults() {
	if c.EMAFastPeriod == 0 {
		c.EMAFastPeriod = 20
	}
	if c.EMASlowPeriod == 0 {
		c.EMASlowPeriod = 50
	}
	if c.ATRPeriod == 0 {
		c.ATRPeriod = 14
	}
	if c.RSIPeriod == 0 {
		c.RSIPeriod = 14
	}
	if c.StrongThreshold == 0 {
		c.StrongThreshold = 0.015
	}
	if c.WeakThreshold == 0 {
		c.WeakThreshold = 0.005
	}
	if c.MaxATRFilterPct == 0 {
		c.MaxATRFilterPct = 0.05
	}
	if c.PullbackTolerance == 0 {
		c.PullbackTolerance = 0.005
	}
	if c.VolumeMultiplier == 0 {
		c.VolumeMultiplier = 1.5
	}
	if c.VolumePeriod == 0 {
		c.VolumePeriod = 20
	}
	if c.RangeLookback == 0 {
		c.RangeLookback = 20
	}
	if c.RiskPerTradePct == 0 {
		c.RiskPerTradePct = 0.01
	}
	if c.HalveAfterLosses == 0 {
		c.HalveAfterLosses = 3
	}
	if c.SLMult == nil {
		c.SLMult = map[TrendPhase]float64{
			PhaseSideways: 1.0, PhaseWeakUp: 1.0, PhaseWeakDown: 1.0,
			PhaseStrongUp: 1.0, PhaseStrongDown: 1.0,
		}
	}
	if c.TPMult == nil {
		c.TPMult = map[TrendPhase]float64{
			PhaseSideways: 1.2, PhaseWeakUp: 1.8, PhaseWeakDown: 1.8,
			PhaseStrongUp: 2.5, PhaseStrongDown: 2.5,
		}
	}
	if c.BreakevenATR == 0 {
		c.BreakevenATR = 1.0
	}
	if c.TrailingArmATR == 0 {
		c.TrailingArmATR = 1.5
	}
	if c.TrailingGapATR == 0 {
		c.TrailingGapATR = 0.5
	}
	if c.PartialAtTPPct == 0 {
		c.PartialAtTPPct = 0.7
	}
	if c.PartialFrac == 0 {
		c.PartialFrac = 0.5
	}
	if c.Timeframe == "" {
		c.Timeframe = "1h"
	}
}

// Validate rejects configurations that cannot run.
func (c TrendConfig) Validate() error {
	if c.RiskPerTradePct < 0 || c.RiskPerTradePct > 0.1 {
		return fmt.Errorf("trend: risk_per_trade_pct %.4f outside (0, 0.1]", c.RiskPerTradePct)
	}
	if c.WeakThreshold >= c.StrongThreshold && c.StrongThreshold != 0 {
		return fmt.Errorf("trend: weak_threshold must be below strong_threshold")
	}
	return nil
}

// TrendPosition is one open directional position.
type TrendPosition struct {
	ID        string          `json:"id"`
	Direction exchange.Side   `json:"direction"` // buy = long, sell = short
	Entry     float64         `json:"entry"`
	Stop      float64         `json:"stop"`
	Target    float64         `json:"target"`
	Amount    decimal.Decimal `json:"amount"`
	ATR       float64         `json:"atr"`
	Phase     TrendPhase      `json:"phase"`
	HighWater float64         `json:"high_water"` // best price seen, low for shorts

	BreakevenSet  bool      `json:"breakeven_set"`
	TrailingArmed bool      `json:"trailing_armed"`
	PartialDone   bool      `json:"partial_done"`
	OpenedAt      time.Time `json:"opened_at"`
}

// unrealized returns profit in price units, positive in favor.
func (p *TrendPosition) unrealized(price float64) float64 {
	if p.Direction == exchange.SideBuy {
		return price - p.Entry
	}
	return p.Entry - price
}

// Trend trades continuations of established trends on one timeframe
// with phase-adaptive stops and targets.
type Trend struct {
	cfg    TrendConfig
	logger zerolog.Logger

	capital           float64
	position          *TrendPosition
	closing           bool
	closeReason       string
	consecutiveLosses int
	prevRSI           float64
	havePrevRSI       bool

	// PositionClosed, when set, is invoked after an exit order fills.
	PositionClosed func(pos TrendPosition, exitPrice float64, pnl float64, reason string)
}

// NewTrend creates a trend-follower engine with defaults applied.
func NewTrend(cfg TrendConfig, logger zerolog.Logger) *Trend {
	cfg.applyDefaults()
	return &Trend{
		cfg:    cfg,
		logger: logger.With().Str("engine", "trend").Logger(),
	}
}

func (t *Trend) Name() string { return "trend_follower" }

func (t *Trend) Timeframes() []string { return []string{t.cfg.Timeframe} }

// SetCapital updates the quote budget position sizing works from.
func (t *Trend) SetCapital(quote float64) { t.capital = quote }

// DetectPhase classifies the timeframe from the EMA divergence.
func (t *Trend) DetectPhase(emaFast, emaSlow, price float64) TrendPhase {
	div := (emaFast - emaSlow) / price
	switch {
	case div > t.cfg.StrongThreshold:
		return PhaseStrongUp
	case div < -t.cfg.StrongThreshold:
		return PhaseStrongDown
	case div > t.cfg.WeakThreshold:
		return PhaseWeakUp
	case div < -t.cfg.WeakThreshold:
		return PhaseWeakDown
	default:
		return PhaseSideways
	}
}

// Evaluate manages the open position or hunts for a continuation entry.
func (t *Trend) Evaluate(view MarketView) ([]Intent, error) {
	candles := view.Window(t.cfg.Timeframe)
	need := t.cfg.EMASlowPeriod + 1
	if len(candles) < need {
		return nil, nil
	}

	price := view.PriceF()
	emaFast, err := indicators.NewEMA(t.cfg.EMAFastPeriod).Calculate(candles)
	if err != nil {
		return nil, err
	}
	emaSlow, err := indicators.NewEMA(t.cfg.EMASlowPeriod).Calculate(candles)
	if err != nil {
		return nil, err
	}
	atr, err := indicators.NewATR(t.cfg.ATRPeriod).Calculate(candles)
	if err != nil {
		return nil, err
	}
	rsi, err := indicators.NewRSI(t.cfg.RSIPeriod).Calculate(types.Closes(candles))
	if err != nil {
		return nil, err
	}

	if t.position != nil {
		return t.managePosition(price, view), nil
	}

	// High-volatility override inhibits new entries.
	if atr/price > t.cfg.MaxATRFilterPct {
		t.rememberRSI(rsi)
		return nil, nil
	}

	phase := t.DetectPhase(emaFast, emaSlow, price)
	intent, ok := t.tryEntry(phase, candles, price, emaFast, atr, rsi, view)
	t.rememberRSI(rsi)
	if !ok {
		return nil, nil
	}
	return []Intent{intent}, nil
}

func (t *Trend) rememberRSI(rsi float64) {
	t.prevRSI = rsi
	t.havePrevRSI = true
}

// tryEntry checks the continuation setups. Long path shown, shorts are
// mirrored when enabled.
func (t *Trend) tryEntry(phase TrendPhase, candles []types.OHLCV, price, emaFast, atr, rsi float64, view MarketView) (Intent, bool) {
	last := candles[len(candles)-1]
	volumeOK := last.Volume >= t.cfg.VolumeMultiplier*types.MeanVolume(candles, t.cfg.VolumePeriod)

	switch phase {
	case PhaseStrongUp, PhaseWeakUp:
		pulledBack := math.Abs(last.Low-emaFast)/emaFast <= t.cfg.PullbackTolerance
		rejection := last.Close > last.Open && last.Close > emaFast
		if pulledBack && rejection && volumeOK {
			return t.open(exchange.SideBuy, phase, price, atr, view)
		}

	case PhaseStrongDown, PhaseWeakDown:
		if !t.cfg.AllowShort {
			return Intent{}, false
		}
		pulledBack := math.Abs(last.High-emaFast)/emaFast <= t.cfg.PullbackTolerance
		rejection := last.Close < last.Open && last.Close < emaFast
		if pulledBack && rejection && volumeOK {
			return t.open(exchange.SideSell, phase, price, atr, view)
		}

	case PhaseSideways:
		if !volumeOK {
			return Intent{}, false
		}
		rsiCrossUp := t.havePrevRSI && t.prevRSI < 30 && rsi >= 30
		breakout := price > rangeTop(candles, t.cfg.RangeLookback)
		if rsiCrossUp || breakout {
			return t.open(exchange.SideBuy, phase, price, atr, view)
		}
	}
	return Intent{}, false
}

// open sizes the position from risk capital and the ATR stop distance.
// Size halves after the loss streak threshold.
func (t *Trend) open(dir exchange.Side, phase TrendPhase, price, atr float64, view MarketView) (Intent, bool) {
	slMult := t.cfg.SLMult[phase]
	tpMult := t.cfg.TPMult[phase]

	var stop, target float64
	if dir == exchange.SideBuy {
		stop = price - slMult*atr
		target = price + tpMult*atr
	} else {
		stop = price + slMult*atr
		target = price - tpMult*atr
	}
	stopDist := math.Abs(price - stop)
	if stopDist <= 0 || t.capital <= 0 {
		return Intent{}, false
	}

	risk := t.cfg.RiskPerTradePct * t.capital
	if t.consecutiveLosses >= t.cfg.HalveAfterLosses {
		risk /= 2
	}
	amount := view.Instrument.RoundAmount(decimal.NewFromFloat(risk/stopDist), exchange.SideBuy)
	if amount.IsZero() {
		return Intent{}, false
	}

	t.position = &TrendPosition{
		ID:        uuid.NewString(),
		Direction: dir,
		Entry:     price,
		Stop:      stop,
		Target:    target,
		Amount:    decimal.Zero, // set from the actual fill
		ATR:       atr,
		Phase:     phase,
		HighWater: price,
		OpenedAt:  view.Now,
	}

	in := PlaceIntent(dir, exchange.OrderTypeMarket, decimal.Zero, amount, exchange.RoleBaseOrder)
	in.RefPrice = view.Price
	in.Tag = "trend-entry"
	in.Stop = decimal.NewFromFloat(stop)
	in.Targets = []decimal.Decimal{decimal.NewFromFloat(target)}

	t.logger.Info().
		Str("phase", string(phase)).
		Str("direction", string(dir)).
		Float64("entry", price).
		Float64("stop", stop).
		Float64("target", target).
		Msg("🎯 Trend entry")
	return in, true
}

// managePosition walks the exit ladder: hard stop, target, breakeven
// move, trailing stop, and the partial close near the target.
func (t *Trend) managePosition(price float64, view MarketView) []Intent {
	if t.closing {
		return nil
	}
	p := t.position
	long := p.Direction == exchange.SideBuy

	if long && price > p.HighWater {
		p.HighWater = price
	}
	if !long && price < p.HighWater {
		p.HighWater = price
	}

	stopHit := (long && price <= p.Stop) || (!long && price >= p.Stop)
	if stopHit {
		reason := "stop_loss"
		if p.BreakevenSet || p.TrailingArmed {
			reason = "trailing_stop"
		}
		return t.closeAll(reason, view)
	}

	targetHit := (long && price >= p.Target) || (!long && price <= p.Target)
	if targetHit {
		return t.closeAll("take_profit", view)
	}

	profit := p.unrealized(price)

	if !p.BreakevenSet && profit >= t.cfg.BreakevenATR*p.ATR {
		p.Stop = p.Entry
		p.BreakevenSet = true
		t.logger.Info().Float64("stop", p.Stop).Msg("🛡️ Stop moved to breakeven")
	}

	if !p.TrailingArmed && profit >= t.cfg.TrailingArmATR*p.ATR {
		p.TrailingArmed = true
		t.logger.Info().Msg("📍 Trend trailing armed")
	}
	if p.TrailingArmed {
		gap := t.cfg.TrailingGapATR * p.ATR
		if long {
			if s := p.HighWater - gap; s > p.Stop {
				p.Stop = s
			}
		} else {
			if s := p.HighWater + gap; s < p.Stop {
				p.Stop = s
			}
		}
	}

	if !p.PartialDone {
		tpDist := math.Abs(p.Target - p.Entry)
		if profit >= t.cfg.PartialAtTPPct*tpDist {
			p.PartialDone = true
			amount := view.Instrument.RoundAmount(
				p.Amount.Mul(decimal.NewFromFloat(t.cfg.PartialFrac)), exchange.SideSell)
			if amount.IsZero() {
				return nil
			}
			p.Amount = p.Amount.Sub(amount)
			in := PlaceIntent(p.Direction.Opposite(), exchange.OrderTypeMarket, decimal.Zero, amount, exchange.RoleTakeProfit)
			in.Tag = "trend-partial"
			t.logger.Info().Str("amount", amount.String()).Msg("💰 Partial close near target")
			return []Intent{in}
		}
	}
	return nil
}

func (t *Trend) closeAll(reason string, view MarketView) []Intent {
	p := t.position
	// Round with the exit side: a short covers with a buy, and rounding
	// it like a sell can leave residual exposure.
	amount := view.Instrument.RoundAmount(p.Amount, p.Direction.Opposite())
	if amount.IsZero() {
		// Nothing left after partials; treat as closed at market.
		t.finishClose(view.PriceF(), reason)
		return nil
	}

	role := exchange.RoleTakeProfit
	switch reason {
	case "stop_loss":
		role = exchange.RoleStopLoss
	case "trailing_stop":
		role = exchange.RoleTrailingExit
	}

	t.closing = true
	t.closeReason = reason
	in := PlaceIntent(p.Direction.Opposite(), exchange.OrderTypeMarket, decimal.Zero, amount, role)
	in.Tag = "trend-exit:" + reason
	return []Intent{in}
}

// OnOrderPlaced is a no-op; the engine uses market orders only.
func (t *Trend) OnOrderPlaced(o exchange.Order) {}

func (t *Trend) OnOrderFilled(o exchange.Order, view MarketView) ([]Intent, error) {
	if t.position == nil {
		return nil, nil
	}
	fillPrice := o.AvgFillPrice
	if fillPrice.IsZero() {
		fillPrice = o.Price
	}
	price, _ := fillPrice.Float64()

	switch o.Tag {
	case "trend-entry":
		t.position.Entry = price
		t.position.Amount = o.Filled
		t.position.HighWater = price
	case "trend-partial":
		// Amount already reduced at intent time.
	default:
		if t.closing {
			t.finishClose(price, t.closeReason)
		}
	}
	return nil, nil
}

func (t *Trend) finishClose(exitPrice float64, reason string) {
	p := t.position
	amt, _ := p.Amount.Float64()
	pnl := p.unrealized(exitPrice) * amt

	if pnl < 0 {
		t.consecutiveLosses++
	} else if pnl > 0 {
		t.consecutiveLosses = 0
	}

	t.logger.Info().
		Str("reason", reason).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Int("loss_streak", t.consecutiveLosses).
		Msg("🏁 Trend position closed")

	if t.PositionClosed != nil {
		t.PositionClosed(*p, exitPrice, pnl, reason)
	}
	t.position = nil
	t.closing = false
	t.closeReason = ""
}

func (t *Trend) OnOrderCancelled(o exchange.Order) []Intent { return nil }

// OnIntentFailed discards a position whose entry never executed and
// rewinds a failed exit so it is retried next tick.
func (t *Trend) OnIntentFailed(in Intent, err error) {
	switch in.Tag {
	case "trend-entry":
		t.position = nil
	case "trend-partial":
		if t.position != nil {
			t.position.Amount = t.position.Amount.Add(in.Amount)
			t.position.PartialDone = false
		}
	default:
		t.closing = false
		t.closeReason = ""
	}
}

// ActivePosition returns the open position, or nil.
func (t *Trend) ActivePosition() *TrendPosition { return t.position }

// Busy reports whether the engine still has exposure to wind down.
func (t *Trend) Busy() bool { return t.position != nil }

func rangeTop(candles []types.OHLCV, lookback int) float64 {
	if lookback > len(candles)-1 {
		lookback = len(candles) - 1
	}
	top := 0.0
	// Exclude the live bar so a breakout compares against prior highs.
	for _, c := range candles[len(candles)-1-lookback : len(candles)-1] {
		if c.High > top {
			top = c.High
		}
	}
	return top
}

type trendState struct {
	Position          *TrendPosition `json:"position,omitempty"`
	Closing           bool           `json:"closing"`
	CloseReason       string         `json:"close_reason,omitempty"`
	ConsecutiveLosses int            `json:"consecutive_losses"`
	PrevRSI           float64        `json:"prev_rsi"`
	HavePrevRSI       bool           `json:"have_prev_rsi"`
}

func (t *Trend) Snapshot() (json.RawMessage, error) {
	return json.Marshal(trendState{
		Position:          t.position,
		Closing:           t.closing,
		CloseReason:       t.closeReason,
		ConsecutiveLosses: t.consecutiveLosses,
		PrevRSI:           t.prevRSI,
		HavePrevRSI:       t.havePrevRSI,
	})
}

func (t *Trend) Restore(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var s trendState
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("restore trend state: %w", err)
	}
	t.position = s.Position
	t.closing = s.Closing
	t.closeReason = s.CloseReason
	t.consecutiveLosses = s.ConsecutiveLosses
	t.prevRSI = s.PrevRSI
	t.havePrevRSI = s.HavePrevRSI
	return nil
}

var _ Strategy = (*Trend)(nil)

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

// Progression selects how safety-order amounts grow per step.
type Progression string

const (
	ProgressionFixed      Progression = "fixed"
	ProgressionLinear     Progression = "linear"
	ProgressionMartingale Progression = "martingale"
)

// DCAConfig is the typed DCA parameter block.
type DCAConfig struct {
	BaseOrderQuote   float64     `mapstructure:"base_order_quote" json:"base_order_quote"`
	SafetyOrderQuote float64     `mapstructure:"safety_order_quote" json:"safety_order_quote"`
	MaxSafetyOrders  int         `mapstructure:"max_safety_orders" json:"max_safety_orders"`
	PriceDeviation   float64     `mapstructure:"price_deviation" json:"price_deviation"`
	StepScale        float64     `mapstructure:"step_scale" json:"step_scale"`
	Progression      Progression `mapstructure:"progression" json:"progression"`
	VolumeScale      float64     `mapstructure:"volume_scale" json:"volume_scale"`
	FromBase         bool        `mapstructure:"from_base" json:"from_base"`
	MaxTotalQuote    float64     `mapstructure:"max_total_quote" json:"max_total_quote"`

	// Entry confluence gate.
	UseConfluence       bool    `mapstructure:"use_confluence" json:"use_confluence"`
	ConfluenceThreshold float64 `mapstructure:"confluence_threshold" json:"confluence_threshold"`
	EMAFastPeriod       int     `mapstructure:"ema_fast_period" json:"ema_fast_period"`
	EMASlowPeriod       int     `mapstructure:"ema_slow_period" json:"ema_slow_period"`
	RSIPeriod           int     `mapstructure:"rsi_period" json:"rsi_period"`
	RSIThreshold        float64 `mapstructure:"rsi_threshold" json:"rsi_threshold"`
	VolumePeriod        int     `mapstructure:"volume_period" json:"volume_period"`
	VolumeMultiplier    float64 `mapstructure:"volume_multiplier" json:"volume_multiplier"`
	BollingerPeriod     int     `mapstructure:"bollinger_period" json:"bollinger_period"`
	BollingerStdDev     float64 `mapstructure:"bollinger_std_dev" json:"bollinger_std_dev"`
	BollingerProximity  float64 `mapstructure:"bollinger_proximity" json:"bollinger_proximity"`
	EntryLow            float64 `mapstructure:"entry_low" json:"entry_low"`
	EntryHigh           float64 `mapstructure:"entry_high" json:"entry_high"`
	SupportLookback     int     `mapstructure:"support_lookback" json:"support_lookback"`
	MaxSupportDistance  float64 `mapstructure:"max_support_distance" json:"max_support_distance"`
	MaxConcurrentDeals  int     `mapstructure:"max_concurrent_deals" json:"max_concurrent_deals"`
	MinDealInterval     time.Duration `mapstructure:"min_deal_interval" json:"min_deal_interval"`

	// Exit policy, evaluated trailing first, then TP, then SL.
	TrailingEnabled    bool    `mapstructure:"trailing_enabled" json:"trailing_enabled"`
	TrailingActivation float64 `mapstructure:"trailing_activation" json:"trailing_activation"`
	TrailingDistance   float64 `mapstructure:"trailing_distance" json:"trailing_distance"`
	TrailingAbsolute   bool    `mapstructure:"trailing_absolute" json:"trailing_absolute"`
	TakeProfit         float64 `mapstructure:"take_profit" json:"take_profit"`
	StopLoss           float64 `mapstructure:"stop_loss" json:"stop_loss"`

	Timeframe string `mapstructure:"timeframe" json:"timeframe"`
}

func (c *DCAConfig) applyDefaults() {
	if c.ConfluenceThreshold == 0 {
		c.ConfluenceThreshold = 0.75
	}
	if c.EMAFastPeriod == 0 {
		c.EMAFastPeriod = 20
	}
	if c.EMASlowPeriod == 0 {
		c.EMASlowPeriod = 50
	}
	if c.RSIPeriod == 0 {
		c.RSIPeriod = 14
	}
	if c.RSIThreshold == 0 {
		c.RSIThreshold = 30
	}
	if c.VolumePeriod == 0 {
		c.VolumePeriod = 30
	}
	if c.VolumeMultiplier == 0 {
		c.VolumeMultiplier = 1.5
	}
	if c.BollingerPeriod == 0 {
		c.BollingerPeriod = 20
	}
	if c.BollingerStdDev == 0 {
		c.BollingerStdDev = 2
	}
	if c.BollingerProximity == 0 {
		c.BollingerProximity = 0.01
	}
	if c.StepScale == 0 {
		c.StepScale = 1
	}
	if c.VolumeScale == 0 {
		c.VolumeScale = 1
	}
	if c.Progression == "" {
		c.Progression = ProgressionFixed
	}
	if c.TrailingActivation == 0 {
		c.TrailingActivation = 0.015
	}
	if c.TrailingDistance == 0 {
		c.TrailingDistance = 0.008
	}
	if c.MaxConcurrentDeals == 0 {
		c.MaxConcurrentDeals = 1
	}
	if c.Timeframe == "" {
		c.Timeframe = "1h"
	}
}

// Validate rejects configurations that cannot run.
func (c DCAConfig) Validate() error {
	if c.BaseOrderQuote <= 0 {
		return fmt.Errorf("dca: base_order_quote must be positive")
	}
	if c.MaxSafetyOrders < 0 {
		return fmt.Errorf("dca: max_safety_orders must be >= 0")
	}
	if c.MaxSafetyOrders > 0 {
		if c.SafetyOrderQuote <= 0 {
			return fmt.Errorf("dca: safety_order_quote must be positive")
		}
		if c.PriceDeviation <= 0 {
			return fmt.Errorf("dca: price_deviation must be positive")
		}
	}
	if c.Progression == ProgressionMartingale && c.MaxTotalQuote <= 0 {
		return fmt.Errorf("dca: martingale progression requires max_total_quote bound")
	}
	switch c.Progression {
	case "", ProgressionFixed, ProgressionLinear, ProgressionMartingale:
	default:
		return fmt.Errorf("dca: unknown progression %q", c.Progression)
	}
	return nil
}

// ClosedDeal describes a deal that just finished, for event publishing.
type ClosedDeal struct {
	Deal        Deal
	ClosePrice  decimal.Decimal
	RealizedPct float64
	CloseReason string
}

// ConfluenceResult is the entry-gate breakdown for one evaluation.
type ConfluenceResult struct {
	Trend      bool
	Price      bool
	Indicators bool
	Risk       bool
	Timing     bool
	Score      float64
}

// confluence weights: trend 3, price 2, indicators 2, risk 1, timing 1.
const confluenceTotal = 9.0

func (r ConfluenceResult) compute() float64 {
	s := 0.0
	if r.Trend {
		s += 3
	}
	if r.Price {
		s += 2
	}
	if r.Indicators {
		s += 2
	}
	if r.Risk {
		s += 1
	}
	if r.Timing {
		s += 1
	}
	return s / confluenceTotal
}

// DCA opens a long on a confluence signal, averages down with safety
// orders as price moves against it, and exits by trailing stop, fixed
// take-profit, or stop-loss, evaluated in that order.
type DCA struct {
	cfg    DCAConfig
	logger zerolog.Logger

	deal          *Deal
	nextSafety    int // 1-based index of the next safety order
	safetyLocalID string
	safetyPending bool // a safety slot is due but not resting yet
	baseFillPrice decimal.Decimal
	lastFillPrice decimal.Decimal
	closing       bool
	closeReason   string
	lastClosedAt  time.Time

	// DealClosed, when set, is invoked after a close order fills.
	DealClosed func(ClosedDeal)
}

// NewDCA creates a DCA engine with defaults applied.
func NewDCA(cfg DCAConfig, logger zerolog.Logger) *DCA {
	cfg.applyDefaults()
	return &DCA{
		cfg:    cfg,
		logger: logger.With().Str("engine", "dca").Logger(),
	}
}

func (d *DCA) Name() string { return "dca" }

func (d *DCA) Timeframes() []string { return []string{d.cfg.Timeframe} }

// Evaluate runs the exit policy for an open deal or the entry gate for
// a flat book.
func (d *DCA) Evaluate(view MarketView) ([]Intent, error) {
	if d.deal != nil {
		return d.manageDeal(view)
	}
	return d.tryEnter(view)
}

func (d *DCA) tryEnter(view MarketView) ([]Intent, error) {
	candles := view.Window(d.cfg.Timeframe)
	result, err := d.Confluence(candles, view.PriceF(), view.Now)
	if err != nil {
		return nil, err
	}

	pass := result.Score >= d.cfg.ConfluenceThreshold
	if !d.cfg.UseConfluence {
		pass = result.Trend && result.Price && result.Indicators && result.Risk && result.Timing
	}
	if !pass {
		return nil, nil
	}

	amount := view.Instrument.RoundAmount(
		decimal.NewFromFloat(d.cfg.BaseOrderQuote).Div(view.Price), exchange.SideBuy)

	in := PlaceIntent(exchange.SideBuy, exchange.OrderTypeMarket, decimal.Zero, amount, exchange.RoleBaseOrder)
	in.RefPrice = view.Price
	in.Tag = "base"
	in.Confidence = result.Score

	d.logger.Info().
		Float64("score", result.Score).
		Str("price", view.Price.String()).
		Msg("🎯 DCA entry signal")
	return []Intent{in}, nil
}

// Confluence computes the weighted entry score and its breakdown.
func (d *DCA) Confluence(candles []types.OHLCV, price float64, now time.Time) (ConfluenceResult, error) {
	var r ConfluenceResult

	need := d.cfg.EMASlowPeriod + 1
	if len(candles) < need || price <= 0 {
		return r, nil
	}
	closes := types.Closes(candles)

	emaFast, err := indicators.NewEMA(d.cfg.EMAFastPeriod).Calculate(candles)
	if err != nil {
		return r, err
	}
	emaSlow, err := indicators.NewEMA(d.cfg.EMASlowPeriod).Calculate(candles)
	if err != nil {
		return r, err
	}
	r.Trend = emaFast > emaSlow

	r.Price = d.priceComponent(candles, price)

	rsi, err := indicators.NewRSI(d.cfg.RSIPeriod).Calculate(closes)
	if err != nil {
		return r, err
	}
	bands, err := indicators.NewBollinger(d.cfg.BollingerPeriod, d.cfg.BollingerStdDev).Calculate(closes)
	if err != nil {
		return r, err
	}
	volumeOK := candles[len(candles)-1].Volume >= d.cfg.VolumeMultiplier*types.MeanVolume(candles, d.cfg.VolumePeriod)
	nearLower := price <= bands.Lower*(1+d.cfg.BollingerProximity)
	r.Indicators = rsi < d.cfg.RSIThreshold && volumeOK && nearLower

	r.Risk = d.deal == nil && d.cfg.MaxConcurrentDeals >= 1
	r.Timing = d.lastClosedAt.IsZero() || now.Sub(d.lastClosedAt) >= d.cfg.MinDealInterval

	r.Score = r.compute()
	return r, nil
}

// priceComponent checks the entry range and the distance to the
// nearest support low.
func (d *DCA) priceComponent(candles []types.OHLCV, price float64) bool {
	if d.cfg.EntryLow > 0 && price < d.cfg.EntryLow {
		return false
	}
	if d.cfg.EntryHigh > 0 && price > d.cfg.EntryHigh {
		return false
	}
	if d.cfg.SupportLookback > 0 && d.cfg.MaxSupportDistance > 0 {
		lookback := d.cfg.SupportLookback
		if lookback > len(candles) {
			lookback = len(candles)
		}
		support := math.Inf(1)
		for _, c := range candles[len(candles)-lookback:] {
			if c.Low < support {
				support = c.Low
			}
		}
		if (price-support)/price > d.cfg.MaxSupportDistance {
			return false
		}
	}
	return true
}

// manageDeal lifts the high-water mark and runs the exit ladder.
// Trailing wins over take-profit, take-profit over stop-loss.
func (d *DCA) manageDeal(view MarketView) ([]Intent, error) {
	if d.closing {
		return nil, nil
	}

	d.deal.ObservePrice(view.Price)
	profit := d.deal.UnrealizedPct(view.Price)

	if d.cfg.TrailingEnabled {
		if !d.deal.TrailingArmed && profit >= d.cfg.TrailingActivation {
			d.deal.TrailingArmed = true
			d.logger.Info().
				Str("highest", d.deal.HighestPrice.String()).
				Msg("📍 Trailing stop armed")
		}
		if d.deal.TrailingArmed && view.Price.LessThanOrEqual(d.trailingStop()) {
			return d.closeDeal("trailing_stop", view), nil
		}
	}
	if d.cfg.TakeProfit > 0 && profit >= d.cfg.TakeProfit {
		return d.closeDeal("take_profit", view), nil
	}
	if d.cfg.StopLoss > 0 && profit <= -d.cfg.StopLoss {
		return d.closeDeal("stop_loss", view), nil
	}

	// Retry a safety placement that was paused on insufficient funds.
	if d.safetyPending {
		if in, ok := d.nextSafetyIntent(view); ok {
			return []Intent{in}, nil
		}
	}
	return nil, nil
}

// trailingStop derives the stop from the high-water mark.
func (d *DCA) trailingStop() decimal.Decimal {
	if d.cfg.TrailingAbsolute {
		return d.deal.HighestPrice.Sub(decimal.NewFromFloat(d.cfg.TrailingDistance))
	}
	return d.deal.HighestPrice.Mul(decimal.NewFromFloat(1 - d.cfg.TrailingDistance))
}

// closeDeal cancels the resting safety order and market-sells the
// whole position.
func (d *DCA) closeDeal(reason string, view MarketView) []Intent {
	var intents []Intent
	if d.safetyLocalID != "" {
		intents = append(intents, CancelIntent(d.safetyLocalID))
	}

	amount := view.Instrument.RoundAmount(d.deal.BaseAmount, exchange.SideSell)
	role := exchange.RoleTakeProfit
	switch reason {
	case "trailing_stop":
		role = exchange.RoleTrailingExit
	case "stop_loss":
		role = exchange.RoleStopLoss
	}

	in := PlaceIntent(exchange.SideSell, exchange.OrderTypeMarket, decimal.Zero, amount, role)
	in.Tag = "close:" + reason

	d.closing = true
	d.closeReason = reason
	d.safetyPending = false

	d.logger.Info().
		Str("reason", reason).
		Str("avg_entry", d.deal.AvgEntry().StringFixed(8)).
		Str("price", view.Price.String()).
		Msg("🏁 Closing DCA deal")
	return append(intents, in)
}

// nextSafetyIntent builds the resting limit for the next safety slot,
// or reports false when the ladder is exhausted or capital-capped.
func (d *DCA) nextSafetyIntent(view MarketView) (Intent, bool) {
	idx := d.nextSafety
	if idx > d.cfg.MaxSafetyOrders {
		d.safetyPending = false
		return Intent{}, false
	}

	price := d.safetyPrice(idx)
	quote := d.safetyQuote(idx)

	if d.cfg.MaxTotalQuote > 0 {
		spent, _ := d.deal.QuoteSpent.Float64()
		if spent+quote > d.cfg.MaxTotalQuote {
			d.safetyPending = false
			d.logger.Warn().Int("index", idx).Msg("⚠️ Safety ladder capped by max_total_quote")
			return Intent{}, false
		}
	}

	rounded := view.Instrument.RoundPrice(price, exchange.SideBuy)
	amount := view.Instrument.RoundAmount(decimal.NewFromFloat(quote).Div(rounded), exchange.SideBuy)

	in := PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit, rounded, amount, exchange.RoleSafetyOrder)
	in.Tag = fmt.Sprintf("safety-%d", idx)
	return in, true
}

// safetyPrice drops the configured deviation from the previous fill,
// or the cumulative deviation from the base fill when FromBase is set.
func (d *DCA) safetyPrice(idx int) decimal.Decimal {
	dev := d.cfg.PriceDeviation
	if d.cfg.FromBase {
		total := 0.0
		for i := 1; i <= idx; i++ {
			total += dev * math.Pow(d.cfg.StepScale, float64(i-1))
		}
		return d.baseFillPrice.Mul(decimal.NewFromFloat(1 - total))
	}
	step := dev * math.Pow(d.cfg.StepScale, float64(idx-1))
	return d.lastFillPrice.Mul(decimal.NewFromFloat(1 - step))
}

func (d *DCA) safetyQuote(idx int) float64 {
	switch d.cfg.Progression {
	case ProgressionLinear:
		return d.cfg.SafetyOrderQuote * (1 + d.cfg.VolumeScale*float64(idx-1))
	case ProgressionMartingale:
		return d.cfg.SafetyOrderQuote * math.Pow(d.cfg.VolumeScale, float64(idx-1))
	default:
		return d.cfg.SafetyOrderQuote
	}
}

// OnOrderPlaced records the resting safety order's local id.
func (d *DCA) OnOrderPlaced(o exchange.Order) {
	if o.Role == exchange.RoleSafetyOrder {
		d.safetyLocalID = o.LocalID
		d.safetyPending = false
	}
}

// OnOrderFilled advances the deal: a base fill opens it, a safety fill
// averages down without touching the high-water mark, an exit fill
// closes and reports it.
func (d *DCA) OnOrderFilled(o exchange.Order, view MarketView) ([]Intent, error) {
	fillPrice := o.AvgFillPrice
	if fillPrice.IsZero() {
		fillPrice = o.Price
	}

	switch o.Role {
	case exchange.RoleBaseOrder:
		d.deal = &Deal{
			ID:           uuid.NewString(),
			Symbol:       o.Symbol,
			HighestPrice: fillPrice,
			OpenedAt:     view.Now,
		}
		d.deal.ApplyFill(fillPrice, o.Filled)
		d.baseFillPrice = fillPrice
		d.lastFillPrice = fillPrice
		d.nextSafety = 1
		d.logger.Info().
			Str("deal", d.deal.ID).
			Str("entry", fillPrice.String()).
			Msg("📈 DCA deal opened")

		if d.cfg.MaxSafetyOrders > 0 {
			if in, ok := d.nextSafetyIntent(view); ok {
				return []Intent{in}, nil
			}
		}
		return nil, nil

	case exchange.RoleSafetyOrder:
		if d.deal == nil {
			return nil, nil
		}
		// Averages move, the high-water mark does not.
		d.deal.ApplyFill(fillPrice, o.Filled)
		d.deal.SafetyFills++
		d.lastFillPrice = fillPrice
		d.safetyLocalID = ""
		d.nextSafety++
		d.logger.Info().
			Int("safety", d.deal.SafetyFills).
			Str("avg_entry", d.deal.AvgEntry().StringFixed(8)).
			Str("highest", d.deal.HighestPrice.String()).
			Msg("🪜 Safety order filled")

		if d.nextSafety <= d.cfg.MaxSafetyOrders {
			if in, ok := d.nextSafetyIntent(view); ok {
				return []Intent{in}, nil
			}
		}
		return nil, nil

	case exchange.RoleTakeProfit, exchange.RoleStopLoss, exchange.RoleTrailingExit:
		if d.deal == nil {
			return nil, nil
		}
		closed := ClosedDeal{
			Deal:        *d.deal,
			ClosePrice:  fillPrice,
			RealizedPct: d.deal.UnrealizedPct(fillPrice),
			CloseReason: d.closeReason,
		}
		d.logger.Info().
			Str("reason", d.closeReason).
			Float64("realized_pct", closed.RealizedPct*100).
			Msg("💰 DCA deal closed")

		d.deal = nil
		d.closing = false
		d.closeReason = ""
		d.safetyLocalID = ""
		d.safetyPending = false
		d.lastClosedAt = view.Now

		if d.DealClosed != nil {
			d.DealClosed(closed)
		}
		return nil, nil
	}
	return nil, nil
}

// OnOrderCancelled re-schedules a safety slot whose resting order was
// cancelled externally, unless the deal is closing.
func (d *DCA) OnOrderCancelled(o exchange.Order) []Intent {
	if o.Role == exchange.RoleSafetyOrder && o.LocalID == d.safetyLocalID {
		d.safetyLocalID = ""
		if d.deal != nil && !d.closing {
			d.safetyPending = true
		}
	}
	return nil
}

// OnIntentFailed pauses safety placement after an insufficient-funds
// failure (Evaluate retries the same slot on later ticks) and rewinds
// the closing flag so a failed close is retried next tick.
func (d *DCA) OnIntentFailed(in Intent, err error) {
	switch in.Role {
	case exchange.RoleSafetyOrder:
		if d.deal != nil && !d.closing {
			d.safetyPending = true
			d.logger.Warn().Int("next", d.nextSafety).Msg("⚠️ Safety order paused, will retry placement")
		}
	case exchange.RoleTakeProfit, exchange.RoleStopLoss, exchange.RoleTrailingExit:
		d.closing = false
	}
}

// ActiveDeal returns the open deal, or nil.
func (d *DCA) ActiveDeal() *Deal { return d.deal }

// Busy reports whether the engine still has exposure to wind down.
func (d *DCA) Busy() bool { return d.deal != nil }

type dcaState struct {
	Deal          *Deal           `json:"deal,omitempty"`
	NextSafety    int             `json:"next_safety"`
	SafetyLocalID string          `json:"safety_local_id,omitempty"`
	SafetyPending bool            `json:"safety_pending"`
	BaseFillPrice decimal.Decimal `json:"base_fill_price"`
	LastFillPrice decimal.Decimal `json:"last_fill_price"`
	Closing       bool            `json:"closing"`
	CloseReason   string          `json:"close_reason,omitempty"`
	LastClosedAt  time.Time       `json:"last_closed_at,omitempty"`
}

func (d *DCA) Snapshot() (json.RawMessage, error) {
	return json.Marshal(dcaState{
		Deal:          d.deal,
		NextSafety:    d.nextSafety,
		SafetyLocalID: d.safetyLocalID,
		SafetyPending: d.safetyPending,
		BaseFillPrice: d.baseFillPrice,
		LastFillPrice: d.lastFillPrice,
		Closing:       d.closing,
		CloseReason:   d.closeReason,
		LastClosedAt:  d.lastClosedAt,
	})
}

func (d *DCA) Restore(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var s dcaState
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("restore dca state: %w", err)
	}
	d.deal = s.Deal
	d.nextSafety = s.NextSafety
	d.safetyLocalID = s.SafetyLocalID
	d.safetyPending = s.SafetyPending
	d.baseFillPrice = s.BaseFillPrice
	d.lastFillPrice = s.LastFillPrice
	d.closing = s.Closing
	d.closeReason = s.CloseReason
	d.lastClosedAt = s.LastClosedAt
	return nil
}

var _ Strategy = (*DCA)(nil)

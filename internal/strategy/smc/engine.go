package smc

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
)

// Timeframe roles: D1 trend, H4 structure, H1 confluence zones, M15
// entry timing.
const (
	tfTrend     = "1d"
	tfStructure = "4h"
	tfZones     = "1h"
	tfEntry     = "15m"
)

// Config is the typed SMC parameter block.
type Config struct {
	SwingLookback    int     `mapstructure:"swing_lookback" json:"swing_lookback"`
	StructuralBuffer float64 `mapstructure:"structural_buffer" json:"structural_buffer"`
	MergeThreshold   float64 `mapstructure:"merge_threshold" json:"merge_threshold"`
	MaxPenetration   float64 `mapstructure:"max_penetration" json:"max_penetration"`
	VolumePeriod     int     `mapstructure:"volume_period" json:"volume_period"`
	VolumeMultiplier float64 `mapstructure:"volume_multiplier" json:"volume_multiplier"`
	MinQuality       float64 `mapstructure:"min_quality" json:"min_quality"`
	CacheWindow      time.Duration `mapstructure:"cache_window" json:"cache_window"`

	Sizing SizingConfig `mapstructure:"sizing" json:"sizing"`
}

func (c *Config) applyDefaults() {
	if c.SwingLookback == 0 {
		c.SwingLookback = 5
	}
	if c.MinQuality == 0 {
		c.MinQuality = 0.45
	}
	if c.CacheWindow == 0 {
		c.CacheWindow = 5 * time.Minute
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.MinQuality < 0 || c.MinQuality > 1 {
		return fmt.Errorf("smc: min_quality %.2f outside [0, 1]", c.MinQuality)
	}
	if c.Sizing.MinRiskReward < 0 {
		return fmt.Errorf("smc: min_risk_reward must be >= 0")
	}
	return nil
}

// Signal is one generated trade idea. Entry carries the price the
// analysis was done against; the orchestrator's staleness gate compares
// it to the market at execution time.
type Signal struct {
	ID        string    `json:"id"`
	Direction Bias      `json:"direction"`
	Entry     float64   `json:"entry"`
	Stop      float64   `json:"stop"`
	Target    float64   `json:"target"`
	ZoneID    string    `json:"zone_id"`
	Pattern   Pattern   `json:"pattern"`
	CreatedAt time.Time `json:"created_at"`
}

// position is the engine's open trade with its scale-out progress.
type position struct {
	Signal    Signal          `json:"signal"`
	Amount    decimal.Decimal `json:"amount"`
	Initial   decimal.Decimal `json:"initial"`
	PartialIx int             `json:"partial_ix"`
	Stop      float64         `json:"stop"`
	OpenedAt  time.Time       `json:"opened_at"`
}

// Engine produces high-confidence signals from multi-timeframe
// structural analysis. Zone analysis is cached across a window and
// refreshed early when the structure timeframe prints a BOS or CHoCH,
// so the cache never outlives a structural break.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	structure *StructureAnalyzer
	trend     *StructureAnalyzer
	zones     *ZoneDetector
	patterns  *PatternDetector
	sizer     *Sizer

	capital      float64
	zoneSet      []*Zone
	lastAnalysis time.Time
	lastH4Event  StructureEvent
	trendBias    Bias
	h4Bias       Bias
	active       *Signal
	pos          *position
	closing      bool
	closeReason  string

	// PositionClosed, when set, is invoked after an exit order fills.
	PositionClosed func(sig Signal, exitPrice, pnl float64, reason string)
}

// NewEngine creates an SMC engine with defaults applied.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		logger:    logger.With().Str("engine", "smc").Logger(),
		structure: NewStructureAnalyzer(cfg.SwingLookback, cfg.StructuralBuffer),
		trend:     NewStructureAnalyzer(cfg.SwingLookback, cfg.StructuralBuffer),
		zones:     NewZoneDetector(cfg.MergeThreshold, cfg.MaxPenetration),
		patterns:  NewPatternDetector(cfg.VolumePeriod, cfg.VolumeMultiplier),
		sizer:     NewSizer(cfg.Sizing),
		trendBias: BiasRanging,
		h4Bias:    BiasRanging,
	}
}

func (e *Engine) Name() string { return "smc" }

func (e *Engine) Timeframes() []string {
	return []string{tfTrend, tfStructure, tfZones, tfEntry}
}

// SetCapital updates the quote budget position sizing works from.
func (e *Engine) SetCapital(quote float64) { e.capital = quote }

// Evaluate manages the open position or runs the signal pipeline. One
// pass needs all four timeframe windows; missing data skips the tick.
func (e *Engine) Evaluate(view strategy.MarketView) ([]strategy.Intent, error) {
	if e.pos != nil {
		return e.managePosition(view), nil
	}

	for _, tf := range e.Timeframes() {
		if len(view.Window(tf)) == 0 {
			return nil, nil
		}
	}

	price := view.PriceF()
	e.refreshAnalysis(view, price)

	if e.active != nil {
		// A signal is already pending execution; do not stack more.
		return nil, nil
	}

	sig, ok := e.generateSignal(view, price)
	if !ok {
		return nil, nil
	}

	amount, err := e.sizer.Amount(e.capital, sig.Entry, sig.Stop)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Signal rejected by sizing")
		return nil, nil
	}
	if err := e.sizer.CheckRiskReward(sig.Entry, sig.Stop, sig.Target); err != nil {
		e.logger.Debug().Err(err).Msg("Signal rejected by risk/reward")
		return nil, nil
	}

	e.active = &sig
	side := exchange.SideBuy
	if sig.Direction == BiasBearish {
		side = exchange.SideSell
	}
	amt := view.Instrument.RoundAmount(decimal.NewFromFloat(amount), exchange.SideBuy)
	if amt.IsZero() {
		e.active = nil
		return nil, nil
	}

	in := strategy.PlaceIntent(side, exchange.OrderTypeMarket, decimal.Zero, amt, exchange.RoleBaseOrder)
	in.RefPrice = decimal.NewFromFloat(sig.Entry)
	in.Tag = "smc:" + sig.ID
	in.Stop = decimal.NewFromFloat(sig.Stop)
	in.Targets = []decimal.Decimal{decimal.NewFromFloat(sig.Target)}
	in.Confidence = sig.Pattern.Quality

	e.logger.Info().
		Str("signal", sig.ID).
		Str("direction", string(sig.Direction)).
		Float64("entry", sig.Entry).
		Float64("stop", sig.Stop).
		Float64("target", sig.Target).
		Str("pattern", string(sig.Pattern.Kind)).
		Msg("🧠 SMC signal generated")
	return []strategy.Intent{in}, nil
}

// refreshAnalysis re-runs the zone pipeline when the cache window
// lapses or an H4 structure event invalidates it immediately.
func (e *Engine) refreshAnalysis(view strategy.MarketView, price float64) {
	h4 := e.structure.Analyze(view.Window(tfStructure))
	structuralBreak := h4.Event != EventNone && h4.Event != e.lastH4Event
	cacheExpired := view.Now.Sub(e.lastAnalysis) >= e.cfg.CacheWindow

	if !structuralBreak && !cacheExpired && e.lastAnalysis != (time.Time{}) {
		e.zoneSet = e.zones.Update(e.zoneSet, price, view.Now)
		return
	}

	d1 := e.trend.Analyze(view.Window(tfTrend))
	e.trendBias = d1.Bias
	e.h4Bias = h4.Bias
	e.lastH4Event = h4.Event

	h1 := e.structure.Analyze(view.Window(tfZones))
	e.zoneSet = e.zones.Detect(view.Window(tfZones), h1, e.zoneSet)
	e.zoneSet = e.zones.Update(e.zoneSet, price, view.Now)
	e.lastAnalysis = view.Now

	if structuralBreak {
		e.logger.Info().
			Str("event", string(h4.Event)).
			Str("bias", string(h4.Bias)).
			Msg("🔄 Zone cache invalidated by structure break")
	}
}

// generateSignal looks for an entry pattern inside the freshest
// unmitigated zone aligned with the D1/H4 trend.
func (e *Engine) generateSignal(view strategy.MarketView, price float64) (Signal, bool) {
	bias := e.alignedBias()
	if bias == BiasRanging {
		return Signal{}, false
	}

	var zone *Zone
	for _, z := range e.zoneSet {
		if z.Direction == bias && z.Contains(price) {
			zone = z
			break
		}
	}
	if zone == nil {
		return Signal{}, false
	}

	pat := e.patterns.Detect(view.Window(tfEntry), bias)
	if pat == nil || pat.Quality < e.cfg.MinQuality {
		return Signal{}, false
	}

	// Stop just beyond the zone's far edge, target at the configured
	// minimum R multiple.
	stopPad := zone.Height() * 0.1
	var stop, target float64
	if bias == BiasBullish {
		stop = zone.FarEdge() - stopPad
		target = price + e.sizer.Config().MinRiskReward*(price-stop)
	} else {
		stop = zone.FarEdge() + stopPad
		target = price - e.sizer.Config().MinRiskReward*(stop-price)
	}

	return Signal{
		ID:        uuid.NewString(),
		Direction: bias,
		Entry:     price,
		Stop:      stop,
		Target:    target,
		ZoneID:    zone.ID,
		Pattern:   *pat,
		CreatedAt: view.Now,
	}, true
}

// alignedBias requires D1 and H4 to agree; a ranging D1 defers to H4.
func (e *Engine) alignedBias() Bias {
	if e.trendBias == e.h4Bias {
		return e.trendBias
	}
	if e.trendBias == BiasRanging {
		return e.h4Bias
	}
	return BiasRanging
}

// managePosition walks the stop, the R-multiple partials, and the
// final target.
func (e *Engine) managePosition(view strategy.MarketView) []strategy.Intent {
	if e.closing {
		return nil
	}
	p := e.pos
	price := view.PriceF()
	long := p.Signal.Direction == BiasBullish

	stopHit := (long && price <= p.Stop) || (!long && price >= p.Stop)
	if stopHit {
		return e.closeAll("stop_loss", view)
	}
	targetHit := (long && price >= p.Signal.Target) || (!long && price <= p.Signal.Target)
	if targetHit {
		return e.closeAll("take_profit", view)
	}

	partials := e.sizer.Config().Partials
	if p.PartialIx < len(partials) {
		risk := math.Abs(p.Signal.Entry - p.Signal.Stop)
		r := p.Signal.Entry + partials[p.PartialIx].RMultiple*risk
		if !long {
			r = p.Signal.Entry - partials[p.PartialIx].RMultiple*risk
		}
		reached := (long && price >= r) || (!long && price <= r)
		if reached {
			frac := decimal.NewFromFloat(partials[p.PartialIx].Fraction)
			amount := view.Instrument.RoundAmount(p.Initial.Mul(frac), exchange.SideSell)
			if amount.GreaterThan(p.Amount) {
				amount = p.Amount
			}
			if amount.IsZero() {
				p.PartialIx++
				return nil
			}
			p.Amount = p.Amount.Sub(amount)
			p.PartialIx++

			// After the first partial the runner's stop moves to entry.
			if p.PartialIx == 1 {
				p.Stop = p.Signal.Entry
			}

			side := exchange.SideSell
			if !long {
				side = exchange.SideBuy
			}
			in := strategy.PlaceIntent(side, exchange.OrderTypeMarket, decimal.Zero, amount, exchange.RoleTakeProfit)
			in.Tag = fmt.Sprintf("smc-partial-%d:%s", p.PartialIx, p.Signal.ID)
			e.logger.Info().
				Int("partial", p.PartialIx).
				Str("amount", amount.String()).
				Msg("💰 SMC partial close")
			return []strategy.Intent{in}
		}
	}
	return nil
}

func (e *Engine) closeAll(reason string, view strategy.MarketView) []strategy.Intent {
	p := e.pos
	amount := view.Instrument.RoundAmount(p.Amount, exchange.SideSell)
	if amount.IsZero() {
		e.finishClose(view.PriceF(), reason)
		return nil
	}

	role := exchange.RoleTakeProfit
	if reason == "stop_loss" {
		role = exchange.RoleStopLoss
	}
	side := exchange.SideSell
	if p.Signal.Direction == BiasBearish {
		side = exchange.SideBuy
	}

	e.closing = true
	e.closeReason = reason
	in := strategy.PlaceIntent(side, exchange.OrderTypeMarket, decimal.Zero, amount, role)
	in.Tag = "smc-exit:" + p.Signal.ID
	return []strategy.Intent{in}
}

// OnOrderPlaced is a no-op; the engine uses market orders only.
func (e *Engine) OnOrderPlaced(o exchange.Order) {}

func (e *Engine) OnOrderFilled(o exchange.Order, view strategy.MarketView) ([]strategy.Intent, error) {
	fillPrice := o.AvgFillPrice
	if fillPrice.IsZero() {
		fillPrice = o.Price
	}
	price, _ := fillPrice.Float64()

	if o.Role == exchange.RoleBaseOrder && e.active != nil {
		sig := *e.active
		sig.Entry = price
		e.pos = &position{
			Signal:   sig,
			Amount:   o.Filled,
			Initial:  o.Filled,
			Stop:     sig.Stop,
			OpenedAt: view.Now,
		}
		e.logger.Info().Str("signal", sig.ID).Float64("fill", price).Msg("📈 SMC position opened")
		return nil, nil
	}

	if e.pos != nil && e.closing {
		e.finishClose(price, e.closeReason)
	}
	return nil, nil
}

func (e *Engine) finishClose(exitPrice float64, reason string) {
	p := e.pos
	amt, _ := p.Initial.Float64()
	pnl := (exitPrice - p.Signal.Entry) * amt
	if p.Signal.Direction == BiasBearish {
		pnl = -pnl
	}
	e.sizer.RecordResult(pnl)

	e.logger.Info().
		Str("signal", p.Signal.ID).
		Str("reason", reason).
		Float64("pnl", pnl).
		Msg("🏁 SMC position closed")

	if e.PositionClosed != nil {
		e.PositionClosed(p.Signal, exitPrice, pnl, reason)
	}
	e.pos = nil
	e.active = nil
	e.closing = false
	e.closeReason = ""
}

// OnOrderCancelled clears the active signal when its entry order is
// cancelled, per the contract that signals do not outlive their order.
func (e *Engine) OnOrderCancelled(o exchange.Order) []strategy.Intent {
	if o.Role == exchange.RoleBaseOrder && e.pos == nil {
		e.active = nil
	}
	return nil
}

// OnIntentFailed clears a signal whose entry was dropped (stale, risk
// denied, or exchange failure) and rewinds a failed exit.
func (e *Engine) OnIntentFailed(in strategy.Intent, err error) {
	if in.Role == exchange.RoleBaseOrder {
		e.active = nil
		return
	}
	e.closing = false
	e.closeReason = ""
}

// ActiveSignal returns the pending signal, or nil.
func (e *Engine) ActiveSignal() *Signal { return e.active }

// Busy reports whether the engine still has exposure to wind down.
func (e *Engine) Busy() bool { return e.pos != nil || e.active != nil }

type engineState struct {
	Zones        []*Zone    `json:"zones"`
	LastAnalysis time.Time  `json:"last_analysis"`
	TrendBias    Bias       `json:"trend_bias"`
	H4Bias       Bias       `json:"h4_bias"`
	Active       *Signal    `json:"active,omitempty"`
	Position     *position  `json:"position,omitempty"`
	Closing      bool       `json:"closing"`
	CloseReason  string     `json:"close_reason,omitempty"`
}

func (e *Engine) Snapshot() (json.RawMessage, error) {
	return json.Marshal(engineState{
		Zones:        e.zoneSet,
		LastAnalysis: e.lastAnalysis,
		TrendBias:    e.trendBias,
		H4Bias:       e.h4Bias,
		Active:       e.active,
		Position:     e.pos,
		Closing:      e.closing,
		CloseReason:  e.closeReason,
	})
}

func (e *Engine) Restore(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var s engineState
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("restore smc state: %w", err)
	}
	e.zoneSet = s.Zones
	e.lastAnalysis = s.LastAnalysis
	e.trendBias = s.TrendBias
	e.h4Bias = s.H4Bias
	e.active = s.Active
	e.pos = s.Position
	e.closing = s.Closing
	e.closeReason = s.CloseReason
	return nil
}

var _ strategy.Strategy = (*Engine)(nil)

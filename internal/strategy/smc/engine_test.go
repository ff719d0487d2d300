package smc

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

func smcView(price float64) strategy.MarketView {
	return strategy.MarketView{
		Symbol: "BTCUSDT",
		Price:  decimal.NewFromFloat(price),
		Instrument: exchange.Instrument{
			Symbol:    "BTCUSDT",
			BaseCoin:  "BTC",
			QuoteCoin: "USDT",
			TickSize:  decimal.NewFromFloat(0.01),
			QtyStep:   decimal.NewFromFloat(0.001),
		},
		Candles: map[string][]types.OHLCV{},
		Now:     time.Now(),
	}
}

// engulfingEntry is an entry-timeframe window ending in a bullish
// engulfing bar.
func engulfingEntry() []types.OHLCV {
	return []types.OHLCV{
		{Open: 101, High: 101.2, Low: 99.8, Close: 100, Volume: 100},
		{Open: 99.9, High: 101.5, Low: 99.7, Close: 101.3, Volume: 100},
	}
}

func newTestEngine(capital float64) *Engine {
	e := NewEngine(Config{}, zerolog.Nop())
	e.SetCapital(capital)
	return e
}

func TestEngineAlignedBias(t *testing.T) {
	e := newTestEngine(10_000)

	e.trendBias, e.h4Bias = BiasBullish, BiasBullish
	assert.Equal(t, BiasBullish, e.alignedBias())

	// A ranging daily defers to the structure timeframe.
	e.trendBias, e.h4Bias = BiasRanging, BiasBearish
	assert.Equal(t, BiasBearish, e.alignedBias())

	// Open disagreement produces no direction.
	e.trendBias, e.h4Bias = BiasBullish, BiasBearish
	assert.Equal(t, BiasRanging, e.alignedBias())
}

func TestEngineGenerateSignalFromZoneAndPattern(t *testing.T) {
	e := newTestEngine(10_000)
	e.trendBias, e.h4Bias = BiasBullish, BiasBullish
	e.zoneSet = []*Zone{{
		ID: "z1", Kind: ZoneOrderBlock, Direction: BiasBullish,
		Low: 98, High: 102, CreatedAt: time.Now(),
	}}

	view := smcView(101)
	view.Candles[tfEntry] = engulfingEntry()

	sig, ok := e.generateSignal(view, 101)
	require.True(t, ok)
	assert.Equal(t, BiasBullish, sig.Direction)
	assert.Equal(t, "z1", sig.ZoneID)
	assert.Equal(t, 101.0, sig.Entry)
	// Stop pads 10% of the zone height beyond the far edge.
	assert.InDelta(t, 97.6, sig.Stop, 1e-9)
	// Target at the minimum 2.5R from the stop distance.
	assert.InDelta(t, 101+2.5*(101-97.6), sig.Target, 1e-9)
	assert.Equal(t, PatternEngulfing, sig.Pattern.Kind)
}

func TestEngineNoSignalOutsideZone(t *testing.T) {
	e := newTestEngine(10_000)
	e.trendBias, e.h4Bias = BiasBullish, BiasBullish
	e.zoneSet = []*Zone{{ID: "z1", Direction: BiasBullish, Low: 90, High: 92, CreatedAt: time.Now()}}

	view := smcView(101)
	view.Candles[tfEntry] = engulfingEntry()

	_, ok := e.generateSignal(view, 101)
	assert.False(t, ok)
}

func TestEngineNoSignalWithoutAlignment(t *testing.T) {
	e := newTestEngine(10_000)
	e.trendBias, e.h4Bias = BiasBullish, BiasBearish
	e.zoneSet = []*Zone{{ID: "z1", Direction: BiasBullish, Low: 98, High: 102, CreatedAt: time.Now()}}

	view := smcView(101)
	view.Candles[tfEntry] = engulfingEntry()

	_, ok := e.generateSignal(view, 101)
	assert.False(t, ok)
}

func TestEngineQualityFloorRejectsWeakPattern(t *testing.T) {
	cfg := Config{MinQuality: 0.6}
	e := NewEngine(cfg, zerolog.Nop())
	e.SetCapital(10_000)
	e.trendBias, e.h4Bias = BiasBullish, BiasBullish
	e.zoneSet = []*Zone{{ID: "z1", Direction: BiasBullish, Low: 98, High: 102, CreatedAt: time.Now()}}

	view := smcView(101)
	view.Candles[tfEntry] = engulfingEntry() // quality 0.52

	_, ok := e.generateSignal(view, 101)
	assert.False(t, ok)
}

func TestEnginePartialLadderAndRunnerStop(t *testing.T) {
	e := newTestEngine(10_000)
	sig := Signal{
		ID: "s1", Direction: BiasBullish,
		Entry: 100, Stop: 98, Target: 110,
	}
	e.pos = &position{
		Signal:  sig,
		Amount:  decimal.NewFromInt(1),
		Initial: decimal.NewFromInt(1),
		Stop:    98,
	}

	// Below the first 1.5R rung nothing happens.
	assert.Empty(t, e.managePosition(smcView(102)))

	// 1.5R (103) sells half and moves the runner's stop to entry.
	first := e.managePosition(smcView(103))
	require.Len(t, first, 1)
	assert.Equal(t, exchange.SideSell, first[0].Side)
	assert.True(t, first[0].Amount.Equal(decimal.NewFromFloat(0.5)))
	assert.Equal(t, 100.0, e.pos.Stop)
	assert.Equal(t, 1, e.pos.PartialIx)

	// 2.5R (105) scales out another 30% of the initial size.
	second := e.managePosition(smcView(105))
	require.Len(t, second, 1)
	assert.True(t, second[0].Amount.Equal(decimal.NewFromFloat(0.3)))
	assert.Equal(t, 2, e.pos.PartialIx)

	// The runner stops out at breakeven as a stop-loss exit.
	exits := e.managePosition(smcView(99.9))
	require.Len(t, exits, 1)
	assert.Equal(t, exchange.RoleStopLoss, exits[0].Role)
	assert.True(t, exits[0].Amount.Equal(decimal.NewFromFloat(0.2)))
}

func TestEngineTargetClosesPosition(t *testing.T) {
	e := newTestEngine(10_000)
	e.pos = &position{
		Signal:  Signal{ID: "s1", Direction: BiasBullish, Entry: 100, Stop: 98, Target: 105},
		Amount:  decimal.NewFromInt(1),
		Initial: decimal.NewFromInt(1),
		Stop:    98,
	}

	exits := e.managePosition(smcView(105))
	require.Len(t, exits, 1)
	assert.Equal(t, exchange.RoleTakeProfit, exits[0].Role)

	var gotPnl float64
	e.PositionClosed = func(sig Signal, exitPrice, pnl float64, reason string) { gotPnl = pnl }
	fill := exchange.Order{
		Side:         exchange.SideSell,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromInt(105),
		Filled:       decimal.NewFromInt(1),
		Role:         exchange.RoleTakeProfit,
		Tag:          "smc-exit:s1",
	}
	_, err := e.OnOrderFilled(fill, smcView(105))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, gotPnl, 1e-9)
	assert.Nil(t, e.pos)
	assert.False(t, e.Busy())
}

func TestEngineEntryFillOpensPosition(t *testing.T) {
	e := newTestEngine(10_000)
	e.active = &Signal{ID: "s1", Direction: BiasBullish, Entry: 101, Stop: 97.6, Target: 109.5}

	fill := exchange.Order{
		Side:         exchange.SideBuy,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromFloat(101.2),
		Filled:       decimal.NewFromInt(1),
		Role:         exchange.RoleBaseOrder,
		Tag:          "smc:s1",
	}
	_, err := e.OnOrderFilled(fill, smcView(101.2))
	require.NoError(t, err)

	require.NotNil(t, e.pos)
	assert.Equal(t, 101.2, e.pos.Signal.Entry)
	assert.True(t, e.pos.Amount.Equal(decimal.NewFromInt(1)))
	assert.True(t, e.Busy())
}

func TestEngineFailedEntryClearsSignal(t *testing.T) {
	e := newTestEngine(10_000)
	e.active = &Signal{ID: "s1", Direction: BiasBullish, Entry: 101, Stop: 97.6}

	in := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeMarket, decimal.Zero, decimal.NewFromInt(1), exchange.RoleBaseOrder)
	e.OnIntentFailed(in, errors.New("stale"))
	assert.Nil(t, e.ActiveSignal())
	assert.False(t, e.Busy())
}

func TestEngineCancelledEntryClearsSignal(t *testing.T) {
	e := newTestEngine(10_000)
	e.active = &Signal{ID: "s1", Direction: BiasBullish}

	e.OnOrderCancelled(exchange.Order{Role: exchange.RoleBaseOrder, Status: exchange.StatusCancelled})
	assert.Nil(t, e.ActiveSignal())
}

func TestEngineStructureBreakInvalidatesZoneCache(t *testing.T) {
	e := newTestEngine(10_000)
	now := time.Now()

	h4 := bullishStructure()
	view := smcView(100)
	view.Now = now
	view.Candles[tfTrend] = bullishStructure()
	view.Candles[tfStructure] = h4
	view.Candles[tfZones] = flatCandles(60)
	view.Candles[tfEntry] = engulfingEntry()

	e.refreshAnalysis(view, 100)
	firstAnalysis := e.lastAnalysis
	assert.Equal(t, now, firstAnalysis)

	// Within the cache window and without an event the analysis is
	// reused.
	view.Now = now.Add(time.Minute)
	e.refreshAnalysis(view, 100)
	assert.Equal(t, firstAnalysis, e.lastAnalysis)

	// A break of structure on the next tick bypasses the cache window.
	broken := bullishStructure()
	broken[59].Close = 110
	view.Candles[tfStructure] = broken
	view.Now = now.Add(2 * time.Minute)
	e.refreshAnalysis(view, 100)
	assert.Equal(t, view.Now, e.lastAnalysis)
	assert.Equal(t, EventBOS, e.lastH4Event)
}

func TestEngineSnapshotRestore(t *testing.T) {
	e := newTestEngine(10_000)
	e.trendBias, e.h4Bias = BiasBullish, BiasBullish
	e.zoneSet = []*Zone{{ID: "z1", Direction: BiasBullish, Low: 98, High: 102, CreatedAt: time.Now().UTC()}}
	e.pos = &position{
		Signal:  Signal{ID: "s1", Direction: BiasBullish, Entry: 100, Stop: 98, Target: 105},
		Amount:  decimal.NewFromInt(1),
		Initial: decimal.NewFromInt(1),
		Stop:    98,
	}

	raw, err := e.Snapshot()
	require.NoError(t, err)

	restored := NewEngine(Config{}, zerolog.Nop())
	require.NoError(t, restored.Restore(raw))
	assert.Equal(t, BiasBullish, restored.trendBias)
	require.Len(t, restored.zoneSet, 1)
	require.NotNil(t, restored.pos)
	assert.Equal(t, "s1", restored.pos.Signal.ID)
	assert.True(t, restored.Busy())
}

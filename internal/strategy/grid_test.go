package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

func testView(price float64) MarketView {
	return MarketView{
		Symbol: "BTCUSDT",
		Price:  decimal.NewFromFloat(price),
		Instrument: exchange.Instrument{
			Symbol:    "BTCUSDT",
			BaseCoin:  "BTC",
			QuoteCoin: "USDT",
			TickSize:  decimal.NewFromFloat(0.01),
			QtyStep:   decimal.NewFromFloat(0.001),
		},
		Now: time.Now(),
	}
}

func defaultGridConfig() GridConfig {
	return GridConfig{
		UpperPrice:    105,
		LowerPrice:    95,
		Levels:        10,
		QuotePerLevel: 95,
		ProfitMargin:  0.01,
		Distribution:  DistArithmetic,
	}
}

func TestGridConfigValidate(t *testing.T) {
	cfg := defaultGridConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Levels = 1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Levels = 101
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.LowerPrice = 105
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.QuotePerLevel = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Distribution = "triangular"
	assert.Error(t, bad.Validate())
}

func TestGridInitializePartitionsLadder(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	intents, err := g.Evaluate(testView(100))
	require.NoError(t, err)
	require.Len(t, intents, 10)

	buys, sells := 0, 0
	for _, in := range intents {
		assert.Equal(t, IntentPlace, in.Kind)
		assert.Equal(t, exchange.OrderTypeLimit, in.Type)
		switch in.Side {
		case exchange.SideBuy:
			buys++
			assert.Equal(t, exchange.RoleGridBuy, in.Role)
			assert.True(t, in.Price.LessThan(decimal.NewFromInt(100)))
		case exchange.SideSell:
			sells++
			assert.Equal(t, exchange.RoleGridSell, in.Role)
			assert.True(t, in.Price.GreaterThan(decimal.NewFromInt(100)))
		}
	}
	assert.Equal(t, 5, buys)
	assert.Equal(t, 5, sells)
}

func TestGridLevelAtPriceIsSkipped(t *testing.T) {
	cfg := defaultGridConfig()
	cfg.Levels = 2 // ladder is exactly [95, 105]
	g := NewGrid(cfg, zerolog.Nop())

	intents, err := g.Evaluate(testView(95))
	require.NoError(t, err)
	// The level sitting at the market price places nothing.
	require.Len(t, intents, 1)
	assert.Equal(t, exchange.SideSell, intents[0].Side)
}

func TestGridTwoLevelBoundary(t *testing.T) {
	cfg := defaultGridConfig()
	cfg.Levels = 2
	g := NewGrid(cfg, zerolog.Nop())

	intents, err := g.Evaluate(testView(100))
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, exchange.SideBuy, intents[0].Side)
	assert.Equal(t, "95", intents[0].Price.String())
	assert.Equal(t, exchange.SideSell, intents[1].Side)
	assert.Equal(t, "105", intents[1].Price.String())
}

func TestGridGeometricSpacing(t *testing.T) {
	cfg := defaultGridConfig()
	cfg.Distribution = DistGeometric
	g := NewGrid(cfg, zerolog.Nop())
	prices := g.levelPrices()
	require.Len(t, prices, 10)

	// Constant ratio between adjacent levels, endpoints pinned.
	first, _ := prices[0].Float64()
	last, _ := prices[9].Float64()
	assert.InDelta(t, 95, first, 1e-6)
	assert.InDelta(t, 105, last, 1e-6)
	r0, _ := prices[1].Div(prices[0]).Float64()
	r1, _ := prices[5].Div(prices[4]).Float64()
	assert.InDelta(t, r0, r1, 1e-9)
}

func TestGridBuyFillPlacesCounterSell(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	view := testView(100)
	_, err := g.Evaluate(view)
	require.NoError(t, err)

	fill := exchange.Order{
		Side:         exchange.SideBuy,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromInt(95),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-0",
	}
	intents, err := g.OnOrderFilled(fill, view)
	require.NoError(t, err)
	require.Len(t, intents, 1)

	counter := intents[0]
	assert.Equal(t, exchange.SideSell, counter.Side)
	assert.Equal(t, exchange.RoleGridSell, counter.Role)
	assert.Equal(t, "95.95", counter.Price.String())
	assert.True(t, counter.Amount.Equal(decimal.NewFromInt(1)))
	assert.True(t, g.Busy())
}

func TestGridCycleCloseRealizesSpread(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	var closed []GridCycle
	g.CycleClosed = func(c GridCycle) { closed = append(closed, c) }

	view := testView(100)
	_, err := g.Evaluate(view)
	require.NoError(t, err)

	buy := exchange.Order{
		Side:         exchange.SideBuy,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromInt(95),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-0",
	}
	_, err = g.OnOrderFilled(buy, view)
	require.NoError(t, err)

	sell := exchange.Order{
		Side:         exchange.SideSell,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromFloat(95.95),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-0",
	}
	rearm, err := g.OnOrderFilled(sell, view)
	require.NoError(t, err)

	require.Len(t, closed, 1)
	// Spread 0.95 minus 0.1% taker fee on both legs (190.95 * 0.001).
	pnl, _ := closed[0].RealizedPnL.Float64()
	assert.InDelta(t, 0.95-0.19095, pnl, 1e-9)
	assert.False(t, g.Busy())

	// The level re-arms its original resting buy below the market.
	require.Len(t, rearm, 1)
	assert.Equal(t, exchange.SideBuy, rearm[0].Side)
	assert.Equal(t, "95", rearm[0].Price.String())
}

func TestGridSellInitialCycleClosesOnBuyBack(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	var closed []GridCycle
	g.CycleClosed = func(c GridCycle) { closed = append(closed, c) }

	view := testView(100)
	_, err := g.Evaluate(view)
	require.NoError(t, err)

	// Ladder-initial sell at the top level fills.
	sell := exchange.Order{
		Side:         exchange.SideSell,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromInt(105),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-9",
	}
	intents, err := g.OnOrderFilled(sell, view)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	counter := intents[0]
	assert.Equal(t, exchange.SideBuy, counter.Side)
	assert.Equal(t, "103.95", counter.Price.String())
	assert.True(t, g.Busy())

	// The counter-buy fills and realizes a positive spread.
	buy := exchange.Order{
		Side:         exchange.SideBuy,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromFloat(103.95),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-9",
	}
	_, err = g.OnOrderFilled(buy, view)
	require.NoError(t, err)

	require.Len(t, closed, 1)
	pnl, _ := closed[0].RealizedPnL.Float64()
	assert.Greater(t, pnl, 0.0)
	assert.False(t, g.Busy())
}

func TestGridHalfOpenCounterRetries(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	view := testView(100)
	_, err := g.Evaluate(view)
	require.NoError(t, err)

	buy := exchange.Order{
		Side:         exchange.SideBuy,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromInt(95),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-0",
	}
	counters, err := g.OnOrderFilled(buy, view)
	require.NoError(t, err)
	require.Len(t, counters, 1)

	// The counter-sell bounces on insufficient balance. The cycle stays
	// open and the next tick retries the same order.
	g.OnIntentFailed(counters[0], exchange.NewError(exchange.KindInsufficient, "place", errors.New("balance")))
	assert.True(t, g.Busy())

	retried, err := g.Evaluate(view)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, exchange.SideSell, retried[0].Side)
	assert.Equal(t, "95.95", retried[0].Price.String())
}

func TestGridLadderPlacementFailureGoesIdle(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	view := testView(100)
	intents, err := g.Evaluate(view)
	require.NoError(t, err)

	g.OnIntentFailed(intents[0], exchange.NewError(exchange.KindInvalidOrder, "place", errors.New("bad qty")))
	assert.Equal(t, levelIdle, g.levels[0].State)
}

func TestGridExternalCancelGoesIdle(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	view := testView(100)
	_, err := g.Evaluate(view)
	require.NoError(t, err)

	g.OnOrderPlaced(exchange.Order{LocalID: "abc", Tag: "level-0"})
	assert.Equal(t, "abc", g.levels[0].LocalID)

	followups := g.OnOrderCancelled(exchange.Order{LocalID: "abc", Tag: "level-0", Status: exchange.StatusCancelled})
	assert.Empty(t, followups)
	assert.Equal(t, levelIdle, g.levels[0].State)
	assert.Empty(t, g.levels[0].LocalID)
}

func TestGridCancelledCounterSellRePlaces(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	view := testView(100)
	_, err := g.Evaluate(view)
	require.NoError(t, err)

	buy := exchange.Order{
		Side:         exchange.SideBuy,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromInt(95),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-0",
	}
	counters, err := g.OnOrderFilled(buy, view)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, g.levels[0].CycleID, counters[0].CycleID)
	g.OnOrderPlaced(exchange.Order{LocalID: "cs-1", Tag: "level-0"})

	// The counter-sell is cancelled externally. The cycle stays open and
	// the next tick re-places the same sell instead of stranding the
	// inventory.
	followups := g.OnOrderCancelled(exchange.Order{LocalID: "cs-1", Tag: "level-0", Status: exchange.StatusCancelled})
	assert.Empty(t, followups)
	assert.True(t, g.Busy())

	retried, err := g.Evaluate(view)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, exchange.SideSell, retried[0].Side)
	assert.Equal(t, "95.95", retried[0].Price.String())
	assert.Equal(t, g.levels[0].CycleID, retried[0].CycleID)
}

func TestGridCancelledCounterBuyRePlaces(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	view := testView(100)
	_, err := g.Evaluate(view)
	require.NoError(t, err)

	sell := exchange.Order{
		Side:         exchange.SideSell,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromInt(105),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-9",
	}
	counters, err := g.OnOrderFilled(sell, view)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	require.Equal(t, exchange.SideBuy, counters[0].Side)
	g.OnOrderPlaced(exchange.Order{LocalID: "cb-1", Tag: "level-9"})

	g.OnOrderCancelled(exchange.Order{LocalID: "cb-1", Tag: "level-9", Status: exchange.StatusCancelled})
	assert.True(t, g.Busy())

	retried, err := g.Evaluate(view)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, exchange.SideBuy, retried[0].Side)
	assert.Equal(t, "103.95", retried[0].Price.String())
	assert.Equal(t, g.levels[9].CycleID, retried[0].CycleID)
}

func TestGridSnapshotRestore(t *testing.T) {
	g := NewGrid(defaultGridConfig(), zerolog.Nop())
	view := testView(100)
	_, err := g.Evaluate(view)
	require.NoError(t, err)

	buy := exchange.Order{
		Side:         exchange.SideBuy,
		Status:       exchange.StatusClosed,
		AvgFillPrice: decimal.NewFromInt(95),
		Filled:       decimal.NewFromInt(1),
		Tag:          "level-0",
	}
	_, err = g.OnOrderFilled(buy, view)
	require.NoError(t, err)

	raw, err := g.Snapshot()
	require.NoError(t, err)

	restored := NewGrid(defaultGridConfig(), zerolog.Nop())
	require.NoError(t, restored.Restore(raw))
	assert.True(t, restored.Busy())
	assert.Equal(t, levelSellOpen, restored.levels[0].State)
	assert.Equal(t, "95", restored.levels[0].BuyPrice.String())

	// Restored engines do not relay the ladder.
	intents, err := restored.Evaluate(view)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestGridTrailingShiftRecentersWindow(t *testing.T) {
	cfg := defaultGridConfig()
	cfg.TrailingShift = true
	cfg.TrailingCooldown = time.Minute
	g := NewGrid(cfg, zerolog.Nop())

	start := time.Now()
	view := testView(100)
	view.Now = start
	_, err := g.Evaluate(view)
	require.NoError(t, err)
	for i := range g.levels {
		g.OnOrderPlaced(exchange.Order{LocalID: levelTag(i) + "-id", Tag: levelTag(i)})
	}

	// Price escapes above the range. First sighting only starts the clock.
	out := testView(120)
	out.Now = start.Add(time.Second)
	intents, err := g.Evaluate(out)
	require.NoError(t, err)
	assert.Empty(t, intents)

	// Past the cooldown the window recenters and every resting order is
	// cancelled.
	out.Now = start.Add(2 * time.Minute)
	intents, err = g.Evaluate(out)
	require.NoError(t, err)
	require.Len(t, intents, 10)
	for _, in := range intents {
		assert.Equal(t, IntentCancel, in.Kind)
	}
	assert.InDelta(t, 115, g.cfg.LowerPrice, 1e-9)
	assert.InDelta(t, 125, g.cfg.UpperPrice, 1e-9)

	// Next tick re-lays the ladder inside the new window.
	relaid, err := g.Evaluate(out)
	require.NoError(t, err)
	assert.Len(t, relaid, 10)
}

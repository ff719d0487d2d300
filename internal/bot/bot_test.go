package bot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdle/bybit-multistrat-bot/internal/events"
	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/market"
	"github.com/quangdle/bybit-multistrat-bot/internal/regime"
	"github.com/quangdle/bybit-multistrat-bot/internal/risk"
	"github.com/quangdle/bybit-multistrat-bot/internal/state"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
)

// fakeStrategy records every callback and answers fills through onFill.
type fakeStrategy struct {
	mu      sync.Mutex
	name    string
	placed  []exchange.Order
	fills   []exchange.Order
	cancels []exchange.Order
	failed  []strategy.Intent
	onFill  func(o exchange.Order) []strategy.Intent
}

func (f *fakeStrategy) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeStrategy) Timeframes() []string { return nil }

func (f *fakeStrategy) Evaluate(strategy.MarketView) ([]strategy.Intent, error) { return nil, nil }

func (f *fakeStrategy) OnOrderPlaced(o exchange.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, o)
}

func (f *fakeStrategy) OnOrderFilled(o exchange.Order, _ strategy.MarketView) ([]strategy.Intent, error) {
	f.mu.Lock()
	f.fills = append(f.fills, o)
	cb := f.onFill
	f.mu.Unlock()
	if cb != nil {
		return cb(o), nil
	}
	return nil, nil
}

func (f *fakeStrategy) OnOrderCancelled(o exchange.Order) []strategy.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, o)
	return nil
}

func (f *fakeStrategy) OnIntentFailed(in strategy.Intent, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, in)
}

func (f *fakeStrategy) Snapshot() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

func (f *fakeStrategy) Restore(json.RawMessage) error { return nil }

func (f *fakeStrategy) counts() (placed, fills, cancels, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed), len(f.fills), len(f.cancels), len(f.failed)
}

func testInstrument() exchange.Instrument {
	return exchange.Instrument{
		Symbol:    "BTCUSDT",
		BaseCoin:  "BTC",
		QuoteCoin: "USDT",
		TickSize:  decimal.NewFromFloat(0.01),
		QtyStep:   decimal.NewFromFloat(0.001),
	}
}

type harness struct {
	bot   *Bot
	paper *exchange.PaperExchange
	strat *fakeStrategy
	store *state.Store
	bus   *events.Bus
	risk  *risk.Manager

	mu       sync.Mutex
	rejected []string
}

func newHarness(t *testing.T, strat *fakeStrategy, riskCfg risk.Config) *harness {
	t.Helper()

	paper := exchange.NewPaperExchange(testInstrument(), 10_000)
	paper.FeedPrice(decimal.NewFromInt(100))

	store, err := state.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	h := &harness{paper: paper, strat: strat, store: store, bus: bus}
	bus.Subscribe(events.SignalRejected, func(ev events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.rejected = append(h.rejected, ev.Data["reason"].(string))
	})

	h.risk = risk.NewManager(riskCfg, 10_000, zerolog.Nop())
	b, err := New(Options{
		Name:       "test-bot",
		Symbol:     "BTCUSDT",
		Strategies: []strategy.Strategy{strat},
		Exchange:   paper,
		Feed:       market.NewFeed(paper, "BTCUSDT", time.Nanosecond, time.Nanosecond),
		Store:      store,
		Bus:        bus,
		Risk:       h.risk,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	h.bot = b
	return h
}

func (h *harness) rejections() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.rejected...)
}

func (h *harness) view(t *testing.T) strategy.MarketView {
	t.Helper()
	price, err := h.bot.opts.Feed.Price(context.Background())
	require.NoError(t, err)
	view, err := h.bot.buildView(context.Background(), price)
	require.NoError(t, err)
	return view
}

func (h *harness) openOrders(t *testing.T) []exchange.Order {
	t.Helper()
	open, err := h.paper.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	return open
}

func TestExecuteIntentsPlacesRestingOrder(t *testing.T) {
	strat := &fakeStrategy{}
	h := newHarness(t, strat, risk.Config{})

	in := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit,
		decimal.NewFromInt(95), decimal.NewFromFloat(0.1), exchange.RoleGridBuy)
	in.Tag = "level-0"

	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{in}), h.view(t))

	open := h.openOrders(t)
	require.Len(t, open, 1)
	assert.True(t, open[0].Price.Equal(decimal.NewFromInt(95)))

	placed, _, _, _ := strat.counts()
	require.Equal(t, 1, placed)
	assert.Equal(t, exchange.RoleGridBuy, strat.placed[0].Role)
	assert.Equal(t, "level-0", strat.placed[0].Tag)
	assert.Contains(t, h.bot.orders, strat.placed[0].LocalID)
}

func TestStaleSignalRejectedWithoutSideEffects(t *testing.T) {
	strat := &fakeStrategy{}
	h := newHarness(t, strat, risk.Config{MaxDailyLoss: 100})

	// Computed against 90 with the market at 100: 10% drift, far past
	// the 2% tolerance.
	in := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit,
		decimal.NewFromInt(90), decimal.NewFromFloat(0.1), exchange.RoleGridBuy)
	in.RefPrice = decimal.NewFromInt(90)

	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{in}), h.view(t))

	assert.Empty(t, h.openOrders(t))
	_, _, _, failed := strat.counts()
	assert.Equal(t, 1, failed)
	assert.Zero(t, h.risk.DailyLoss())

	require.Eventually(t, func() bool {
		return len(h.rejections()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "stale", h.rejections()[0])
}

func TestRiskDeniedIntentFeedsBackToStrategy(t *testing.T) {
	strat := &fakeStrategy{}
	h := newHarness(t, strat, risk.Config{MaxPositionSize: 50})

	in := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit,
		decimal.NewFromInt(95), decimal.NewFromInt(1), exchange.RoleGridBuy)

	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{in}), h.view(t))

	assert.Empty(t, h.openOrders(t))
	_, _, _, failed := strat.counts()
	assert.Equal(t, 1, failed)

	require.Eventually(t, func() bool {
		return len(h.rejections()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "risk_denied", h.rejections()[0])
}

func TestRegimeFilterGatesGridEntriesOnly(t *testing.T) {
	strat := &fakeStrategy{name: "grid"}
	h := newHarness(t, strat, risk.Config{})
	h.bot.opts.RegimeFilter = true
	h.bot.mu.Lock()
	h.bot.regimeType = regime.TrendingUp
	h.bot.mu.Unlock()

	entry := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit,
		decimal.NewFromInt(95), decimal.NewFromFloat(0.1), exchange.RoleGridBuy)
	entry.Tag = "level-0"
	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{entry}), h.view(t))

	assert.Empty(t, h.openOrders(t))
	_, _, _, failed := strat.counts()
	assert.Equal(t, 1, failed)
	require.Eventually(t, func() bool {
		return len(h.rejections()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "regime_filter", h.rejections()[0])

	// An order unwinding an open cycle passes regardless of regime.
	counter := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit,
		decimal.NewFromInt(94), decimal.NewFromFloat(0.1), exchange.RoleGridBuy)
	counter.Tag = "level-1"
	counter.CycleID = "cycle-1"
	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{counter}), h.view(t))

	open := h.openOrders(t)
	require.Len(t, open, 1)
	assert.True(t, open[0].Price.Equal(decimal.NewFromInt(94)))
}

func TestPlacementFailurePublishesErrorKind(t *testing.T) {
	strat := &fakeStrategy{}
	h := newHarness(t, strat, risk.Config{})

	var mu sync.Mutex
	var kinds, localIDs []string
	h.bus.Subscribe(events.OrderError, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Data["error_kind"].(string))
		localIDs = append(localIDs, ev.Data["local_id"].(string))
	})

	// Selling base inventory the paper account does not hold.
	in := strategy.PlaceIntent(exchange.SideSell, exchange.OrderTypeLimit,
		decimal.NewFromInt(110), decimal.NewFromFloat(0.1), exchange.RoleGridSell)
	in.CycleID = "cycle-1"
	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{in}), h.view(t))

	_, _, _, failed := strat.counts()
	assert.Equal(t, 1, failed)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "insufficient", kinds[0])
	assert.NotEmpty(t, localIDs[0])
}

func TestSignalGeneratedCarriesTradePlan(t *testing.T) {
	strat := &fakeStrategy{}
	h := newHarness(t, strat, risk.Config{})

	var mu sync.Mutex
	var signals []map[string]interface{}
	h.bus.Subscribe(events.SignalGenerated, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		signals = append(signals, ev.Data)
	})

	in := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeMarket,
		decimal.Zero, decimal.NewFromFloat(0.1), exchange.RoleBaseOrder)
	in.RefPrice = decimal.NewFromInt(100)
	in.Stop = decimal.NewFromInt(95)
	in.Targets = []decimal.Decimal{decimal.NewFromInt(110)}
	in.Confidence = 0.8
	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{in}), h.view(t))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(signals) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	sig := signals[0]
	assert.Equal(t, "buy", sig["direction"])
	assert.Equal(t, "100", sig["entry"])
	assert.Equal(t, "95", sig["sl"])
	assert.Equal(t, []string{"110"}, sig["tp"])
	assert.Equal(t, 0.8, sig["confidence"])
}

func TestMarketFillSettlesAndExecutesFollowups(t *testing.T) {
	strat := &fakeStrategy{}
	strat.onFill = func(o exchange.Order) []strategy.Intent {
		if o.Side != exchange.SideBuy {
			return nil
		}
		counter := strategy.PlaceIntent(exchange.SideSell, exchange.OrderTypeLimit,
			decimal.NewFromInt(105), o.Filled, exchange.RoleGridSell)
		return []strategy.Intent{counter}
	}
	h := newHarness(t, strat, risk.Config{})

	in := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeMarket,
		decimal.Zero, decimal.NewFromFloat(0.1), exchange.RoleGridBuy)

	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{in}), h.view(t))

	_, fills, _, _ := strat.counts()
	require.Equal(t, 1, fills)
	assert.True(t, strat.fills[0].AvgFillPrice.Equal(decimal.NewFromInt(100)))

	// The counter sell is resting; the filled buy is no longer tracked.
	open := h.openOrders(t)
	require.Len(t, open, 1)
	assert.Equal(t, exchange.SideSell, open[0].Side)
	assert.Len(t, h.bot.orders, 1)
}

func TestCancelIntentClearsTracking(t *testing.T) {
	strat := &fakeStrategy{}
	h := newHarness(t, strat, risk.Config{})

	in := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit,
		decimal.NewFromInt(95), decimal.NewFromFloat(0.1), exchange.RoleGridBuy)
	h.bot.executeIntents(context.Background(), withOwner(0, []strategy.Intent{in}), h.view(t))

	placed, _, _, _ := strat.counts()
	require.Equal(t, 1, placed)
	localID := strat.placed[0].LocalID

	h.bot.executeIntents(context.Background(),
		withOwner(0, []strategy.Intent{strategy.CancelIntent(localID)}), h.view(t))

	assert.Empty(t, h.openOrders(t))
	assert.Empty(t, h.bot.orders)
	_, _, cancels, _ := strat.counts()
	assert.Equal(t, 1, cancels)
}

func TestReconcileStartupReplaysDowntime(t *testing.T) {
	strat := &fakeStrategy{}
	strat.onFill = func(o exchange.Order) []strategy.Intent {
		if o.Role != exchange.RoleGridBuy {
			return nil
		}
		counter := strategy.PlaceIntent(exchange.SideSell, exchange.OrderTypeLimit,
			decimal.NewFromInt(105), o.Filled, exchange.RoleGridSell)
		return []strategy.Intent{counter}
	}
	h := newHarness(t, strat, risk.Config{})
	ctx := context.Background()

	// Three buys were resting when the previous process died.
	place := func(localID string, price float64) exchange.Order {
		o, err := h.paper.PlaceOrder(ctx, exchange.PlaceRequest{
			Symbol:  "BTCUSDT",
			Side:    exchange.SideBuy,
			Type:    exchange.OrderTypeLimit,
			Price:   decimal.NewFromFloat(price),
			Amount:  decimal.NewFromFloat(0.1),
			LocalID: localID,
		})
		require.NoError(t, err)
		o.Role = exchange.RoleGridBuy
		return o
	}
	a := place("order-a", 95)
	bOrd := place("order-b", 90)
	c := place("order-c", 85)

	require.NoError(t, h.store.SaveSnapshot(ctx, &state.Snapshot{
		Version:    1,
		BotName:    "test-bot",
		Symbol:     "BTCUSDT",
		Strategy:   "fake",
		State:      state.StateRunning,
		OpenOrders: []exchange.Order{a, bOrd, c},
	}))

	// While down: A filled at 95, B was cancelled externally.
	h.paper.FeedPrice(decimal.NewFromInt(94))
	_, err := h.paper.CancelOrder(ctx, "BTCUSDT", bOrd.ExchangeID)
	require.NoError(t, err)

	require.NoError(t, h.bot.restore(ctx))
	require.NoError(t, h.bot.reconcileStartup(ctx))

	_, fills, cancels, _ := strat.counts()
	require.Equal(t, 1, fills)
	assert.Equal(t, "order-a", strat.fills[0].LocalID)
	assert.True(t, strat.fills[0].AvgFillPrice.Equal(decimal.NewFromInt(95)))
	require.Equal(t, 1, cancels)
	assert.Equal(t, "order-b", strat.cancels[0].LocalID)

	// C plus the retroactive counter sell are live; A and B are gone
	// from local tracking.
	open := h.openOrders(t)
	assert.Len(t, open, 2)
	assert.Contains(t, h.bot.orders, "order-c")
	assert.NotContains(t, h.bot.orders, "order-a")
	assert.NotContains(t, h.bot.orders, "order-b")

	// Replaying against an unchanged exchange view is a no-op.
	require.NoError(t, h.bot.reconcileTick(ctx))
	_, fills2, cancels2, _ := strat.counts()
	assert.Equal(t, fills, fills2)
	assert.Equal(t, cancels, cancels2)
	assert.Len(t, h.openOrders(t), 2)
}

func TestReconcileTickDetectsExternalFill(t *testing.T) {
	strat := &fakeStrategy{}
	h := newHarness(t, strat, risk.Config{})
	ctx := context.Background()

	in := strategy.PlaceIntent(exchange.SideBuy, exchange.OrderTypeLimit,
		decimal.NewFromInt(95), decimal.NewFromFloat(0.1), exchange.RoleGridBuy)
	h.bot.executeIntents(ctx, withOwner(0, []strategy.Intent{in}), h.view(t))
	require.Len(t, h.bot.orders, 1)

	h.paper.FeedPrice(decimal.NewFromInt(94))
	require.NoError(t, h.bot.reconcileTick(ctx))

	_, fills, _, _ := strat.counts()
	assert.Equal(t, 1, fills)
	assert.Empty(t, h.bot.orders)
}

// busyFake reports configurable exposure so switch handling can be
// driven through both branches.
type busyFake struct {
	fakeStrategy
	busy bool
}

func (f *busyFake) Busy() bool { return f.busy }

func TestSwitchStrategyRetainsDrainingEngine(t *testing.T) {
	drainer := &busyFake{fakeStrategy: fakeStrategy{name: "drainer"}, busy: true}
	h := newHarness(t, &fakeStrategy{}, risk.Config{})
	h.bot.opts.Strategies = []strategy.Strategy{drainer}

	// One live order owned by the drainer.
	h.bot.orders["ord-1"] = exchange.Order{LocalID: "ord-1", Status: exchange.StatusOpen}
	h.bot.owners["ord-1"] = 0

	h.bot.SwitchStrategy(&fakeStrategy{name: "second"})
	require.Len(t, h.bot.opts.Strategies, 2)
	assert.Equal(t, "second", h.bot.opts.Strategies[0].Name())
	assert.Equal(t, "drainer", h.bot.opts.Strategies[1].Name())
	assert.Equal(t, 1, h.bot.owners["ord-1"])

	// A second switch drops the idle incumbent but keeps the drainer, so
	// repeated switches never stack engines.
	h.bot.SwitchStrategy(&fakeStrategy{name: "third"})
	require.Len(t, h.bot.opts.Strategies, 2)
	assert.Equal(t, "third", h.bot.opts.Strategies[0].Name())
	assert.Equal(t, "drainer", h.bot.opts.Strategies[1].Name())
	assert.Equal(t, 1, h.bot.owners["ord-1"])

	// Once the drainer is flat the next switch collapses to one engine.
	drainer.busy = false
	h.bot.SwitchStrategy(&fakeStrategy{name: "fourth"})
	require.Len(t, h.bot.opts.Strategies, 1)
	assert.Equal(t, "fourth", h.bot.opts.Strategies[0].Name())
	assert.Equal(t, 0, h.bot.owners["ord-1"])
}

func TestRegistryRejectsLiveDuplicate(t *testing.T) {
	strat := &fakeStrategy{}
	h1 := newHarness(t, strat, risk.Config{})
	h2 := newHarness(t, &fakeStrategy{}, risk.Config{})

	r := NewRegistry()
	require.NoError(t, r.Register(h1.bot))
	require.Error(t, r.Register(h2.bot))

	// A stopped predecessor is replaceable.
	h1.bot.mu.Lock()
	h1.bot.st = state.StateStopped
	h1.bot.mu.Unlock()
	require.NoError(t, r.Register(h2.bot))

	got, ok := r.Get("test-bot")
	require.True(t, ok)
	assert.Same(t, h2.bot, got)
}

package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/capital"
	"github.com/quangdle/bybit-multistrat-bot/internal/events"
	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/market"
	"github.com/quangdle/bybit-multistrat-bot/internal/monitoring"
	"github.com/quangdle/bybit-multistrat-bot/internal/regime"
	"github.com/quangdle/bybit-multistrat-bot/internal/risk"
	"github.com/quangdle/bybit-multistrat-bot/internal/state"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy/smc"
	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// Loop cadences and budgets.
const (
	defaultTickInterval       = time.Second
	defaultRegimeInterval     = time.Minute
	defaultCheckpointInterval = 30 * time.Second
	defaultAdapterTimeout     = 15 * time.Second
	defaultStoreTimeout       = 5 * time.Second
	defaultCandleLimit        = 200

	tickWarnBudget = 900 * time.Millisecond
	tickDropBudget = 2 * time.Second
	maxMissedTicks = 5

	// Reference-price drift beyond which a signal is stale.
	stalenessTolerance = 0.02

	// Identical invalid-order failures tolerated before ERROR.
	maxInvalidRepeats = 3
)

// Options wires one bot's collaborators.
type Options struct {
	Name   string
	Symbol string

	Strategies []strategy.Strategy // one, or two for hybrid
	Exchange   exchange.Exchange
	Feed       *market.Feed
	Store      *state.Store
	Bus        *events.Bus
	Risk       *risk.Manager
	Capital    *capital.Manager // optional
	Metrics    *monitoring.Metrics
	Logger     zerolog.Logger

	RegimeFilter       bool
	CancelOnStop       bool
	FlattenOnEmergency bool
	ResumePhaseTimer   bool // default true: resume the capital phase timer from the snapshot

	TickInterval       time.Duration
	RegimeInterval     time.Duration
	CheckpointInterval time.Duration
	CandleLimit        int
}

// Bot is the per-symbol orchestrator. The loop is single-threaded: at
// any instant exactly one step runs for this bot. Public lifecycle
// methods only flip flags and post commands; the loop observes them at
// its suspension points.
type Bot struct {
	opts   Options
	logger zerolog.Logger

	detector *regime.Detector

	mu         sync.Mutex
	st         state.BotState
	lastErr    string
	regimeType regime.Type
	orders     map[string]exchange.Order // locally-live orders by local id
	owners     map[string]int            // local id -> strategy index
	paused     bool

	cancel context.CancelFunc
	done   chan struct{}

	lastRegimeAt     time.Time
	lastCheckpointAt time.Time
	lastDailyResetAt time.Time
	missedTicks      int
	invalidRepeats   map[string]int
}

// New builds a bot from options. Call Start to run it.
func New(opts Options) (*Bot, error) {
	if opts.Name == "" || opts.Symbol == "" {
		return nil, fmt.Errorf("bot: name and symbol are required")
	}
	if len(opts.Strategies) == 0 || len(opts.Strategies) > 2 {
		return nil, fmt.Errorf("bot %s: needs one or two strategies, got %d", opts.Name, len(opts.Strategies))
	}
	if opts.Exchange == nil || opts.Feed == nil || opts.Store == nil || opts.Bus == nil || opts.Risk == nil {
		return nil, fmt.Errorf("bot %s: missing a required collaborator", opts.Name)
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.RegimeInterval == 0 {
		opts.RegimeInterval = defaultRegimeInterval
	}
	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = defaultCheckpointInterval
	}
	if opts.CandleLimit == 0 {
		opts.CandleLimit = defaultCandleLimit
	}

	b := &Bot{
		opts:           opts,
		logger:         opts.Logger.With().Str("bot", opts.Name).Str("symbol", opts.Symbol).Logger(),
		detector:       regime.NewDetector(),
		st:             state.StateInitializing,
		regimeType:     regime.Unknown,
		orders:         make(map[string]exchange.Order),
		owners:         make(map[string]int),
		invalidRepeats: make(map[string]int),
		done:           make(chan struct{}),
	}
	b.wireEngines()
	return b, nil
}

// wireEngines hooks the engines' close callbacks into risk, capital,
// the trade history and the event bus.
func (b *Bot) wireEngines() {
	for _, s := range b.opts.Strategies {
		switch e := s.(type) {
		case *strategy.Grid:
			e.CycleClosed = func(c strategy.GridCycle) {
				pnl, _ := c.RealizedPnL.Float64()
				b.onRealized(pnl, state.TradeRecord{
					BotName:     b.opts.Name,
					DealID:      c.ID,
					Symbol:      b.opts.Symbol,
					Side:        string(exchange.SideSell),
					Price:       c.SellPrice,
					Amount:      c.Amount,
					RealizedPnL: c.RealizedPnL,
					CloseReason: "grid_cycle",
				})
			}
		case *strategy.DCA:
			e.DealClosed = func(cd strategy.ClosedDeal) {
				pnl := cd.ClosePrice.Sub(cd.Deal.AvgEntry()).Mul(cd.Deal.BaseAmount)
				f, _ := pnl.Float64()
				b.onRealized(f, state.TradeRecord{
					BotName:     b.opts.Name,
					DealID:      cd.Deal.ID,
					Symbol:      b.opts.Symbol,
					Side:        string(exchange.SideSell),
					Price:       cd.ClosePrice,
					Amount:      cd.Deal.BaseAmount,
					RealizedPnL: pnl,
					CloseReason: cd.CloseReason,
				})
				b.publish(events.DealClosed, map[string]interface{}{
					"deal_id":      cd.Deal.ID,
					"close_reason": cd.CloseReason,
					"realized_pct": cd.RealizedPct,
				})
			}
		case *strategy.Trend:
			e.PositionClosed = func(pos strategy.TrendPosition, exitPrice, pnl float64, reason string) {
				b.onRealized(pnl, state.TradeRecord{
					BotName:     b.opts.Name,
					DealID:      pos.ID,
					Symbol:      b.opts.Symbol,
					Side:        string(pos.Direction.Opposite()),
					Price:       decimal.NewFromFloat(exitPrice),
					Amount:      pos.Amount,
					RealizedPnL: decimal.NewFromFloat(pnl),
					CloseReason: reason,
				})
				b.publish(events.DealClosed, map[string]interface{}{
					"deal_id": pos.ID, "close_reason": reason, "pnl": pnl,
				})
			}
		case *smc.Engine:
			e.PositionClosed = func(sig smc.Signal, exitPrice, pnl float64, reason string) {
				b.onRealized(pnl, state.TradeRecord{
					BotName:     b.opts.Name,
					DealID:      sig.ID,
					Symbol:      b.opts.Symbol,
					Side:        string(exchange.SideSell),
					Price:       decimal.NewFromFloat(exitPrice),
					Amount:      decimal.Zero,
					RealizedPnL: decimal.NewFromFloat(pnl),
					CloseReason: reason,
				})
				b.publish(events.DealClosed, map[string]interface{}{
					"deal_id": sig.ID, "close_reason": reason, "pnl": pnl,
				})
			}
		}
	}
}

// onRealized folds one realized result into risk, capital, metrics and
// the trade history.
func (b *Bot) onRealized(pnl float64, rec state.TradeRecord) {
	b.opts.Risk.RecordFill(pnl)
	if b.opts.Capital != nil {
		b.opts.Capital.RecordTrade(pnl > 0, pnl)
	}
	if b.opts.Metrics != nil {
		b.opts.Metrics.ObservePnL(b.opts.Name, pnl)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultStoreTimeout)
	defer cancel()
	if err := b.opts.Store.RecordTrade(ctx, rec); err != nil {
		b.logger.Warn().Err(err).Msg("Trade history write failed")
	}
}

// Name returns the bot's unique name.
func (b *Bot) Name() string { return b.opts.Name }

// Symbol returns the traded market symbol.
func (b *Bot) Symbol() string { return b.opts.Symbol }

// State returns the lifecycle state.
func (b *Bot) State() state.BotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// Regime returns the last detected regime.
func (b *Bot) Regime() regime.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regimeType
}

func (b *Bot) setState(s state.BotState) {
	b.mu.Lock()
	from := b.st
	b.st = s
	b.mu.Unlock()
	if from == s {
		return
	}
	b.logger.Info().Str("from", string(from)).Str("to", string(s)).Msg("Bot state changed")
	if b.opts.Metrics != nil {
		b.opts.Metrics.SetBotState(b.opts.Name, string(s))
	}
	b.publish(events.BotStateChanged, map[string]interface{}{"from": string(from), "to": string(s)})
}

// Start loads the last snapshot, reconciles with the exchange, and
// launches the loop. No order is placed before reconciliation finishes.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.st == state.StateRunning {
		b.mu.Unlock()
		return fmt.Errorf("bot %s: already running", b.opts.Name)
	}
	b.mu.Unlock()
	b.setState(state.StateInitializing)

	if err := b.restore(ctx); err != nil {
		b.fail(fmt.Sprintf("restore failed: %v", err))
		return err
	}
	if err := b.reconcileStartup(ctx); err != nil {
		b.fail(fmt.Sprintf("startup reconciliation failed: %v", err))
		return err
	}

	if b.opts.Capital != nil {
		b.opts.Capital.StartPhase1()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.setState(state.StateRunning)
	go b.run(loopCtx)
	return nil
}

// Stop shuts the bot down gracefully: the loop drains, orders are
// cancelled per policy, and a final checkpoint is written.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.st != state.StateRunning && b.st != state.StatePaused {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
	}

	if b.opts.CancelOnStop {
		cctx, cancel := context.WithTimeout(context.Background(), defaultAdapterTimeout)
		defer cancel()
		if n, err := b.opts.Exchange.CancelAll(cctx, b.opts.Symbol); err != nil {
			b.logger.Warn().Err(err).Msg("Cancel-all on stop failed")
		} else if n > 0 {
			b.logger.Info().Int("cancelled", n).Msg("Open orders cancelled on stop")
		}
	}

	b.checkpoint(context.Background())
	b.setState(state.StateStopped)
	return nil
}

// Pause halts the decision phase; resting orders stay live and
// reconciliation keeps running.
func (b *Bot) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
	b.setState(state.StatePaused)
}

// Resume restarts the decision phase.
func (b *Bot) Resume() {
	b.mu.Lock()
	b.paused = false
	running := b.st == state.StatePaused
	b.mu.Unlock()
	if running {
		b.setState(state.StateRunning)
	}
}

// EmergencyStop cancels everything, optionally flattens, and parks the
// bot in ERROR. No new orders are placed until an external start.
func (b *Bot) EmergencyStop(ctx context.Context, reason string) {
	b.logger.Error().Str("reason", reason).Msg("🚨 EMERGENCY STOP")
	b.publish(events.EmergencyStop, map[string]interface{}{"reason": reason})
	b.opts.Risk.Halt(reason)

	if b.cancel != nil {
		b.cancel()
	}
	select {
	case <-b.done:
	case <-time.After(defaultAdapterTimeout):
	}

	cctx, cancel := context.WithTimeout(context.Background(), defaultAdapterTimeout)
	defer cancel()
	if _, err := b.opts.Exchange.CancelAll(cctx, b.opts.Symbol); err != nil {
		b.logger.Error().Err(err).Msg("Cancel-all during emergency stop failed")
	}

	if b.opts.FlattenOnEmergency {
		b.flatten(cctx)
	}

	b.mu.Lock()
	b.lastErr = reason
	b.mu.Unlock()
	b.checkpoint(context.Background())
	b.setState(state.StateError)
}

// flatten market-sells the full base balance of the traded symbol.
func (b *Bot) flatten(ctx context.Context) {
	inst, err := b.opts.Exchange.Instrument(ctx, b.opts.Symbol)
	if err != nil {
		b.logger.Error().Err(err).Msg("Flatten: instrument lookup failed")
		return
	}
	balances, err := b.opts.Exchange.Balances(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("Flatten: balance lookup failed")
		return
	}
	base, ok := balances[inst.BaseCoin]
	if !ok || base.Free <= 0 {
		return
	}
	amount := inst.RoundAmount(decimal.NewFromFloat(base.Free), exchange.SideSell)
	if amount.IsZero() {
		return
	}
	_, err = b.opts.Exchange.PlaceOrder(ctx, exchange.PlaceRequest{
		Symbol:  b.opts.Symbol,
		Side:    exchange.SideSell,
		Type:    exchange.OrderTypeMarket,
		Amount:  amount,
		LocalID: uuid.NewString(),
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("Flatten order failed")
		return
	}
	b.logger.Info().Str("amount", amount.String()).Msg("Position flattened")
}

// SwitchStrategy atomically installs a new engine for future entries.
// Engines still winding down open exposure are retained under their own
// exit rules; idle ones are dropped, so repeated switches never grow
// the slice past the incoming engine plus the busy drainers.
func (b *Bot) SwitchStrategy(s strategy.Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := []strategy.Strategy{s}
	reindex := make(map[int]int, len(b.opts.Strategies))
	for ix, old := range b.opts.Strategies {
		if !busy(old) {
			continue
		}
		reindex[ix] = len(next)
		next = append(next, old)
	}
	for id, ix := range b.owners {
		if nix, ok := reindex[ix]; ok {
			b.owners[id] = nix
		} else {
			b.owners[id] = 0
		}
	}
	b.opts.Strategies = next

	if len(next) > 1 {
		b.logger.Info().
			Str("incoming", s.Name()).
			Int("draining", len(next)-1).
			Msg("Strategy switched, outgoing completes under its own rules")
		return
	}
	b.logger.Info().Str("strategy", s.Name()).Msg("Strategy switched")
}

// busy reports whether an engine still has exposure to wind down.
func busy(s strategy.Strategy) bool {
	if bz, ok := s.(interface{ Busy() bool }); ok {
		return bz.Busy()
	}
	return false
}

// fail records the error and parks the bot.
func (b *Bot) fail(msg string) {
	b.mu.Lock()
	b.lastErr = msg
	b.mu.Unlock()
	b.logger.Error().Str("error", msg).Msg("Bot entering ERROR state")
	b.setState(state.StateError)
}

// run is the cooperative loop: one tick roughly every second.
func (b *Bot) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.missedTicks++
				b.logger.Warn().Err(err).Int("missed", b.missedTicks).Msg("Tick failed")
				if b.missedTicks > maxMissedTicks {
					b.fail(fmt.Sprintf("%d consecutive ticks failed: %v", b.missedTicks, err))
					return
				}
				continue
			}
			b.missedTicks = 0

			elapsed := time.Since(start)
			if b.opts.Metrics != nil {
				b.opts.Metrics.ObserveTick(b.opts.Name, elapsed)
			}
			if elapsed > tickWarnBudget {
				b.logger.Warn().Dur("elapsed", elapsed).Msg("⏱️ Tick exceeded warn budget")
			}
		}
	}
}

// tick runs one full pass: price, regime, strategy evaluation, gated
// execution, reconciliation, portfolio risk, checkpoint.
func (b *Bot) tick(ctx context.Context) error {
	tickStart := time.Now()

	actx, cancel := context.WithTimeout(ctx, defaultAdapterTimeout)
	defer cancel()

	price, err := b.opts.Feed.Price(actx)
	if err != nil {
		return fmt.Errorf("price refresh failed: %w", err)
	}

	b.maybeResetDaily()
	b.refreshRegime(actx, price)
	b.pushCapital()

	b.mu.Lock()
	paused := b.paused
	b.mu.Unlock()

	if !paused {
		view, err := b.buildView(actx, price)
		if err != nil {
			return err
		}

		// Hybrid bots merge their engines' intents round-robin so
		// neither starves the other; the risk gate arbitrates capital.
		perStrategy := make([][]ownedIntent, len(b.opts.Strategies))
		for ix, s := range b.opts.Strategies {
			if time.Since(tickStart) > tickDropBudget {
				b.logger.Warn().Msg("⏱️ Tick budget exhausted, deferring remaining strategies")
				break
			}
			intents, err := s.Evaluate(view)
			if err != nil {
				b.logger.Warn().Err(err).Str("strategy", s.Name()).Msg("Evaluation failed")
				continue
			}
			for _, in := range intents {
				perStrategy[ix] = append(perStrategy[ix], ownedIntent{ix: ix, in: in})
			}
		}
		b.executeIntents(actx, roundRobin(perStrategy), view)
	}

	if err := b.reconcileTick(actx); err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	b.evaluatePortfolio(actx, price)

	if time.Since(b.lastCheckpointAt) >= b.opts.CheckpointInterval && time.Since(tickStart) < tickDropBudget {
		b.checkpoint(ctx)
	}
	return nil
}

// buildView assembles the read-only input bundle for the strategies.
func (b *Bot) buildView(ctx context.Context, price decimal.Decimal) (strategy.MarketView, error) {
	inst, err := b.opts.Exchange.Instrument(ctx, b.opts.Symbol)
	if err != nil {
		return strategy.MarketView{}, fmt.Errorf("instrument lookup failed: %w", err)
	}

	candles := make(map[string][]types.OHLCV)
	for _, s := range b.opts.Strategies {
		for _, tf := range s.Timeframes() {
			if _, ok := candles[tf]; ok {
				continue
			}
			window, err := b.opts.Feed.Candles(ctx, tf, b.opts.CandleLimit)
			if err != nil {
				b.logger.Warn().Err(err).Str("timeframe", tf).Msg("Candle refresh failed")
				continue
			}
			candles[tf] = window
		}
	}

	return strategy.MarketView{
		Symbol:     b.opts.Symbol,
		Price:      price,
		Candles:    candles,
		Instrument: inst,
		Now:        time.Now(),
	}, nil
}

// refreshRegime re-classifies at most once per cadence and publishes
// transitions.
func (b *Bot) refreshRegime(ctx context.Context, price decimal.Decimal) {
	if time.Since(b.lastRegimeAt) < b.opts.RegimeInterval {
		return
	}
	b.lastRegimeAt = time.Now()

	hourly, err := b.opts.Feed.Candles(ctx, "1h", b.opts.CandleLimit)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Regime candle fetch failed")
		return
	}
	p, _ := price.Float64()
	sig := b.detector.Detect(hourly, p)

	b.mu.Lock()
	prev := b.regimeType
	b.regimeType = sig.Type
	b.mu.Unlock()

	if prev != sig.Type {
		b.logger.Info().
			Str("from", string(prev)).
			Str("to", string(sig.Type)).
			Float64("confidence", sig.Confidence).
			Msg("🌊 Regime changed")
		b.publish(events.RegimeChanged, map[string]interface{}{
			"from": string(prev), "to": string(sig.Type), "confidence": sig.Confidence,
		})
		if b.opts.Metrics != nil {
			b.opts.Metrics.SetRegime(b.opts.Name, string(sig.Type))
		}
	}
}

// pushCapital hands the current allocation to sizing-aware engines and
// auto-advances the capital phase when its gate opens.
func (b *Bot) pushCapital() {
	if b.opts.Capital == nil {
		return
	}
	allocated := b.opts.Capital.Allocated()
	for _, s := range b.opts.Strategies {
		if sc, ok := s.(interface{ SetCapital(float64) }); ok {
			sc.SetCapital(allocated)
		}
	}

	if report := b.opts.Capital.EvaluateScaling(); report.CanScale {
		from := b.opts.Capital.Phase()
		if newAlloc, err := b.opts.Capital.AdvancePhase(); err == nil {
			b.publish(events.PhaseAdvanced, map[string]interface{}{
				"from": from.String(), "to": b.opts.Capital.Phase().String(), "allocation": newAlloc,
			})
		}
	}
}

// maybeResetDaily resets the risk day counter at UTC midnight.
func (b *Bot) maybeResetDaily() {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if b.lastDailyResetAt.Before(midnight) {
		if !b.lastDailyResetAt.IsZero() {
			b.opts.Risk.ResetDaily()
			b.logger.Info().Msg("🌅 Daily risk counters reset")
		}
		b.lastDailyResetAt = now
	}
}

// regimeAllows applies the per-strategy regime policy. SMC relies on
// its own multi-timeframe consistency and always passes.
func (b *Bot) regimeAllows(name string) bool {
	if !b.opts.RegimeFilter {
		return true
	}
	b.mu.Lock()
	r := b.regimeType
	b.mu.Unlock()

	switch name {
	case "grid":
		return r == regime.Ranging || r == regime.Unknown
	case "dca":
		return r == regime.Ranging || r == regime.TrendingDown || r == regime.Unknown
	case "trend_follower":
		return r == regime.TrendingUp || r == regime.TrendingDown || r == regime.Unknown
	default:
		return true
	}
}

// evaluatePortfolio runs the portfolio-level stop once per tick.
func (b *Bot) evaluatePortfolio(ctx context.Context, price decimal.Decimal) {
	balances, err := b.opts.Exchange.Balances(ctx)
	if err != nil {
		return
	}
	inst, err := b.opts.Exchange.Instrument(ctx, b.opts.Symbol)
	if err != nil {
		return
	}
	p, _ := price.Float64()
	value := 0.0
	if q, ok := balances[inst.QuoteCoin]; ok {
		value += q.Total
	}
	if base, ok := balances[inst.BaseCoin]; ok {
		value += base.Total * p
	}

	if v := b.opts.Risk.EvaluatePortfolio(value); v.Stop {
		go b.EmergencyStop(context.Background(), string(v.Reason))
	}
}

// checkpoint persists the full snapshot. Failures log and continue;
// the next cadence retries.
func (b *Bot) checkpoint(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	snap := b.buildSnapshot()
	if err := b.opts.Store.SaveSnapshot(sctx, snap); err != nil {
		b.logger.Error().Err(err).Msg("Checkpoint failed")
		return
	}
	b.lastCheckpointAt = time.Now()
}

// buildSnapshot captures orders, deals, risk and engine state.
func (b *Bot) buildSnapshot() *state.Snapshot {
	b.mu.Lock()
	open := make([]exchange.Order, 0, len(b.orders))
	for _, o := range b.orders {
		open = append(open, o)
	}
	st := b.st
	lastErr := b.lastErr
	reg := b.regimeType
	b.mu.Unlock()
	sortOrders(open)

	var deals []state.DealSnapshot
	engineStates := make(map[string]json.RawMessage, len(b.opts.Strategies))
	for _, s := range b.opts.Strategies {
		raw, err := s.Snapshot()
		if err != nil {
			b.logger.Warn().Err(err).Str("strategy", s.Name()).Msg("Engine snapshot failed")
			continue
		}
		engineStates[s.Name()] = raw

		if d, ok := s.(*strategy.DCA); ok {
			if deal := d.ActiveDeal(); deal != nil {
				deals = append(deals, state.DealSnapshot{
					ID:            deal.ID,
					Symbol:        deal.Symbol,
					Direction:     "long",
					BaseAmount:    deal.BaseAmount,
					QuoteSpent:    deal.QuoteSpent,
					AvgEntry:      deal.AvgEntry(),
					HighestPrice:  deal.HighestPrice,
					TrailingArmed: deal.TrailingArmed,
					SafetyOrders:  deal.SafetyFills,
					OpenedAt:      deal.OpenedAt,
				})
			}
		}
	}
	strategyState, _ := json.Marshal(engineStates)

	names := make([]string, 0, len(b.opts.Strategies))
	for _, s := range b.opts.Strategies {
		names = append(names, s.Name())
	}
	strategyName := names[0]
	if len(names) == 2 {
		strategyName = "hybrid"
	}

	return &state.Snapshot{
		Version:       1,
		BotName:       b.opts.Name,
		Symbol:        b.opts.Symbol,
		Strategy:      strategyName,
		State:         st,
		Regime:        string(reg),
		OpenOrders:    open,
		Deals:         deals,
		Risk:          b.opts.Risk.Snapshot(),
		Capital:       capitalSnapshot(b.opts.Capital),
		StrategyState: strategyState,
		LastError:     lastErr,
	}
}

func capitalSnapshot(m *capital.Manager) *state.CapitalSnapshot {
	if m == nil {
		return nil
	}
	return m.Snapshot()
}

// restore loads the last snapshot into the risk, capital and engine
// state. A missing snapshot is a clean first start.
func (b *Bot) restore(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	snap, err := b.opts.Store.LoadSnapshot(sctx, b.opts.Name)
	if err == state.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	b.opts.Risk.Restore(snap.Risk)
	if b.opts.Capital != nil {
		b.opts.Capital.Restore(snap.Capital, !b.opts.ResumePhaseTimer)
	}

	var engineStates map[string]json.RawMessage
	if len(snap.StrategyState) > 0 {
		if err := json.Unmarshal(snap.StrategyState, &engineStates); err != nil {
			return fmt.Errorf("parse strategy state: %w", err)
		}
	}
	for _, s := range b.opts.Strategies {
		if raw, ok := engineStates[s.Name()]; ok {
			if err := s.Restore(raw); err != nil {
				return fmt.Errorf("restore %s: %w", s.Name(), err)
			}
		}
	}

	b.mu.Lock()
	for _, o := range snap.OpenOrders {
		b.orders[o.LocalID] = o
		b.owners[o.LocalID] = b.ownerForRole(o.Role)
	}
	b.lastErr = snap.LastError
	b.mu.Unlock()

	b.logger.Info().
		Int("open_orders", len(snap.OpenOrders)).
		Int("deals", len(snap.Deals)).
		Time("checkpoint_at", snap.CheckpointAt).
		Msg("📦 Snapshot restored")
	return nil
}

// ownerForRole maps an order role back to its engine. Hybrid bots run
// grid and DCA on disjoint roles, so the role is the owner key.
func (b *Bot) ownerForRole(role exchange.OrderRole) int {
	if len(b.opts.Strategies) == 1 {
		return 0
	}
	gridRole := role == exchange.RoleGridBuy || role == exchange.RoleGridSell
	for ix, s := range b.opts.Strategies {
		if (s.Name() == "grid") == gridRole {
			return ix
		}
	}
	return 0
}

func (b *Bot) publish(t events.Type, data map[string]interface{}) {
	b.opts.Bus.Publish(events.Event{Type: t, Bot: b.opts.Name, Data: data})
}

package bot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/events"
	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
)

// ownedIntent pairs an intent with the index of the engine it came from.
type ownedIntent struct {
	ix int
	in strategy.Intent
}

// roundRobin interleaves the per-engine intent queues.
func roundRobin(queues [][]ownedIntent) []ownedIntent {
	var out []ownedIntent
	for i := 0; ; i++ {
		progressed := false
		for _, q := range queues {
			if i < len(q) {
				out = append(out, q[i])
				progressed = true
			}
		}
		if !progressed {
			return out
		}
	}
}

// executeIntents runs each surviving intent through the staleness gate,
// the risk gate and the regime filter, then the adapter.
func (b *Bot) executeIntents(ctx context.Context, intents []ownedIntent, view strategy.MarketView) {
	if len(intents) == 0 {
		return
	}

	balances, balErr := b.opts.Exchange.Balances(ctx)
	freeQuote := 0.0
	if balErr == nil {
		if q, ok := balances[view.Instrument.QuoteCoin]; ok {
			freeQuote = q.Free
		}
	}

	for _, oi := range intents {
		s := b.opts.Strategies[oi.ix]
		in := oi.in

		if in.Kind == strategy.IntentCancel {
			b.executeCancel(ctx, s, in)
			continue
		}

		if in.Role == exchange.RoleBaseOrder {
			tp := make([]string, 0, len(in.Targets))
			for _, t := range in.Targets {
				tp = append(tp, t.String())
			}
			b.publish(events.SignalGenerated, map[string]interface{}{
				"strategy": s.Name(), "direction": string(in.Side),
				"entry": in.RefPrice.String(), "sl": in.Stop.String(), "tp": tp,
				"confidence": in.Confidence, "amount": in.Amount.String(),
			})
		}

		// Staleness gate: the market must still be near the price the
		// signal was computed against.
		if !in.RefPrice.IsZero() {
			drift, _ := view.Price.Sub(in.RefPrice).Div(view.Price).Abs().Float64()
			if drift > stalenessTolerance {
				b.logger.Warn().
					Str("ref", in.RefPrice.String()).
					Str("market", view.Price.String()).
					Float64("drift", drift).
					Msg("🚫 Stale signal rejected")
				b.publish(events.SignalRejected, map[string]interface{}{
					"reason": "stale", "strategy": s.Name(),
					"ref_price": in.RefPrice.String(), "market_price": view.Price.String(),
				})
				s.OnIntentFailed(in, fmt.Errorf("stale signal: drift %.4f", drift))
				continue
			}
		}

		// Risk gate.
		gatePrice := in.Price
		if gatePrice.IsZero() {
			gatePrice = view.Price
		}
		exposure := b.openExposure()
		if v := b.opts.Risk.CheckTrade(in.Side, in.Amount, gatePrice, exposure, freeQuote); !v.Allowed {
			b.publish(events.SignalRejected, map[string]interface{}{
				"reason": "risk_denied", "detail": string(v.Reason),
				"strategy": s.Name(), "side": string(in.Side),
			})
			s.OnIntentFailed(in, fmt.Errorf("risk denied: %s", v.Reason))
			continue
		}

		// Regime filter applies to entries only; exits and counter
		// orders always pass so positions can unwind. Grid ladder
		// placements are entries too; only intents carrying a cycle
		// id are unwinding existing exposure.
		entry := in.Role == exchange.RoleBaseOrder ||
			((in.Role == exchange.RoleGridBuy || in.Role == exchange.RoleGridSell) && in.CycleID == "")
		if entry && !b.regimeAllows(s.Name()) {
			b.publish(events.SignalRejected, map[string]interface{}{
				"reason": "regime_filter", "strategy": s.Name(), "regime": string(b.Regime()),
			})
			s.OnIntentFailed(in, fmt.Errorf("regime %s disallows %s entries", b.Regime(), s.Name()))
			continue
		}

		b.executePlace(ctx, oi.ix, s, in, view)
	}
}

// openExposure sums the notional of locally-live buy orders. Held base
// inventory is covered by the portfolio evaluation.
func (b *Bot) openExposure() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, o := range b.orders {
		if o.Side == exchange.SideBuy && o.Live() {
			total = total.Add(o.Price.Mul(o.Amount.Sub(o.Filled)))
		}
	}
	f, _ := total.Float64()
	return f
}

// executePlace sends one placement through the adapter and records the
// resulting order.
func (b *Bot) executePlace(ctx context.Context, ix int, s strategy.Strategy, in strategy.Intent, view strategy.MarketView) {
	localID := uuid.NewString()
	order, err := b.opts.Exchange.PlaceOrder(ctx, exchange.PlaceRequest{
		Symbol:  b.opts.Symbol,
		Side:    in.Side,
		Type:    in.Type,
		Amount:  in.Amount,
		Price:   in.Price,
		LocalID: localID,
	})
	if err != nil {
		b.handlePlaceError(ctx, s, in, localID, err)
		return
	}

	order.Role = in.Role
	order.Tag = in.Tag

	b.mu.Lock()
	b.orders[order.LocalID] = order
	b.owners[order.LocalID] = ix
	b.mu.Unlock()
	delete(b.invalidRepeats, placeKey(in))

	s.OnOrderPlaced(order)
	b.recordOrder(ctx, order)
	b.publish(events.OrderPlaced, map[string]interface{}{
		"local_id": order.LocalID, "side": string(order.Side), "type": string(order.Type),
		"price": order.Price.String(), "amount": order.Amount.String(), "role": string(order.Role),
	})
	if b.opts.Metrics != nil {
		b.opts.Metrics.CountOrder(b.opts.Name, string(order.Side))
	}

	// Market orders on the adapter settle synchronously when the
	// response is already terminal.
	if order.Status.Terminal() {
		b.applyTerminal(ctx, order, view)
	}
}

// handlePlaceError classifies a failed placement per the error policy.
func (b *Bot) handlePlaceError(ctx context.Context, s strategy.Strategy, in strategy.Intent, localID string, err error) {
	kind := exchange.KindOf(err)
	b.logger.Warn().
		Err(err).
		Str("kind", kind.String()).
		Str("side", string(in.Side)).
		Str("role", string(in.Role)).
		Msg("Order placement failed")
	b.publish(events.OrderError, map[string]interface{}{
		"error_kind": kind.String(), "message": err.Error(),
		"role": string(in.Role), "local_id": localID,
	})

	switch kind {
	case exchange.KindAuth:
		go b.EmergencyStop(context.Background(), "authentication failure")
	case exchange.KindInvalidOrder:
		s.OnIntentFailed(in, err)
		key := placeKey(in)
		b.invalidRepeats[key]++
		if b.invalidRepeats[key] > maxInvalidRepeats {
			b.fail(fmt.Sprintf("invalid order repeated %d times: %v", b.invalidRepeats[key], err))
		}
	case exchange.KindInsufficient:
		s.OnIntentFailed(in, err)
	default:
		// Transient kinds already exhausted the adapter's retry
		// budget; the intent re-enters on the next tick if still valid.
		s.OnIntentFailed(in, err)
	}
}

func placeKey(in strategy.Intent) string {
	return fmt.Sprintf("%s|%s|%s|%s", in.Side, in.Type, in.Price.String(), in.Amount.String())
}

// executeCancel cancels a locally tracked order. An unknown result
// forces a lookup before local state is cleared.
func (b *Bot) executeCancel(ctx context.Context, s strategy.Strategy, in strategy.Intent) {
	b.mu.Lock()
	order, ok := b.orders[in.LocalID]
	b.mu.Unlock()
	if !ok {
		return
	}

	res, err := b.opts.Exchange.CancelOrder(ctx, b.opts.Symbol, order.ExchangeID)
	if err != nil {
		b.logger.Warn().Err(err).Str("local_id", in.LocalID).Msg("Cancel failed")
		return
	}
	if res == exchange.CancelUnknown {
		b.resolveUnknown(ctx, order)
		return
	}

	order.Status = exchange.StatusCancelled
	order.CancelledAt = time.Now()
	b.mu.Lock()
	delete(b.orders, order.LocalID)
	delete(b.owners, order.LocalID)
	b.mu.Unlock()

	b.recordOrder(ctx, order)
	b.publish(events.OrderCancelled, map[string]interface{}{
		"local_id": order.LocalID, "role": string(order.Role),
	})
	s.OnOrderCancelled(order)
}

// applyTerminal drives the strategy state machine for an order that
// reached a terminal status, and executes any follow-up intents through
// the same gates.
func (b *Bot) applyTerminal(ctx context.Context, order exchange.Order, view strategy.MarketView) {
	b.mu.Lock()
	ix, owned := b.owners[order.LocalID]
	delete(b.orders, order.LocalID)
	delete(b.owners, order.LocalID)
	b.mu.Unlock()
	if !owned {
		ix = b.ownerForRole(order.Role)
	}
	s := b.opts.Strategies[ix]

	b.recordOrder(ctx, order)

	switch order.Status {
	case exchange.StatusClosed:
		b.publish(events.OrderFilled, map[string]interface{}{
			"local_id": order.LocalID, "side": string(order.Side),
			"price": order.AvgFillPrice.String(), "amount": order.Filled.String(),
			"role": string(order.Role),
		})
		if b.opts.Metrics != nil {
			b.opts.Metrics.CountFill(b.opts.Name, string(order.Side))
		}
		if order.Role == exchange.RoleBaseOrder {
			b.publish(events.DealOpened, map[string]interface{}{
				"strategy": s.Name(), "entry": order.AvgFillPrice.String(),
				"amount": order.Filled.String(),
			})
		}
		followups, err := s.OnOrderFilled(order, view)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Fill handling failed")
			return
		}
		b.executeIntents(ctx, withOwner(ix, followups), view)

	case exchange.StatusCancelled:
		b.publish(events.OrderCancelled, map[string]interface{}{
			"local_id": order.LocalID, "role": string(order.Role),
		})
		b.executeIntents(ctx, withOwner(ix, s.OnOrderCancelled(order)), view)

	case exchange.StatusRejected:
		b.publish(events.OrderError, map[string]interface{}{
			"local_id": order.LocalID, "error_kind": "rejected", "role": string(order.Role),
		})
		s.OnIntentFailed(strategy.Intent{
			Kind: strategy.IntentPlace, Side: order.Side, Type: order.Type,
			Price: order.Price, Amount: order.Amount, Role: order.Role, Tag: order.Tag,
		}, fmt.Errorf("order rejected by exchange"))
	}
}

// recordOrder appends the order to the history, logging on failure.
func (b *Bot) recordOrder(ctx context.Context, order exchange.Order) {
	sctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()
	if err := b.opts.Store.RecordOrder(sctx, b.opts.Name, order); err != nil {
		b.logger.Warn().Err(err).Str("local_id", order.LocalID).Msg("Order history write failed")
	}
}

func withOwner(ix int, intents []strategy.Intent) []ownedIntent {
	out := make([]ownedIntent, 0, len(intents))
	for _, in := range intents {
		out = append(out, ownedIntent{ix: ix, in: in})
	}
	return out
}

// sortOrders orders a snapshot's open-order list deterministically so a
// serialize/deserialize round trip reproduces identical state.
func sortOrders(orders []exchange.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].LocalID < orders[j].LocalID
	})
}

package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/quangdle/bybit-multistrat-bot/internal/events"
	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
)

// reconcileStartup replays what happened while the bot was down: every
// order the snapshot recorded as live is looked up individually and its
// terminal effects applied retroactively, before the first decision
// tick. Fills while down trigger the same counter-order logic a live
// fill would.
func (b *Bot) reconcileStartup(ctx context.Context) error {
	b.mu.Lock()
	pending := make([]exchange.Order, 0, len(b.orders))
	for _, o := range b.orders {
		pending = append(pending, o)
	}
	b.mu.Unlock()
	sortOrders(pending)

	if len(pending) == 0 {
		b.logger.Info().Msg("🔍 Startup reconciliation: no live orders to verify")
		return nil
	}
	b.logger.Info().Int("orders", len(pending)).Msg("🔍 Startup reconciliation")

	actx, cancel := context.WithTimeout(ctx, defaultAdapterTimeout)
	defer cancel()

	price, err := b.opts.Feed.Price(actx)
	if err != nil {
		return fmt.Errorf("price fetch: %w", err)
	}
	view, err := b.buildView(actx, price)
	if err != nil {
		return err
	}

	open, err := b.opts.Exchange.OpenOrders(actx, b.opts.Symbol)
	if err != nil {
		return fmt.Errorf("open orders fetch: %w", err)
	}
	openByID := make(map[string]exchange.Order, len(open))
	for _, o := range open {
		openByID[o.ExchangeID] = o
	}

	for _, local := range pending {
		if live, ok := openByID[local.ExchangeID]; ok {
			// Still resting: refresh fill progress and move on.
			b.absorb(local, live)
			continue
		}
		b.resolveAbsent(actx, local, view)
	}
	return nil
}

// reconcileTick compares the local live set against the exchange's
// authoritative open orders. Unchanged views are idempotent: no events,
// no state changes.
func (b *Bot) reconcileTick(ctx context.Context) error {
	b.mu.Lock()
	local := make([]exchange.Order, 0, len(b.orders))
	for _, o := range b.orders {
		local = append(local, o)
	}
	b.mu.Unlock()
	if len(local) == 0 {
		return nil
	}

	open, err := b.opts.Exchange.OpenOrders(ctx, b.opts.Symbol)
	if err != nil {
		return err
	}
	openByID := make(map[string]exchange.Order, len(open))
	for _, o := range open {
		openByID[o.ExchangeID] = o
	}

	price := b.opts.Feed.LastPrice()
	var view strategy.MarketView
	viewBuilt := false

	for _, lo := range local {
		if live, ok := openByID[lo.ExchangeID]; ok {
			b.absorb(lo, live)
			continue
		}
		if !viewBuilt {
			v, err := b.buildView(ctx, price)
			if err != nil {
				return err
			}
			view = v
			viewBuilt = true
		}
		b.resolveAbsent(ctx, lo, view)
	}
	return nil
}

// absorb refreshes local fill progress from the authoritative view
// without emitting events for unchanged orders.
func (b *Bot) absorb(local, live exchange.Order) {
	if local.Status == live.Status && local.Filled.Equal(live.Filled) {
		return
	}
	b.mu.Lock()
	o := b.orders[local.LocalID]
	o.Status = live.Status
	o.Filled = live.Filled
	o.AvgFillPrice = live.AvgFillPrice
	b.orders[local.LocalID] = o
	b.mu.Unlock()
}

// resolveAbsent looks up an order missing from the authoritative set.
// Terminal statuses drive the strategy state machine; an order the
// exchange does not know is marked error and alerted, never re-placed.
func (b *Bot) resolveAbsent(ctx context.Context, local exchange.Order, view strategy.MarketView) {
	fetched, err := b.opts.Exchange.Order(ctx, b.opts.Symbol, local.ExchangeID)
	if err != nil {
		b.resolveUnknown(ctx, local)
		return
	}

	fetched.LocalID = local.LocalID
	fetched.Role = local.Role
	fetched.Tag = local.Tag

	if fetched.Status.Terminal() {
		b.applyTerminal(ctx, fetched, view)
		return
	}
	// Visible again under a live status; absorb and keep waiting.
	b.absorb(local, fetched)
}

// resolveUnknown marks an unresolvable order as error and alerts. The
// order is dropped from the live set so the mismatch does not repeat
// every tick.
func (b *Bot) resolveUnknown(ctx context.Context, local exchange.Order) {
	b.logger.Error().
		Str("local_id", local.LocalID).
		Str("exchange_id", local.ExchangeID).
		Msg("❓ Order unknown to exchange, marking error")

	local.Status = exchange.StatusError
	local.CancelledAt = time.Now()

	b.mu.Lock()
	delete(b.orders, local.LocalID)
	delete(b.owners, local.LocalID)
	b.mu.Unlock()

	b.recordOrder(ctx, local)
	b.publish(events.OrderError, map[string]interface{}{
		"local_id": local.LocalID, "error_kind": "reconciliation_mismatch",
		"exchange_id": local.ExchangeID,
	})
}

package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Instrument carries the precision and size limits of a market.
type Instrument struct {
	Symbol      string          `json:"symbol"`
	Category    string          `json:"category"` // "spot" or "linear"
	BaseCoin    string          `json:"base_coin"`
	QuoteCoin   string          `json:"quote_coin"`
	TickSize    decimal.Decimal `json:"tick_size"`
	QtyStep     decimal.Decimal `json:"qty_step"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// RoundPrice rounds a price to the instrument tick. Buy prices round up,
// sell prices round down, so a rounded order is never more passive than
// the strategy intended.
func (in Instrument) RoundPrice(price decimal.Decimal, side Side) decimal.Decimal {
	if in.TickSize.IsZero() {
		return price
	}
	steps := price.Div(in.TickSize)
	if side == SideBuy {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(in.TickSize)
}

// RoundAmount rounds a base amount to the instrument qty step. Sell
// amounts round down so the order never exceeds held inventory; buy
// amounts round up to the next step.
func (in Instrument) RoundAmount(amount decimal.Decimal, side Side) decimal.Decimal {
	if in.QtyStep.IsZero() {
		return amount
	}
	steps := amount.Div(in.QtyStep)
	if side == SideBuy {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(in.QtyStep)
}

// ValidateOrder checks an order request against the instrument limits.
// Invalid precision is rejected rather than silently rounded.
func (in Instrument) ValidateOrder(price, amount decimal.Decimal, typ OrderType) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return NewError(KindInvalidOrder, "validate", fmt.Errorf("non-positive amount %s", amount))
	}
	if !in.QtyStep.IsZero() && !amount.Mod(in.QtyStep).IsZero() {
		return NewError(KindInvalidOrder, "validate",
			fmt.Errorf("amount %s not a multiple of qty step %s", amount, in.QtyStep))
	}
	if !in.MinQty.IsZero() && amount.LessThan(in.MinQty) {
		return NewError(KindInvalidOrder, "validate",
			fmt.Errorf("amount %s below min qty %s", amount, in.MinQty))
	}
	if typ == OrderTypeLimit {
		if price.LessThanOrEqual(decimal.Zero) {
			return NewError(KindInvalidOrder, "validate", fmt.Errorf("non-positive price %s", price))
		}
		if !in.TickSize.IsZero() && !price.Mod(in.TickSize).IsZero() {
			return NewError(KindInvalidOrder, "validate",
				fmt.Errorf("price %s not a multiple of tick size %s", price, in.TickSize))
		}
		if !in.MinNotional.IsZero() && price.Mul(amount).LessThan(in.MinNotional) {
			return NewError(KindInvalidOrder, "validate",
				fmt.Errorf("notional %s below minimum %s", price.Mul(amount), in.MinNotional))
		}
	}
	return nil
}

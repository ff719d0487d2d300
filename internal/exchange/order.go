package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the normalized order status set. Exchange-native status
// strings are translated to this set inside the adapter and never cross
// into the core.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusClosed          OrderStatus = "closed"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusError           OrderStatus = "error"
)

// Terminal reports whether the status can never transition again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// OrderRole identifies which part of a strategy an order belongs to.
type OrderRole string

const (
	RoleBaseOrder    OrderRole = "base_order"
	RoleSafetyOrder  OrderRole = "safety_order"
	RoleGridBuy      OrderRole = "grid_buy"
	RoleGridSell     OrderRole = "grid_sell"
	RoleTakeProfit   OrderRole = "take_profit"
	RoleStopLoss     OrderRole = "stop_loss"
	RoleTrailingExit OrderRole = "trailing_exit"
)

// Order is the core's view of an exchange order. Monetary fields are
// arbitrary-precision decimals already rounded to the instrument's
// tick/step.
type Order struct {
	LocalID      string          `json:"local_id"`
	ExchangeID   string          `json:"exchange_id,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Filled       decimal.Decimal `json:"filled"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Status       OrderStatus     `json:"status"`
	Role         OrderRole       `json:"role,omitempty"`
	// Tag carries the strategy-specific association: grid level index,
	// safety order index, SMC signal id.
	Tag         string    `json:"tag,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	AckedAt     time.Time `json:"acked_at,omitempty"`
	FilledAt    time.Time `json:"filled_at,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`
}

// Live reports whether the order can still receive fills.
func (o Order) Live() bool {
	switch o.Status {
	case StatusPending, StatusOpen, StatusPartiallyFilled:
		return true
	}
	return false
}

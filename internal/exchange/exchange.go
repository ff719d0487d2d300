package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// Exchange is the narrow I/O contract the trading core consumes.
// Implementations own all transport concerns: signing, recv-window,
// retry with backoff, rate limiting and status normalization. The core
// never sees an exchange-native status string or error code.
type Exchange interface {
	Name() string

	// Market data
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]types.OHLCV, error)

	// Account
	Balances(ctx context.Context) (map[string]types.Balance, error)

	// Trading
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	Order(ctx context.Context, symbol, exchangeID string) (Order, error)
	PlaceOrder(ctx context.Context, req PlaceRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, exchangeID string) (CancelResult, error)
	CancelAll(ctx context.Context, symbol string) (int, error)

	// Instrument metadata (tick size, qty step, min notional)
	Instrument(ctx context.Context, symbol string) (Instrument, error)
}

// PlaceRequest holds the parameters for a new order.
type PlaceRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Amount      decimal.Decimal
	Price       decimal.Decimal // zero for market orders
	PostOnly    bool
	TimeInForce string // "GTC", "IOC", "FOK"; defaults to GTC for limit orders
	LocalID     string // propagated as the client order id
}

// CancelResult reports the outcome of a cancel request.
type CancelResult int

const (
	CancelOK CancelResult = iota
	// CancelUnknown means the exchange does not know the order. The caller
	// must look the order up before clearing local state.
	CancelUnknown
)

package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// PaperExchange is the dry-run adapter. Orders are simulated locally
// against prices fed to it, with the same contract and normalized
// statuses as the live adapter, so every state transition and event
// still fires.
type PaperExchange struct {
	mu         sync.Mutex
	instrument Instrument
	price      decimal.Decimal
	candles    map[string][]types.OHLCV
	balances   map[string]types.Balance
	orders     map[string]*Order // by exchange id
	feeRate    decimal.Decimal
}

// NewPaperExchange creates a simulator for one instrument with the
// given starting quote balance.
func NewPaperExchange(instrument Instrument, quoteBalance float64) *PaperExchange {
	return &PaperExchange{
		instrument: instrument,
		candles:    make(map[string][]types.OHLCV),
		balances: map[string]types.Balance{
			instrument.QuoteCoin: {Asset: instrument.QuoteCoin, Free: quoteBalance, Total: quoteBalance},
			instrument.BaseCoin:  {Asset: instrument.BaseCoin},
		},
		orders:  make(map[string]*Order),
		feeRate: decimal.NewFromFloat(0.001),
	}
}

func (p *PaperExchange) Name() string { return "paper" }

// SetFeeRate overrides the default 0.1% taker fee.
func (p *PaperExchange) SetFeeRate(rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeRate = rate
}

// FeedPrice advances the simulated market. Any resting limit order the
// new price crosses is filled at its limit price.
func (p *PaperExchange) FeedPrice(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
	for _, o := range p.orders {
		if !o.Live() || o.Type != OrderTypeLimit {
			continue
		}
		crossed := (o.Side == SideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == SideSell && price.GreaterThanOrEqual(o.Price))
		if crossed {
			p.fill(o, o.Price)
		}
	}
}

// FeedCandles sets the candle window returned for a timeframe.
func (p *PaperExchange) FeedCandles(timeframe string, candles []types.OHLCV) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[timeframe] = candles
}

func (p *PaperExchange) fill(o *Order, at decimal.Decimal) {
	o.Filled = o.Amount
	o.AvgFillPrice = at
	o.Status = StatusClosed
	o.FilledAt = time.Now()
	p.settle(o, at)
}

func (p *PaperExchange) settle(o *Order, at decimal.Decimal) {
	base := p.balances[p.instrument.BaseCoin]
	quote := p.balances[p.instrument.QuoteCoin]
	amt, _ := o.Amount.Float64()
	cost, _ := o.Amount.Mul(at).Float64()
	fee, _ := o.Amount.Mul(at).Mul(p.feeRate).Float64()
	if o.Side == SideBuy {
		base.Free += amt
		base.Total += amt
		quote.Free -= cost + fee
		quote.Total -= cost + fee
	} else {
		base.Free -= amt
		base.Total -= amt
		quote.Free += cost - fee
		quote.Total += cost - fee
	}
	p.balances[p.instrument.BaseCoin] = base
	p.balances[p.instrument.QuoteCoin] = quote
}

func (p *PaperExchange) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.price.IsZero() {
		return decimal.Zero, NewError(KindNetwork, "latest price", fmt.Errorf("no price fed yet"))
	}
	return p.price, nil
}

func (p *PaperExchange) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]types.OHLCV, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.candles[timeframe]
	if limit > 0 && len(data) > limit {
		data = data[len(data)-limit:]
	}
	out := make([]types.OHLCV, len(data))
	copy(out, data)
	return out, nil
}

func (p *PaperExchange) Balances(ctx context.Context) (map[string]types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]types.Balance, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

func (p *PaperExchange) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, o := range p.orders {
		if o.Live() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *PaperExchange) Order(ctx context.Context, symbol, exchangeID string) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[exchangeID]
	if !ok {
		return Order{}, NewError(KindInvalidOrder, "get order", fmt.Errorf("order %s not found", exchangeID))
	}
	return *o, nil
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, req PlaceRequest) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.instrument.ValidateOrder(req.Price, req.Amount, req.Type); err != nil {
		return Order{}, err
	}
	if req.Side == SideBuy {
		cost := req.Price
		if req.Type == OrderTypeMarket {
			cost = p.price
		}
		need, _ := cost.Mul(req.Amount).Float64()
		if p.balances[p.instrument.QuoteCoin].Free < need {
			return Order{}, NewError(KindInsufficient, "place order",
				fmt.Errorf("need %.8f %s", need, p.instrument.QuoteCoin))
		}
	} else {
		need, _ := req.Amount.Float64()
		if p.balances[p.instrument.BaseCoin].Free < need {
			return Order{}, NewError(KindInsufficient, "place order",
				fmt.Errorf("need %.8f %s", need, p.instrument.BaseCoin))
		}
	}

	now := time.Now()
	o := &Order{
		LocalID:    req.LocalID,
		ExchangeID: uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Amount:     req.Amount,
		Status:     StatusOpen,
		CreatedAt:  now,
		AckedAt:    now,
	}
	p.orders[o.ExchangeID] = o

	if req.Type == OrderTypeMarket {
		p.fill(o, p.price)
	} else if (o.Side == SideBuy && p.price.LessThanOrEqual(o.Price)) ||
		(o.Side == SideSell && p.price.GreaterThanOrEqual(o.Price)) {
		// Limit order already marketable at the current price.
		p.fill(o, o.Price)
	}
	return *o, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, exchangeID string) (CancelResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[exchangeID]
	if !ok {
		return CancelUnknown, nil
	}
	if o.Status.Terminal() {
		return CancelUnknown, nil
	}
	o.Status = StatusCancelled
	o.CancelledAt = time.Now()
	return CancelOK, nil
}

func (p *PaperExchange) CancelAll(ctx context.Context, symbol string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.orders {
		if o.Live() {
			o.Status = StatusCancelled
			o.CancelledAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (p *PaperExchange) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	return p.instrument, nil
}

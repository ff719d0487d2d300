package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// Feed produces the last traded price and candle windows for one
// symbol, caching each behind its refresh interval so multiple
// consumers inside a tick share one adapter call.
type Feed struct {
	ex     exchange.Exchange
	symbol string

	mu          sync.Mutex
	price       decimal.Decimal
	priceAt     time.Time
	priceMaxAge time.Duration

	candles   map[string]candleWindow
	candleTTL time.Duration
}

type candleWindow struct {
	data      []types.OHLCV
	fetchedAt time.Time
	limit     int
}

// NewFeed creates a feed over the adapter. Prices refresh at most every
// priceMaxAge (default 5s); candle windows at most every candleTTL.
func NewFeed(ex exchange.Exchange, symbol string, priceMaxAge, candleTTL time.Duration) *Feed {
	if priceMaxAge == 0 {
		priceMaxAge = 5 * time.Second
	}
	if candleTTL == 0 {
		candleTTL = time.Minute
	}
	return &Feed{
		ex:          ex,
		symbol:      symbol,
		priceMaxAge: priceMaxAge,
		candles:     make(map[string]candleWindow),
		candleTTL:   candleTTL,
	}
}

// Price returns the cached last price, refreshing it if stale.
func (f *Feed) Price(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	if !f.price.IsZero() && time.Since(f.priceAt) < f.priceMaxAge {
		p := f.price
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	p, err := f.ex.LatestPrice(ctx, f.symbol)
	if err != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.price.IsZero() {
			return f.price, nil // stale beats nothing for a read-only tick
		}
		return decimal.Zero, err
	}

	f.mu.Lock()
	f.price = p
	f.priceAt = time.Now()
	f.mu.Unlock()
	return p, nil
}

// LastPrice returns the cached price without refreshing. Zero when no
// price has been fetched yet.
func (f *Feed) LastPrice() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price
}

// Candles returns the most recent limit candles for a timeframe,
// refreshing the window when it has aged past the TTL.
func (f *Feed) Candles(ctx context.Context, timeframe string, limit int) ([]types.OHLCV, error) {
	f.mu.Lock()
	w, ok := f.candles[timeframe]
	if ok && w.limit >= limit && time.Since(w.fetchedAt) < f.candleTTL {
		data := w.data
		f.mu.Unlock()
		return data, nil
	}
	f.mu.Unlock()

	data, err := f.ex.Klines(ctx, f.symbol, timeframe, limit)
	if err != nil {
		if ok {
			return w.data, nil
		}
		return nil, err
	}

	f.mu.Lock()
	f.candles[timeframe] = candleWindow{data: data, fetchedAt: time.Now(), limit: limit}
	f.mu.Unlock()
	return data, nil
}

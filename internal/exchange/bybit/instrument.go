package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// instrumentCache caches instrument precision metadata. Tick sizes and
// qty steps change rarely; one refresh per hour is plenty.
type instrumentCache struct {
	client      *Client
	mu          sync.RWMutex
	instruments map[string]exchange.Instrument
	fetchedAt   map[string]time.Time
	ttl         time.Duration
}

func newInstrumentCache(client *Client) *instrumentCache {
	return &instrumentCache{
		client:      client,
		instruments: make(map[string]exchange.Instrument),
		fetchedAt:   make(map[string]time.Time),
		ttl:         time.Hour,
	}
}

// Instrument returns the precision and size limits for a symbol.
func (c *Client) Instrument(ctx context.Context, symbol string) (exchange.Instrument, error) {
	ic := c.instruments

	ic.mu.RLock()
	cached, ok := ic.instruments[symbol]
	fresh := ok && time.Since(ic.fetchedAt[symbol]) < ic.ttl
	ic.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	var instrument exchange.Instrument
	err := c.call(ctx, "instrument info", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return err
		}
		instrument, err = parseInstrument(result, symbol, c.category)
		return err
	})
	if err != nil {
		if ok {
			return cached, nil // serve stale metadata over failing the tick
		}
		return exchange.Instrument{}, err
	}

	ic.mu.Lock()
	ic.instruments[symbol] = instrument
	ic.fetchedAt[symbol] = time.Now()
	ic.mu.Unlock()
	return instrument, nil
}

func parseInstrument(response interface{}, symbol, category string) (exchange.Instrument, error) {
	raw, err := serverResult(response)
	if err != nil {
		return exchange.Instrument{}, err
	}

	var infoResult struct {
		List []struct {
			Symbol      string `json:"symbol"`
			BaseCoin    string `json:"baseCoin"`
			QuoteCoin   string `json:"quoteCoin"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep          string `json:"qtyStep"`
				MinOrderQty      string `json:"minOrderQty"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &infoResult); err != nil {
		return exchange.Instrument{}, fmt.Errorf("failed to unmarshal instrument info: %w", err)
	}

	for _, item := range infoResult.List {
		if item.Symbol != symbol {
			continue
		}
		return exchange.Instrument{
			Symbol:      item.Symbol,
			Category:    category,
			BaseCoin:    item.BaseCoin,
			QuoteCoin:   item.QuoteCoin,
			TickSize:    parseDecimal(item.PriceFilter.TickSize),
			QtyStep:     parseDecimal(item.LotSizeFilter.QtyStep),
			MinQty:      parseDecimal(item.LotSizeFilter.MinOrderQty),
			MinNotional: parseDecimal(item.LotSizeFilter.MinNotionalValue),
		}, nil
	}
	return exchange.Instrument{}, &apiError{Code: codeSymbolNotFound, Message: fmt.Sprintf("symbol %s not found", symbol)}
}

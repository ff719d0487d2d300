package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// LatestPrice returns the last traded price for a symbol.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	var price decimal.Decimal
	err := c.call(ctx, "latest price", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		if err != nil {
			return err
		}
		price, err = parseTickerPrice(result)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

// Klines fetches the most recent candles for a timeframe, sorted
// ascending by time.
func (c *Client) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]types.OHLCV, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"interval": nativeInterval(timeframe),
		"limit":    limit,
	}

	var candles []types.OHLCV
	err := c.call(ctx, "klines", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err != nil {
			return err
		}
		candles, err = parseKlines(result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

func serverResult(response interface{}) (json.RawMessage, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("invalid response type %T", response)
	}
	if err := checkResponse(serverResp.RetCode, serverResp.RetMsg); err != nil {
		return nil, err
	}
	return json.Marshal(serverResp.Result)
}

func parseTickerPrice(response interface{}) (decimal.Decimal, error) {
	raw, err := serverResult(response)
	if err != nil {
		return decimal.Zero, err
	}

	var tickerResult struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &tickerResult); err != nil {
		return decimal.Zero, fmt.Errorf("failed to unmarshal ticker result: %w", err)
	}
	if len(tickerResult.List) == 0 {
		return decimal.Zero, fmt.Errorf("empty ticker list")
	}
	price, err := decimal.NewFromString(tickerResult.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid last price %q: %w", tickerResult.List[0].LastPrice, err)
	}
	return price, nil
}

func parseKlines(response interface{}) ([]types.OHLCV, error) {
	raw, err := serverResult(response)
	if err != nil {
		return nil, err
	}

	var klineResult struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &klineResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kline result: %w", err)
	}

	candles := make([]types.OHLCV, 0, len(klineResult.List))
	for _, item := range klineResult.List {
		if len(item) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(item[0], 10, 64)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(item[1], 64)
		h, _ := strconv.ParseFloat(item[2], 64)
		l, _ := strconv.ParseFloat(item[3], 64)
		cl, _ := strconv.ParseFloat(item[4], 64)
		v, _ := strconv.ParseFloat(item[5], 64)
		candles = append(candles, types.OHLCV{
			Timestamp: time.UnixMilli(ts),
			Open:      o,
			High:      h,
			Low:       l,
			Close:     cl,
			Volume:    v,
		})
	}

	// ByBit returns klines newest first.
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	return candles, nil
}

func parseTimestamp(ms string) time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ exchange.Exchange = (*Client)(nil)

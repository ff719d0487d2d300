package bybit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// PlaceOrder places a new order. Prices and amounts are validated
// against the cached instrument precision before the request leaves the
// adapter; invalid precision is rejected, never silently rounded.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.PlaceRequest) (exchange.Order, error) {
	instrument, err := c.Instrument(ctx, req.Symbol)
	if err != nil {
		return exchange.Order{}, err
	}
	if err := instrument.ValidateOrder(req.Price, req.Amount, req.Type); err != nil {
		return exchange.Order{}, err
	}

	params := map[string]interface{}{
		"category":  c.category,
		"symbol":    req.Symbol,
		"side":      nativeSide(req.Side),
		"orderType": nativeOrderType(req.Type),
		"qty":       req.Amount.String(),
	}
	if req.Type == exchange.OrderTypeLimit {
		params["price"] = req.Price.String()
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params["timeInForce"] = tif
	}
	if req.PostOnly {
		params["timeInForce"] = "PostOnly"
	}
	if req.LocalID != "" {
		params["orderLinkId"] = req.LocalID
	}

	var order exchange.Order
	err = c.call(ctx, "place order", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
		if err != nil {
			return err
		}
		order, err = c.parsePlaceResponse(result, req)
		return err
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return order, nil
}

// CancelOrder cancels an existing order. An order-not-found response is
// reported as CancelUnknown rather than an error so the caller can
// reconcile before clearing local state.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeID string) (exchange.CancelResult, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  exchangeID,
	}

	err := c.call(ctx, "cancel order", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
		if err != nil {
			return err
		}
		_, err = serverResult(result)
		return err
	})
	if err != nil {
		if kindOfCode(err, codeOrderNotFound) {
			return exchange.CancelUnknown, nil
		}
		return exchange.CancelUnknown, err
	}
	return exchange.CancelOK, nil
}

// CancelAll cancels every open order for a symbol and returns the count.
func (c *Client) CancelAll(ctx context.Context, symbol string) (int, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	count := 0
	err := c.call(ctx, "cancel all", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).CancelAllOrders(ctx)
		if err != nil {
			return err
		}
		raw, err := serverResult(result)
		if err != nil {
			return err
		}
		var cancelResult struct {
			List []struct {
				OrderID string `json:"orderId"`
			} `json:"list"`
		}
		if err := json.Unmarshal(raw, &cancelResult); err != nil {
			return fmt.Errorf("failed to unmarshal cancel-all result: %w", err)
		}
		count = len(cancelResult.List)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// OpenOrders returns the exchange's authoritative set of live orders.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	var orders []exchange.Order
	err := c.call(ctx, "open orders", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
		if err != nil {
			return err
		}
		orders, err = parseOrderList(result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// Order looks up a single order including terminal statuses. Open
// orders are checked first, then order history.
func (c *Client) Order(ctx context.Context, symbol, exchangeID string) (exchange.Order, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  exchangeID,
	}

	var found *exchange.Order
	err := c.call(ctx, "get order", func() error {
		result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
		if err != nil {
			return err
		}
		orders, err := parseOrderList(result)
		if err != nil {
			return err
		}
		for i := range orders {
			if orders[i].ExchangeID == exchangeID {
				found = &orders[i]
				return nil
			}
		}

		result, err = c.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
		if err != nil {
			return err
		}
		orders, err = parseOrderList(result)
		if err != nil {
			return err
		}
		for i := range orders {
			if orders[i].ExchangeID == exchangeID {
				found = &orders[i]
				return nil
			}
		}
		return &apiError{Code: codeOrderNotFound, Message: fmt.Sprintf("order %s not found", exchangeID)}
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return *found, nil
}

func (c *Client) parsePlaceResponse(response interface{}, req exchange.PlaceRequest) (exchange.Order, error) {
	raw, err := serverResult(response)
	if err != nil {
		return exchange.Order{}, err
	}

	var placeResult struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(raw, &placeResult); err != nil {
		return exchange.Order{}, fmt.Errorf("failed to unmarshal order result: %w", err)
	}
	if placeResult.OrderID == "" {
		return exchange.Order{}, fmt.Errorf("order response missing orderId")
	}

	// Placement acknowledges the order; fills arrive via reconciliation.
	return exchange.Order{
		LocalID:    req.LocalID,
		ExchangeID: placeResult.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Amount:     req.Amount,
		Status:     exchange.StatusOpen,
	}, nil
}

type nativeOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Qty          string `json:"qty"`
	Price        string `json:"price"`
	OrderStatus  string `json:"orderStatus"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func parseOrderList(response interface{}) ([]exchange.Order, error) {
	raw, err := serverResult(response)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		List []nativeOrder `json:"list"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order list: %w", err)
	}

	orders := make([]exchange.Order, 0, len(listResult.List))
	for _, n := range listResult.List {
		status := normalizeStatus(n.OrderStatus)
		o := exchange.Order{
			LocalID:      n.OrderLinkID,
			ExchangeID:   n.OrderID,
			Symbol:       n.Symbol,
			Side:         normalizeSide(n.Side),
			Type:         normalizeOrderType(n.OrderType),
			Price:        parseDecimal(n.Price),
			Amount:       parseDecimal(n.Qty),
			Filled:       parseDecimal(n.CumExecQty),
			AvgFillPrice: parseDecimal(n.AvgPrice),
			Status:       status,
			CreatedAt:    parseTimestamp(n.CreatedTime),
		}
		switch status {
		case exchange.StatusClosed:
			o.FilledAt = parseTimestamp(n.UpdatedTime)
		case exchange.StatusCancelled:
			o.CancelledAt = parseTimestamp(n.UpdatedTime)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func kindOfCode(err error, code int) bool {
	for e := err; e != nil; {
		if ae, ok := e.(*apiError); ok {
			return ae.Code == code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

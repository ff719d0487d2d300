package bybit

import (
	"strings"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// normalizeStatus translates a ByBit-native order status string to the
// core's closed status set. This is the only place native strings are
// interpreted; anything unrecognized maps to StatusError so a new
// native status can never be silently mistaken for a live order.
func normalizeStatus(native string) exchange.OrderStatus {
	switch strings.ToLower(native) {
	case "filled", "deal", "triggered":
		return exchange.StatusClosed
	case "new", "created", "accepted", "untriggered", "active":
		return exchange.StatusOpen
	case "partiallyfilled", "partially_filled":
		return exchange.StatusPartiallyFilled
	case "cancelled", "canceled", "cancel", "partiallyfilledcanceled", "deactivated":
		return exchange.StatusCancelled
	case "rejected":
		return exchange.StatusRejected
	default:
		return exchange.StatusError
	}
}

func nativeSide(s exchange.Side) string {
	if s == exchange.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func normalizeSide(native string) exchange.Side {
	if strings.EqualFold(native, "Buy") {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func nativeOrderType(t exchange.OrderType) string {
	if t == exchange.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}

func normalizeOrderType(native string) exchange.OrderType {
	if strings.EqualFold(native, "Market") {
		return exchange.OrderTypeMarket
	}
	return exchange.OrderTypeLimit
}

// nativeInterval maps the core's timeframe names to ByBit kline
// interval codes.
func nativeInterval(timeframe string) string {
	switch timeframe {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d":
		return "D"
	case "1w":
		return "W"
	default:
		return timeframe
	}
}

package bybit

import (
	"errors"
	"fmt"
	"net"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// ByBit V5 return codes the adapter cares about.
const (
	codeInvalidAPIKey       = 10003
	codeInvalidSignature    = 10004
	codeInvalidTimestamp    = 10005
	codeRateLimitExceeded   = 10006
	codeOrderNotFound       = 110001
	codeInvalidOrderType    = 110004
	codeInsufficientBalance = 110007
	codeSymbolNotFound      = 110009
	codeInvalidQuantity     = 110020
	codeInvalidPrice        = 110021
)

// apiError carries a raw ByBit retCode/retMsg pair before classification.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bybit API error %d: %s", e.Code, e.Message)
}

// classify maps an adapter-internal failure to the core's error taxonomy.
// Native codes and messages stay inside this package.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var xe *exchange.Error
	if errors.As(err, &xe) {
		return err // already classified (e.g. by the instrument validator)
	}

	var ae *apiError
	if errors.As(err, &ae) {
		kind := exchange.KindUnknown
		switch ae.Code {
		case codeInvalidAPIKey, codeInvalidSignature, codeInvalidTimestamp:
			kind = exchange.KindAuth
		case codeRateLimitExceeded:
			kind = exchange.KindRateLimited
		case codeInsufficientBalance:
			kind = exchange.KindInsufficient
		case codeOrderNotFound, codeSymbolNotFound, codeInvalidOrderType,
			codeInvalidQuantity, codeInvalidPrice:
			kind = exchange.KindInvalidOrder
		case 500, 502, 503, 504:
			kind = exchange.KindNetwork
		}
		return exchange.NewError(kind, op, ae)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return exchange.NewError(exchange.KindNetwork, op, err)
	}

	return exchange.NewError(exchange.KindNetwork, op, err)
}

// checkResponse converts a non-zero retCode into an apiError.
func checkResponse(retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}
	return &apiError{Code: retCode, Message: retMsg}
}

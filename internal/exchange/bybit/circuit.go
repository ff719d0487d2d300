package bybit

import (
	"sync"
	"time"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker trips after consecutive trading-call failures and
// holds new calls until the reset timeout passes.
type circuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailTime time.Time
	state        circuitState
}

func newCircuitBreaker(maxFailures int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        circuitClosed,
	}
}

func (cb *circuitBreaker) call(fn func() error) error {
	cb.mu.Lock()
	if cb.state == circuitOpen {
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.state = circuitHalfOpen
		} else {
			cb.mu.Unlock()
			return exchange.NewError(exchange.KindNetwork, "circuit breaker",
				&apiError{Code: 503, Message: "circuit breaker open"})
		}
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = circuitOpen
		}
		return err
	}
	cb.failures = 0
	cb.state = circuitClosed
	return nil
}

package bybit

import (
	"context"
	"math"
	"time"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// retryConfig holds the backoff policy for transient failures.
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxAttempts:  3,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
		factor:       2.0,
	}
}

func (rc retryConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(rc.initialDelay) * math.Pow(rc.factor, float64(attempt)))
	if d > rc.maxDelay {
		d = rc.maxDelay
	}
	return d
}

// call runs fn through the rate limiter, circuit breaker and retry
// policy. Only transient failures (network, 5xx, rate limit) are
// retried; auth, insufficient-funds and invalid-order failures surface
// immediately.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return exchange.NewError(exchange.KindNetwork, op, err)
		}

		err := c.breaker.call(func() error {
			return classify(op, fn())
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if !exchange.Transient(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return exchange.NewError(exchange.KindNetwork, op, ctx.Err())
		case <-time.After(c.retry.delay(attempt)):
		}
	}
	return lastErr
}

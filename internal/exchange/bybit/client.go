package bybit

import (
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
)

// Client is the live ByBit V5 adapter. It owns signing, recv-window,
// retries, rate limiting and status normalization; the core only sees
// the exchange.Exchange contract.
type Client struct {
	httpClient *bybit_api.Client
	category   string // "spot" or "linear"
	demo       bool
	testnet    bool

	instruments *instrumentCache
	limiter     *exchange.RateLimiter
	breaker     *circuitBreaker
	retry       retryConfig
}

// Config holds the configuration for the ByBit client.
type Config struct {
	APIKey     string
	APISecret  string
	Category   string // "spot" or "linear"; the demo endpoint requires "linear"
	Demo       bool   // paper trading against the real match engine
	Testnet    bool
	RecvWindow time.Duration // tolerated client/server skew, default 10s
	RatePerMin int           // token bucket refill, default 1000 req/min
}

// NewClient creates a new ByBit adapter.
func NewClient(cfg Config) *Client {
	var baseURL string
	switch {
	case cfg.Demo:
		baseURL = "https://api-demo.bybit.com"
	case cfg.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		baseURL = bybit_api.MAINNET
	}

	recvWindow := cfg.RecvWindow
	if recvWindow == 0 {
		recvWindow = 10 * time.Second
	}
	ratePerMin := cfg.RatePerMin
	if ratePerMin == 0 {
		ratePerMin = 1000
	}
	category := cfg.Category
	if category == "" {
		category = "linear"
	}

	httpClient := bybit_api.NewBybitHttpClient(
		cfg.APIKey,
		cfg.APISecret,
		bybit_api.WithBaseURL(baseURL),
	)

	c := &Client{
		httpClient: httpClient,
		category:   category,
		demo:       cfg.Demo,
		testnet:    cfg.Testnet,
		limiter:    exchange.NewRateLimiter(ratePerMin/10, ratePerMin),
		breaker:    newCircuitBreaker(5, 2*time.Minute),
		retry:      defaultRetryConfig(),
	}
	c.instruments = newInstrumentCache(c)
	return c
}

func (c *Client) Name() string {
	switch {
	case c.demo:
		return "bybit-demo"
	case c.testnet:
		return "bybit-testnet"
	default:
		return "bybit"
	}
}

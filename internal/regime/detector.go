package regime

import (
	"time"

	"github.com/quangdle/bybit-multistrat-bot/internal/indicators"
	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// Type classifies the current market regime for a symbol.
type Type string

const (
	TrendingUp   Type = "trending_up"
	TrendingDown Type = "trending_down"
	Ranging      Type = "ranging"
	Volatile     Type = "volatile"
	Unknown      Type = "unknown"
)

// Signal is the output of one detection pass.
type Signal struct {
	Type       Type      `json:"type"`
	Confidence float64   `json:"confidence"`
	EMAFast    float64   `json:"ema_fast"`
	EMASlow    float64   `json:"ema_slow"`
	ATR        float64   `json:"atr"`
	RSI        float64   `json:"rsi"`
	Timestamp  time.Time `json:"timestamp"`
}

// Detector classifies a symbol's regime from hourly candles using
// EMA(20/50) divergence, ATR(14) volatility and RSI(14).
type Detector struct {
	emaFastPeriod int
	emaSlowPeriod int
	atrPeriod     int
	rsiPeriod     int

	// Classification thresholds as fractions of price.
	trendThreshold    float64 // EMA divergence beyond which a trend is called
	volatileThreshold float64 // ATR/price beyond which the market is volatile

	lastSignal *Signal
}

// NewDetector creates a detector with the default thresholds.
func NewDetector() *Detector {
	return &Detector{
		emaFastPeriod:     20,
		emaSlowPeriod:     50,
		atrPeriod:         14,
		rsiPeriod:         14,
		trendThreshold:    0.005,
		volatileThreshold: 0.05,
	}
}

// MinCandles returns the minimum hourly window the detector needs.
func (d *Detector) MinCandles() int {
	return d.emaSlowPeriod + 1
}

// Detect classifies the regime from hourly candles and the current
// price. Insufficient data yields Unknown rather than an error so the
// orchestrator's advisory consumers keep working.
func (d *Detector) Detect(hourly []types.OHLCV, currentPrice float64) Signal {
	now := time.Now()
	if len(hourly) < d.MinCandles() || currentPrice <= 0 {
		sig := Signal{Type: Unknown, Timestamp: now}
		d.lastSignal = &sig
		return sig
	}

	emaFast, err1 := indicators.NewEMA(d.emaFastPeriod).Calculate(hourly)
	emaSlow, err2 := indicators.NewEMA(d.emaSlowPeriod).Calculate(hourly)
	atr, err3 := indicators.NewATR(d.atrPeriod).Calculate(hourly)
	rsi, err4 := indicators.NewRSI(d.rsiPeriod).Calculate(types.Closes(hourly))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		sig := Signal{Type: Unknown, Timestamp: now}
		d.lastSignal = &sig
		return sig
	}

	sig := Signal{
		EMAFast:   emaFast,
		EMASlow:   emaSlow,
		ATR:       atr,
		RSI:       rsi,
		Timestamp: now,
	}

	divergence := (emaFast - emaSlow) / currentPrice
	volatility := atr / currentPrice

	switch {
	case volatility > d.volatileThreshold:
		sig.Type = Volatile
		sig.Confidence = clamp(volatility/d.volatileThreshold-1, 0, 1)
	case divergence > d.trendThreshold:
		sig.Type = TrendingUp
		sig.Confidence = clamp(divergence/(3*d.trendThreshold), 0, 1)
	case divergence < -d.trendThreshold:
		sig.Type = TrendingDown
		sig.Confidence = clamp(-divergence/(3*d.trendThreshold), 0, 1)
	default:
		sig.Type = Ranging
		sig.Confidence = clamp(1-abs(divergence)/d.trendThreshold, 0, 1)
	}

	d.lastSignal = &sig
	return sig
}

// Last returns the most recent signal, or nil before the first pass.
func (d *Detector) Last() *Signal { return d.lastSignal }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

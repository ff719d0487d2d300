package indicators

import (
	"errors"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

var ErrInsufficientData = errors.New("insufficient data for indicator calculation")

// EMA represents the Exponential Moving Average technical indicator.
type EMA struct {
	period      int
	alpha       float64
	lastValue   float64
	initialized bool
}

// NewEMA creates a new EMA indicator.
func NewEMA(period int) *EMA {
	return &EMA{
		period: period,
		alpha:  2.0 / float64(period+1),
	}
}

// Calculate computes the EMA over a candle window. The full window is
// replayed so the result is deterministic for a given input, which
// keeps the math reusable from a backtester with injected candles.
func (e *EMA) Calculate(data []types.OHLCV) (float64, error) {
	if len(data) < e.period {
		return 0, ErrInsufficientData
	}

	// Seed with the SMA of the first period, then roll forward.
	sum := 0.0
	for i := 0; i < e.period; i++ {
		sum += data[i].Close
	}
	value := sum / float64(e.period)
	for i := e.period; i < len(data); i++ {
		value = data[i].Close*e.alpha + value*(1-e.alpha)
	}

	e.lastValue = value
	e.initialized = true
	return value, nil
}

// UpdateSingle rolls the EMA forward with one value.
func (e *EMA) UpdateSingle(value float64) float64 {
	if !e.initialized {
		e.lastValue = value
		e.initialized = true
	} else {
		e.lastValue = value*e.alpha + e.lastValue*(1-e.alpha)
	}
	return e.lastValue
}

// LastValue returns the last calculated EMA value.
func (e *EMA) LastValue() float64 { return e.lastValue }

// RequiredPeriods returns the minimum number of candles needed.
func (e *EMA) RequiredPeriods() int { return e.period }

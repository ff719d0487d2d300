package indicators

import (
	"math"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// ATR represents the Average True Range, a volatility measure smoothed
// with an EMA of the per-bar true range (Wilder style smoothing).
type ATR struct {
	period int
}

// NewATR creates a new ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Calculate computes ATR over a candle window.
func (a *ATR) Calculate(data []types.OHLCV) (float64, error) {
	if len(data) < a.period+1 {
		return 0, ErrInsufficientData
	}

	ema := NewEMA(a.period)
	value := 0.0
	for i, candle := range data {
		var tr float64
		if i == 0 {
			tr = candle.High - candle.Low
		} else {
			tr = trueRange(candle, data[i-1].Close)
		}
		value = ema.UpdateSingle(tr)
	}
	return value, nil
}

// RequiredPeriods returns the minimum number of candles needed.
func (a *ATR) RequiredPeriods() int { return a.period + 1 }

func trueRange(current types.OHLCV, prevClose float64) float64 {
	hl := current.High - current.Low
	hc := math.Abs(current.High - prevClose)
	lc := math.Abs(current.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

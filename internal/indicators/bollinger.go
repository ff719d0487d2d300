package indicators

import "math"

// Bollinger computes Bollinger Bands over a close-price series.
type Bollinger struct {
	period int
	stdDev float64
}

// Bands holds the three band values.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// NewBollinger creates a Bollinger Bands calculator.
func NewBollinger(period int, stdDev float64) *Bollinger {
	return &Bollinger{period: period, stdDev: stdDev}
}

// Calculate returns the bands for the most recent window.
func (b *Bollinger) Calculate(prices []float64) (Bands, error) {
	if len(prices) < b.period {
		return Bands{}, ErrInsufficientData
	}

	window := prices[len(prices)-b.period:]
	middle := mean(window)

	variance := 0.0
	for _, p := range window {
		d := p - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(b.period))

	return Bands{
		Upper:  middle + b.stdDev*sd,
		Middle: middle,
		Lower:  middle - b.stdDev*sd,
	}, nil
}

// RequiredPeriods returns the minimum number of prices needed.
func (b *Bollinger) RequiredPeriods() int { return b.period }

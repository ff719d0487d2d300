package indicators

import "math"

// RSI calculates the Relative Strength Index.
type RSI struct {
	period int
}

// NewRSI creates a new RSI instance with the given period.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

// Calculate computes the RSI value from a close-price series.
func (r *RSI) Calculate(prices []float64) (float64, error) {
	if len(prices) < r.period+1 {
		return 0, ErrInsufficientData
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, math.Abs(change))
		}
	}

	avgGain := mean(gains[len(gains)-r.period:])
	avgLoss := mean(losses[len(losses)-r.period:])
	if avgLoss == 0 {
		return 100, nil
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), nil
}

// RequiredPeriods returns the minimum number of prices needed.
func (r *RSI) RequiredPeriods() int { return r.period + 1 }

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

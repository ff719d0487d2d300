package indicators

// SMA computes the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if len(values) < period || period <= 0 {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

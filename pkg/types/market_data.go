package types

import "time"

type OHLCV struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

type Ticker struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp time.Time
}

type Balance struct {
	Asset string
	Free  float64
	Total float64
}

// Closes extracts the close prices from a candle window.
func Closes(data []OHLCV) []float64 {
	out := make([]float64, len(data))
	for i, c := range data {
		out[i] = c.Close
	}
	return out
}

// MeanVolume returns the average volume over the last n candles.
func MeanVolume(data []OHLCV, n int) float64 {
	if len(data) == 0 {
		return 0
	}
	if n > len(data) {
		n = len(data)
	}
	sum := 0.0
	for _, c := range data[len(data)-n:] {
		sum += c.Volume
	}
	return sum / float64(n)
}

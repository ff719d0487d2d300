package smc

import (
	"math"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// PatternKind names the entry-timing candle patterns.
type PatternKind string

const (
	PatternEngulfing PatternKind = "engulfing"
	PatternPinBar    PatternKind = "pin_bar"
	PatternInsideBar PatternKind = "inside_bar"
)

// Pattern is one detected price-action setup on the entry timeframe.
type Pattern struct {
	Kind      PatternKind `json:"kind"`
	Direction Bias        `json:"direction"`
	Quality   float64     `json:"quality"` // 0..1
}

// PatternDetector scores reversal patterns on the last closed bars.
type PatternDetector struct {
	volumePeriod     int
	volumeMultiplier float64 // 0 disables volume confirmation
}

// NewPatternDetector creates a detector; volumeMultiplier 0 skips the
// volume check.
func NewPatternDetector(volumePeriod int, volumeMultiplier float64) *PatternDetector {
	if volumePeriod == 0 {
		volumePeriod = 20
	}
	return &PatternDetector{volumePeriod: volumePeriod, volumeMultiplier: volumeMultiplier}
}

// Detect inspects the last two candles for an entry pattern in the
// given direction. Returns nil when nothing qualifies.
func (d *PatternDetector) Detect(candles []types.OHLCV, direction Bias) *Pattern {
	if len(candles) < 2 {
		return nil
	}
	prev, last := candles[len(candles)-2], candles[len(candles)-1]

	volumeBoost := 0.0
	if d.volumeMultiplier > 0 {
		meanVol := types.MeanVolume(candles, d.volumePeriod)
		if meanVol > 0 && last.Volume >= d.volumeMultiplier*meanVol {
			volumeBoost = 0.2
		}
	}

	if p := engulfing(prev, last, direction); p != nil {
		p.Quality = clamp01(p.Quality + volumeBoost)
		return p
	}
	if p := pinBar(last, direction); p != nil {
		p.Quality = clamp01(p.Quality + volumeBoost)
		return p
	}
	if p := insideBar(prev, last, direction); p != nil {
		p.Quality = clamp01(p.Quality + volumeBoost)
		return p
	}
	return nil
}

// engulfing requires the last body to fully wrap the previous body in
// the opposite direction. Quality scales with the body ratio.
func engulfing(prev, last types.OHLCV, direction Bias) *Pattern {
	prevBody := math.Abs(prev.Close - prev.Open)
	lastBody := math.Abs(last.Close - last.Open)
	if prevBody == 0 || lastBody == 0 {
		return nil
	}

	if direction == BiasBullish {
		if last.Close > last.Open && prev.Close < prev.Open &&
			last.Close >= prev.Open && last.Open <= prev.Close {
			return &Pattern{
				Kind:      PatternEngulfing,
				Direction: BiasBullish,
				Quality:   clamp01(0.4 + 0.3*math.Min(lastBody/prevBody-1, 1)),
			}
		}
		return nil
	}
	if last.Close < last.Open && prev.Close > prev.Open &&
		last.Close <= prev.Open && last.Open >= prev.Close {
		return &Pattern{
			Kind:      PatternEngulfing,
			Direction: BiasBearish,
			Quality:   clamp01(0.4 + 0.3*math.Min(lastBody/prevBody-1, 1)),
		}
	}
	return nil
}

// pinBar requires the rejection wick to be at least twice the body with
// the close in the far third of the range.
func pinBar(c types.OHLCV, direction Bias) *Pattern {
	body := math.Abs(c.Close - c.Open)
	rng := c.High - c.Low
	if body == 0 || rng == 0 {
		return nil
	}

	if direction == BiasBullish {
		lowerWick := math.Min(c.Open, c.Close) - c.Low
		if lowerWick >= 2*body && c.Close >= c.Low+rng*2/3 {
			return &Pattern{
				Kind:      PatternPinBar,
				Direction: BiasBullish,
				Quality:   clamp01(0.4 + 0.2*math.Min(lowerWick/body-2, 1)),
			}
		}
		return nil
	}
	upperWick := c.High - math.Max(c.Open, c.Close)
	if upperWick >= 2*body && c.Close <= c.High-rng*2/3 {
		return &Pattern{
			Kind:      PatternPinBar,
			Direction: BiasBearish,
			Quality:   clamp01(0.4 + 0.2*math.Min(upperWick/body-2, 1)),
		}
	}
	return nil
}

// insideBar is the weakest setup: consolidation inside the previous
// range with a close leaning in the signal direction.
func insideBar(prev, last types.OHLCV, direction Bias) *Pattern {
	if last.High >= prev.High || last.Low <= prev.Low {
		return nil
	}
	leaning := last.Close > last.Open
	if direction == BiasBearish {
		leaning = last.Close < last.Open
	}
	if !leaning {
		return nil
	}
	return &Pattern{Kind: PatternInsideBar, Direction: direction, Quality: 0.35}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package smc

import (
	"time"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// Bias classifies the structural direction of a timeframe.
type Bias string

const (
	BiasBullish Bias = "bullish"
	BiasBearish Bias = "bearish"
	BiasRanging Bias = "ranging"
)

// StructureEvent flags a violated swing.
type StructureEvent string

const (
	EventNone StructureEvent = ""
	// EventBOS is a break of structure, trend continuation.
	EventBOS StructureEvent = "bos"
	// EventCHoCH is a change of character, potential reversal.
	EventCHoCH StructureEvent = "choch"
)

// SwingKind distinguishes swing highs from swing lows.
type SwingKind string

const (
	SwingHigh SwingKind = "high"
	SwingLow  SwingKind = "low"
)

// Swing is one confirmed structural pivot.
type Swing struct {
	Index int       `json:"index"`
	Kind  SwingKind `json:"kind"`
	Price float64   `json:"price"`
	Time  time.Time `json:"time"`
}

// StructureState is the output of one analysis pass over a timeframe.
type StructureState struct {
	Bias       Bias           `json:"bias"`
	Swings     []Swing        `json:"swings"`
	Event      StructureEvent `json:"event"`
	EventPrice float64        `json:"event_price,omitempty"`
}

// StructureAnalyzer finds swing pivots with a symmetric lookback and
// classifies the regime from the swing sequence. A swing violated
// beyond the structural buffer raises BOS (with the trend) or CHoCH
// (against it).
type StructureAnalyzer struct {
	lookback int
	buffer   float64 // fraction of price
	prevBias Bias
}

// NewStructureAnalyzer creates an analyzer. Lookback outside [5, 10]
// is clamped; zero buffer defaults to 0.2%.
func NewStructureAnalyzer(lookback int, buffer float64) *StructureAnalyzer {
	if lookback < 5 {
		lookback = 5
	}
	if lookback > 10 {
		lookback = 10
	}
	if buffer == 0 {
		buffer = 0.002
	}
	return &StructureAnalyzer{lookback: lookback, buffer: buffer, prevBias: BiasRanging}
}

// Analyze runs a full pass over the candle window.
func (a *StructureAnalyzer) Analyze(candles []types.OHLCV) StructureState {
	state := StructureState{Bias: BiasRanging}
	if len(candles) < 2*a.lookback+2 {
		return state
	}

	state.Swings = a.findSwings(candles)
	state.Bias = classifyBias(state.Swings)

	state.Event, state.EventPrice = a.detectEvent(candles, state.Swings, state.Bias)
	a.prevBias = state.Bias
	return state
}

// findSwings confirms a pivot when a bar's extreme dominates the
// symmetric lookback window on both sides.
func (a *StructureAnalyzer) findSwings(candles []types.OHLCV) []Swing {
	var swings []Swing
	lb := a.lookback
	for i := lb; i < len(candles)-lb; i++ {
		isHigh, isLow := true, true
		for j := i - lb; j <= i+lb; j++ {
			if j == i {
				continue
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			swings = append(swings, Swing{Index: i, Kind: SwingHigh, Price: candles[i].High, Time: candles[i].Timestamp})
		}
		if isLow {
			swings = append(swings, Swing{Index: i, Kind: SwingLow, Price: candles[i].Low, Time: candles[i].Timestamp})
		}
	}
	return swings
}

// classifyBias reads the last two highs and two lows: higher highs with
// higher lows is bullish, lower with lower is bearish.
func classifyBias(swings []Swing) Bias {
	var highs, lows []float64
	for _, s := range swings {
		if s.Kind == SwingHigh {
			highs = append(highs, s.Price)
		} else {
			lows = append(lows, s.Price)
		}
	}
	if len(highs) < 2 || len(lows) < 2 {
		return BiasRanging
	}
	hh := highs[len(highs)-1] > highs[len(highs)-2]
	hl := lows[len(lows)-1] > lows[len(lows)-2]
	lh := highs[len(highs)-1] < highs[len(highs)-2]
	ll := lows[len(lows)-1] < lows[len(lows)-2]

	switch {
	case hh && hl:
		return BiasBullish
	case lh && ll:
		return BiasBearish
	default:
		return BiasRanging
	}
}

// detectEvent checks whether the latest close violated the most recent
// opposing swing beyond the buffer.
func (a *StructureAnalyzer) detectEvent(candles []types.OHLCV, swings []Swing, bias Bias) (StructureEvent, float64) {
	if len(swings) == 0 {
		return EventNone, 0
	}
	lastClose := candles[len(candles)-1].Close

	lastHigh, lastLow := lastSwing(swings, SwingHigh), lastSwing(swings, SwingLow)

	if lastHigh != nil && lastClose > lastHigh.Price*(1+a.buffer) {
		if bias == BiasBearish || a.prevBias == BiasBearish {
			return EventCHoCH, lastHigh.Price
		}
		return EventBOS, lastHigh.Price
	}
	if lastLow != nil && lastClose < lastLow.Price*(1-a.buffer) {
		if bias == BiasBullish || a.prevBias == BiasBullish {
			return EventCHoCH, lastLow.Price
		}
		return EventBOS, lastLow.Price
	}
	return EventNone, 0
}

func lastSwing(swings []Swing, kind SwingKind) *Swing {
	for i := len(swings) - 1; i >= 0; i-- {
		if swings[i].Kind == kind {
			return &swings[i]
		}
	}
	return nil
}

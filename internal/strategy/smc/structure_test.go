package smc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// flatCandles is a quiet base series swings are carved into.
func flatCandles(n int) []types.OHLCV {
	out := make([]types.OHLCV, n)
	ts := time.Now().Add(-time.Duration(n) * 4 * time.Hour)
	for i := range out {
		out[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * 4 * time.Hour),
			Open:      100, High: 100.5, Low: 99.5, Close: 100, Volume: 100,
		}
	}
	return out
}

func withSpikeHigh(candles []types.OHLCV, i int, high float64) {
	candles[i].High = high
	candles[i].Open = high - 1
	candles[i].Close = high - 1.5
}

func withSpikeLow(candles []types.OHLCV, i int, low float64) {
	candles[i].Low = low
	candles[i].Open = low + 1.5
	candles[i].Close = low + 1
}

// bullishStructure has rising swing highs and rising swing lows.
func bullishStructure() []types.OHLCV {
	c := flatCandles(60)
	withSpikeHigh(c, 10, 105)
	withSpikeLow(c, 17, 95)
	withSpikeHigh(c, 25, 107)
	withSpikeLow(c, 32, 96)
	withSpikeHigh(c, 40, 109)
	withSpikeLow(c, 47, 97)
	return c
}

func bearishStructure() []types.OHLCV {
	c := flatCandles(60)
	withSpikeHigh(c, 10, 109)
	withSpikeLow(c, 17, 97)
	withSpikeHigh(c, 25, 107)
	withSpikeLow(c, 32, 96)
	withSpikeHigh(c, 40, 105)
	withSpikeLow(c, 47, 95)
	return c
}

func TestStructureFindsSwings(t *testing.T) {
	a := NewStructureAnalyzer(5, 0)
	state := a.Analyze(bullishStructure())

	highs, lows := 0, 0
	for _, s := range state.Swings {
		switch s.Kind {
		case SwingHigh:
			highs++
		case SwingLow:
			lows++
		}
	}
	assert.Equal(t, 3, highs)
	assert.Equal(t, 3, lows)
}

func TestStructureBias(t *testing.T) {
	assert.Equal(t, BiasBullish, NewStructureAnalyzer(5, 0).Analyze(bullishStructure()).Bias)
	assert.Equal(t, BiasBearish, NewStructureAnalyzer(5, 0).Analyze(bearishStructure()).Bias)

	// Mixed highs and lows stay ranging.
	c := flatCandles(60)
	withSpikeHigh(c, 10, 105)
	withSpikeLow(c, 17, 95)
	withSpikeHigh(c, 25, 107) // higher high
	withSpikeLow(c, 32, 94)   // lower low
	assert.Equal(t, BiasRanging, NewStructureAnalyzer(5, 0).Analyze(c).Bias)
}

func TestStructureInsufficientDataIsRanging(t *testing.T) {
	state := NewStructureAnalyzer(5, 0).Analyze(flatCandles(8))
	assert.Equal(t, BiasRanging, state.Bias)
	assert.Empty(t, state.Swings)
	assert.Equal(t, EventNone, state.Event)
}

func TestStructureBreakOfStructure(t *testing.T) {
	c := bullishStructure()
	// Close beyond the last swing high plus the 0.2% buffer, with the
	// trend: continuation.
	c[59].Close = 110

	state := NewStructureAnalyzer(5, 0).Analyze(c)
	require.Equal(t, BiasBullish, state.Bias)
	assert.Equal(t, EventBOS, state.Event)
	assert.Equal(t, 109.0, state.EventPrice)
}

func TestStructureChangeOfCharacter(t *testing.T) {
	c := bearishStructure()
	// An upside break against a bearish structure flags a reversal.
	c[59].Close = 106

	state := NewStructureAnalyzer(5, 0).Analyze(c)
	require.Equal(t, BiasBearish, state.Bias)
	assert.Equal(t, EventCHoCH, state.Event)
	assert.Equal(t, 105.0, state.EventPrice)
}

func TestStructureBufferSuppressesMarginalBreak(t *testing.T) {
	c := bullishStructure()
	// Inside the 0.2% buffer above the 109 swing: not a break.
	c[59].Close = 109.1

	state := NewStructureAnalyzer(5, 0).Analyze(c)
	assert.Equal(t, EventNone, state.Event)
}

func TestStructureLookbackClamped(t *testing.T) {
	a := NewStructureAnalyzer(1, 0)
	assert.Equal(t, 5, a.lookback)
	a = NewStructureAnalyzer(50, 0)
	assert.Equal(t, 10, a.lookback)
}

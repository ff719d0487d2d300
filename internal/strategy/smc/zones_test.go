package smc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

func TestZoneFairValueGapBullish(t *testing.T) {
	candles := []types.OHLCV{
		{Open: 99, High: 100, Low: 98, Close: 99.5},
		{Open: 99.5, High: 101.5, Low: 99.4, Close: 101.4},
		{Open: 102.5, High: 103, Low: 102, Close: 102.8},
	}
	zones := NewZoneDetector(0, 0).fairValueGaps(candles)
	require.Len(t, zones, 1)

	z := zones[0]
	assert.Equal(t, ZoneFVG, z.Kind)
	assert.Equal(t, BiasBullish, z.Direction)
	assert.Equal(t, 102.0, z.High)
	assert.Equal(t, 100.0, z.Low)
}

func TestZoneFairValueGapBearish(t *testing.T) {
	candles := []types.OHLCV{
		{Open: 103, High: 104, Low: 102, Close: 102.5},
		{Open: 102.5, High: 102.6, Low: 100.5, Close: 100.6},
		{Open: 99.5, High: 99.8, Low: 99, Close: 99.2},
	}
	zones := NewZoneDetector(0, 0).fairValueGaps(candles)
	require.Len(t, zones, 1)

	z := zones[0]
	assert.Equal(t, BiasBearish, z.Direction)
	assert.Equal(t, 102.0, z.High)
	assert.Equal(t, 99.8, z.Low)
}

func TestZoneOrderBlockAtSwingLow(t *testing.T) {
	candles := []types.OHLCV{
		{Open: 101, High: 101.5, Low: 100, Close: 100.2},
		{Open: 100.2, High: 100.4, Low: 98, Close: 98.5},  // last down candle
		{Open: 98.5, High: 101, Low: 98.2, Close: 100.8},  // reversal bar at the swing
		{Open: 100.8, High: 102, Low: 100.5, Close: 101.8},
	}
	structure := StructureState{
		Swings: []Swing{{Index: 2, Kind: SwingLow, Price: 98.2}},
	}

	zones := NewZoneDetector(0, 0).orderBlocks(candles, structure)
	require.Len(t, zones, 1)

	z := zones[0]
	assert.Equal(t, ZoneOrderBlock, z.Kind)
	assert.Equal(t, BiasBullish, z.Direction)
	assert.Equal(t, 100.4, z.High)
	assert.Equal(t, 98.0, z.Low)
}

func TestZoneMergeOverlappingSameDirection(t *testing.T) {
	d := NewZoneDetector(0, 0)
	early := time.Now().Add(-2 * time.Hour)
	late := time.Now()

	zones := d.merge([]*Zone{
		{ID: "a", Direction: BiasBullish, Low: 100, High: 102, CreatedAt: late},
		{ID: "b", Direction: BiasBullish, Low: 101, High: 103, CreatedAt: early},
		{ID: "c", Direction: BiasBearish, Low: 100.5, High: 102.5, CreatedAt: late},
	})

	// The two bullish zones collapse into one spanning both; the bearish
	// one survives untouched.
	require.Len(t, zones, 2)
	var bull, bear *Zone
	for _, z := range zones {
		if z.Direction == BiasBullish {
			bull = z
		} else {
			bear = z
		}
	}
	require.NotNil(t, bull)
	require.NotNil(t, bear)
	assert.Equal(t, 100.0, bull.Low)
	assert.Equal(t, 103.0, bull.High)
	assert.Equal(t, early, bull.CreatedAt)
}

func TestZoneUpdateInvalidatesDeepPenetration(t *testing.T) {
	d := NewZoneDetector(0, 0)
	now := time.Now()
	zones := []*Zone{
		{ID: "shallow", Direction: BiasBullish, Low: 99.5, High: 101.5, CreatedAt: now},
		{ID: "deep", Direction: BiasBullish, Low: 100, High: 102, CreatedAt: now},
	}

	// At 100.5 the first zone is penetrated exactly to its midpoint and
	// survives; the second is 75% consumed and is invalidated.
	live := d.Update(zones, 100.5, now)
	require.Len(t, live, 1)
	assert.Equal(t, "shallow", live[0].ID)
	assert.Equal(t, 1, live[0].Touches)
}

func TestZoneTouchAndAgeDecayScore(t *testing.T) {
	now := time.Now()
	fresh := &Zone{Direction: BiasBullish, Low: 100, High: 102, CreatedAt: now}
	stale := &Zone{Direction: BiasBullish, Low: 100, High: 102, CreatedAt: now.Add(-20 * time.Hour), Touches: 3}

	assert.Greater(t, zoneScore(fresh, 101, now), zoneScore(stale, 101, now))
}

func TestZoneUpdateSortsByScore(t *testing.T) {
	d := NewZoneDetector(0, 0)
	now := time.Now()
	zones := []*Zone{
		{ID: "far", Direction: BiasBullish, Low: 80, High: 82, CreatedAt: now},
		{ID: "near", Direction: BiasBullish, Low: 99, High: 101, CreatedAt: now},
	}

	live := d.Update(zones, 100, now)
	require.Len(t, live, 2)
	assert.Equal(t, "near", live[0].ID)
}

func TestZoneFarEdge(t *testing.T) {
	demand := &Zone{Direction: BiasBullish, Low: 100, High: 102}
	supply := &Zone{Direction: BiasBearish, Low: 100, High: 102}
	assert.Equal(t, 100.0, demand.FarEdge())
	assert.Equal(t, 102.0, supply.FarEdge())
}

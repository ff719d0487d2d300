package smc

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quangdle/bybit-multistrat-bot/pkg/types"
)

// ZoneKind distinguishes the two confluence zone sources.
type ZoneKind string

const (
	ZoneOrderBlock ZoneKind = "order_block"
	ZoneFVG        ZoneKind = "fvg"
)

// Zone is a price area where resting institutional interest is
// presumed. Zones persist across ticks and are re-scored; they only
// disappear by invalidation.
type Zone struct {
	ID        string    `json:"id"`
	Kind      ZoneKind  `json:"kind"`
	Direction Bias      `json:"direction"` // bullish = demand, bearish = supply
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	CreatedAt time.Time `json:"created_at"`
	Touches   int       `json:"touches"`
	Mitigated bool      `json:"mitigated"`
	Score     float64   `json:"score"`
}

// Height is the zone's price span.
func (z *Zone) Height() float64 { return z.High - z.Low }

// Contains reports whether price is inside the zone.
func (z *Zone) Contains(price float64) bool {
	return price >= z.Low && price <= z.High
}

// FarEdge is the boundary a protective stop sits just beyond.
func (z *Zone) FarEdge() float64 {
	if z.Direction == BiasBullish {
		return z.Low
	}
	return z.High
}

// ZoneDetector finds order blocks and fair value gaps and maintains
// the live zone set.
type ZoneDetector struct {
	mergeThreshold float64 // overlap tolerance as fraction of price
	maxPenetration float64 // invalidation depth as fraction of height
}

// NewZoneDetector creates a detector with the given thresholds; zeros
// take the defaults (1% merge, 50% penetration).
func NewZoneDetector(mergeThreshold, maxPenetration float64) *ZoneDetector {
	if mergeThreshold == 0 {
		mergeThreshold = 0.01
	}
	if maxPenetration == 0 {
		maxPenetration = 0.5
	}
	return &ZoneDetector{mergeThreshold: mergeThreshold, maxPenetration: maxPenetration}
}

// Detect extracts fresh zones from a candle window and its structure
// state, merges overlaps, and returns the combined set with existing.
func (d *ZoneDetector) Detect(candles []types.OHLCV, structure StructureState, existing []*Zone) []*Zone {
	zones := append([]*Zone{}, existing...)
	zones = append(zones, d.orderBlocks(candles, structure)...)
	zones = append(zones, d.fairValueGaps(candles)...)
	return d.merge(zones)
}

// orderBlocks marks the last opposite-direction candle before each
// structural swing break.
func (d *ZoneDetector) orderBlocks(candles []types.OHLCV, structure StructureState) []*Zone {
	var zones []*Zone
	for _, s := range structure.Swings {
		// The candle preceding a swing low that printed against the
		// move is a demand block; mirrored at swing highs.
		if s.Index < 1 || s.Index >= len(candles) {
			continue
		}
		c := candles[s.Index]
		if s.Kind == SwingLow && c.Close > c.Open {
			prev := candles[s.Index-1]
			if prev.Close < prev.Open {
				zones = append(zones, &Zone{
					ID:        uuid.NewString(),
					Kind:      ZoneOrderBlock,
					Direction: BiasBullish,
					High:      prev.High,
					Low:       prev.Low,
					CreatedAt: prev.Timestamp,
				})
			}
		}
		if s.Kind == SwingHigh && c.Close < c.Open {
			prev := candles[s.Index-1]
			if prev.Close > prev.Open {
				zones = append(zones, &Zone{
					ID:        uuid.NewString(),
					Kind:      ZoneOrderBlock,
					Direction: BiasBearish,
					High:      prev.High,
					Low:       prev.Low,
					CreatedAt: prev.Timestamp,
				})
			}
		}
	}
	return zones
}

// fairValueGaps finds three-candle imbalances: a gap between the first
// candle's high and the third candle's low (bullish), mirrored bearish.
func (d *ZoneDetector) fairValueGaps(candles []types.OHLCV) []*Zone {
	var zones []*Zone
	for i := 2; i < len(candles); i++ {
		a, c := candles[i-2], candles[i]
		if c.Low > a.High {
			zones = append(zones, &Zone{
				ID:        uuid.NewString(),
				Kind:      ZoneFVG,
				Direction: BiasBullish,
				High:      c.Low,
				Low:       a.High,
				CreatedAt: c.Timestamp,
			})
		}
		if c.High < a.Low {
			zones = append(zones, &Zone{
				ID:        uuid.NewString(),
				Kind:      ZoneFVG,
				Direction: BiasBearish,
				High:      a.Low,
				Low:       c.High,
				CreatedAt: c.Timestamp,
			})
		}
	}
	return zones
}

// merge collapses overlapping same-direction zones within the
// threshold, keeping the widest span and the earliest creation time.
func (d *ZoneDetector) merge(zones []*Zone) []*Zone {
	sort.Slice(zones, func(i, j int) bool { return zones[i].Low < zones[j].Low })

	var out []*Zone
	for _, z := range zones {
		merged := false
		for _, kept := range out {
			if kept.Direction != z.Direction {
				continue
			}
			tol := d.mergeThreshold * kept.High
			if z.Low <= kept.High+tol && z.High >= kept.Low-tol {
				if z.High > kept.High {
					kept.High = z.High
				}
				if z.Low < kept.Low {
					kept.Low = z.Low
				}
				if z.CreatedAt.Before(kept.CreatedAt) {
					kept.CreatedAt = z.CreatedAt
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, z)
		}
	}
	return out
}

// Update re-scores the zone set against the current price and drops
// zones penetrated beyond the invalidation depth.
func (d *ZoneDetector) Update(zones []*Zone, price float64, now time.Time) []*Zone {
	var live []*Zone
	for _, z := range zones {
		if z.Height() <= 0 {
			continue
		}
		if z.Contains(price) {
			z.Touches++
			var depth float64
			if z.Direction == BiasBullish {
				depth = (z.High - price) / z.Height()
			} else {
				depth = (price - z.Low) / z.Height()
			}
			if depth > d.maxPenetration {
				z.Mitigated = true
			}
		}
		if z.Mitigated {
			continue
		}
		z.Score = zoneScore(z, price, now)
		live = append(live, z)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Score > live[j].Score })
	return live
}

// zoneScore prefers fresh, untouched zones close to price.
func zoneScore(z *Zone, price float64, now time.Time) float64 {
	score := 1.0
	score -= 0.15 * float64(z.Touches)

	ageHours := now.Sub(z.CreatedAt).Hours()
	score -= 0.01 * ageHours

	mid := (z.High + z.Low) / 2
	dist := (price - mid) / price
	if dist < 0 {
		dist = -dist
	}
	score -= dist * 2

	if z.Kind == ZoneOrderBlock {
		score += 0.1
	}
	if score < 0 {
		score = 0
	}
	return score
}

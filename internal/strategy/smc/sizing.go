package smc

import (
	"errors"
	"fmt"
	"math"
)

// SizingMode selects the position sizing formula.
type SizingMode string

const (
	SizeFixedRisk SizingMode = "fixed_risk"
	SizeKelly     SizingMode = "kelly"
)

// ErrZeroRisk rejects a trade whose stop sits on its entry.
var ErrZeroRisk = errors.New("zero-risk trade: stop equals entry")

// PartialLevel is one rung of the scale-out schedule.
type PartialLevel struct {
	RMultiple float64 `mapstructure:"r_multiple" json:"r_multiple"`
	Fraction  float64 `mapstructure:"fraction" json:"fraction"`
}

// SizingConfig holds the position-sizing policy.
type SizingConfig struct {
	Mode          SizingMode     `mapstructure:"mode" json:"mode"`
	KellyFraction float64        `mapstructure:"kelly_fraction" json:"kelly_fraction"`
	FixedRiskPct  float64        `mapstructure:"fixed_risk_pct" json:"fixed_risk_pct"`
	MinRiskReward float64        `mapstructure:"min_risk_reward" json:"min_risk_reward"`
	Partials      []PartialLevel `mapstructure:"partials" json:"partials"`
}

func (c *SizingConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = SizeFixedRisk
	}
	if c.KellyFraction == 0 {
		c.KellyFraction = 0.25
	}
	if c.FixedRiskPct == 0 {
		c.FixedRiskPct = 0.02
	}
	if c.MinRiskReward == 0 {
		c.MinRiskReward = 2.5
	}
	if len(c.Partials) == 0 {
		c.Partials = []PartialLevel{
			{RMultiple: 1.5, Fraction: 0.5},
			{RMultiple: 2.5, Fraction: 0.3},
		}
	}
}

// Sizer turns a signal's entry/stop geometry into a base amount.
type Sizer struct {
	cfg SizingConfig

	// Rolling edge estimate for Kelly; seeded neutral so the formula
	// degrades to a small fixed fraction before history accumulates.
	wins, losses   int
	avgWin, avgLoss float64
}

// NewSizer creates a sizer with defaults applied.
func NewSizer(cfg SizingConfig) *Sizer {
	cfg.applyDefaults()
	return &Sizer{cfg: cfg}
}

// Config returns the effective policy.
func (s *Sizer) Config() SizingConfig { return s.cfg }

// Amount computes the base amount for a trade from the quote capital
// and the entry/stop distance. A stop equal to the entry is rejected.
func (s *Sizer) Amount(capital, entry, stop float64) (float64, error) {
	riskPerUnit := math.Abs(entry - stop)
	if riskPerUnit == 0 {
		return 0, ErrZeroRisk
	}
	if capital <= 0 || entry <= 0 {
		return 0, fmt.Errorf("sizing: non-positive capital %.2f or entry %.8f", capital, entry)
	}

	riskQuote := capital * s.riskFraction()
	amount := riskQuote / riskPerUnit

	// Never size beyond what capital can pay for.
	if cost := amount * entry; cost > capital {
		amount = capital / entry
	}
	return amount, nil
}

// riskFraction is fixed risk or fractional Kelly from the rolling edge.
func (s *Sizer) riskFraction() float64 {
	if s.cfg.Mode != SizeKelly {
		return s.cfg.FixedRiskPct
	}
	total := s.wins + s.losses
	if total < 10 || s.avgLoss == 0 {
		return s.cfg.FixedRiskPct
	}
	p := float64(s.wins) / float64(total)
	b := s.avgWin / s.avgLoss
	kelly := p - (1-p)/b
	if kelly <= 0 {
		return s.cfg.FixedRiskPct / 2
	}
	f := kelly * s.cfg.KellyFraction
	if f > 0.05 {
		f = 0.05
	}
	return f
}

// CheckRiskReward validates the target against the minimum R multiple.
func (s *Sizer) CheckRiskReward(entry, stop, target float64) error {
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return ErrZeroRisk
	}
	reward := math.Abs(target - entry)
	if rr := reward / risk; rr < s.cfg.MinRiskReward {
		return fmt.Errorf("sizing: risk/reward %.2f below minimum %.2f", rr, s.cfg.MinRiskReward)
	}
	return nil
}

// RecordResult feeds one closed trade into the Kelly edge estimate.
func (s *Sizer) RecordResult(pnl float64) {
	if pnl > 0 {
		s.wins++
		s.avgWin += (pnl - s.avgWin) / float64(s.wins)
	} else if pnl < 0 {
		s.losses++
		loss := -pnl
		s.avgLoss += (loss - s.avgLoss) / float64(s.losses)
	}
}

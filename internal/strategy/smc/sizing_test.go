package smc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizerZeroRiskRejected(t *testing.T) {
	s := NewSizer(SizingConfig{})
	_, err := s.Amount(10_000, 100, 100)
	assert.ErrorIs(t, err, ErrZeroRisk)

	err = s.CheckRiskReward(100, 100, 110)
	assert.ErrorIs(t, err, ErrZeroRisk)
}

func TestSizerFixedRiskAmount(t *testing.T) {
	s := NewSizer(SizingConfig{})

	// 2% of 10k over a 2-point stop distance.
	amount, err := s.Amount(10_000, 100, 98)
	require.NoError(t, err)
	assert.InDelta(t, 100, amount, 1e-9)
}

func TestSizerAmountCappedByCapital(t *testing.T) {
	s := NewSizer(SizingConfig{})

	// A tight stop would size 2000 units; capital affords only 100.
	amount, err := s.Amount(10_000, 100, 99.9)
	require.NoError(t, err)
	assert.InDelta(t, 100, amount, 1e-9)
}

func TestSizerRejectsNonPositiveInputs(t *testing.T) {
	s := NewSizer(SizingConfig{})
	_, err := s.Amount(0, 100, 98)
	assert.Error(t, err)
	_, err = s.Amount(10_000, 0, 98)
	assert.Error(t, err)
}

func TestSizerRiskRewardGate(t *testing.T) {
	s := NewSizer(SizingConfig{})
	assert.Error(t, s.CheckRiskReward(100, 98, 103))   // 1.5R
	assert.NoError(t, s.CheckRiskReward(100, 98, 105)) // 2.5R
}

func TestSizerKellyNeedsHistory(t *testing.T) {
	s := NewSizer(SizingConfig{Mode: SizeKelly})

	// Before ten results the formula degrades to the fixed fraction.
	assert.InDelta(t, 0.02, s.riskFraction(), 1e-9)

	for i := 0; i < 8; i++ {
		s.RecordResult(30)
	}
	s.RecordResult(-10)
	s.RecordResult(-10)

	// Strong edge: quarter Kelly exceeds the 5% cap and is clamped.
	assert.InDelta(t, 0.05, s.riskFraction(), 1e-9)
}

func TestSizerNegativeKellyHalvesFixedRisk(t *testing.T) {
	s := NewSizer(SizingConfig{Mode: SizeKelly})
	for i := 0; i < 2; i++ {
		s.RecordResult(10)
	}
	for i := 0; i < 8; i++ {
		s.RecordResult(-20)
	}
	assert.InDelta(t, 0.01, s.riskFraction(), 1e-9)
}

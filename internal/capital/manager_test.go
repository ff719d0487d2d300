package capital

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdle/bybit-multistrat-bot/internal/state"
)

func TestPhaseAllocations(t *testing.T) {
	assert.Equal(t, 0.05, Phase1.Allocation())
	assert.Equal(t, 0.25, Phase2.Allocation())
	assert.Equal(t, 1.0, Phase3.Allocation())
}

func TestAllocatedBeforeStartIsZero(t *testing.T) {
	m := NewManager(10_000, zerolog.Nop())
	assert.Zero(t, m.Allocated())

	assert.Equal(t, 500.0, m.StartPhase1())
	assert.Equal(t, 500.0, m.Allocated())
	assert.Equal(t, Phase1, m.Phase())

	// Starting twice does not restart the phase.
	assert.Equal(t, 500.0, m.StartPhase1())
}

func TestEvaluateScalingBlockers(t *testing.T) {
	m := NewManager(10_000, zerolog.Nop())
	m.StartPhase1()

	// A brand new phase is blocked on age, trade count and PnL.
	r := m.EvaluateScaling()
	assert.False(t, r.CanScale)
	assert.NotEmpty(t, r.Blockers)

	// Enough trades but a losing record still blocks on win rate.
	m.phaseStartedAt = time.Now().Add(-4 * 24 * time.Hour)
	for i := 0; i < 4; i++ {
		m.RecordTrade(false, -5)
	}
	m.RecordTrade(true, 50)
	r = m.EvaluateScaling()
	assert.False(t, r.CanScale)
}

func TestAdvancePhaseThroughGate(t *testing.T) {
	m := NewManager(10_000, zerolog.Nop())
	m.StartPhase1()
	m.phaseStartedAt = time.Now().Add(-4 * 24 * time.Hour)

	for i := 0; i < 4; i++ {
		m.RecordTrade(true, 10)
	}
	m.RecordTrade(false, -5)

	r := m.EvaluateScaling()
	require.True(t, r.CanScale, "blockers: %v", r.Blockers)

	alloc, err := m.AdvancePhase()
	require.NoError(t, err)
	assert.Equal(t, 2_500.0, alloc)
	assert.Equal(t, Phase2, m.Phase())

	// Statistics restart with the new phase.
	snap := m.Snapshot()
	assert.Zero(t, snap.Trades)
	assert.Zero(t, snap.NetPnL)
}

func TestAdvancePhaseRefusedByGate(t *testing.T) {
	m := NewManager(10_000, zerolog.Nop())
	m.StartPhase1()

	_, err := m.AdvancePhase()
	require.Error(t, err)
	assert.Equal(t, Phase1, m.Phase())
}

func TestFinalPhaseDoesNotScale(t *testing.T) {
	m := NewManager(10_000, zerolog.Nop())
	m.StartPhase1()
	m.phase = Phase3

	r := m.EvaluateScaling()
	assert.False(t, r.CanScale)
	assert.Contains(t, r.Blockers, "already at final phase")
}

func TestDrawdownBlocksScaling(t *testing.T) {
	m := NewManager(10_000, zerolog.Nop())
	m.StartPhase1()
	m.phaseStartedAt = time.Now().Add(-4 * 24 * time.Hour)

	// Peak at +100 then give back 50 against a 500 allocation: 10%
	// drawdown against the 5% phase gate.
	for i := 0; i < 5; i++ {
		m.RecordTrade(true, 20)
	}
	m.RecordTrade(false, -50)
	m.RecordTrade(true, 30)

	r := m.EvaluateScaling()
	assert.False(t, r.CanScale)
}

func TestHaltZeroesAllocation(t *testing.T) {
	m := NewManager(10_000, zerolog.Nop())
	m.StartPhase1()

	m.Halt("risk stop")
	assert.True(t, m.Halted())
	assert.Zero(t, m.Allocated())

	r := m.EvaluateScaling()
	assert.False(t, r.CanScale)
}

func TestSnapshotRestoreResumesTimer(t *testing.T) {
	started := time.Now().Add(-5 * 24 * time.Hour)
	snap := &state.CapitalSnapshot{
		Phase:          int(Phase2),
		PhaseStartedAt: started,
		Trades:         12,
		Wins:           7,
		NetPnL:         80,
	}

	m := NewManager(10_000, zerolog.Nop())
	m.Restore(snap, false)
	assert.Equal(t, Phase2, m.Phase())
	assert.Equal(t, 2_500.0, m.Allocated())
	assert.Equal(t, started, m.phaseStartedAt)

	// resetTimer restarts the phase clock instead.
	m2 := NewManager(10_000, zerolog.Nop())
	m2.Restore(snap, true)
	assert.True(t, m2.phaseStartedAt.After(started))
}

func TestSnapshotNilBeforeStart(t *testing.T) {
	m := NewManager(10_000, zerolog.Nop())
	assert.Nil(t, m.Snapshot())

	// Restoring a nil snapshot is a no-op.
	m.Restore(nil, false)
	assert.Zero(t, m.Allocated())
}

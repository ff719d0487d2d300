package capital

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quangdle/bybit-multistrat-bot/internal/state"
)

// Phase identifies a capital deployment stage.
type Phase int

const (
	Phase1 Phase = 1 // 5% allocation, proving ground
	Phase2 Phase = 2 // 25% allocation
	Phase3 Phase = 3 // full allocation
)

func (p Phase) String() string { return fmt.Sprintf("phase_%d", int(p)) }

// Allocation returns the fraction of total capital a phase may deploy.
func (p Phase) Allocation() float64 {
	switch p {
	case Phase1:
		return 0.05
	case Phase2:
		return 0.25
	case Phase3:
		return 1.0
	default:
		return 0
	}
}

// gate holds the performance requirements to leave a phase.
type gate struct {
	minDuration time.Duration
	minTrades   int
	minWinRate  float64
	maxDrawdown float64
}

var gates = map[Phase]gate{
	Phase1: {minDuration: 3 * 24 * time.Hour, minTrades: 5, minWinRate: 0.40, maxDrawdown: 0.05},
	Phase2: {minDuration: 7 * 24 * time.Hour, minTrades: 20, minWinRate: 0.45, maxDrawdown: 0.10},
}

// ScalingReport is the result of a pure EvaluateScaling inspection.
type ScalingReport struct {
	CanScale bool     `json:"can_scale"`
	Blockers []string `json:"blockers,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Manager enforces phased capital deployment with performance gates on
// advancement. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	total   float64 // total capital in quote currency
	started bool

	phase          Phase
	phaseStartedAt time.Time
	trades         int
	wins           int
	netPnL         float64
	peakPnL        float64
	maxDrawdown    float64 // fraction of allocated capital
	errors         int
	halted         bool
	haltReason     string
}

// NewManager creates a capital manager over a total quote budget.
func NewManager(totalQuote float64, logger zerolog.Logger) *Manager {
	return &Manager{
		total:  totalQuote,
		logger: logger.With().Str("component", "capital").Logger(),
	}
}

// StartPhase1 begins the proving phase and returns the allocated quote.
func (m *Manager) StartPhase1() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		m.phase = Phase1
		m.phaseStartedAt = time.Now()
		m.started = true
		m.logger.Info().
			Float64("allocation", m.allocatedLocked()).
			Msg("💰 Phase 1 started")
	}
	return m.allocatedLocked()
}

// Allocated returns the quote amount deployable in the current phase.
func (m *Manager) Allocated() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocatedLocked()
}

func (m *Manager) allocatedLocked() float64 {
	if !m.started || m.halted {
		return 0
	}
	return m.total * m.phase.Allocation()
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// RecordTrade folds one closed trade into the phase statistics.
func (m *Manager) RecordTrade(won bool, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trades++
	if won {
		m.wins++
	}
	m.netPnL += pnl
	if m.netPnL > m.peakPnL {
		m.peakPnL = m.netPnL
	}
	if alloc := m.allocatedLocked(); alloc > 0 {
		dd := (m.peakPnL - m.netPnL) / alloc
		if dd > m.maxDrawdown {
			m.maxDrawdown = dd
		}
	}
}

// RecordError counts an operational error against the current phase.
func (m *Manager) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// EvaluateScaling reports whether the phase gate is satisfied. Pure
// inspection, no state is mutated.
func (m *Manager) EvaluateScaling() ScalingReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r ScalingReport
	if m.halted {
		r.Blockers = append(r.Blockers, "halted: "+m.haltReason)
		return r
	}
	if m.phase >= Phase3 {
		r.Blockers = append(r.Blockers, "already at final phase")
		return r
	}

	g := gates[m.phase]
	elapsed := time.Since(m.phaseStartedAt)

	if elapsed < g.minDuration {
		r.Blockers = append(r.Blockers, fmt.Sprintf("phase age %s below required %s", elapsed.Round(time.Hour), g.minDuration))
	} else {
		r.Reasons = append(r.Reasons, fmt.Sprintf("phase age %s", elapsed.Round(time.Hour)))
	}

	if m.trades < g.minTrades {
		r.Blockers = append(r.Blockers, fmt.Sprintf("%d trades below required %d", m.trades, g.minTrades))
	} else {
		winRate := float64(m.wins) / float64(m.trades)
		if winRate < g.minWinRate {
			r.Blockers = append(r.Blockers, fmt.Sprintf("win rate %.1f%% below required %.1f%%", winRate*100, g.minWinRate*100))
		} else {
			r.Reasons = append(r.Reasons, fmt.Sprintf("win rate %.1f%% over %d trades", winRate*100, m.trades))
		}
	}

	if m.maxDrawdown > g.maxDrawdown {
		r.Blockers = append(r.Blockers, fmt.Sprintf("drawdown %.1f%% above allowed %.1f%%", m.maxDrawdown*100, g.maxDrawdown*100))
	}
	if m.netPnL <= 0 {
		r.Blockers = append(r.Blockers, fmt.Sprintf("net PnL %.2f not positive", m.netPnL))
	} else {
		r.Reasons = append(r.Reasons, fmt.Sprintf("net PnL %.2f", m.netPnL))
	}

	r.CanScale = len(r.Blockers) == 0
	return r
}

// AdvancePhase moves to the next phase when the gate allows it and
// returns the new allocated quote. Phase statistics restart.
func (m *Manager) AdvancePhase() (float64, error) {
	report := m.EvaluateScaling()
	if !report.CanScale {
		return 0, fmt.Errorf("cannot scale: %v", report.Blockers)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.phase
	m.phase++
	m.phaseStartedAt = time.Now()
	m.trades = 0
	m.wins = 0
	m.netPnL = 0
	m.peakPnL = 0
	m.maxDrawdown = 0
	m.errors = 0

	m.logger.Info().
		Str("from", from.String()).
		Str("to", m.phase.String()).
		Float64("allocation", m.allocatedLocked()).
		Msg("📈 Capital phase advanced")
	return m.allocatedLocked(), nil
}

// Halt blocks all capital deployment.
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.halted {
		m.logger.Error().Str("reason", reason).Msg("🚨 Capital deployment halted")
	}
	m.halted = true
	m.haltReason = reason
}

// Halted reports whether deployment is blocked.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Snapshot exports the phase state for checkpointing.
func (m *Manager) Snapshot() *state.CapitalSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	return &state.CapitalSnapshot{
		Phase:          int(m.phase),
		PhaseStartedAt: m.phaseStartedAt,
		Trades:         m.trades,
		Wins:           m.wins,
		NetPnL:         m.netPnL,
		MaxDrawdown:    m.maxDrawdown,
		Errors:         m.errors,
		Halted:         m.halted,
	}
}

// Restore resumes from a checkpoint. By default the phase timer resumes
// from the stored start; resetTimer restarts it instead.
func (m *Manager) Restore(snap *state.CapitalSnapshot, resetTimer bool) {
	if snap == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = true
	m.phase = Phase(snap.Phase)
	m.phaseStartedAt = snap.PhaseStartedAt
	if resetTimer || m.phaseStartedAt.IsZero() {
		m.phaseStartedAt = time.Now()
	}
	m.trades = snap.Trades
	m.wins = snap.Wins
	m.netPnL = snap.NetPnL
	m.peakPnL = snap.NetPnL
	m.maxDrawdown = snap.MaxDrawdown
	m.errors = snap.Errors
	m.halted = snap.Halted
}

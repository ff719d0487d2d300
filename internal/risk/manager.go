package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/state"
)

// DenyReason explains why a prospective trade was refused.
type DenyReason string

const (
	DenyDailyLoss    DenyReason = "daily_loss_exceeded"
	DenyPositionSize DenyReason = "position_size_exceeded"
	DenyBelowMinimum DenyReason = "below_min_notional"
	DenyInsufficient DenyReason = "insufficient_free_balance"
	DenyCooldown     DenyReason = "cooldown"
	DenyHalted       DenyReason = "halted"
)

// StopReason explains a portfolio-level emergency stop.
type StopReason string

const (
	StopPortfolioLoss StopReason = "portfolio_stop_loss_hit"
	StopMaxDrawdown   StopReason = "max_drawdown_hit"
	StopTakeProfit    StopReason = "take_profit_hit"
)

// Verdict is the result of a trade gate check.
type Verdict struct {
	Allowed bool
	Reason  DenyReason
}

// Allow is the passing verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Deny builds a refusing verdict with the given reason.
func Deny(reason DenyReason) Verdict { return Verdict{Reason: reason} }

// PortfolioVerdict is the result of a per-tick portfolio evaluation.
type PortfolioVerdict struct {
	Stop   bool
	Reason StopReason
}

// Config holds the per-bot risk policy.
type Config struct {
	MaxPositionSize      float64       // quote-currency exposure cap per symbol
	StopLossPercentage   float64       // portfolio loss vs baseline, fraction
	MaxDailyLoss         float64       // quote currency, since UTC midnight
	MinOrderSize         float64       // quote currency
	TakeProfitPercentage float64       // optional, 0 disables
	MaxDrawdown          float64       // optional fraction, 0 disables
	CooldownLosses       int           // consecutive losses that trigger a cooldown
	CooldownPeriod       time.Duration // how long the cooldown lasts
}

// Manager gates prospective trades and watches portfolio health.
// Counters are guarded by a single mutex so CheckAndRecord can combine
// the gate with its counter update atomically.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	logger zerolog.Logger

	baseline float64 // allocation baseline for portfolio stop evaluation

	dailyLoss         float64
	dailyResetAt      time.Time
	consecutiveLosses int
	cooldownUntil     time.Time
	halted            bool
	haltReason        string
}

// NewManager creates a risk manager with the given policy. baseline is
// the quote-currency allocation the portfolio stop measures against.
func NewManager(cfg Config, baseline float64, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		baseline:     baseline,
		logger:       logger.With().Str("component", "risk").Logger(),
		dailyResetAt: utcMidnight(time.Now()),
	}
}

// CheckTrade gates one prospective order. exposure is the current
// quote-currency exposure on the symbol, freeBalance the available
// quote balance. Buys consume balance; sells release exposure and are
// not checked against the position cap.
func (m *Manager) CheckTrade(side exchange.Side, amount, price decimal.Decimal, exposure, freeBalance float64) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(side, amount, price, exposure, freeBalance)
}

func (m *Manager) checkLocked(side exchange.Side, amount, price decimal.Decimal, exposure, freeBalance float64) Verdict {
	if m.halted {
		return Deny(DenyHalted)
	}
	if !m.cooldownUntil.IsZero() && time.Now().Before(m.cooldownUntil) {
		return Deny(DenyCooldown)
	}

	// The daily loss boundary is inclusive on the deny side: sitting
	// exactly at the limit already blocks the next trade.
	if m.cfg.MaxDailyLoss > 0 && m.dailyLoss >= m.cfg.MaxDailyLoss {
		return Deny(DenyDailyLoss)
	}

	notional, _ := amount.Mul(price).Float64()
	if m.cfg.MinOrderSize > 0 && notional < m.cfg.MinOrderSize {
		return Deny(DenyBelowMinimum)
	}

	if side == exchange.SideBuy {
		if m.cfg.MaxPositionSize > 0 && exposure+notional > m.cfg.MaxPositionSize {
			return Deny(DenyPositionSize)
		}
		if notional > freeBalance {
			return Deny(DenyInsufficient)
		}
	}

	return Allow()
}

// CheckAndRecord runs the gate and, when the trade is allowed, invokes
// commit while still holding the counter lock. It exists so a caller
// can reserve exposure without a window between check and update.
func (m *Manager) CheckAndRecord(side exchange.Side, amount, price decimal.Decimal, exposure, freeBalance float64, commit func()) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.checkLocked(side, amount, price, exposure, freeBalance)
	if v.Allowed && commit != nil {
		commit()
	}
	return v
}

// EvaluatePortfolio checks the portfolio-level stops against the
// current total portfolio value. Called once per tick.
func (m *Manager) EvaluatePortfolio(portfolioValue float64) PortfolioVerdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseline <= 0 {
		return PortfolioVerdict{}
	}
	change := (portfolioValue - m.baseline) / m.baseline

	if m.cfg.StopLossPercentage > 0 && change <= -m.cfg.StopLossPercentage {
		m.haltLocked(string(StopPortfolioLoss))
		return PortfolioVerdict{Stop: true, Reason: StopPortfolioLoss}
	}
	if m.cfg.MaxDrawdown > 0 && change <= -m.cfg.MaxDrawdown {
		m.haltLocked(string(StopMaxDrawdown))
		return PortfolioVerdict{Stop: true, Reason: StopMaxDrawdown}
	}
	if m.cfg.TakeProfitPercentage > 0 && change >= m.cfg.TakeProfitPercentage {
		m.haltLocked(string(StopTakeProfit))
		return PortfolioVerdict{Stop: true, Reason: StopTakeProfit}
	}
	return PortfolioVerdict{}
}

// RecordFill updates the running totals with one realized result.
func (m *Manager) RecordFill(realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeResetLocked(time.Now())

	if realizedPnL < 0 {
		m.dailyLoss += -realizedPnL
		m.consecutiveLosses++
		if m.cfg.CooldownLosses > 0 && m.consecutiveLosses >= m.cfg.CooldownLosses && m.cfg.CooldownPeriod > 0 {
			m.cooldownUntil = time.Now().Add(m.cfg.CooldownPeriod)
			m.logger.Warn().
				Int("consecutive_losses", m.consecutiveLosses).
				Time("until", m.cooldownUntil).
				Msg("⚠️ Loss streak cooldown engaged")
		}
	} else if realizedPnL > 0 {
		m.consecutiveLosses = 0
		m.cooldownUntil = time.Time{}
	}

	if m.cfg.MaxDailyLoss > 0 && m.dailyLoss >= m.cfg.MaxDailyLoss {
		m.logger.Warn().
			Float64("daily_loss", m.dailyLoss).
			Float64("limit", m.cfg.MaxDailyLoss).
			Msg("🛑 Daily loss limit reached, trading blocked until UTC midnight")
	}
}

// ResetDaily zeroes the daily loss counter. Invoked at UTC midnight by
// the orchestrator; also applied lazily on the next fill after midnight.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyLoss = 0
	m.dailyResetAt = utcMidnight(time.Now())
}

func (m *Manager) maybeResetLocked(now time.Time) {
	if next := m.dailyResetAt.Add(24 * time.Hour); !now.Before(next) {
		m.dailyLoss = 0
		m.dailyResetAt = utcMidnight(now)
	}
}

// Halt blocks all future trades with a reason. Used for manual stops
// and by the portfolio evaluation.
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked(reason)
}

func (m *Manager) haltLocked(reason string) {
	if !m.halted {
		m.logger.Error().Str("reason", reason).Msg("🚨 Risk halt engaged")
	}
	m.halted = true
	m.haltReason = reason
}

// Resume lifts a halt. Counters are untouched, so a resumed bot that is
// still at the daily loss limit stays blocked until the next reset.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = false
	m.haltReason = ""
}

// Halted reports whether the manager is refusing all trades.
func (m *Manager) Halted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltReason
}

// DailyLoss returns the loss accumulated since the last UTC reset.
func (m *Manager) DailyLoss() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyLoss
}

// Snapshot exports the counters for checkpointing.
func (m *Manager) Snapshot() state.RiskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return state.RiskSnapshot{
		DailyLoss:         m.dailyLoss,
		DailyResetAt:      m.dailyResetAt,
		ConsecutiveLosses: m.consecutiveLosses,
		Halted:            m.halted,
		HaltReason:        m.haltReason,
	}
}

// Restore loads counters from a checkpoint. A stale daily window is
// discarded rather than carried across midnight.
func (m *Manager) Restore(snap state.RiskSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyLoss = snap.DailyLoss
	m.dailyResetAt = snap.DailyResetAt
	m.consecutiveLosses = snap.ConsecutiveLosses
	m.halted = snap.Halted
	m.haltReason = snap.HaltReason
	m.maybeResetLocked(time.Now())
}

// String renders a one-line summary for status output.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("dailyLoss=%.2f/%.2f losses=%d halted=%v",
		m.dailyLoss, m.cfg.MaxDailyLoss, m.consecutiveLosses, m.halted)
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics exposes the trading core's Prometheus instruments.
type Metrics struct {
	botState     *prometheus.GaugeVec
	regime       *prometheus.GaugeVec
	tickDuration *prometheus.HistogramVec
	ordersPlaced *prometheus.CounterVec
	ordersFilled *prometheus.CounterVec
	realizedPnL  *prometheus.CounterVec
	dailyLoss    *prometheus.GaugeVec
}

// botStates and regimes enumerate the label values the gauges flip
// between; one-hot encoding keeps dashboards simple.
var botStates = []string{"INITIALIZING", "RUNNING", "PAUSED", "STOPPED", "ERROR"}

var regimes = []string{"trending_up", "trending_down", "ranging", "volatile", "unknown"}

// New registers the instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		botState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bot_state",
			Help: "Current lifecycle state per bot, one-hot across the state label.",
		}, []string{"bot", "state"}),
		regime: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bot_market_regime",
			Help: "Current detected regime per bot, one-hot across the regime label.",
		}, []string{"bot", "regime"}),
		tickDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bot_tick_duration_seconds",
			Help:    "Wall time of one full orchestrator tick.",
			Buckets: []float64{.05, .1, .25, .5, .9, 1.5, 2, 5},
		}, []string{"bot"}),
		ordersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_orders_placed_total",
			Help: "Orders successfully placed.",
		}, []string{"bot", "side"}),
		ordersFilled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_orders_filled_total",
			Help: "Orders that reached a filled status.",
		}, []string{"bot", "side"}),
		realizedPnL: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_realized_pnl_quote_total",
			Help: "Cumulative realized PnL in quote currency, split by sign.",
		}, []string{"bot", "direction"}),
		dailyLoss: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bot_daily_loss_quote",
			Help: "Loss accumulated since the UTC daily reset.",
		}, []string{"bot"}),
	}
}

// SetBotState flips the one-hot state gauge.
func (m *Metrics) SetBotState(bot, current string) {
	for _, s := range botStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.botState.WithLabelValues(bot, s).Set(v)
	}
}

// SetRegime flips the one-hot regime gauge.
func (m *Metrics) SetRegime(bot, current string) {
	for _, r := range regimes {
		v := 0.0
		if r == current {
			v = 1
		}
		m.regime.WithLabelValues(bot, r).Set(v)
	}
}

// ObserveTick records one tick's duration.
func (m *Metrics) ObserveTick(bot string, d time.Duration) {
	m.tickDuration.WithLabelValues(bot).Observe(d.Seconds())
}

// CountOrder counts a successful placement.
func (m *Metrics) CountOrder(bot, side string) {
	m.ordersPlaced.WithLabelValues(bot, side).Inc()
}

// CountFill counts a filled order.
func (m *Metrics) CountFill(bot, side string) {
	m.ordersFilled.WithLabelValues(bot, side).Inc()
}

// ObservePnL accumulates a realized result.
func (m *Metrics) ObservePnL(bot string, pnl float64) {
	if pnl >= 0 {
		m.realizedPnL.WithLabelValues(bot, "profit").Add(pnl)
	} else {
		m.realizedPnL.WithLabelValues(bot, "loss").Add(-pnl)
	}
}

// SetDailyLoss mirrors the risk manager's daily counter.
func (m *Metrics) SetDailyLoss(bot string, loss float64) {
	m.dailyLoss.WithLabelValues(bot).Set(loss)
}

// Serve exposes /metrics on addr. Runs until the server fails; meant
// to be launched on its own goroutine.
func Serve(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("📊 Metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Metrics server stopped")
	}
}

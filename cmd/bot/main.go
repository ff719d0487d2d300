package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"

	"github.com/quangdle/bybit-multistrat-bot/internal/bot"
	"github.com/quangdle/bybit-multistrat-bot/internal/capital"
	"github.com/quangdle/bybit-multistrat-bot/internal/config"
	"github.com/quangdle/bybit-multistrat-bot/internal/events"
	"github.com/quangdle/bybit-multistrat-bot/internal/exchange"
	"github.com/quangdle/bybit-multistrat-bot/internal/exchange/bybit"
	"github.com/quangdle/bybit-multistrat-bot/internal/logging"
	"github.com/quangdle/bybit-multistrat-bot/internal/market"
	"github.com/quangdle/bybit-multistrat-bot/internal/monitoring"
	"github.com/quangdle/bybit-multistrat-bot/internal/notifications"
	"github.com/quangdle/bybit-multistrat-bot/internal/risk"
	"github.com/quangdle/bybit-multistrat-bot/internal/state"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy"
	"github.com/quangdle/bybit-multistrat-bot/internal/strategy/smc"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to the configuration file")
		statusEvery = flag.Duration("status", time.Minute, "Console status table interval (0 disables)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("State store open failed")
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	metrics := monitoring.New()
	if cfg.MetricsAddr != "" {
		go monitoring.Serve(cfg.MetricsAddr, logger)
	}

	notifications.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, logger).Attach(bus)

	registry := bot.NewRegistry()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i := range cfg.Bots {
		bc := &cfg.Bots[i]
		b, err := buildBot(bc, store, bus, metrics, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("bot", bc.Name).Msg("Bot construction failed")
		}
		if err := registry.Register(b); err != nil {
			logger.Fatal().Err(err).Str("bot", bc.Name).Msg("Registration failed")
		}
		if bc.AutoStart {
			if err := b.Start(ctx); err != nil {
				logger.Error().Err(err).Str("bot", bc.Name).Msg("Start failed")
			}
		}
	}

	logger.Info().Int("bots", len(cfg.Bots)).Msg("🚀 Engine running, Ctrl+C to stop")

	if *statusEvery > 0 {
		go statusLoop(ctx, registry, *statusEvery)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	registry.StopAll(shutdownCtx)
	logger.Info().Msg("👋 All bots stopped")
}

// buildBot assembles one bot from its config block.
func buildBot(bc *config.BotConfig, store *state.Store, bus *events.Bus, metrics *monitoring.Metrics, logger zerolog.Logger) (*bot.Bot, error) {
	ex, err := buildExchange(bc)
	if err != nil {
		return nil, err
	}

	botLogger := logging.ForBot(logger, bc.Name, bc.Symbol)
	strategies, err := buildStrategies(bc, botLogger)
	if err != nil {
		return nil, err
	}

	var capMgr *capital.Manager
	if bc.TotalCapital > 0 {
		capMgr = capital.NewManager(bc.TotalCapital, botLogger)
	}

	baseline := bc.TotalCapital
	if baseline == 0 {
		baseline = bc.Risk.MaxPositionSize
	}

	return bot.New(bot.Options{
		Name:             bc.Name,
		Symbol:           bc.Symbol,
		Strategies:       strategies,
		Exchange:         ex,
		Feed:             market.NewFeed(ex, bc.Symbol, 0, 0),
		Store:            store,
		Bus:              bus,
		Risk:             risk.NewManager(bc.Risk.ToPolicy(), baseline, botLogger),
		Capital:          capMgr,
		Metrics:          metrics,
		Logger:           logger,
		RegimeFilter:     bc.RegimeFilter || bc.Strategy == "hybrid",
		CancelOnStop:     true,
		ResumePhaseTimer: bc.ResumePhaseTimer,
	})
}

// buildExchange picks the dry-run simulator or the live adapter.
func buildExchange(bc *config.BotConfig) (exchange.Exchange, error) {
	category := bc.MarketType
	if category == "" {
		category = "spot"
	}

	if bc.DryRun {
		balance := bc.TotalCapital
		if balance == 0 {
			balance = 10_000
		}
		return exchange.NewPaperExchange(paperInstrument(bc.Symbol, category), balance), nil
	}

	creds, err := config.LoadCredentials(bc.Exchange.CredentialsName)
	if err != nil {
		return nil, err
	}
	ratePerMin := 0
	if bc.Exchange.RateLimit {
		ratePerMin = 120
	}
	return bybit.NewClient(bybit.Config{
		APIKey:     creds.APIKey,
		APISecret:  creds.APISecret,
		Category:   category,
		Demo:       bc.Exchange.Sandbox,
		RatePerMin: ratePerMin,
	}), nil
}

// paperInstrument builds a permissive instrument for dry runs. Zero tick
// and qty step skip rounding and precision checks in the simulator.
func paperInstrument(symbol, category string) exchange.Instrument {
	base := strings.TrimSuffix(symbol, "USDT")
	return exchange.Instrument{
		Symbol:    symbol,
		Category:  category,
		BaseCoin:  base,
		QuoteCoin: "USDT",
	}
}

// buildStrategies instantiates the engine (or the hybrid pair).
func buildStrategies(bc *config.BotConfig, logger zerolog.Logger) ([]strategy.Strategy, error) {
	switch bc.Strategy {
	case "grid":
		return []strategy.Strategy{strategy.NewGrid(*bc.Grid, logger)}, nil
	case "dca":
		return []strategy.Strategy{strategy.NewDCA(*bc.DCA, logger)}, nil
	case "trend_follower":
		t := strategy.NewTrend(*bc.Trend, logger)
		t.SetCapital(bc.TotalCapital)
		return []strategy.Strategy{t}, nil
	case "smc":
		e := smc.NewEngine(*bc.SMC, logger)
		e.SetCapital(bc.TotalCapital)
		return []strategy.Strategy{e}, nil
	case "hybrid":
		// Grid and DCA share the symbol on disjoint order roles; the
		// allocation split scales each engine's quote budget.
		gridCfg, dcaCfg := *bc.Grid, *bc.DCA
		if bc.Hybrid != nil && bc.Hybrid.GridAllocation > 0 {
			gridCfg.QuotePerLevel *= bc.Hybrid.GridAllocation
			share := 1 - bc.Hybrid.GridAllocation
			dcaCfg.BaseOrderQuote *= share
			dcaCfg.SafetyOrderQuote *= share
		}
		return []strategy.Strategy{
			strategy.NewGrid(gridCfg, logger),
			strategy.NewDCA(dcaCfg, logger),
		}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", bc.Strategy)
	}
}

// statusLoop prints a compact status table at the configured cadence.
func statusLoop(ctx context.Context, registry *bot.Registry, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStatus(registry)
		}
	}
}

func printStatus(registry *bot.Registry) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Symbol", "State", "Regime"})
	for _, b := range registry.All() {
		t.AppendRow(table.Row{b.Name(), b.Symbol(), string(b.State()), string(b.Regime())})
	}
	t.Render()
}

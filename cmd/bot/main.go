// updown-bot trades short-horizon BTC UP/DOWN binary markets.
//
// Architecture:
//
//	main.go              entry point: flags, config, signal handling
//	engine/bot.go        orchestrator: clock-synced trading loops, wiring
//	oracle/              multi-source BTC consensus price + window anchors
//	signal/              drift/momentum/volatility scoring into decisions
//	exchange/            CLOB REST client, EIP-712 auth, market discovery
//	arb/                 two-sided underpriced-pair scanner
//	maker/               passive two-sided quoting engine
//	risk/                per-engine budgets, loss limits, Kelly sizing
//	store/               JSONL persistence for trades, signals, performance
//	api/                 dashboard HTTP + WebSocket server
//
// The bot buys UP or DOWN shares just before each window opens when the
// signal engine sees drift from the window anchor, and redeems winners at
// $1. Independent arb, maker, late-window, and 5m engines run alongside,
// each under its own risk bucket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"updown-bot/internal/config"
	"updown-bot/internal/engine"
)

func main() {
	var (
		cfgPath           = flag.String("config", "configs/config.yaml", "path to config file")
		logLevel          = flag.String("log-level", "", "override log level (debug|info|warn|error)")
		dryRun            = flag.Bool("dry-run", false, "simulate orders without placing them")
		bankroll          = flag.Float64("bankroll", 0, "override starting capital in USD")
		cycles            = flag.Int("cycles", 0, "stop after N trading cycles (0 = run forever)")
		arbFlag           = flag.Bool("arb", false, "enable the arb scanner")
		arbOnly           = flag.Bool("arb-only", false, "run only the arb scanner and dashboard")
		hedge             = flag.Bool("hedge", false, "enable the hedge pass")
		lateWindow        = flag.Bool("late-window", false, "enable late-window entries")
		mm                = flag.Bool("mm", false, "enable the market maker")
		fiveMin           = flag.Bool("5m", false, "enable the parallel 5-minute loop")
		dashboard         = flag.Bool("dashboard", false, "enable the web dashboard")
		syncLiveBankroll  = flag.Bool("sync-live-bankroll", false, "overwrite capital from the venue balance")
		liveBankrollSecs  = flag.Int("live-bankroll-poll-secs", 0, "live balance poll interval in seconds")
		strategyDelaySecs = flag.Int("strategy-delay", -1, "seconds to wait after anchor capture")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}

	applyFlags(cfg, flagOverrides{
		dryRun:            *dryRun,
		bankroll:          *bankroll,
		arb:               *arbFlag || *arbOnly,
		hedge:             *hedge,
		lateWindow:        *lateWindow,
		mm:                *mm,
		fiveMin:           *fiveMin,
		dashboard:         *dashboard,
		syncLiveBankroll:  *syncLiveBankroll || *arbOnly,
		liveBankrollSecs:  *liveBankrollSecs,
		strategyDelaySecs: *strategyDelaySecs,
		logLevel:          *logLevel,
	})

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE, no real orders will be placed")
	}

	bot, err := engine.New(cfg, engine.Options{ArbOnly: *arbOnly, MaxCycles: *cycles}, logger)
	if err != nil {
		logger.Error("failed to create bot", "error", err)
		os.Exit(1)
	}

	if cfg.Dashboard.Enabled {
		logger.Info("dashboard enabled", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := bot.Run(ctx); err != nil {
		logger.Error("bot exited with error", "error", err)
		os.Exit(1)
	}
}

type flagOverrides struct {
	dryRun            bool
	bankroll          float64
	arb               bool
	hedge             bool
	lateWindow        bool
	mm                bool
	fiveMin           bool
	dashboard         bool
	syncLiveBankroll  bool
	liveBankrollSecs  int
	strategyDelaySecs int
	logLevel          string
}

// applyFlags layers CLI switches over the file config. Boolean flags only
// turn features on; the config file remains the way to disable them.
func applyFlags(cfg *config.Config, f flagOverrides) {
	if f.dryRun {
		cfg.DryRun = true
	}
	if f.bankroll > 0 {
		cfg.Bankroll = f.bankroll
	}
	if f.arb {
		cfg.Arb.Enabled = true
	}
	if f.hedge {
		cfg.Hedge.Enabled = true
	}
	if f.lateWindow {
		cfg.LateWindow.Enabled = true
	}
	if f.mm {
		cfg.Maker.Enabled = true
	}
	if f.fiveMin {
		cfg.FiveMin.Enabled = true
	}
	if f.dashboard {
		cfg.Dashboard.Enabled = true
	}
	if f.syncLiveBankroll {
		cfg.Timing.SyncLiveBankroll = true
	}
	if f.liveBankrollSecs > 0 {
		cfg.Timing.LiveBankrollPoll = time.Duration(f.liveBankrollSecs) * time.Second
	}
	if f.strategyDelaySecs >= 0 {
		cfg.Timing.StrategyDelay = time.Duration(f.strategyDelaySecs) * time.Second
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

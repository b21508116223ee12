// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Oracle streams consensus BTC prices and captures window anchors.
//  2. The main loop wakes inside each entry window, runs the signal engine
//     against the anchor, and places directional orders.
//  3. A parallel 5-minute loop does the same on 5m windows, skipping
//     boundaries the main loop already owns.
//  4. The late-window sweep trades drift conviction on windows nearing
//     expiry between entries.
//  5. Arb scanner and market maker run as independent tasks.
//  6. Risk manager gates every entry and books every resolution into the
//     owning engine's bucket.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx cancelled] → shutdown.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"updown-bot/internal/api"
	"updown-bot/internal/arb"
	"updown-bot/internal/config"
	"updown-bot/internal/exchange"
	"updown-bot/internal/maker"
	"updown-bot/internal/oracle"
	"updown-bot/internal/risk"
	"updown-bot/internal/signal"
	"updown-bot/internal/store"
	"updown-bot/pkg/types"
)

const minCandlesForSignal = 30

// Options are the run-mode switches that come from CLI flags rather than
// the config file.
type Options struct {
	ArbOnly   bool
	MaxCycles int // 0 = unlimited
}

// Bot owns all components and the goroutines that drive them.
type Bot struct {
	cfg     *config.Config
	opts    Options
	client  *exchange.Client
	auth    *exchange.Auth
	oracle  *oracle.Oracle
	signals *signal.Engine
	riskMgr *risk.Manager
	store   *store.Store
	quoter  *maker.Maker
	dash    *api.Server
	logger  *slog.Logger

	mu                  sync.Mutex
	markets             []types.Market
	lastDiscovery       time.Time
	intervalMins        int
	lastIntervalRefresh time.Time
	lastBankrollSync    time.Time
	cycleCount          int
	fiveMinCycles       int

	// trade-ID ownership for resolution routing
	fiveMinIDs map[string]bool
	lateIDs    map[string]bool

	// per-window dedupe sets
	lateTraded map[string]bool
	hedged     map[string]bool

	now func() time.Time
}

// New wires all components. If L2 API credentials are not configured, it
// derives them via L1 (EIP-712) auth.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Bot, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}
	client := exchange.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() && !cfg.DryRun {
		logger.Info("no L2 credentials, deriving API key via L1")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	capital := cfg.Bankroll
	if perf, err := st.LoadPerformance(); err == nil && perf != nil && perf.Capital > 0 {
		capital = perf.Capital
		logger.Info("restored capital from performance snapshot", "capital", capital)
	}

	pending, err := st.LoadPendingTrades()
	if err != nil {
		logger.Warn("trade log replay failed", "error", err)
	} else if len(pending) > 0 {
		client.RestoreTradeRecords(pending)
		logger.Info("restored pending trades", "count", len(pending))
	}

	b := &Bot{
		cfg:          cfg,
		opts:         opts,
		client:       client,
		auth:         auth,
		oracle:       oracle.New(cfg.Oracle, cfg.API, logger),
		signals:      signal.New(cfg.Strategy),
		riskMgr:      risk.NewManager(cfg.Risk, cfg.LateWindow, cfg.FiveMin, capital, logger),
		store:        st,
		logger:       logger.With("component", "engine"),
		intervalMins: cfg.Timing.IntervalMins,
		fiveMinIDs:   make(map[string]bool),
		lateIDs:      make(map[string]bool),
		lateTraded:   make(map[string]bool),
		hedged:       make(map[string]bool),
		now:          time.Now,
	}

	if cfg.Maker.Enabled {
		b.quoter = maker.New(cfg.Maker, client, logger)
	}
	if cfg.Dashboard.Enabled {
		b.dash = api.NewServer(cfg.Dashboard, b, logger)
	}
	return b, nil
}

// Run starts every enabled subsystem and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("bot starting",
		"dry_run", b.cfg.DryRun,
		"capital", b.riskMgr.Capital(),
		"interval_mins", b.intervalMins,
		"arb", b.cfg.Arb.Enabled || b.opts.ArbOnly,
		"arb_only", b.opts.ArbOnly,
		"maker", b.cfg.Maker.Enabled,
		"five_min", b.cfg.FiveMin.Enabled,
		"late_window", b.cfg.LateWindow.Enabled,
		"hedge", b.cfg.Hedge.Enabled,
		"dashboard", b.cfg.Dashboard.Enabled)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.oracle.Run(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("oracle stream error", "error", err)
		}
	}()

	if b.dash != nil {
		go func() {
			if err := b.dash.Start(); err != nil {
				b.logger.Error("dashboard server error", "error", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.pricePushLoop(ctx)
		}()
	}

	arbScan, err := b.buildArbScanner(ctx)
	if err != nil {
		return err
	}
	if arbScan != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arbScan.Run(ctx)
		}()
	}

	if b.quoter != nil && !b.opts.ArbOnly {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.quoter.Run(ctx)
		}()
	}

	if !b.opts.ArbOnly {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.mainLoop(ctx)
		}()

		if b.cfg.FiveMin.Enabled {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.fiveMinLoop(ctx)
			}()
		}
	}

	<-ctx.Done()
	wg.Wait()
	b.shutdown()
	return nil
}

// buildArbScanner sizes and creates the arb scanner. In arb-only mode the
// per-side size and daily budget are derived from the live balance, falling
// back to the configured bankroll when the balance cannot be read.
func (b *Bot) buildArbScanner(ctx context.Context) (*arb.Scanner, error) {
	if !b.cfg.Arb.Enabled && !b.opts.ArbOnly {
		return nil, nil
	}

	arbCfg := b.cfg.Arb
	if b.opts.ArbOnly {
		balance, err := b.client.GetBalance(ctx)
		if err != nil || balance <= 0 {
			if b.cfg.Bankroll <= 0 {
				return nil, fmt.Errorf("arb-only mode needs a readable live balance or a positive bankroll")
			}
			b.logger.Warn("live balance unavailable, falling back to configured bankroll",
				"bankroll", b.cfg.Bankroll, "error", err)
			balance = b.cfg.Bankroll
		}
		arbCfg, err = arbOnlySizing(arbCfg, balance)
		if err != nil {
			return nil, err
		}
		b.logger.Info("arb-only sizing from live balance",
			"balance", balance,
			"size_per_side", arbCfg.SizePerSideUSD,
			"daily_budget", arbCfg.MaxDailyBudget)
	}
	return arb.NewScanner(arbCfg, b.cfg.Timing, b.client, b.logger), nil
}

// arbOnlySizing clamps the arb budget and per-side size to what the live
// balance can actually cover.
func arbOnlySizing(cfg config.ArbConfig, balance float64) (config.ArbConfig, error) {
	cfg.Enabled = true
	cfg.MaxDailyBudget = math.Round(math.Min(cfg.MaxDailyBudget, balance)*100) / 100
	cfg.SizePerSideUSD = math.Round(math.Min(cfg.SizePerSideUSD, cfg.MaxDailyBudget/2)*100) / 100
	if cfg.SizePerSideUSD < 0.5 || cfg.MaxDailyBudget <= 0 {
		return cfg, fmt.Errorf("insufficient balance %.2f for arb sizing (size %.2f, budget %.2f)",
			balance, cfg.SizePerSideUSD, cfg.MaxDailyBudget)
	}
	return cfg, nil
}

// shutdown flushes final state after all loops have stopped. Each engine
// already cancelled its own orders; cancel-all is the safety net.
func (b *Bot) shutdown() {
	b.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !b.cfg.DryRun {
		if _, err := b.client.CancelAll(ctx); err != nil {
			b.logger.Error("cancel-all on shutdown failed", "error", err)
		}
	}

	b.savePerformance()
	if err := b.oracle.Close(); err != nil {
		b.logger.Warn("oracle close", "error", err)
	}
	if b.dash != nil {
		if err := b.dash.Stop(); err != nil {
			b.logger.Warn("dashboard stop", "error", err)
		}
	}
	if err := b.store.Close(); err != nil {
		b.logger.Warn("store close", "error", err)
	}

	b.mu.Lock()
	cycles := b.cycleCount
	b.mu.Unlock()
	b.logger.Info("shutdown complete", "cycles", cycles)
}

// ————————————————————————————————————————————————————————————————————————
// Main directional loop
// ————————————————————————————————————————————————————————————————————————

// mainLoop polls the clock and fires one trading cycle per entry window.
// Between entries it runs the late-window sweep and resolution polling.
func (b *Bot) mainLoop(ctx context.Context) {
	b.logger.Info("main trading loop started")
	tradedThisWindow := false

	ticker := time.NewTicker(b.cfg.Timing.SleepPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("main trading loop stopped")
			return
		case <-ticker.C:
		}

		b.refreshDirectionalInterval(ctx, false)
		mins := b.directionalInterval()
		lead := b.cfg.Timing.EntryLead

		if b.inEntryWindow(mins, lead, b.cfg.Timing.EntryWindow) {
			if tradedThisWindow {
				continue
			}
			boundary := b.nextBoundary(mins)
			b.logger.Info("entry window open", "boundary", boundary.Format("15:04"))
			b.runTradingCycle(ctx)
			tradedThisWindow = true

			b.mu.Lock()
			b.lateTraded = make(map[string]bool)
			done := b.opts.MaxCycles > 0 && b.cycleCount >= b.opts.MaxCycles
			b.mu.Unlock()
			if done {
				b.logger.Info("cycle limit reached", "cycles", b.opts.MaxCycles)
				return
			}
			continue
		}

		if b.cfg.LateWindow.Enabled && tradedThisWindow {
			b.lateWindowSweep(ctx)
		}
		b.pollResolutions(ctx)

		// re-arm only once the next entry window is approaching
		if s := b.secondsUntilEntry(mins, lead); s > 0 && s < lead.Seconds() {
			tradedThisWindow = false
		}
	}
}

// runTradingCycle is one full anchor-to-order pass on the directional
// interval.
func (b *Bot) runTradingCycle(ctx context.Context) {
	b.mu.Lock()
	b.cycleCount++
	cycle := b.cycleCount
	mins := b.intervalMins
	b.mu.Unlock()

	logger := b.logger.With("cycle", cycle)

	anchor, err := b.oracle.CaptureWindowOpen(ctx, mins)
	if err != nil {
		logger.Warn("anchor capture failed", "error", err)
		b.store.LogError("engine", err)
		return
	}

	if delay := b.cfg.Timing.StrategyDelay; delay > 0 {
		logger.Info("anchor captured, waiting for drift",
			"open_price", anchor.OpenPrice, "delay", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}

	consensus, err := b.oracle.Consensus(ctx)
	if err != nil {
		logger.Warn("no consensus price, skipping cycle", "error", err)
		return
	}
	if err := b.store.AppendOracle(store.OracleEntry{Timestamp: b.now(), Consensus: consensus}); err != nil {
		logger.Warn("oracle log append failed", "error", err)
	}

	candles, err := b.oracle.Candles(ctx, b.cfg.Oracle.CandleCount)
	if err != nil || len(candles) < minCandlesForSignal {
		logger.Warn("not enough candles, skipping cycle",
			"count", len(candles), "error", err)
		return
	}

	market := b.currentMarket(ctx, timeframeLabel(mins))
	feePct := b.fallbackFeePct()
	if market != nil {
		feePct = b.client.FeePctForPrice(ctx, market.TokenIDUp, market.PriceUp)
	}

	decision := b.signals.Analyze(candles, consensus.Price, anchor.OpenPrice, feePct)
	b.logStrategy(risk.EngineMain, market, decision)

	if !decision.ShouldTrade {
		logger.Info("HOLD", "reason", decision.Reason)
		b.pollResolutions(ctx)
		return
	}

	b.syncBankroll(ctx, false)
	if ok, reason := b.riskMgr.CanTrade(risk.EngineMain); !ok {
		logger.Info("BLOCKED", "reason", reason)
		b.pollResolutions(ctx)
		return
	}

	if market == nil {
		logger.Info("no tradeable market for current window", "timeframe", timeframeLabel(mins))
		b.pollResolutions(ctx)
		return
	}

	if b.cfg.Hedge.Enabled {
		b.hedgePass(ctx, decision, consensus.Price)
	}

	size := b.riskMgr.PositionSize(risk.EngineMain, decision.Confidence)
	if size <= 0 {
		b.pollResolutions(ctx)
		return
	}

	rec, err := b.client.PlaceDirectionalOrder(ctx, *market, decision.Direction, decision.Confidence, size, consensus.Price)
	if err != nil {
		logger.Warn("order failed", "error", err)
		b.store.LogError("engine", err)
	} else if rec != nil {
		b.riskMgr.RecordEntry(risk.EngineMain, rec.SizeUSD)
		if err := b.store.AppendTrade(*rec); err != nil {
			logger.Warn("trade log append failed", "error", err)
		}
		b.notifyTrade(*rec, "strategy")
		logger.Info("trade opened",
			"direction", decision.Direction,
			"size_usd", rec.SizeUSD,
			"entry", rec.EntryPrice,
			"confidence", decision.Confidence)
	}

	b.pollResolutions(ctx)
	b.savePerformance()
}

// hedgePass buys the opposite side of open trades that the new decision
// contradicts, when doing so locks in profit. A binary pair redeems $1 per
// share, so holding both sides pins the payout regardless of outcome.
func (b *Bot) hedgePass(ctx context.Context, decision types.Decision, oraclePrice float64) {
	if decision.Confidence < b.cfg.Hedge.MinConfidence {
		return
	}

	for _, rec := range b.client.PendingTrades() {
		if rec.Direction == decision.Direction {
			continue
		}
		b.mu.Lock()
		done := b.hedged[rec.TradeID]
		b.mu.Unlock()
		if done {
			continue
		}

		market, ok := b.client.ActiveMarket(rec.ConditionID)
		if !ok {
			continue
		}
		oppPrice := market.PriceFor(decision.Direction)
		if oppPrice <= 0 || oppPrice >= 1 {
			continue
		}

		hedgeCost := rec.Shares * oppPrice
		locked := rec.Shares - rec.SizeUSD - hedgeCost
		if locked <= 0 {
			continue
		}

		hedge, err := b.client.PlaceDirectionalOrder(ctx, market, decision.Direction, decision.Confidence, hedgeCost, oraclePrice)
		if err != nil || hedge == nil {
			b.logger.Warn("hedge order failed", "trade_id", rec.TradeID, "error", err)
			continue
		}

		b.mu.Lock()
		b.hedged[rec.TradeID] = true
		b.mu.Unlock()
		b.riskMgr.RecordEntry(risk.EngineMain, hedge.SizeUSD)
		if err := b.store.AppendTrade(*hedge); err != nil {
			b.logger.Warn("trade log append failed", "error", err)
		}
		b.notifyTrade(*hedge, "hedge")
		b.logger.Info("hedge placed",
			"original", rec.TradeID,
			"hedge", hedge.TradeID,
			"locked_profit", math.Round(locked*100)/100)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Parallel 5m loop
// ————————————————————————————————————————————————————————————————————————

// fiveMinLoop mirrors the main loop on 5-minute windows with its own risk
// bucket. Boundaries shared with the 15m grid are skipped so the two loops
// never double-trade the same window.
func (b *Bot) fiveMinLoop(ctx context.Context) {
	b.logger.Info("5m trading loop started")
	tradedThisWindow := false
	cfg := b.cfg.FiveMin

	ticker := time.NewTicker(b.cfg.Timing.SleepPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("5m trading loop stopped")
			return
		case <-ticker.C:
		}

		// 5m trades resolve fast, poll every tick
		b.pollResolutions(ctx)

		if b.inEntryWindow(5, cfg.EntryLead, cfg.EntryWindow) {
			if tradedThisWindow {
				continue
			}
			if b.nextBoundary(5).Minute()%15 == 0 {
				tradedThisWindow = true // main loop owns this boundary
				continue
			}
			b.runFiveMinCycle(ctx)
			tradedThisWindow = true
			continue
		}

		if s := b.secondsUntilEntry(5, cfg.EntryLead); s > 0 && s < cfg.EntryLead.Seconds() {
			tradedThisWindow = false
		}
	}
}

func (b *Bot) runFiveMinCycle(ctx context.Context) {
	b.mu.Lock()
	b.fiveMinCycles++
	cycle := b.fiveMinCycles
	b.mu.Unlock()

	logger := b.logger.With("engine", "5m", "cycle", cycle)

	anchor, err := b.oracle.CaptureWindowOpen(ctx, 5)
	if err != nil {
		logger.Warn("anchor capture failed", "error", err)
		return
	}
	if delay := b.cfg.FiveMin.StrategyDelay; delay > 0 {
		if !sleepCtx(ctx, delay) {
			return
		}
	}

	consensus, err := b.oracle.Consensus(ctx)
	if err != nil {
		logger.Warn("no consensus price", "error", err)
		return
	}
	candles, err := b.oracle.Candles(ctx, b.cfg.Oracle.CandleCount)
	if err != nil || len(candles) < minCandlesForSignal {
		logger.Warn("not enough candles", "count", len(candles), "error", err)
		return
	}

	market := b.currentMarket(ctx, "5m")
	feePct := b.fallbackFeePct()
	if market != nil {
		feePct = b.client.FeePctForPrice(ctx, market.TokenIDUp, market.PriceUp)
	}

	decision := b.signals.Analyze(candles, consensus.Price, anchor.OpenPrice, feePct)
	b.logStrategy(risk.EngineFiveMin, market, decision)
	if !decision.ShouldTrade {
		logger.Info("HOLD", "reason", decision.Reason)
		return
	}
	if ok, reason := b.riskMgr.CanTrade(risk.EngineFiveMin); !ok {
		logger.Info("BLOCKED", "reason", reason)
		return
	}
	if market == nil {
		logger.Info("no tradeable market for current 5m window")
		return
	}

	size := b.riskMgr.PositionSize(risk.EngineFiveMin, decision.Confidence)
	if size <= 0 {
		return
	}

	rec, err := b.client.PlaceDirectionalOrder(ctx, *market, decision.Direction, decision.Confidence, size, consensus.Price)
	if err != nil {
		logger.Warn("order failed", "error", err)
		return
	}
	if rec != nil {
		b.mu.Lock()
		b.fiveMinIDs[rec.TradeID] = true
		b.mu.Unlock()
		b.riskMgr.RecordEntry(risk.EngineFiveMin, rec.SizeUSD)
		if err := b.store.AppendTrade(*rec); err != nil {
			logger.Warn("trade log append failed", "error", err)
		}
		b.notifyTrade(*rec, "directional_5m")
		logger.Info("trade opened",
			"direction", decision.Direction,
			"size_usd", rec.SizeUSD,
			"entry", rec.EntryPrice)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Late-window sweep
// ————————————————————————————————————————————————————————————————————————

// lateWindowSweep trades pure drift conviction on windows nearing expiry.
// The final 30 seconds are skipped as too volatile, and 5m windows are
// excluded entirely.
func (b *Bot) lateWindowSweep(ctx context.Context) {
	lw := b.cfg.LateWindow
	consensus, err := b.oracle.Consensus(ctx)
	if err != nil || consensus.Price <= 0 {
		return
	}

	markets := b.discoveredMarkets(ctx)
	now := b.now()

	for i := range markets {
		market := markets[i]
		if !market.Tradeable || market.Liquidity < b.cfg.Timing.MinLiquidityUSD {
			continue
		}
		remaining := market.EndDate.Sub(now)
		if remaining <= 30*time.Second || remaining > lw.LeadTime {
			continue
		}
		mins := intervalMinutes(market)
		if mins == 0 || mins == 5 {
			continue
		}

		b.mu.Lock()
		seen := b.lateTraded[market.ConditionID]
		b.mu.Unlock()
		if seen {
			continue
		}

		anchor, ok := b.oracle.Anchor(market.EndDate.Add(-time.Duration(mins)*time.Minute), mins)
		if !ok {
			continue
		}

		decision := signal.AnalyzeLateWindow(lw, consensus.Price, anchor.OpenPrice, remaining)
		if !decision.ShouldTrade {
			continue
		}

		if ok, reason := b.riskMgr.CanTrade(risk.EngineLateWindow); !ok {
			b.logger.Info("late-window blocked", "reason", reason)
			return // budget exhausted, stop scanning
		}
		size := b.riskMgr.PositionSize(risk.EngineLateWindow, decision.Confidence)
		if size <= 0 {
			continue
		}

		entryPrice := market.PriceFor(decision.Direction)
		if entryPrice > lw.MaxEntryPrice {
			b.logger.Info("late-window skip, entry too expensive",
				"slug", market.Slug,
				"entry", entryPrice,
				"max", lw.MaxEntryPrice)
			continue
		}

		rec, err := b.client.PlaceDirectionalOrder(ctx, market, decision.Direction, decision.Confidence, size, consensus.Price)
		if err != nil || rec == nil {
			b.logger.Warn("late-window order failed", "slug", market.Slug, "error", err)
			continue
		}

		b.mu.Lock()
		b.lateTraded[market.ConditionID] = true
		b.lateIDs[rec.TradeID] = true
		b.mu.Unlock()
		b.riskMgr.RecordEntry(risk.EngineLateWindow, rec.SizeUSD)
		if err := b.store.AppendTrade(*rec); err != nil {
			b.logger.Warn("trade log append failed", "error", err)
		}
		b.notifyTrade(*rec, "late_window")
		b.logger.Info("late-window trade",
			"slug", market.Slug,
			"direction", decision.Direction,
			"size_usd", rec.SizeUSD,
			"drift_pct", decision.DriftPct,
			"seconds_left", remaining.Seconds())
	}
}

// ————————————————————————————————————————————————————————————————————————
// Resolutions and bankroll
// ————————————————————————————————————————————————————————————————————————

// pollResolutions settles resolved trades, routing each PnL to the engine
// that placed the trade, then sweeps winners for auto-sell.
func (b *Bot) pollResolutions(ctx context.Context) {
	resolved, err := b.client.CheckResolutions(ctx)
	if err != nil {
		b.logger.Warn("resolution check failed", "error", err)
		return
	}
	if len(resolved) == 0 {
		return
	}

	for _, rec := range resolved {
		eng := b.engineForTrade(rec.TradeID)
		b.riskMgr.RecordResolution(eng, rec.PnL)
		if err := b.store.AppendTrade(rec); err != nil {
			b.logger.Warn("trade log append failed", "error", err)
		}
		b.notifyTrade(rec, string(eng))
		b.logger.Info("trade resolved",
			"trade_id", rec.TradeID,
			"engine", eng,
			"outcome", rec.Outcome,
			"pnl", rec.PnL)
	}

	if err := b.client.AutoSellWinners(ctx); err != nil {
		b.logger.Warn("auto-sell sweep failed", "error", err)
	}
	b.savePerformance()
}

// engineForTrade maps a resolved trade back to the bucket that placed it.
func (b *Bot) engineForTrade(tradeID string) risk.Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fiveMinIDs[tradeID] {
		delete(b.fiveMinIDs, tradeID)
		return risk.EngineFiveMin
	}
	if b.lateIDs[tradeID] {
		delete(b.lateIDs, tradeID)
		return risk.EngineLateWindow
	}
	return risk.EngineMain
}

// syncBankroll overwrites capital from the venue balance, throttled to the
// configured poll interval. A non-positive or unreadable balance leaves
// capital untouched.
func (b *Bot) syncBankroll(ctx context.Context, force bool) {
	if !b.cfg.Timing.SyncLiveBankroll {
		return
	}

	poll := b.cfg.Timing.LiveBankrollPoll
	if poll < 5*time.Second {
		poll = 5 * time.Second
	}
	b.mu.Lock()
	due := force || b.now().Sub(b.lastBankrollSync) >= poll
	if due {
		b.lastBankrollSync = b.now()
	}
	b.mu.Unlock()
	if !due {
		return
	}

	balance, err := b.client.GetBalance(ctx)
	if err != nil {
		b.logger.Warn("live balance read failed", "error", err)
		return
	}
	if balance <= 0 {
		return
	}

	b.riskMgr.SetCapital(math.Round(balance*100) / 100)
	b.logger.Info("live bankroll synced", "capital", balance)
}

// savePerformance flushes the aggregate snapshot.
func (b *Bot) savePerformance() {
	status := b.riskMgr.GetStatus()
	stats := b.client.Stats()

	trades := 0
	for _, eng := range status.Engines {
		trades += eng.Trades
	}

	perf := store.Performance{
		UpdatedAt:         b.now(),
		Capital:           status.Capital,
		StartOfDayCapital: status.StartOfDayCapital,
		TotalPnL:          status.TotalPnL,
		DailyPnL:          status.DailyPnL,
		Wins:              stats.Wins,
		Losses:            stats.Losses,
		WinRate:           stats.WinRate,
		TradesToday:       trades,
	}
	if err := b.store.SavePerformance(perf); err != nil {
		b.logger.Warn("performance save failed", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Discovery and interval selection
// ————————————————————————————————————————————————————————————————————————

// discoveredMarkets returns the cached discovery set, refreshing it when
// stale. A failed refresh falls back to the last good cache.
func (b *Bot) discoveredMarkets(ctx context.Context) []types.Market {
	b.mu.Lock()
	fresh := b.now().Sub(b.lastDiscovery) < b.cfg.Timing.IntervalRefreshEvery
	cached := b.markets
	b.mu.Unlock()
	if fresh {
		return cached
	}

	timeframes := []string{"5m", "15m", "30m", "1h"}
	markets, err := b.client.DiscoverMarkets(ctx, timeframes)
	if err != nil {
		b.logger.Warn("discovery failed, using cached markets", "error", err)
		return cached
	}

	b.mu.Lock()
	b.markets = markets
	b.lastDiscovery = b.now()
	b.mu.Unlock()
	return markets
}

// currentMarket picks the highest-liquidity tradeable market in the
// current window of the given timeframe.
func (b *Bot) currentMarket(ctx context.Context, timeframe string) *types.Market {
	var liquid []types.Market
	for _, m := range b.discoveredMarkets(ctx) {
		if m.Tradeable && m.Liquidity >= b.cfg.Timing.MinLiquidityUSD {
			liquid = append(liquid, m)
		}
	}
	return exchange.FilterCurrentWindow(liquid, timeframe, b.now())
}

// refreshDirectionalInterval switches the main interval to match the
// windows the venue is actually listing: 15m preferred, then 5m, then the
// shortest available. Locked to 15m while the parallel 5m loop runs.
func (b *Bot) refreshDirectionalInterval(ctx context.Context, force bool) {
	if b.cfg.FiveMin.Enabled {
		b.mu.Lock()
		b.intervalMins = 15
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	due := force || b.now().Sub(b.lastIntervalRefresh) >= b.cfg.Timing.IntervalRefreshEvery
	if due {
		b.lastIntervalRefresh = b.now()
	}
	b.mu.Unlock()
	if !due {
		return
	}

	available := make(map[int]bool)
	for _, m := range b.discoveredMarkets(ctx) {
		if !m.Tradeable || m.Liquidity < b.cfg.Timing.MinLiquidityUSD {
			continue
		}
		if mins := intervalMinutes(m); mins > 0 {
			available[mins] = true
		}
	}
	if len(available) == 0 {
		return
	}

	target := 0
	switch {
	case available[15]:
		target = 15
	case available[5]:
		target = 5
	default:
		for mins := range available {
			if target == 0 || mins < target {
				target = mins
			}
		}
	}

	b.mu.Lock()
	if target != b.intervalMins {
		b.logger.Info("directional interval switched",
			"from", b.intervalMins, "to", target)
		b.intervalMins = target
	}
	b.mu.Unlock()
}

func (b *Bot) directionalInterval() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.intervalMins
}

// ————————————————————————————————————————————————————————————————————————
// Clock sync
// ————————————————————————————————————————————————————————————————————————

// nextBoundary is the next window boundary after now for an interval.
func (b *Bot) nextBoundary(mins int) time.Time {
	return oracle.WindowBoundary(b.now(), mins).Add(time.Duration(mins) * time.Minute)
}

// secondsUntilEntry is the time until the entry point (lead seconds before
// the next boundary). Negative once the entry point has passed.
func (b *Bot) secondsUntilEntry(mins int, lead time.Duration) float64 {
	return b.nextBoundary(mins).Add(-lead).Sub(b.now()).Seconds()
}

// inEntryWindow reports whether now falls inside the entry window
// [boundary-lead, boundary-lead+window].
func (b *Bot) inEntryWindow(mins int, lead, window time.Duration) bool {
	s := b.secondsUntilEntry(mins, lead)
	return s <= 0 && s >= -window.Seconds()
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard
// ————————————————————————————————————————————————————————————————————————

// pricePushLoop streams live prices to dashboard clients between cycles.
func (b *Bot) pricePushLoop(ctx context.Context) {
	every := b.cfg.Dashboard.PricePushEvery
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		consensus, err := b.oracle.Consensus(ctx)
		if err != nil || consensus.Price <= 0 {
			continue
		}

		mins := b.directionalInterval()
		tick := api.PriceTick{
			Timeframe:   timeframeLabel(mins),
			OraclePrice: consensus.Price,
		}
		if anchor, ok := b.oracle.Anchor(b.now(), mins); ok {
			tick.AnchorPrice = anchor.OpenPrice
		}
		if market := b.currentMarket(ctx, timeframeLabel(mins)); market != nil {
			tick.Slug = market.Slug
			tick.PriceUp = market.PriceUp
			tick.PriceDown = market.PriceDown
			tick.SecondsLeft = market.TimeRemaining(b.now())
		}
		b.dash.PushPriceTick(tick)
	}
}

func (b *Bot) notifyTrade(rec types.TradeRecord, engine string) {
	if b.dash == nil {
		return
	}
	b.dash.PushTrade(api.NewTradeNotification(rec, engine))
}

// DashboardState implements api.StateProvider.
func (b *Bot) DashboardState() api.Snapshot {
	status := b.riskMgr.GetStatus()
	stats := b.client.Stats()

	trades := 0
	for _, eng := range status.Engines {
		trades += eng.Trades
	}

	var pending []api.TradeView
	for _, rec := range b.client.PendingTrades() {
		slug := ""
		if m, ok := b.client.ActiveMarket(rec.ConditionID); ok {
			slug = m.Slug
		}
		pending = append(pending, api.NewTradeView(rec, slug))
	}

	b.mu.Lock()
	markets := make([]api.MarketView, 0, len(b.markets))
	for _, m := range b.markets {
		markets = append(markets, api.NewMarketView(m, timeframeLabel(intervalMinutes(m))))
	}
	b.mu.Unlock()

	return api.Snapshot{
		Timestamp:         b.now(),
		Capital:           status.Capital,
		StartOfDayCapital: status.StartOfDayCapital,
		DailyPnL:          status.DailyPnL,
		TotalPnL:          status.TotalPnL,
		Wins:              stats.Wins,
		Losses:            stats.Losses,
		WinRate:           stats.WinRate,
		TradesToday:       trades,
		Pending:           pending,
		Markets:           markets,
		Config:            api.NewConfigSummary(b.cfg),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (b *Bot) logStrategy(eng risk.Engine, market *types.Market, decision types.Decision) {
	entry := store.StrategyEntry{
		Timestamp: b.now(),
		Engine:    string(eng),
		Decision:  decision,
	}
	if market != nil {
		entry.ConditionID = market.ConditionID
	}
	if decision.ShouldTrade {
		entry.Action = "traded"
	} else {
		entry.Action = "skipped"
		entry.Detail = decision.Reason
	}
	if err := b.store.AppendStrategy(entry); err != nil {
		b.logger.Warn("strategy log append failed", "error", err)
	}
}

// fallbackFeePct is the taker fee estimate when no market is known yet:
// the parabolic curve at p=0.5.
func (b *Bot) fallbackFeePct() float64 {
	return b.cfg.Strategy.FeeFallbackPct * 4 * 0.5 * 0.5
}

// timeframeLabel maps window minutes to the venue's slug timeframe.
func timeframeLabel(mins int) string {
	switch mins {
	case 5:
		return "5m"
	case 15:
		return "15m"
	case 30:
		return "30m"
	case 60:
		return "1h"
	default:
		return fmt.Sprintf("%dm", mins)
	}
}

// intervalMinutes infers a market's window length from its slug.
func intervalMinutes(m types.Market) int {
	tf, _, ok := exchange.ParseSlug(m.Slug)
	if !ok {
		return 0
	}
	switch tf {
	case "5m":
		return 5
	case "15m":
		return 15
	case "30m":
		return 30
	case "1h":
		return 60
	}
	return 0
}

// sleepCtx sleeps unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Package arb implements an intra-market arbitrage scanner for binary
// UP/DOWN markets.
//
// The two outcome tokens of a binary market redeem for exactly $1
// combined. Whenever ask(UP) + ask(DOWN) drops below a threshold, buying
// both sides locks in the difference regardless of where the underlying
// settles. The scanner polls the current windows across all configured
// timeframes and fires both legs FOK when the edge clears fees.
package arb

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"updown-bot/internal/config"
	"updown-bot/internal/exchange"
	"updown-bot/pkg/types"
)

// nearMissBand is how far above the threshold a combined price still gets
// logged, to show how close the book is running to an opportunity.
const nearMissBand = 0.02

// maxBackoff caps the error backoff between scans.
const maxBackoff = 5 * time.Minute

// LegStatus describes how an opportunity execution ended.
type LegStatus string

const (
	StatusFilled  LegStatus = "filled"  // both legs matched
	StatusPartial LegStatus = "partial" // one leg matched, one-sided exposure
	StatusFailed  LegStatus = "failed"  // neither leg matched
)

// Opportunity is one detected and executed arbitrage.
type Opportunity struct {
	ConditionID string
	Slug        string
	AskUp       float64
	AskDown     float64
	Combined    float64
	EdgePct     float64
	Status      LegStatus
	SpentUSD    float64
	Timestamp   time.Time
}

// Scanner polls current-window markets for sub-$1 combined pricing.
type Scanner struct {
	cfg          config.ArbConfig
	refreshEvery time.Duration
	client       *exchange.Client
	logger       *slog.Logger

	mu            sync.Mutex
	markets       []types.Market
	lastDiscovery time.Time
	expired       map[string]bool
	cooldowns     map[string]time.Time
	date          string
	tradesToday   int
	spentToday    float64
	executed      []Opportunity

	errStreak int
	now       func() time.Time
}

// NewScanner creates the arbitrage scanner.
func NewScanner(cfg config.ArbConfig, timing config.TimingConfig, client *exchange.Client, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:          cfg,
		refreshEvery: timing.IntervalRefreshEvery,
		client:       client,
		logger:       logger.With("component", "arb"),
		expired:      make(map[string]bool),
		cooldowns:    make(map[string]time.Time),
		now:          time.Now,
	}
}

// Run polls until ctx is cancelled. Scan failures back off exponentially
// so a venue outage does not hammer the API.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("arb scanner started",
		"poll", s.cfg.PollInterval,
		"threshold", s.cfg.Threshold,
		"timeframes", s.cfg.Timeframes)

	for {
		if err := s.scan(ctx); err != nil {
			s.errStreak++
			s.logger.Warn("scan failed", "error", err, "streak", s.errStreak)
		} else {
			s.errStreak = 0
		}

		wait := s.cfg.PollInterval
		if s.errStreak > 0 {
			backoff := s.cfg.PollInterval << min(s.errStreak, 8)
			wait = min(backoff, maxBackoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Executed returns the opportunities fired so far.
func (s *Scanner) Executed() []Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Opportunity, len(s.executed))
	copy(out, s.executed)
	return out
}

func (s *Scanner) scan(ctx context.Context) error {
	s.rollover()

	markets, err := s.currentMarkets(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	var found []candidate
	for _, m := range markets {
		s.mu.Lock()
		skip := s.expired[m.ConditionID] || now.Before(s.cooldowns[m.ConditionID])
		s.mu.Unlock()
		if skip {
			continue
		}
		if !m.EndDate.After(now) {
			s.mu.Lock()
			s.expired[m.ConditionID] = true
			s.mu.Unlock()
			continue
		}

		if c, ok := s.checkMarket(ctx, m); ok {
			found = append(found, c)
		}
	}

	// best edge first, so the daily budget goes to the fattest spreads
	sort.Slice(found, func(i, j int) bool { return found[i].edgePct > found[j].edgePct })
	for _, c := range found {
		if !s.withinLimits() {
			return nil
		}
		s.execute(ctx, c.market, c.askUp, c.askDown, c.combined, c.edgePct)
	}
	return nil
}

// currentMarkets serves the cached discovery, refreshing when it has gone
// stale. Each timeframe contributes its current tradeable window.
func (s *Scanner) currentMarkets(ctx context.Context) ([]types.Market, error) {
	s.mu.Lock()
	fresh := s.now().Sub(s.lastDiscovery) < s.refreshEvery && len(s.markets) > 0
	cached := s.markets
	s.mu.Unlock()

	if fresh {
		return s.selectCurrent(cached), nil
	}

	discovered, err := s.client.DiscoverMarkets(ctx, s.cfg.Timeframes)
	if err != nil {
		if len(cached) > 0 {
			return s.selectCurrent(cached), nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.markets = discovered
	s.lastDiscovery = s.now()
	for id := range s.expired {
		delete(s.expired, id)
	}
	s.mu.Unlock()

	return s.selectCurrent(discovered), nil
}

func (s *Scanner) selectCurrent(markets []types.Market) []types.Market {
	now := s.now()
	var out []types.Market
	for _, tf := range s.cfg.Timeframes {
		if m := exchange.FilterCurrentWindow(markets, tf, now); m != nil && m.Tradeable {
			out = append(out, *m)
		}
	}
	return out
}

// candidate is a priced opportunity that cleared the threshold and the
// fee gate but has not executed yet.
type candidate struct {
	market   types.Market
	askUp    float64
	askDown  float64
	combined float64
	edgePct  float64
}

// checkMarket prices both sides and reports a candidate when the
// combined ask is below the threshold and the edge survives fees.
func (s *Scanner) checkMarket(ctx context.Context, m types.Market) (candidate, bool) {
	askUp, err := s.client.GetPrice(ctx, m.TokenIDUp, types.SELL)
	if err != nil || askUp <= 0 {
		return candidate{}, false
	}
	askDown, err := s.client.GetPrice(ctx, m.TokenIDDown, types.SELL)
	if err != nil || askDown <= 0 {
		return candidate{}, false
	}

	combined := askUp + askDown
	if combined >= s.cfg.Threshold {
		if combined < s.cfg.Threshold+nearMissBand {
			s.logger.Debug("near miss",
				"market", m.Slug,
				"combined", combined,
				"threshold", s.cfg.Threshold)
		}
		return candidate{}, false
	}

	// a $1 redemption against `combined` spent is (1 - combined) profit
	// per pair of shares
	edgePct := (1 - combined) * 100
	if edgePct < s.cfg.MinEdgePct {
		return candidate{}, false
	}

	feePct := s.client.FeePctForPrice(ctx, m.TokenIDUp, askUp) +
		s.client.FeePctForPrice(ctx, m.TokenIDDown, askDown)
	netEdgePct := edgePct - feePct
	if netEdgePct <= 0 {
		s.logger.Debug("edge eaten by fees",
			"market", m.Slug,
			"edge_pct", edgePct,
			"fee_pct", feePct)
		return candidate{}, false
	}

	s.logger.Info("arbitrage detected",
		"market", m.Slug,
		"ask_up", askUp,
		"ask_down", askDown,
		"combined", combined,
		"edge_pct", edgePct,
		"net_edge_pct", netEdgePct)

	return candidate{market: m, askUp: askUp, askDown: askDown, combined: combined, edgePct: edgePct}, true
}

// execute fires both legs FOK. A partial fill leaves one-sided exposure;
// that leg stays and resolves like a directional trade.
func (s *Scanner) execute(ctx context.Context, m types.Market, askUp, askDown, combined, edgePct float64) {
	size := s.cfg.SizePerSideUSD
	upFilled := s.fireLeg(ctx, m, m.TokenIDUp, askUp, size)
	downFilled := s.fireLeg(ctx, m, m.TokenIDDown, askDown, size)

	status := StatusFailed
	spent := 0.0
	switch {
	case upFilled && downFilled:
		status = StatusFilled
		spent = 2 * size
	case upFilled || downFilled:
		status = StatusPartial
		spent = size
	}

	s.mu.Lock()
	s.cooldowns[m.ConditionID] = s.now().Add(s.cfg.Cooldown)
	if status != StatusFailed {
		s.tradesToday++
		s.spentToday += spent
	}
	s.executed = append(s.executed, Opportunity{
		ConditionID: m.ConditionID,
		Slug:        m.Slug,
		AskUp:       askUp,
		AskDown:     askDown,
		Combined:    combined,
		EdgePct:     edgePct,
		Status:      status,
		SpentUSD:    spent,
		Timestamp:   s.now(),
	})
	s.mu.Unlock()

	level := slog.LevelInfo
	if status == StatusPartial {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "arbitrage executed",
		"market", m.Slug,
		"status", string(status),
		"spent_usd", spent)
}

func (s *Scanner) fireLeg(ctx context.Context, m types.Market, tokenID string, ask, sizeUSD float64) bool {
	shares := math.Floor(sizeUSD/ask*10) / 10
	if shares < 5 {
		shares = 5
	}

	resp, err := s.client.PostOrder(ctx, types.UserOrder{
		TokenID:   tokenID,
		Price:     ask,
		Size:      shares,
		Side:      types.BUY,
		OrderType: types.OrderTypeFOK,
		TickSize:  m.TickSize,
	}, m.NegRisk)
	if err != nil {
		s.logger.Warn("leg failed", "token", tokenID, "error", err)
		return false
	}
	if !resp.Success {
		s.logger.Warn("leg rejected", "token", tokenID, "error", resp.ErrorMsg)
		return false
	}
	return true
}

// withinLimits checks the daily trade count and budget caps.
func (s *Scanner) withinLimits() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxDailyTrades > 0 && s.tradesToday >= s.cfg.MaxDailyTrades {
		return false
	}
	if s.cfg.MaxDailyBudget > 0 && s.spentToday+2*s.cfg.SizePerSideUSD > s.cfg.MaxDailyBudget {
		return false
	}
	return true
}

// rollover resets daily counters at the UTC date change.
func (s *Scanner) rollover() {
	today := s.now().UTC().Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.date != today {
		s.date = today
		s.tradesToday = 0
		s.spentToday = 0
	}
}

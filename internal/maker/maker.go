// Package maker implements a passive post-only quoting engine for UP/DOWN
// binary markets.
//
// Unlike a classic two-sided maker on one token, this engine bids both
// outcomes of the window: a bid on UP at mid-offset and a bid on DOWN at
// (1-mid)-offset. Filled inventory on both sides nets to a guaranteed $1
// redemption, so the earned spread is the offset on each leg. One-sided
// fills are bounded by an imbalance cap that stops quoting the heavy side.
//
// Fill detection has no user trade feed to lean on: a quote that
// disappears from the open-order list without a cancel on record is
// suspected filled, and confirmed one refresh cycle later. The debounce
// absorbs the propagation lag between order placement and the open-orders
// endpoint.
package maker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"updown-bot/internal/config"
	"updown-bot/internal/exchange"
	"updown-bot/pkg/types"
)

const (
	// quotable price band; outside it the payoff asymmetry makes passive
	// bids a losing proposition
	minQuotePrice = 0.25
	maxQuotePrice = 0.75

	// mid gate; a window this lopsided is already decided
	minQuoteMid = 0.35
	maxQuoteMid = 0.65

	minShares = 5.0

	// cancelled-ID memory bounds
	cancelledHighWater = 500
	cancelledKeep      = 200
)

// SideUp and SideDown label which outcome a quote bids.
const (
	SideUp   = "BUY_UP"
	SideDown = "BUY_DOWN"
)

// Maker runs the quoting loop. It tracks its own open quotes and
// reconciles them against the venue every refresh interval.
type Maker struct {
	cfg    config.MakerConfig
	client *exchange.Client
	logger *slog.Logger

	mu             sync.Mutex
	market         *types.Market
	quotes         map[string]types.ActiveQuote // orderID -> quote
	suspects       map[string]bool              // first-absence debounce
	cancelled      map[string]struct{}          // IDs we cancelled ourselves
	cancelledOrder []string                     // FIFO for pruning
	filledUpUSD    float64
	filledDownUSD  float64
	spentToday     float64
	date           string

	now func() time.Time
}

// New creates the maker engine.
func New(cfg config.MakerConfig, client *exchange.Client, logger *slog.Logger) *Maker {
	return &Maker{
		cfg:       cfg,
		client:    client,
		logger:    logger.With("component", "maker"),
		quotes:    make(map[string]types.ActiveQuote),
		suspects:  make(map[string]bool),
		cancelled: make(map[string]struct{}),
		now:       time.Now,
	}
}

// Run quotes until ctx is cancelled, then pulls all quotes.
func (m *Maker) Run(ctx context.Context) {
	m.logger.Info("maker started",
		"spread_bps", m.cfg.SpreadBps,
		"order_size", m.cfg.OrderSizeUSD,
		"refresh", m.cfg.RefreshInterval,
		"timeframes", m.cfg.Timeframes)

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.pullQuotes(context.Background(), "shutdown")
			m.logger.Info("maker stopped")
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

// refresh is one quoting cycle: settle fills, pick the market, gate, and
// reconcile quotes.
func (m *Maker) refresh(ctx context.Context) {
	m.rollover()
	m.detectFills(ctx)

	market := m.ensureMarket(ctx)
	if market == nil {
		return
	}

	remaining := market.EndDate.Sub(m.now())
	if remaining < m.cfg.PullBeforeClose {
		m.pullQuotes(ctx, "window closing")
		m.mu.Lock()
		m.market = nil
		m.mu.Unlock()
		return
	}

	if !m.budgetAllows() {
		m.pullQuotes(ctx, "daily budget exhausted")
		return
	}

	mid, err := m.client.GetMidpoint(ctx, market.TokenIDUp)
	if err != nil || mid <= 0 {
		m.logger.Warn("no midpoint", "market", market.Slug, "error", err)
		return
	}
	if mid <= minQuoteMid || mid >= maxQuoteMid {
		m.pullQuotes(ctx, "mid outside quotable band")
		return
	}

	m.reconcile(ctx, *market, mid)
}

// ensureMarket keeps a current-window market selected, choosing the most
// liquid window across the configured timeframes.
func (m *Maker) ensureMarket(ctx context.Context) *types.Market {
	m.mu.Lock()
	current := m.market
	m.mu.Unlock()

	if current != nil && current.EndDate.After(m.now()) {
		return current
	}

	markets, err := m.client.DiscoverMarkets(ctx, m.cfg.Timeframes)
	if err != nil {
		m.logger.Warn("discovery failed", "error", err)
		return nil
	}

	var best *types.Market
	for _, tf := range m.cfg.Timeframes {
		c := exchange.FilterCurrentWindow(markets, tf, m.now())
		if c == nil || !c.Tradeable {
			continue
		}
		if best == nil || c.Liquidity > best.Liquidity {
			best = c
		}
	}
	if best == nil {
		return nil
	}

	m.mu.Lock()
	m.market = best
	m.mu.Unlock()
	m.logger.Info("quoting market selected", "market", best.Slug, "liquidity", best.Liquidity)
	return best
}

// desiredQuotes computes the bid ladder for both outcomes. A side is
// dropped when its price leaves the quotable band or when filled
// imbalance says we are already heavy there.
func (m *Maker) desiredQuotes(market types.Market, mid float64) []types.ActiveQuote {
	offset := float64(m.cfg.SpreadBps) / 10000 / 2
	spacing := float64(m.cfg.LevelSpacingBps) / 10000

	m.mu.Lock()
	imbalance := m.filledUpUSD - m.filledDownUSD
	m.mu.Unlock()

	quoteUp := imbalance < m.cfg.MaxImbalanceUSD
	quoteDown := -imbalance < m.cfg.MaxImbalanceUSD

	var out []types.ActiveQuote
	for level := 0; level < m.cfg.NumLevels; level++ {
		drop := offset + float64(level)*spacing
		if quoteUp {
			if q, ok := m.buildQuote(market, SideUp, mid-drop); ok {
				out = append(out, q)
			}
		}
		if quoteDown {
			if q, ok := m.buildQuote(market, SideDown, (1-mid)-drop); ok {
				out = append(out, q)
			}
		}
	}

	if m.cfg.MaxOpenOrders > 0 && len(out) > m.cfg.MaxOpenOrders {
		out = out[:m.cfg.MaxOpenOrders]
	}
	return out
}

func (m *Maker) buildQuote(market types.Market, side string, price float64) (types.ActiveQuote, bool) {
	price = math.Round(price*100) / 100
	if price < minQuotePrice || price > maxQuotePrice {
		return types.ActiveQuote{}, false
	}

	shares := math.Round(m.cfg.OrderSizeUSD/price*10) / 10
	if shares < minShares {
		shares = minShares
	}

	tokenID := market.TokenIDUp
	if side == SideDown {
		tokenID = market.TokenIDDown
	}
	tf, _, _ := exchange.ParseSlug(market.Slug)

	return types.ActiveQuote{
		TokenID:     tokenID,
		ConditionID: market.ConditionID,
		Side:        side,
		Price:       price,
		Size:        shares,
		Timeframe:   tf,
	}, true
}

// reconcile diffs desired quotes against active ones. A live quote at the
// same token and price survives; everything else is cancelled and the
// missing quotes are posted.
func (m *Maker) reconcile(ctx context.Context, market types.Market, mid float64) {
	desired := m.desiredQuotes(market, mid)

	type key struct {
		tokenID string
		price   float64
	}
	wanted := make(map[key]types.ActiveQuote, len(desired))
	for _, q := range desired {
		wanted[key{q.TokenID, q.Price}] = q
	}

	m.mu.Lock()
	var stale []types.ActiveQuote
	for id, q := range m.quotes {
		k := key{q.TokenID, q.Price}
		if _, ok := wanted[k]; ok {
			delete(wanted, k) // keep the live quote
			continue
		}
		q.OrderID = id
		stale = append(stale, q)
	}
	m.mu.Unlock()

	for _, q := range stale {
		m.cancelQuote(ctx, q.OrderID)
	}

	for _, q := range wanted {
		resp, err := m.client.PlaceMakerOrder(ctx, market, q.TokenID, q.Price, q.Size)
		if err != nil {
			m.logger.Warn("quote rejected", "side", q.Side, "price", q.Price, "error", err)
			continue
		}

		q.OrderID = resp.OrderID
		q.PostedAt = m.now()
		m.mu.Lock()
		m.quotes[resp.OrderID] = q
		m.mu.Unlock()
		m.logger.Info("quote posted",
			"side", q.Side,
			"price", q.Price,
			"shares", q.Size,
			"order_id", resp.OrderID)
	}
}

// detectFills reconciles tracked quotes against the venue's open-order
// list. Absence without a recorded cancel means a fill; confirmation is
// deferred one cycle to ride out listing lag.
func (m *Maker) detectFills(ctx context.Context) {
	m.mu.Lock()
	conditionID := ""
	if m.market != nil {
		conditionID = m.market.ConditionID
	}
	tracked := len(m.quotes)
	m.mu.Unlock()
	if tracked == 0 {
		return
	}

	open, err := m.client.GetOpenOrders(ctx, conditionID)
	if err != nil {
		m.logger.Warn("open orders fetch failed", "error", err)
		return
	}
	live := make(map[string]bool, len(open))
	for _, o := range open {
		live[o.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, q := range m.quotes {
		if live[id] {
			delete(m.suspects, id)
			continue
		}
		if _, wasCancelled := m.cancelled[id]; wasCancelled {
			delete(m.quotes, id)
			delete(m.suspects, id)
			continue
		}
		if !m.suspects[id] {
			m.suspects[id] = true
			continue
		}

		// second consecutive absence: confirmed fill
		notional := q.Price * q.Size
		m.spentToday += notional
		if q.Side == SideUp {
			m.filledUpUSD += notional
		} else {
			m.filledDownUSD += notional
		}
		delete(m.quotes, id)
		delete(m.suspects, id)
		m.logger.Info("maker fill",
			"side", q.Side,
			"price", q.Price,
			"shares", q.Size,
			"notional", notional,
			"order_id", id)
	}
}

// cancelQuote cancels one quote and remembers the ID so its absence is
// not misread as a fill.
func (m *Maker) cancelQuote(ctx context.Context, orderID string) {
	if err := m.client.CancelOrder(ctx, orderID); err != nil {
		m.logger.Warn("cancel failed", "order_id", orderID, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quotes, orderID)
	delete(m.suspects, orderID)
	if _, seen := m.cancelled[orderID]; !seen {
		m.cancelled[orderID] = struct{}{}
		m.cancelledOrder = append(m.cancelledOrder, orderID)
	}
	if len(m.cancelledOrder) > cancelledHighWater {
		drop := m.cancelledOrder[:len(m.cancelledOrder)-cancelledKeep]
		for _, id := range drop {
			delete(m.cancelled, id)
		}
		m.cancelledOrder = append([]string(nil), m.cancelledOrder[len(m.cancelledOrder)-cancelledKeep:]...)
	}
}

// pullQuotes cancels every active quote.
func (m *Maker) pullQuotes(ctx context.Context, reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.quotes))
	for id := range m.quotes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	m.logger.Info("pulling quotes", "count", len(ids), "reason", reason)
	for _, id := range ids {
		m.cancelQuote(ctx, id)
	}
}

// budgetAllows reports whether another two-sided quote fits the daily
// maker budget.
func (m *Maker) budgetAllows() bool {
	if m.cfg.MaxDailyBudget <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spentToday+2*m.cfg.OrderSizeUSD <= m.cfg.MaxDailyBudget
}

// rollover resets daily fill accounting at the UTC date change.
func (m *Maker) rollover() {
	today := m.now().UTC().Format("2006-01-02")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.date != today {
		m.date = today
		m.spentToday = 0
		m.filledUpUSD = 0
		m.filledDownUSD = 0
	}
}

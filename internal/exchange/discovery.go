package exchange

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"updown-bot/pkg/types"
)

// timeframeSeconds maps a slug timeframe token to the window length.
var timeframeSeconds = map[string]int64{
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
}

// slugPattern matches the venue's UP/DOWN market slugs, capturing the
// timeframe token and window-start unix timestamp.
var slugPattern = regexp.MustCompile(`btc-updown-(\d+[mh])-(\d+)`)

// gammaEvent is the Gamma API event shape, reduced to the fields we read.
type gammaEvent struct {
	ID      string        `json:"id"`
	Slug    string        `json:"slug"`
	Title   string        `json:"title"`
	Markets []gammaMarket `json:"markets"`
}

// gammaMarket is one market inside a Gamma event. Numeric fields arrive
// as strings.
type gammaMarket struct {
	ConditionID  string           `json:"conditionId"`
	Question     string           `json:"question"`
	Slug         string           `json:"slug"`
	Outcomes     types.StringList `json:"outcomes"`
	ClobTokenIDs types.StringList `json:"clobTokenIds"`
	Prices       types.StringList `json:"outcomePrices"`
	Liquidity    string           `json:"liquidity"`
	EndDate      string           `json:"endDate"`
	Active       bool             `json:"active"`
	Closed       bool             `json:"closed"`
	NegRisk      bool             `json:"negRisk"`
}

// clobMarket is the CLOB API market shape, used to enrich Gamma results
// with authoritative token IDs and to read resolution winners.
type clobMarket struct {
	ConditionID     string      `json:"condition_id"`
	Question        string      `json:"question"`
	Closed          bool        `json:"closed"`
	Active          bool        `json:"active"`
	NegRisk         bool        `json:"neg_risk"`
	MinimumTickSize float64     `json:"minimum_tick_size"`
	EndDateISO      string      `json:"end_date_iso"`
	Tokens          []clobToken `json:"tokens"`
}

type clobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

// ParseSlug extracts the timeframe and window-start timestamp from an
// UP/DOWN market slug.
func ParseSlug(slug string) (timeframe string, windowStart int64, ok bool) {
	m := slugPattern.FindStringSubmatch(slug)
	if m == nil {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return m[1], ts, true
}

// slugCandidates returns deterministic slugs around the current window
// boundary. The venue keys slugs by window start, so probing one window
// back and two forward covers clock skew and pre-listed markets.
func slugCandidates(timeframe string, now time.Time) []string {
	secs, ok := timeframeSeconds[timeframe]
	if !ok {
		return nil
	}
	boundary := now.Unix() - now.Unix()%secs
	slugs := make([]string, 0, 4)
	for _, off := range []int64{-1, 0, 1, 2} {
		slugs = append(slugs, fmt.Sprintf("btc-updown-%s-%d", timeframe, boundary+off*secs))
	}
	return slugs
}

// DiscoverMarkets finds the tradeable UP/DOWN markets for the given
// timeframes. Deterministic slug lookups come first; a paginated event
// scan is the fallback when the venue changes its slug scheme.
func (c *Client) DiscoverMarkets(ctx context.Context, timeframes []string) ([]types.Market, error) {
	seen := make(map[string]bool)
	var markets []types.Market

	for _, tf := range timeframes {
		found := false
		for _, ev := range c.fetchSlugCandidates(ctx, tf) {
			if ev == nil {
				continue
			}
			for _, gm := range ev.Markets {
				m, err := c.enrichMarket(ctx, gm)
				if err != nil {
					c.logger.Warn("market enrichment failed", "slug", gm.Slug, "error", err)
					continue
				}
				if m != nil && !seen[m.ConditionID] {
					seen[m.ConditionID] = true
					markets = append(markets, *m)
					found = true
				}
			}
		}
		if !found {
			scanned, err := c.scanEvents(ctx, tf, seen)
			if err != nil {
				c.logger.Warn("event scan failed", "timeframe", tf, "error", err)
				continue
			}
			markets = append(markets, scanned...)
		}
	}

	c.marketsMu.Lock()
	for _, m := range markets {
		c.activeMarkets[m.ConditionID] = m
	}
	c.marketsMu.Unlock()

	c.logger.Info("markets discovered", "count", len(markets), "timeframes", timeframes)
	return markets, nil
}

// fetchSlugCandidates looks up the candidate slugs for one timeframe in
// parallel. The result keeps candidate order (previous window first) so
// dedupe stays deterministic; missing or failed slugs come back nil.
func (c *Client) fetchSlugCandidates(ctx context.Context, timeframe string) []*gammaEvent {
	slugs := slugCandidates(timeframe, time.Now())
	events := make([]*gammaEvent, len(slugs))

	g, gctx := errgroup.WithContext(ctx)
	for i, slug := range slugs {
		g.Go(func() error {
			ev, err := c.fetchEventBySlug(gctx, slug)
			if err != nil {
				c.logger.Debug("slug lookup failed", "slug", slug, "error", err)
				return nil
			}
			events[i] = ev
			return nil
		})
	}
	g.Wait()
	return events
}

// ActiveMarket returns the last discovered state of a market, if any.
func (c *Client) ActiveMarket(conditionID string) (types.Market, bool) {
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	m, ok := c.activeMarkets[conditionID]
	return m, ok
}

// fetchEventBySlug looks up one Gamma event. A 404 returns nil, nil.
func (c *Client) fetchEventBySlug(ctx context.Context, slug string) (*gammaEvent, error) {
	var result gammaEvent
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/events/slug/" + slug)
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", slug, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch event %s: status %d", slug, resp.StatusCode())
	}
	if result.ID == "" {
		return nil, nil
	}
	return &result, nil
}

// scanEvents pages through active Gamma events looking for UP/DOWN
// markets of the requested timeframe. Bounded to six pages.
func (c *Client) scanEvents(ctx context.Context, timeframe string, seen map[string]bool) ([]types.Market, error) {
	var markets []types.Market

	for page := 0; page < 6; page++ {
		var events []gammaEvent
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"active":    "true",
				"closed":    "false",
				"limit":     "100",
				"offset":    strconv.Itoa(page * 100),
				"order":     "id",
				"ascending": "false",
			}).
			SetResult(&events).
			Get("/events")
		if err != nil {
			return markets, fmt.Errorf("scan events page %d: %w", page, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return markets, fmt.Errorf("scan events page %d: status %d", page, resp.StatusCode())
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			for _, gm := range ev.Markets {
				tf, _, ok := ParseSlug(gm.Slug)
				if !ok || tf != timeframe || gm.Closed || seen[gm.ConditionID] {
					continue
				}
				m, err := c.enrichMarket(ctx, gm)
				if err != nil || m == nil {
					continue
				}
				seen[m.ConditionID] = true
				markets = append(markets, *m)
			}
		}
	}
	return markets, nil
}

// GetCLOBMarket fetches a market's authoritative state from the CLOB API.
func (c *Client) GetCLOBMarket(ctx context.Context, conditionID string) (*clobMarket, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result clobMarket
	resp, err := c.clob.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets/" + conditionID)
	if err != nil {
		return nil, fmt.Errorf("get clob market: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get clob market: status %d", resp.StatusCode())
	}
	return &result, nil
}

// enrichMarket converts a Gamma market into the internal Market shape,
// preferring CLOB token IDs over Gamma's since Gamma occasionally lags
// new listings.
func (c *Client) enrichMarket(ctx context.Context, gm gammaMarket) (*types.Market, error) {
	if gm.ConditionID == "" || gm.Closed {
		return nil, nil
	}

	endDate, err := time.Parse(time.RFC3339, gm.EndDate)
	if err != nil {
		return nil, fmt.Errorf("parse end date %q: %w", gm.EndDate, err)
	}

	m := &types.Market{
		ConditionID: gm.ConditionID,
		Question:    gm.Question,
		Slug:        gm.Slug,
		EndDate:     endDate.UTC(),
		Tradeable:   gm.Active && !gm.Closed,
		NegRisk:     true,
		TickSize:    types.Tick001,
	}
	if gm.Liquidity != "" {
		m.Liquidity, _ = strconv.ParseFloat(gm.Liquidity, 64)
	}

	// Gamma pairs outcomes, token IDs, and prices by index
	for i, outcome := range gm.Outcomes {
		up := isUpOutcome(outcome)
		if i < len(gm.ClobTokenIDs) {
			if up {
				m.TokenIDUp = gm.ClobTokenIDs[i]
			} else {
				m.TokenIDDown = gm.ClobTokenIDs[i]
			}
		}
		if i < len(gm.Prices) {
			price, _ := strconv.ParseFloat(gm.Prices[i], 64)
			if up {
				m.PriceUp = price
			} else {
				m.PriceDown = price
			}
		}
	}

	cm, err := c.GetCLOBMarket(ctx, gm.ConditionID)
	if err != nil {
		c.logger.Warn("clob market lookup failed, using gamma data", "condition_id", gm.ConditionID, "error", err)
	}
	if cm != nil {
		m.NegRisk = cm.NegRisk
		if cm.MinimumTickSize > 0 {
			m.TickSize = types.TickSize(strconv.FormatFloat(cm.MinimumTickSize, 'f', -1, 64))
		}
		for _, tok := range cm.Tokens {
			if isUpOutcome(tok.Outcome) {
				m.TokenIDUp = tok.TokenID
				if tok.Price > 0 {
					m.PriceUp = tok.Price
				}
			} else {
				m.TokenIDDown = tok.TokenID
				if tok.Price > 0 {
					m.PriceDown = tok.Price
				}
			}
		}
		if cm.Closed {
			m.Tradeable = false
		}
	}

	if m.TokenIDUp == "" || m.TokenIDDown == "" {
		return nil, fmt.Errorf("market %s missing outcome tokens", gm.ConditionID)
	}
	return m, nil
}

// isUpOutcome maps an outcome label to the UP side. The venue uses
// Up/Down for these markets but Yes/No appears on older listings.
func isUpOutcome(outcome string) bool {
	switch outcome {
	case "Up", "up", "UP", "Yes", "yes", "YES":
		return true
	}
	return false
}

// FilterCurrentWindow picks the market to trade for one timeframe: the one
// ending at the active window boundary, or the next window when the
// current one is within 90 seconds of expiry. Falls back to the nearest
// future expiry.
func FilterCurrentWindow(markets []types.Market, timeframe string, now time.Time) *types.Market {
	secs, ok := timeframeSeconds[timeframe]
	if !ok {
		return nil
	}
	interval := time.Duration(secs) * time.Second
	boundary := now.UTC().Truncate(interval)
	target := boundary.Add(interval)
	if now.Sub(boundary) >= interval-90*time.Second {
		target = target.Add(interval)
	}

	var candidates []types.Market
	for _, m := range markets {
		if tf, _, ok := ParseSlug(m.Slug); ok && tf == timeframe {
			candidates = append(candidates, m)
		}
	}

	for i := range candidates {
		if candidates[i].EndDate.Equal(target) {
			return &candidates[i]
		}
	}

	var best *types.Market
	for i := range candidates {
		m := &candidates[i]
		if !m.EndDate.After(now) {
			continue
		}
		if best == nil || m.EndDate.Before(best.EndDate) {
			best = m
		}
	}
	return best
}

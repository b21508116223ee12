package exchange

import (
	"context"
	"time"

	"updown-bot/pkg/types"
)

// archiveAfter is how long a resolved record stays in the active list
// before moving to the archive.
const archiveAfter = time.Hour

// winnerSellPrice is the limit price for selling resolved winning shares.
// Winners redeem at $1; selling at 0.99 converts them to collateral
// immediately instead of waiting for on-chain redemption.
const winnerSellPrice = 0.99

// PendingTrades returns copies of the unresolved trade records.
func (c *Client) PendingTrades() []types.TradeRecord {
	c.recordsMu.Lock()
	defer c.recordsMu.Unlock()

	var out []types.TradeRecord
	for _, rec := range c.records {
		if rec.Outcome == types.OutcomePending {
			out = append(out, *rec)
		}
	}
	return out
}

// TradeRecords returns copies of all active trade records, resolved and
// pending.
func (c *Client) TradeRecords() []types.TradeRecord {
	c.recordsMu.Lock()
	defer c.recordsMu.Unlock()

	out := make([]types.TradeRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	return out
}

// RestoreTradeRecords seeds the active record list, used on startup to
// resume pending positions from the trade log.
func (c *Client) RestoreTradeRecords(records []types.TradeRecord) {
	c.recordsMu.Lock()
	defer c.recordsMu.Unlock()
	for i := range records {
		rec := records[i]
		c.records = append(c.records, &rec)
	}
}

// CheckResolutions polls the CLOB for each pending trade's market and
// settles records whose market has closed with a declared winner. Returns
// the records resolved this call. Records resolved more than an hour ago
// are moved to the archive.
func (c *Client) CheckResolutions(ctx context.Context) ([]types.TradeRecord, error) {
	pending := c.PendingTrades()
	var resolved []types.TradeRecord

	for _, rec := range pending {
		cm, err := c.GetCLOBMarket(ctx, rec.ConditionID)
		if err != nil {
			c.logger.Warn("resolution check failed", "trade_id", rec.TradeID, "error", err)
			continue
		}
		if cm == nil || !cm.Closed {
			continue
		}

		winnerToken, won := winnerFor(cm, rec.Direction)
		if winnerToken == "" {
			// closed but winner not yet declared
			continue
		}

		var pnl float64
		outcome := types.OutcomeLoss
		if won {
			outcome = types.OutcomeWin
			pnl = rec.Shares - rec.SizeUSD // shares redeem at $1
		} else {
			pnl = -rec.SizeUSD
		}

		// the record may have been settled by a concurrent poll while this
		// one was in flight; only the call that flips it off pending may
		// report it, so PnL is booked exactly once
		settled := false
		c.recordsMu.Lock()
		for _, live := range c.records {
			if live.TradeID == rec.TradeID {
				if live.Outcome != types.OutcomePending {
					break
				}
				live.Outcome = outcome
				live.PnL = pnl
				live.ResolvedAt = time.Now().UTC()
				live.WinningToken = winnerToken
				resolved = append(resolved, *live)
				settled = true
				break
			}
		}
		c.recordsMu.Unlock()
		if !settled {
			continue
		}

		c.logger.Info("trade resolved",
			"trade_id", rec.TradeID,
			"outcome", outcome,
			"pnl", pnl,
			"market", rec.ConditionID)
	}

	c.archiveResolved()
	return resolved, nil
}

// winnerFor reads the declared winner from a closed CLOB market and
// reports whether the traded direction won. Empty token means no winner
// declared yet.
func winnerFor(cm *clobMarket, dir types.Direction) (winnerToken string, won bool) {
	for _, tok := range cm.Tokens {
		if !tok.Winner {
			continue
		}
		winnerUp := isUpOutcome(tok.Outcome)
		return tok.TokenID, (dir == types.DirUp) == winnerUp
	}
	return "", false
}

// archiveResolved moves long-resolved records out of the active list.
func (c *Client) archiveResolved() {
	c.recordsMu.Lock()
	defer c.recordsMu.Unlock()

	cutoff := time.Now().Add(-archiveAfter)
	kept := c.records[:0]
	for _, rec := range c.records {
		if rec.Outcome != types.OutcomePending && !rec.ResolvedAt.IsZero() && rec.ResolvedAt.Before(cutoff) {
			c.archived = append(c.archived, rec)
			continue
		}
		kept = append(kept, rec)
	}
	c.records = kept
}

// AutoSellWinners converts resolved winning positions back to collateral
// by selling at 0.99. Positions below the venue minimum are left for
// on-chain redemption.
func (c *Client) AutoSellWinners(ctx context.Context) error {
	c.recordsMu.Lock()
	var winners []types.TradeRecord
	for _, rec := range c.records {
		if rec.Outcome == types.OutcomeWin && !c.sold[rec.TradeID] {
			winners = append(winners, *rec)
		}
	}
	c.recordsMu.Unlock()

	for _, rec := range winners {
		if rec.Shares < minOrderShares {
			continue
		}
		market, ok := c.ActiveMarket(rec.ConditionID)
		if !ok {
			market = types.Market{
				ConditionID: rec.ConditionID,
				NegRisk:     true,
				TickSize:    types.Tick001,
			}
		}

		order := types.UserOrder{
			TokenID:   rec.WinningToken,
			Price:     winnerSellPrice,
			Size:      rec.Shares,
			Side:      types.SELL,
			OrderType: types.OrderTypeGTC,
			TickSize:  market.TickSize,
		}
		resp, err := c.PostOrder(ctx, order, market.NegRisk)
		if err != nil {
			c.logger.Warn("auto-sell failed", "trade_id", rec.TradeID, "error", err)
			continue
		}
		if !resp.Success {
			c.logger.Warn("auto-sell rejected", "trade_id", rec.TradeID, "error", resp.ErrorMsg)
			continue
		}

		c.recordsMu.Lock()
		c.sold[rec.TradeID] = true
		c.recordsMu.Unlock()
		c.logger.Info("winning shares sold",
			"trade_id", rec.TradeID,
			"shares", rec.Shares,
			"order_id", resp.OrderID)
	}
	return nil
}

// TradeStats summarizes realized performance across active and archived
// records.
type TradeStats struct {
	Total    int     `json:"total"`
	Pending  int     `json:"pending"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
}

// Stats aggregates win/loss counts and realized PnL.
func (c *Client) Stats() TradeStats {
	c.recordsMu.Lock()
	defer c.recordsMu.Unlock()

	var s TradeStats
	tally := func(rec *types.TradeRecord) {
		s.Total++
		switch rec.Outcome {
		case types.OutcomePending:
			s.Pending++
		case types.OutcomeWin:
			s.Wins++
			s.TotalPnL += rec.PnL
		case types.OutcomeLoss:
			s.Losses++
			s.TotalPnL += rec.PnL
		}
	}
	for _, rec := range c.records {
		tally(rec)
	}
	for _, rec := range c.archived {
		tally(rec)
	}
	if settled := s.Wins + s.Losses; settled > 0 {
		s.WinRate = float64(s.Wins) / float64(settled)
	}
	return s
}

package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// feeEntry is one cached fee rate lookup.
type feeEntry struct {
	bps       float64
	fetchedAt time.Time
}

// FeeRateBps returns the taker fee rate for a token in basis points, or -1
// when the venue does not expose one. Results are cached for the
// configured TTL since fee schedules change rarely but are queried every
// cycle.
func (c *Client) FeeRateBps(ctx context.Context, tokenID string) (float64, error) {
	c.feeMu.Lock()
	if entry, ok := c.feeCache[tokenID]; ok && time.Since(entry.fetchedAt) < c.feeCacheTTL {
		c.feeMu.Unlock()
		return entry.bps, nil
	}
	c.feeMu.Unlock()

	if err := c.rl.Book.Wait(ctx); err != nil {
		return -1, err
	}

	var result struct {
		FeeRateBps float64 `json:"fee_rate_bps"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/fee-rate")
	if err != nil {
		return -1, fmt.Errorf("get fee rate: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return -1, fmt.Errorf("get fee rate: status %d", resp.StatusCode())
	}

	c.feeMu.Lock()
	c.feeCache[tokenID] = feeEntry{bps: result.FeeRateBps, fetchedAt: time.Now()}
	c.feeMu.Unlock()
	return result.FeeRateBps, nil
}

// FeePctForPrice estimates the fee as a percentage of notional for buying
// at the given price.
//
// With a live rate the venue charges bps on the potential payout, so the
// cost relative to notional scales with (1 - price). Without one, the
// fallback uses the venue's published parabolic curve: maximal at p=0.5,
// zero at the extremes.
func (c *Client) FeePctForPrice(ctx context.Context, tokenID string, price float64) float64 {
	if price <= 0 || price >= 1 {
		return 0
	}

	bps, err := c.FeeRateBps(ctx, tokenID)
	if err == nil && bps >= 0 {
		return bps / 10000 * (1 - price) * 100
	}

	return c.feeFallback * 4 * price * (1 - price)
}

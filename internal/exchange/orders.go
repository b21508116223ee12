package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"updown-bot/pkg/types"
)

// minOrderShares is the venue's minimum order size in outcome tokens.
const minOrderShares = 5.0

// thinBookMarkers appear in the venue's error message when a FOK order
// cannot match against available liquidity.
var thinBookMarkers = []string{
	"fully filled or killed",
	"couldn't be fully filled",
}

// buildSignedOrder converts a UserOrder into a signed on-chain order.
func (c *Client) buildSignedOrder(order types.UserOrder) (*types.SignedOrder, error) {
	tick := order.TickSize
	if tick == "" {
		tick = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tick)

	signed := &types.SignedOrder{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       order.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          order.Side,
		Expiration:    strconv.FormatInt(order.Expiration, 10),
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(order.FeeRateBps),
		SignatureType: c.auth.sigType,
	}
	return signed, nil
}

// PostOrder signs and submits an order to the CLOB. negRisk selects the
// exchange contract the signature verifies against.
func (c *Client) PostOrder(ctx context.Context, order types.UserOrder, negRisk bool) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"token_id", order.TokenID,
			"side", order.Side,
			"price", order.Price,
			"size", order.Size,
			"type", order.OrderType)
		return &types.OrderResponse{
			Success: true,
			OrderID: fmt.Sprintf("dry-run-%d", time.Now().UnixNano()),
			Status:  "live",
		}, nil
	}

	signed, err := c.buildSignedOrder(order)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}
	if err := c.auth.SignOrder(signed, negRisk); err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := types.OrderPayload{
		Order:     *signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
		PostOnly:  order.PostOnly,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() >= 400 {
		// the venue returns structured errors with a 4xx status
		if jerr := json.Unmarshal(resp.Body(), &result); jerr == nil && result.ErrorMsg != "" {
			return &result, nil
		}
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// PlaceDirectionalOrder executes a taker entry into an UP/DOWN market.
//
// The path is FOK at the current ask, falling back to a GTC limit with
// bounded slippage when the book is too thin to fill atomically. A resting
// order gets a short grace period and is cancelled if still unmatched.
// Every apparent fill is verified against the order-status endpoint before
// a trade record is created: submissions that report success but never
// settle on chain must not count as positions.
func (c *Client) PlaceDirectionalOrder(
	ctx context.Context,
	market types.Market,
	dir types.Direction,
	confidence, sizeUSD, oraclePrice float64,
) (*types.TradeRecord, error) {
	tokenID := market.TokenFor(dir)
	if tokenID == "" {
		return nil, fmt.Errorf("market %s has no token for direction %s", market.ConditionID, dir)
	}

	// dry-run prices off the discovery quote so a simulated session never
	// needs the live price endpoint
	execPrice := market.PriceFor(dir)
	if !c.dryRun {
		if p, err := c.GetPrice(ctx, tokenID, types.SELL); err == nil && p > 0 { // best ask for a buyer
			execPrice = p
		}
	}
	if execPrice <= 0 || execPrice >= 1 {
		return nil, fmt.Errorf("no executable price for %s %s", market.ConditionID, dir)
	}

	shares := roundShares(sizeUSD / execPrice)
	if shares < minOrderShares {
		shares = minOrderShares
	}

	if c.dryRun {
		rec := c.newTradeRecord(market, dir, confidence, execPrice, shares, oraclePrice, fmt.Sprintf("dry-run-%d", time.Now().UnixMilli()))
		c.addRecord(rec)
		c.logger.Info("DRY-RUN: simulated fill",
			"market", market.ConditionID,
			"direction", dir,
			"price", execPrice,
			"shares", shares)
		return rec, nil
	}

	order := types.UserOrder{
		TokenID:   tokenID,
		Price:     execPrice,
		Size:      shares,
		Side:      types.BUY,
		OrderType: types.OrderTypeFOK,
		TickSize:  market.TickSize,
	}

	resp, err := c.PostOrder(ctx, order, market.NegRisk)
	if err != nil {
		return nil, fmt.Errorf("fok order: %w", err)
	}

	if !resp.Success {
		if isThinBook(resp.ErrorMsg) {
			c.logger.Warn("FOK killed by thin book, falling back to GTC",
				"market", market.ConditionID, "error", resp.ErrorMsg)
			return c.placeGTCFallback(ctx, market, dir, confidence, sizeUSD, oraclePrice, execPrice)
		}
		return nil, fmt.Errorf("order rejected: %s", resp.ErrorMsg)
	}

	if resp.Status == "live" {
		// FOK should never rest; treat as a resting order anyway
		matched, err := c.awaitRestingFill(ctx, resp.OrderID, c.liveOrderWait)
		if err != nil {
			return nil, err
		}
		if !matched {
			return nil, nil
		}
	}

	return c.verifyAndRecord(ctx, market, dir, confidence, execPrice, shares, oraclePrice, resp)
}

// placeGTCFallback retries a killed FOK as a GTC limit with bounded
// slippage. The order rests briefly and is cancelled if unfilled.
func (c *Client) placeGTCFallback(
	ctx context.Context,
	market types.Market,
	dir types.Direction,
	confidence, sizeUSD, oraclePrice, execPrice float64,
) (*types.TradeRecord, error) {
	slipPrice := math.Round(math.Min(0.99, execPrice*(1+c.maxSlippagePct/100))*100) / 100
	shares := roundShares(sizeUSD / slipPrice)
	if shares < minOrderShares {
		shares = minOrderShares
	}

	order := types.UserOrder{
		TokenID:   market.TokenFor(dir),
		Price:     slipPrice,
		Size:      shares,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
		TickSize:  market.TickSize,
	}

	resp, err := c.PostOrder(ctx, order, market.NegRisk)
	if err != nil {
		return nil, fmt.Errorf("gtc fallback: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("gtc fallback rejected: %s", resp.ErrorMsg)
	}

	if resp.Status == "live" {
		matched, err := c.awaitRestingFill(ctx, resp.OrderID, c.gtcFallbackWait)
		if err != nil {
			return nil, err
		}
		if !matched {
			c.logger.Info("GTC fallback unfilled, cancelled", "order_id", resp.OrderID)
			return nil, nil
		}
	}

	return c.verifyAndRecord(ctx, market, dir, confidence, slipPrice, shares, oraclePrice, resp)
}

// awaitRestingFill gives a resting order a grace period, then checks its
// status. Unmatched orders are cancelled. When the cancel itself fails the
// order is requeried; an order that is neither matched nor provably
// cancelled is in limbo and must not become a trade record.
func (c *Client) awaitRestingFill(ctx context.Context, orderID string, wait time.Duration) (bool, error) {
	if err := sleep(ctx, wait); err != nil {
		return false, err
	}

	open, err := c.GetOrder(ctx, orderID)
	if err == nil && open != nil && orderMatched(open) {
		return true, nil
	}

	if cerr := c.CancelOrder(ctx, orderID); cerr != nil {
		c.logger.Warn("cancel failed, requerying order", "order_id", orderID, "error", cerr)
		open, err = c.GetOrder(ctx, orderID)
		if err == nil && open != nil && orderMatched(open) {
			return true, nil
		}
		c.logger.Error("order in limbo: not matched, cancel failed", "order_id", orderID)
	}
	return false, nil
}

// verifyAndRecord confirms a reported fill actually settled before
// creating the trade record.
//
// Two failure shapes are screened out: ghost fills (success with no
// settlement transactions) and phantom fills (the status endpoint shows
// the order never matched). Both log loudly and produce no record. If the
// status endpoint itself errors on the retry, the fill is assumed real;
// missing a live position is worse than recording a false one.
func (c *Client) verifyAndRecord(
	ctx context.Context,
	market types.Market,
	dir types.Direction,
	confidence, price, shares, oraclePrice float64,
	resp *types.OrderResponse,
) (*types.TradeRecord, error) {
	if err := sleep(ctx, c.verifyWait); err != nil {
		return nil, err
	}

	ghost := len(resp.TransactionHashes) == 0

	open, err := c.GetOrder(ctx, resp.OrderID)
	if err == nil && open != nil && orderMatched(open) {
		rec := c.newTradeRecord(market, dir, confidence, price, shares, oraclePrice, resp.OrderID)
		c.addRecord(rec)
		return rec, nil
	}

	if err := sleep(ctx, c.verifyRetryWait); err != nil {
		return nil, err
	}
	open, err = c.GetOrder(ctx, resp.OrderID)
	if err != nil {
		c.logger.Warn("fill verification errored, assuming filled",
			"order_id", resp.OrderID, "error", err)
		rec := c.newTradeRecord(market, dir, confidence, price, shares, oraclePrice, resp.OrderID)
		c.addRecord(rec)
		return rec, nil
	}
	if open != nil && orderMatched(open) {
		rec := c.newTradeRecord(market, dir, confidence, price, shares, oraclePrice, resp.OrderID)
		c.addRecord(rec)
		return rec, nil
	}

	if ghost {
		c.logger.Error("GHOST FILL: order reported success with no settlement transactions",
			"order_id", resp.OrderID, "market", market.ConditionID)
	} else {
		c.logger.Error("PHANTOM FILL: order reported success but never matched",
			"order_id", resp.OrderID, "market", market.ConditionID)
	}
	return nil, nil
}

// PlaceMakerOrder posts a post-only GTC limit order. It returns the venue
// response without fill verification; maker fills are detected by the
// quoting loop polling open orders.
func (c *Client) PlaceMakerOrder(ctx context.Context, market types.Market, tokenID string, price, shares float64) (*types.OrderResponse, error) {
	if shares < minOrderShares {
		return nil, fmt.Errorf("maker order below minimum size: %.1f shares", shares)
	}

	order := types.UserOrder{
		TokenID:   tokenID,
		Price:     price,
		Size:      shares,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
		TickSize:  market.TickSize,
		PostOnly:  true,
	}

	resp, err := c.PostOrder(ctx, order, market.NegRisk)
	if err != nil {
		return nil, fmt.Errorf("maker order: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("maker order rejected: %s", resp.ErrorMsg)
	}
	return resp, nil
}

// newTradeRecord builds a pending trade record for a verified fill.
func (c *Client) newTradeRecord(
	market types.Market,
	dir types.Direction,
	confidence, price, shares, oraclePrice float64,
	orderID string,
) *types.TradeRecord {
	suffix := "U"
	if dir == types.DirDown {
		suffix = "D"
	}
	return &types.TradeRecord{
		TradeID:     fmt.Sprintf("T-%d-%s", time.Now().UnixMilli(), suffix),
		Timestamp:   time.Now().UTC(),
		ConditionID: market.ConditionID,
		Question:    market.Question,
		Direction:   dir,
		Confidence:  confidence,
		EntryPrice:  price,
		Shares:      shares,
		SizeUSD:     math.Round(price*shares*100) / 100,
		OraclePrice: oraclePrice,
		Outcome:     types.OutcomePending,
		OrderID:     orderID,
	}
}

func (c *Client) addRecord(rec *types.TradeRecord) {
	c.recordsMu.Lock()
	c.records = append(c.records, rec)
	c.recordsMu.Unlock()
	c.logger.Info("trade recorded",
		"trade_id", rec.TradeID,
		"market", rec.ConditionID,
		"direction", rec.Direction,
		"entry", rec.EntryPrice,
		"shares", rec.Shares,
		"size_usd", rec.SizeUSD)
}

// orderMatched reports whether an order status shows any fill.
func orderMatched(o *types.OpenOrder) bool {
	if strings.EqualFold(o.Status, "matched") {
		return true
	}
	matched, err := strconv.ParseFloat(o.SizeMatched, 64)
	return err == nil && matched > 0
}

func isThinBook(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, marker := range thinBookMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// roundShares truncates to one decimal place, the venue's size precision.
func roundShares(s float64) float64 {
	return math.Floor(s*10) / 10
}

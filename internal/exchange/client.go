// Package exchange implements the venue client for UP/DOWN binary markets.
//
// Three REST surfaces are wrapped:
//   - CLOB API: order placement/cancellation, books, fees, balances
//   - Gamma API: market discovery by deterministic slug or event pagination
//   - per-order verification via the CLOB order-status endpoints
//
// Every CLOB request is rate-limited via per-category token buckets,
// automatically retried on 5xx, and authenticated with L2 HMAC headers
// (except public reads). Dry-run mode short-circuits every mutating call
// and returns fake success, so all engines can run unfunded end to end.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// Client is the venue REST client. It owns the pending trade records so
// resolution polling works even after markets expire from discovery.
type Client struct {
	clob  *resty.Client // CLOB API with retry + base URL
	gamma *resty.Client // Gamma API for discovery

	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	maxSlippagePct float64

	// fill/verify wait tuning, shortened in tests
	liveOrderWait   time.Duration // resting non-maker order grace before cancel
	gtcFallbackWait time.Duration // GTC slippage retry grace before cancel
	verifyWait      time.Duration // delay before first fill verification
	verifyRetryWait time.Duration // delay before second verification

	feeMu       sync.Mutex
	feeCache    map[string]feeEntry
	feeCacheTTL time.Duration
	feeFallback float64 // conservative fee % at p=0.5

	recordsMu sync.Mutex
	records   []*types.TradeRecord
	archived  []*types.TradeRecord
	sold      map[string]bool // trade IDs whose winning shares were sold

	marketsMu     sync.RWMutex
	activeMarkets map[string]types.Market // condition ID -> last discovered state
}

// NewClient creates the venue client from config.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	newREST := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10*time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500*time.Millisecond).
			SetRetryMaxWaitTime(5*time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		clob:            newREST(cfg.API.CLOBBaseURL),
		gamma:           newREST(cfg.API.GammaBaseURL),
		auth:            auth,
		rl:              NewRateLimiter(),
		dryRun:          cfg.DryRun,
		logger:          logger.With("component", "exchange"),
		maxSlippagePct:  cfg.Timing.MaxSlippagePct,
		liveOrderWait:   12 * time.Second,
		gtcFallbackWait: 10 * time.Second,
		verifyWait:      3 * time.Second,
		verifyRetryWait: 2 * time.Second,
		feeCache:        make(map[string]feeEntry),
		feeCacheTTL:     cfg.Timing.FeeCacheTTL,
		feeFallback:     cfg.Strategy.FeeFallbackPct,
		sold:            make(map[string]bool),
		activeMarkets:   make(map[string]types.Market),
	}
}

// DeriveAPIKey derives L2 API credentials via L1 authentication. Must be
// called once on startup unless credentials were configured directly.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetMidpoint returns the midpoint price for a token, or 0 when the book
// is empty.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Mid string `json:"mid"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/midpoint")
	if err != nil {
		return 0, fmt.Errorf("get midpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get midpoint: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Mid == "" {
		return 0, nil
	}
	mid, err := strconv.ParseFloat(result.Mid, 64)
	if err != nil {
		return 0, fmt.Errorf("get midpoint: parse %q: %w", result.Mid, err)
	}
	return mid, nil
}

// GetPrice returns the best executable price for a token on the given side.
func (c *Client) GetPrice(ctx context.Context, tokenID string, side types.Side) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Price string `json:"price"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"token_id": tokenID,
			"side":     string(side),
		}).
		SetResult(&result).
		Get("/price")
	if err != nil {
		return 0, fmt.Errorf("get price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get price: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Price == "" {
		return 0, nil
	}
	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("get price: parse %q: %w", result.Price, err)
	}
	return price, nil
}

// GetOrder fetches a single order's current state by ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OpenOrder
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOpenOrders lists open orders, optionally filtered to one market's
// condition ID.
func (c *Client) GetOpenOrders(ctx context.Context, conditionID string) ([]types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/orders"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers)
	if conditionID != "" {
		req.SetQueryParam("market", conditionID)
	}

	var result []types.OpenOrder
	resp, err := req.SetResult(&result).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelOrder cancels a single order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.CancelOrders(ctx, []string{orderID})
	return err
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, fmt.Errorf("cancel market orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel market orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetBalance reads the available USDC collateral balance. The endpoint
// returns micro-USDC as a string.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": fmt.Sprintf("%d", c.auth.sigType),
		}).
		SetResult(&result).
		Get(path)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	micro, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("get balance: parse %q: %w", result.Balance, err)
	}
	return micro / 1e6, nil
}

// sleep waits for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

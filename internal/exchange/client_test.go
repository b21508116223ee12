package exchange

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"updown-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeJSON sets the content type so resty unmarshals the body; without it
// the response sniffs as text/plain and SetResult is a silent no-op.
func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

// newTestClient points both API surfaces at one httptest server and
// shortens the fill-verification waits so tests run instantly.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	rest := func() *resty.Client {
		return resty.New().SetBaseURL(server.URL).SetTimeout(5 * time.Second)
	}
	return &Client{
		clob:            rest(),
		gamma:           rest(),
		auth:            &Auth{},
		rl:              NewRateLimiter(),
		logger:          testLogger(),
		maxSlippagePct:  2.0,
		liveOrderWait:   time.Millisecond,
		gtcFallbackWait: time.Millisecond,
		verifyWait:      time.Millisecond,
		verifyRetryWait: time.Millisecond,
		feeCache:        make(map[string]feeEntry),
		feeCacheTTL:     time.Minute,
		feeFallback:     1.56,
		sold:            make(map[string]bool),
		activeMarkets:   make(map[string]types.Market),
	}
}

func newDryRunClient() *Client {
	return &Client{
		dryRun:        true,
		rl:            NewRateLimiter(),
		logger:        testLogger(),
		feeCache:      make(map[string]feeEntry),
		sold:          make(map[string]bool),
		activeMarkets: make(map[string]types.Market),
	}
}

func TestGetOrderBook(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/book" {
			t.Errorf("path = %s, want /book", r.URL.Path)
		}
		if got := r.URL.Query().Get("token_id"); got != "tok-1" {
			t.Errorf("token_id = %s, want tok-1", got)
		}
		writeJSON(w, `{"market":"cond-1","asset_id":"tok-1","bids":[{"price":"0.54","size":"120"}],"asks":[{"price":"0.56","size":"80"}]}`)
	}))

	book, err := c.GetOrderBook(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != "0.54" {
		t.Errorf("bids = %+v", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0].Size != "80" {
		t.Errorf("asks = %+v", book.Asks)
	}
}

func TestGetMidpoint(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"mid":"0.555"}`)
	}))

	mid, err := c.GetMidpoint(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("GetMidpoint: %v", err)
	}
	if mid != 0.555 {
		t.Errorf("mid = %v, want 0.555", mid)
	}
}

func TestGetMidpointEmptyBook(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"mid":""}`)
	}))

	mid, err := c.GetMidpoint(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("GetMidpoint: %v", err)
	}
	if mid != 0 {
		t.Errorf("mid = %v, want 0", mid)
	}
}

func TestGetPrice(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("side"); got != "SELL" {
			t.Errorf("side = %s, want SELL", got)
		}
		writeJSON(w, `{"price":"0.57"}`)
	}))

	price, err := c.GetPrice(context.Background(), "tok-1", types.SELL)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price != 0.57 {
		t.Errorf("price = %v, want 0.57", price)
	}
}

func TestGetBalance(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("asset_type"); got != "COLLATERAL" {
			t.Errorf("asset_type = %s, want COLLATERAL", got)
		}
		writeJSON(w, `{"balance":"523450000"}`)
	}))

	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 523.45 {
		t.Errorf("balance = %v, want 523.45", bal)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	open, err := c.GetOrder(context.Background(), "missing-order")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if open != nil {
		t.Errorf("expected nil for missing order, got %+v", open)
	}
}

func TestDryRunCancelOrders(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	resp, err := c.CancelOrders(context.Background(), []string{"order-1", "order-2"})
	if err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if len(resp.Canceled) != 2 {
		t.Errorf("expected 2 canceled, got %d", len(resp.Canceled))
	}
}

func TestCancelOrdersEmpty(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	resp, err := c.CancelOrders(context.Background(), nil)
	if err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if len(resp.Canceled) != 0 {
		t.Errorf("expected 0 canceled, got %d", len(resp.Canceled))
	}
}

func TestDryRunCancelAll(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	resp, err := c.CancelAll(context.Background())
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
}

func TestDryRunCancelMarketOrders(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	resp, err := c.CancelMarketOrders(context.Background(), "cond-123")
	if err != nil {
		t.Fatalf("CancelMarketOrders: %v", err)
	}
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
}

func TestSleepCancels(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleep(ctx, time.Minute); err == nil {
		t.Error("expected context error from cancelled sleep")
	}
}

package exchange

import (
	"context"
	"math"
	"net/http"
	"sync/atomic"
	"testing"
)

func TestFeeRateBpsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.URL.Query().Get("token_id"); got != "tok-1" {
			t.Errorf("token_id = %s, want tok-1", got)
		}
		writeJSON(w, `{"fee_rate_bps":1000}`)
	}))

	for i := 0; i < 3; i++ {
		bps, err := c.FeeRateBps(context.Background(), "tok-1")
		if err != nil {
			t.Fatalf("FeeRateBps: %v", err)
		}
		if bps != 1000 {
			t.Errorf("bps = %v, want 1000", bps)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fee endpoint calls = %d, want 1 (cached)", got)
	}
}

func TestFeePctForPriceLiveRate(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"fee_rate_bps":1000}`)
	}))

	// 1000 bps on the (1 - 0.60) payout side = 4% of notional
	got := c.FeePctForPrice(context.Background(), "tok-1", 0.60)
	if math.Abs(got-4.0) > 1e-9 {
		t.Errorf("fee pct = %v, want 4.0", got)
	}
}

func TestFeePctForPriceFallback(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	// parabolic curve peaks at p=0.5 with the configured fallback rate
	got := c.FeePctForPrice(context.Background(), "tok-1", 0.5)
	if math.Abs(got-1.56) > 1e-9 {
		t.Errorf("fee pct at 0.5 = %v, want 1.56", got)
	}

	edge := c.FeePctForPrice(context.Background(), "tok-1", 0.9)
	if edge >= got {
		t.Errorf("fee at 0.9 (%v) should be below fee at 0.5 (%v)", edge, got)
	}
}

func TestFeePctForPriceDegenerate(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if got := c.FeePctForPrice(context.Background(), "tok-1", 0); got != 0 {
		t.Errorf("fee at p=0 = %v, want 0", got)
	}
	if got := c.FeePctForPrice(context.Background(), "tok-1", 1); got != 0 {
		t.Errorf("fee at p=1 = %v, want 0", got)
	}
}

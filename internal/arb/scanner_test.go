package arb

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"updown-bot/internal/config"
	"updown-bot/internal/exchange"
	"updown-bot/pkg/types"
)

// fixed mid-window moment: 2026-08-26 12:05:00 UTC in a 15m window
var testNow = time.Date(2026, 8, 26, 12, 5, 0, 0, time.UTC)

func testArbConfig() config.ArbConfig {
	return config.ArbConfig{
		Enabled:        true,
		PollInterval:   8 * time.Second,
		Threshold:      0.98,
		MinEdgePct:     1.0,
		SizePerSideUSD: 10.0,
		MaxDailyTrades: 50,
		MaxDailyBudget: 200.0,
		Cooldown:       2 * time.Minute,
		Timeframes:     []string{"15m"},
	}
}

func arbMarket() types.Market {
	return types.Market{
		ConditionID: "cond-arb",
		Slug:        "btc-updown-15m-1787918400",
		TokenIDUp:   "tok-up",
		TokenIDDown: "tok-down",
		EndDate:     testNow.Add(10 * time.Minute), // window boundary at 12:15
		Tradeable:   true,
		NegRisk:     true,
		TickSize:    types.Tick001,
	}
}

// writeJSON sets the content type so resty unmarshals the body.
func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

// priceHandler serves /price per token and 404s the fee endpoint so the
// fallback curve applies.
func priceHandler(t *testing.T, askUp, askDown string, priceCalls *atomic.Int64) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/price":
			if priceCalls != nil {
				priceCalls.Add(1)
			}
			switch r.URL.Query().Get("token_id") {
			case "tok-up":
				writeJSON(w, `{"price":"`+askUp+`"}`)
			case "tok-down":
				writeJSON(w, `{"price":"`+askDown+`"}`)
			default:
				t.Errorf("unknown token: %s", r.URL.Query().Get("token_id"))
			}
		case "/fee-rate":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
		}
	})
}

// newTestScanner wires a dry-run exchange client against the handler and
// seeds the market cache so no discovery round-trips happen.
func newTestScanner(t *testing.T, handler http.Handler, feeFallbackPct float64) *Scanner {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{DryRun: true}
	cfg.API.CLOBBaseURL = server.URL
	cfg.API.GammaBaseURL = server.URL
	cfg.Strategy.FeeFallbackPct = feeFallbackPct
	cfg.Timing.FeeCacheTTL = time.Minute
	cfg.Timing.MaxSlippagePct = 2.0
	cfg.Timing.IntervalRefreshEvery = 45 * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := exchange.NewClient(cfg, &exchange.Auth{}, logger)

	s := NewScanner(testArbConfig(), cfg.Timing, client, logger)
	s.now = func() time.Time { return testNow }
	s.markets = []types.Market{arbMarket()}
	s.lastDiscovery = testNow
	return s
}

func TestScanDetectsAndExecutes(t *testing.T) {
	t.Parallel()
	// combined 0.95, edge ~5.3%, well past the fee drag
	s := newTestScanner(t, priceHandler(t, "0.47", "0.48", nil), 1.56)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	executed := s.Executed()
	if len(executed) != 1 {
		t.Fatalf("executed = %d, want 1", len(executed))
	}
	opp := executed[0]
	if opp.Status != StatusFilled {
		t.Errorf("status = %s, want filled", opp.Status)
	}
	if opp.SpentUSD != 20.0 {
		t.Errorf("spent = %v, want 20 (both legs)", opp.SpentUSD)
	}
	if math.Abs(opp.Combined-0.95) > 1e-9 {
		t.Errorf("combined = %v, want 0.95", opp.Combined)
	}
	if s.tradesToday != 1 {
		t.Errorf("tradesToday = %d, want 1", s.tradesToday)
	}
	if s.spentToday != 20.0 {
		t.Errorf("spentToday = %v, want 20", s.spentToday)
	}
}

func TestScanSkipsAboveThreshold(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, priceHandler(t, "0.50", "0.49", nil), 1.56)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := len(s.Executed()); got != 0 {
		t.Errorf("executed = %d, want 0 at combined 0.99", got)
	}
}

func TestScanFeeGate(t *testing.T) {
	t.Parallel()
	// combined 0.975 clears the threshold but a punitive fee curve
	// swallows the edge
	s := newTestScanner(t, priceHandler(t, "0.485", "0.49", nil), 50.0)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := len(s.Executed()); got != 0 {
		t.Errorf("executed = %d, want 0 when fees eat the edge", got)
	}
}

func TestScanGrossEdgeIsRedemptionMinusCost(t *testing.T) {
	t.Parallel()
	// both asks 0.48475: combined 0.9695 pays out (1-0.9695) = 3.05% on
	// cost, while the fallback fees run 3.12%. Measuring the edge as a
	// return on cost (1/combined - 1 = 3.15%) would wrongly clear the
	// fee gate and trade a losing spread.
	s := newTestScanner(t, priceHandler(t, "0.48475", "0.48475", nil), 1.56)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := len(s.Executed()); got != 0 {
		t.Errorf("executed = %d, want 0 when fees exceed the redemption edge", got)
	}
}

func TestScanExecutesBestEdgeFirst(t *testing.T) {
	t.Parallel()
	// two windows with positive edge but budget for only one execution:
	// the fatter spread must win even though its market scans second
	asks := map[string]string{
		"tok-thin-up":   "0.48",
		"tok-thin-down": "0.485", // combined 0.965, edge 3.5%
		"tok-fat-up":    "0.47",
		"tok-fat-down":  "0.48", // combined 0.95, edge 5.0%
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/price":
			ask, ok := asks[r.URL.Query().Get("token_id")]
			if !ok {
				t.Errorf("unknown token: %s", r.URL.Query().Get("token_id"))
				return
			}
			writeJSON(w, `{"price":"`+ask+`"}`)
		case "/fee-rate":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
		}
	})

	s := newTestScanner(t, handler, 1.56)
	s.cfg.Timeframes = []string{"5m", "15m"}
	s.cfg.MaxDailyBudget = 25.0 // one 2x$10 execution fits, a second does not

	thin := types.Market{
		ConditionID: "cond-thin",
		Slug:        "btc-updown-5m-1787745900",
		TokenIDUp:   "tok-thin-up",
		TokenIDDown: "tok-thin-down",
		EndDate:     testNow.Add(5 * time.Minute),
		Tradeable:   true,
		NegRisk:     true,
		TickSize:    types.Tick001,
	}
	fat := arbMarket()
	fat.ConditionID = "cond-fat"
	fat.TokenIDUp = "tok-fat-up"
	fat.TokenIDDown = "tok-fat-down"
	s.markets = []types.Market{thin, fat}

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	executed := s.Executed()
	if len(executed) != 1 {
		t.Fatalf("executed = %d, want 1 under the budget cap", len(executed))
	}
	if executed[0].ConditionID != "cond-fat" {
		t.Errorf("executed %s, want cond-fat (largest edge)", executed[0].ConditionID)
	}
}

func TestScanCooldownBlocksReentry(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, priceHandler(t, "0.47", "0.48", nil), 1.56)

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if got := len(s.Executed()); got != 1 {
		t.Errorf("executed = %d, want 1 (cooldown holds)", got)
	}
}

func TestScanExpiredMarketSkipped(t *testing.T) {
	t.Parallel()
	var priceCalls atomic.Int64
	s := newTestScanner(t, priceHandler(t, "0.40", "0.40", &priceCalls), 1.56)

	expired := arbMarket()
	expired.EndDate = testNow.Add(-time.Minute)
	s.markets = []types.Market{expired}

	if err := s.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := priceCalls.Load(); got != 0 {
		t.Errorf("price calls = %d, want 0 for expired market", got)
	}
	if !s.expired["cond-arb"] {
		t.Error("expired market should be flagged")
	}
}

func TestWithinLimits(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, http.NotFoundHandler(), 1.56)

	if !s.withinLimits() {
		t.Error("fresh scanner should be within limits")
	}

	s.tradesToday = s.cfg.MaxDailyTrades
	if s.withinLimits() {
		t.Error("trade cap should block")
	}

	s.tradesToday = 0
	s.spentToday = s.cfg.MaxDailyBudget
	if s.withinLimits() {
		t.Error("budget cap should block")
	}
}

func TestRolloverResetsDailyCounters(t *testing.T) {
	t.Parallel()
	s := newTestScanner(t, http.NotFoundHandler(), 1.56)
	s.rollover() // pins today's date
	s.tradesToday = 7
	s.spentToday = 140

	next := testNow.Add(24 * time.Hour)
	s.now = func() time.Time { return next }
	s.rollover()

	if s.tradesToday != 0 || s.spentToday != 0 {
		t.Errorf("counters = (%d, %v), want reset on date change", s.tradesToday, s.spentToday)
	}
}

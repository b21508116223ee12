package exchange

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"updown-bot/pkg/types"
)

func pendingRecord(tradeID string, dir types.Direction, shares, sizeUSD float64) types.TradeRecord {
	return types.TradeRecord{
		TradeID:     tradeID,
		Timestamp:   time.Now().UTC(),
		ConditionID: "cond-1",
		Direction:   dir,
		Confidence:  0.7,
		EntryPrice:  sizeUSD / shares,
		Shares:      shares,
		SizeUSD:     sizeUSD,
		Outcome:     types.OutcomePending,
	}
}

func closedMarketHandler(t *testing.T, winnerOutcome string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/cond-1" {
			t.Errorf("unexpected request: %s", r.URL.Path)
			return
		}
		upWinner := "false"
		downWinner := "false"
		if winnerOutcome == "Up" {
			upWinner = "true"
		} else if winnerOutcome == "Down" {
			downWinner = "true"
		}
		writeJSON(w, `{
			"condition_id": "cond-1",
			"closed": true,
			"tokens": [
				{"token_id": "tok-up", "outcome": "Up", "winner": `+upWinner+`},
				{"token_id": "tok-down", "outcome": "Down", "winner": `+downWinner+`}
			]
		}`)
	})
}

func TestCheckResolutionsWin(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, closedMarketHandler(t, "Up"))
	c.RestoreTradeRecords([]types.TradeRecord{pendingRecord("T-1-U", types.DirUp, 18.1, 10.0)})

	resolved, err := c.CheckResolutions(context.Background())
	if err != nil {
		t.Fatalf("CheckResolutions: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("resolved = %d, want 1", len(resolved))
	}

	rec := resolved[0]
	if rec.Outcome != types.OutcomeWin {
		t.Errorf("outcome = %s, want win", rec.Outcome)
	}
	// winning shares redeem at $1 each
	if want := 18.1 - 10.0; rec.PnL != want {
		t.Errorf("pnl = %v, want %v", rec.PnL, want)
	}
	if rec.WinningToken != "tok-up" {
		t.Errorf("winning token = %s, want tok-up", rec.WinningToken)
	}
	if rec.ResolvedAt.IsZero() {
		t.Error("resolved timestamp not set")
	}
}

func TestCheckResolutionsLoss(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, closedMarketHandler(t, "Down"))
	c.RestoreTradeRecords([]types.TradeRecord{pendingRecord("T-2-U", types.DirUp, 18.1, 10.0)})

	resolved, err := c.CheckResolutions(context.Background())
	if err != nil {
		t.Fatalf("CheckResolutions: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("resolved = %d, want 1", len(resolved))
	}
	if resolved[0].Outcome != types.OutcomeLoss {
		t.Errorf("outcome = %s, want loss", resolved[0].Outcome)
	}
	if resolved[0].PnL != -10.0 {
		t.Errorf("pnl = %v, want -10", resolved[0].PnL)
	}
}

func TestCheckResolutionsNoWinnerYet(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, closedMarketHandler(t, ""))
	c.RestoreTradeRecords([]types.TradeRecord{pendingRecord("T-3-U", types.DirUp, 18.1, 10.0)})

	resolved, err := c.CheckResolutions(context.Background())
	if err != nil {
		t.Fatalf("CheckResolutions: %v", err)
	}
	if len(resolved) != 0 {
		t.Errorf("resolved = %d, want 0 (closed without declared winner)", len(resolved))
	}
	if got := len(c.PendingTrades()); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestCheckResolutionsOpenMarket(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"condition_id":"cond-1","closed":false,"tokens":[]}`)
	}))
	c.RestoreTradeRecords([]types.TradeRecord{pendingRecord("T-4-U", types.DirUp, 18.1, 10.0)})

	resolved, err := c.CheckResolutions(context.Background())
	if err != nil {
		t.Fatalf("CheckResolutions: %v", err)
	}
	if len(resolved) != 0 {
		t.Errorf("resolved = %d, want 0 for open market", len(resolved))
	}
}

func TestCheckResolutionsConcurrentSettlesOnce(t *testing.T) {
	t.Parallel()

	// both pollers snapshot the pending list, then the handler holds their
	// market fetches until both are in flight; only one may book the PnL
	var mu sync.Mutex
	arrived := 0
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrived++
		if arrived == 2 {
			close(release)
		}
		mu.Unlock()
		<-release
		writeJSON(w, `{
			"condition_id": "cond-1",
			"closed": true,
			"tokens": [
				{"token_id": "tok-up", "outcome": "Up", "winner": true},
				{"token_id": "tok-down", "outcome": "Down", "winner": false}
			]
		}`)
	}))
	c.RestoreTradeRecords([]types.TradeRecord{pendingRecord("T-5-U", types.DirUp, 18.1, 10.0)})

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolved, err := c.CheckResolutions(context.Background())
			if err != nil {
				t.Errorf("CheckResolutions: %v", err)
			}
			total.Add(int64(len(resolved)))
		}()
	}
	wg.Wait()

	if got := total.Load(); got != 1 {
		t.Errorf("trade resolved %d times across concurrent polls, want 1", got)
	}
	if got := c.Stats().Wins; got != 1 {
		t.Errorf("wins = %d, want 1", got)
	}
}

func TestWinnerFor(t *testing.T) {
	t.Parallel()

	cm := &clobMarket{Tokens: []clobToken{
		{TokenID: "tok-up", Outcome: "Up", Winner: false},
		{TokenID: "tok-down", Outcome: "Down", Winner: true},
	}}

	token, won := winnerFor(cm, types.DirDown)
	if token != "tok-down" || !won {
		t.Errorf("winnerFor(down) = (%s, %v), want (tok-down, true)", token, won)
	}
	token, won = winnerFor(cm, types.DirUp)
	if token != "tok-down" || won {
		t.Errorf("winnerFor(up) = (%s, %v), want (tok-down, false)", token, won)
	}

	none := &clobMarket{Tokens: []clobToken{{TokenID: "tok-up", Outcome: "Up"}}}
	if token, _ := winnerFor(none, types.DirUp); token != "" {
		t.Errorf("winnerFor with no winner = %q, want empty", token)
	}
}

func TestArchiveResolved(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	old := pendingRecord("T-old-U", types.DirUp, 18.1, 10.0)
	old.Outcome = types.OutcomeWin
	old.PnL = 8.1
	old.ResolvedAt = time.Now().Add(-2 * time.Hour)

	fresh := pendingRecord("T-new-U", types.DirUp, 18.1, 10.0)
	fresh.Outcome = types.OutcomeLoss
	fresh.PnL = -10.0
	fresh.ResolvedAt = time.Now().Add(-5 * time.Minute)

	c.RestoreTradeRecords([]types.TradeRecord{old, fresh})
	c.archiveResolved()

	if got := len(c.TradeRecords()); got != 1 {
		t.Errorf("active records = %d, want 1", got)
	}

	// archived records still count toward stats
	stats := c.Stats()
	if stats.Total != 2 || stats.Wins != 1 || stats.Losses != 1 {
		t.Errorf("stats = %+v, want total 2, 1 win, 1 loss", stats)
	}
	if want := 8.1 - 10.0; stats.TotalPnL != want {
		t.Errorf("total pnl = %v, want %v", stats.TotalPnL, want)
	}
	if stats.WinRate != 0.5 {
		t.Errorf("win rate = %v, want 0.5", stats.WinRate)
	}
}

func TestAutoSellWinners(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	win := pendingRecord("T-win-U", types.DirUp, 18.1, 10.0)
	win.Outcome = types.OutcomeWin
	win.WinningToken = "tok-up"
	win.ResolvedAt = time.Now()

	small := pendingRecord("T-small-U", types.DirUp, 3.0, 1.8)
	small.Outcome = types.OutcomeWin
	small.WinningToken = "tok-up"
	small.ResolvedAt = time.Now()

	c.RestoreTradeRecords([]types.TradeRecord{win, small})

	if err := c.AutoSellWinners(context.Background()); err != nil {
		t.Fatalf("AutoSellWinners: %v", err)
	}
	if !c.sold["T-win-U"] {
		t.Error("winning position should be marked sold")
	}
	if c.sold["T-small-U"] {
		t.Error("position below minimum size must not be sold")
	}

	// a second sweep must not resell
	if err := c.AutoSellWinners(context.Background()); err != nil {
		t.Fatalf("AutoSellWinners second pass: %v", err)
	}
}

func TestPendingTradesFiltersResolved(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	done := pendingRecord("T-done-U", types.DirUp, 18.1, 10.0)
	done.Outcome = types.OutcomeWin
	c.RestoreTradeRecords([]types.TradeRecord{
		done,
		pendingRecord("T-open-U", types.DirUp, 18.1, 10.0),
	})

	pending := c.PendingTrades()
	if len(pending) != 1 || pending[0].TradeID != "T-open-U" {
		t.Errorf("pending = %+v, want only T-open-U", pending)
	}
}

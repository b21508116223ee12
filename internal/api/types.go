package api

import (
	"time"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// Snapshot is the complete dashboard state served over /api/snapshot and
// pushed to fresh WebSocket clients.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Bankroll
	Capital           float64 `json:"capital"`
	StartOfDayCapital float64 `json:"start_of_day_capital"`
	DailyPnL          float64 `json:"daily_pnl"`
	TotalPnL          float64 `json:"total_pnl"`

	// Trade tally
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TradesToday int     `json:"trades_today"`

	// Open positions and the windows being watched
	Pending []TradeView  `json:"pending"`
	Markets []MarketView `json:"markets"`

	Config ConfigSummary `json:"config"`
}

// TradeView is a pending or recently resolved trade.
type TradeView struct {
	TradeID    string    `json:"trade_id"`
	Slug       string    `json:"slug"`
	Direction  string    `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	Shares     float64   `json:"shares"`
	SizeUSD    float64   `json:"size_usd"`
	Outcome    string    `json:"outcome"`
	PnL        float64   `json:"pnl"`
	Timestamp  time.Time `json:"timestamp"`
}

// MarketView is one active window.
type MarketView struct {
	ConditionID string    `json:"condition_id"`
	Slug        string    `json:"slug"`
	Timeframe   string    `json:"timeframe"`
	PriceUp     float64   `json:"price_up"`
	PriceDown   float64   `json:"price_down"`
	Liquidity   float64   `json:"liquidity"`
	EndDate     time.Time `json:"end_date"`
}

// ConfigSummary is the subset of configuration shown on the dashboard.
type ConfigSummary struct {
	IntervalMins        int     `json:"interval_mins"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxTradePct         float64 `json:"max_trade_pct"`
	KellyFraction       float64 `json:"kelly_fraction"`
	ArbEnabled          bool    `json:"arb_enabled"`
	MakerEnabled        bool    `json:"maker_enabled"`
	FiveMinEnabled      bool    `json:"five_min_enabled"`
	LateWindowEnabled   bool    `json:"late_window_enabled"`
	DryRun              bool    `json:"dry_run"`
}

// NewConfigSummary extracts the dashboard-facing configuration.
func NewConfigSummary(cfg *config.Config) ConfigSummary {
	return ConfigSummary{
		IntervalMins:        cfg.Timing.IntervalMins,
		ConfidenceThreshold: cfg.Strategy.ConfidenceThreshold,
		MaxTradePct:         cfg.Risk.MaxTradePct,
		KellyFraction:       cfg.Risk.KellyFraction,
		ArbEnabled:          cfg.Arb.Enabled,
		MakerEnabled:        cfg.Maker.Enabled,
		FiveMinEnabled:      cfg.FiveMin.Enabled,
		LateWindowEnabled:   cfg.LateWindow.Enabled,
		DryRun:              cfg.DryRun,
	}
}

// NewTradeView converts a trade record for display.
func NewTradeView(rec types.TradeRecord, slug string) TradeView {
	return TradeView{
		TradeID:    rec.TradeID,
		Slug:       slug,
		Direction:  string(rec.Direction),
		EntryPrice: rec.EntryPrice,
		Shares:     rec.Shares,
		SizeUSD:    rec.SizeUSD,
		Outcome:    string(rec.Outcome),
		PnL:        rec.PnL,
		Timestamp:  rec.Timestamp,
	}
}

// NewMarketView converts a discovered market for display.
func NewMarketView(m types.Market, timeframe string) MarketView {
	return MarketView{
		ConditionID: m.ConditionID,
		Slug:        m.Slug,
		Timeframe:   timeframe,
		PriceUp:     m.PriceUp,
		PriceDown:   m.PriceDown,
		Liquidity:   m.Liquidity,
		EndDate:     m.EndDate,
	}
}

package api

import (
	"time"

	"updown-bot/pkg/types"
)

// Event is the wrapper for all messages pushed to the dashboard.
type Event struct {
	Type      string    `json:"type"` // "state", "price_tick", "trade_notification", "arb"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// PriceTick carries the live prices of the window being traded.
type PriceTick struct {
	Timeframe   string  `json:"timeframe"`
	Slug        string  `json:"slug"`
	PriceUp     float64 `json:"price_up"`
	PriceDown   float64 `json:"price_down"`
	OraclePrice float64 `json:"oracle_price"`
	AnchorPrice float64 `json:"anchor_price"`
	SecondsLeft float64 `json:"seconds_left"`
}

// TradeNotification is pushed when a trade is entered or resolved.
type TradeNotification struct {
	TradeID    string  `json:"trade_id"`
	Engine     string  `json:"engine"` // "strategy", "late_window", "arb", "maker"
	Direction  string  `json:"direction"`
	EntryPrice float64 `json:"entry_price"`
	Shares     float64 `json:"shares"`
	SizeUSD    float64 `json:"size_usd"`
	Outcome    string  `json:"outcome"`
	PnL        float64 `json:"pnl"`
}

// NewTradeNotification builds a notification from a trade record.
func NewTradeNotification(rec types.TradeRecord, engine string) TradeNotification {
	return TradeNotification{
		TradeID:    rec.TradeID,
		Engine:     engine,
		Direction:  string(rec.Direction),
		EntryPrice: rec.EntryPrice,
		Shares:     rec.Shares,
		SizeUSD:    rec.SizeUSD,
		Outcome:    string(rec.Outcome),
		PnL:        rec.PnL,
	}
}

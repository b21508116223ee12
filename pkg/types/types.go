// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: price feed records,
// market metadata, trade decisions, order payloads, and trade records. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the predicted move of the underlying over a window.
type Direction string

const (
	DirUp   Direction = "up"
	DirDown Direction = "down"
	DirHold Direction = "hold"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: match fully and immediately or cancel
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01" // standard markets (most common)
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// TradeOutcome is the resolution state of a recorded trade.
type TradeOutcome string

const (
	OutcomePending TradeOutcome = "pending"
	OutcomeWin     TradeOutcome = "win"
	OutcomeLoss    TradeOutcome = "loss"
)

// ————————————————————————————————————————————————————————————————————————
// Price feed
// ————————————————————————————————————————————————————————————————————————

// PricePoint is a single observation from one price source.
type PricePoint struct {
	Source    string    `json:"source"` // "chainlink", "rtds_binance", "binance", "coingecko"
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
}

// Age returns how old the observation is.
func (p PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// ConsensusPrice aggregates fresh sources into a single tradable price.
// ChainlinkPrice carries the authoritative resolution oracle's value when
// it participated; the venue settles windows against that feed.
type ConsensusPrice struct {
	Price          float64   `json:"price"`
	ChainlinkPrice float64   `json:"chainlink_price,omitempty"`
	Sources        []string  `json:"sources"`
	SpreadPct      float64   `json:"spread_pct"`
	Confidence     float64   `json:"confidence"`
	Timestamp      time.Time `json:"timestamp"`
}

// WindowAnchor is the opening price of one prediction window. Captured once
// per boundary and immutable afterwards; it is the reference the venue
// compares against at resolution.
type WindowAnchor struct {
	Boundary   time.Time `json:"boundary"` // aligned to the window grid
	WindowMins int       `json:"window_mins"`
	OpenPrice  float64   `json:"open_price"`
	Source     string    `json:"source"`
	CapturedAt time.Time `json:"captured_at"`
}

// Candle is one OHLCV bar at a fixed interval.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Interval  string    `json:"interval"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy output
// ————————————————————————————————————————————————————————————————————————

// Signal is one indicator's vote. Strength is zero whenever the direction
// is hold.
type Signal struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"` // [0, 1]
	Value     float64   `json:"value"`    // raw indicator value
	Detail    string    `json:"detail,omitempty"`
}

// Decision is the strategy engine's verdict for one cycle.
type Decision struct {
	Direction     Direction `json:"direction"`
	Confidence    float64   `json:"confidence"` // [0, 1], capped at 0.92
	Signals       []Signal  `json:"signals"`
	CurrentPrice  float64   `json:"current_price"`
	AnchorPrice   float64   `json:"anchor_price,omitempty"`
	DriftPct      float64   `json:"drift_pct"`
	VolatilityPct float64   `json:"volatility_pct"`
	ShouldTrade   bool      `json:"should_trade"`
	Reason        string    `json:"reason"`
	SizePct       float64   `json:"position_size_pct"` // fractional-Kelly suggestion
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is an UP/DOWN binary market discovered on the venue. The two
// outcome token prices always sum to ~$1.
type Market struct {
	ConditionID string    `json:"condition_id"`
	Question    string    `json:"question"`
	Slug        string    `json:"slug"`
	TokenIDUp   string    `json:"token_id_up"`
	TokenIDDown string    `json:"token_id_down"`
	PriceUp     float64   `json:"price_up"`
	PriceDown   float64   `json:"price_down"`
	Liquidity   float64   `json:"liquidity"`
	EndDate     time.Time `json:"end_date"`
	Tradeable   bool      `json:"tradeable"`
	NegRisk     bool      `json:"neg_risk"`
	TickSize    TickSize  `json:"tick_size"`
}

// TimeRemaining returns seconds until the market resolves (negative once
// past the end date).
func (m Market) TimeRemaining(now time.Time) float64 {
	return m.EndDate.Sub(now).Seconds()
}

// TokenFor maps a predicted direction to the outcome token to buy.
func (m Market) TokenFor(dir Direction) string {
	if dir == DirDown {
		return m.TokenIDDown
	}
	return m.TokenIDUp
}

// PriceFor maps a predicted direction to its quoted token price.
func (m Market) PriceFor(dir Direction) float64 {
	if dir == DirDown {
		return m.PriceDown
	}
	return m.PriceUp
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// TradeRecord is one verified fill and its eventual resolution.
// A record exists only after fill verification succeeded; phantom and
// ghost fills never produce one.
type TradeRecord struct {
	TradeID      string       `json:"trade_id"` // "T-{unix_ms}-{U|D}"
	Timestamp    time.Time    `json:"timestamp"`
	ConditionID  string       `json:"market_condition_id"`
	Question     string       `json:"question,omitempty"`
	Direction    Direction    `json:"direction"`
	Confidence   float64      `json:"confidence"`
	EntryPrice   float64      `json:"entry_price"` // what we actually paid, slippage included
	Shares       float64      `json:"shares"`
	SizeUSD      float64      `json:"size_usd"`
	OraclePrice  float64      `json:"oracle_price_at_entry"`
	Outcome      TradeOutcome `json:"outcome"`
	PnL          float64      `json:"pnl"`
	OrderID      string       `json:"order_id"`
	ResolvedAt   time.Time    `json:"resolved_at,omitempty"`
	WinningToken string       `json:"winning_token,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders (CLOB wire format)
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the engines.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string
	Price      float64 // limit price in [0.01, 0.99]
	Size       float64 // quantity in tokens
	Side       Side
	OrderType  OrderType
	TickSize   TickSize
	PostOnly   bool  // maker orders: reject instead of crossing
	Expiration int64 // unix timestamp, 0 = no expiry
	FeeRateBps int
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
	PostOnly  bool        `json:"postOnly,omitempty"`
}

// OrderResponse is the venue's reply to an order submission.
type OrderResponse struct {
	Success           bool     `json:"success"`
	ErrorMsg          string   `json:"errorMsg"`
	OrderID           string   `json:"orderID"`
	Status            string   `json:"status"` // "live", "matched", "delayed", ...
	TransactionHashes []string `json:"transactionsHashes"`
}

// OpenOrder represents a live resting order on the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// CancelResponse is returned by the cancel endpoints.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// PriceLevel is a single bid or ask level in the order book. Price and Size
// are strings because the CLOB API returns them as strings.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market  string       `json:"market"`
	AssetID string       `json:"asset_id"`
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
}

// ————————————————————————————————————————————————————————————————————————
// Market maker
// ————————————————————————————————————————————————————————————————————————

// ActiveQuote tracks a single posted maker order.
type ActiveQuote struct {
	OrderID     string
	TokenID     string
	ConditionID string
	Side        string // "BUY_UP" or "BUY_DOWN"
	Price       float64
	Size        float64
	PostedAt    time.Time
	Timeframe   string
}

// ————————————————————————————————————————————————————————————————————————
// Oracle stream wire format
// ————————————————————————————————————————————————————————————————————————

// StreamSubscription is one topic subscription in a StreamSubscribeMsg.
type StreamSubscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters"`
}

// StreamSubscribeMsg is the subscribe frame sent after connecting to the
// venue's real-time data socket.
type StreamSubscribeMsg struct {
	Action        string               `json:"action"`
	Subscriptions []StreamSubscription `json:"subscriptions"`
}

// StreamMessage is one inbound frame from the real-time data socket.
// The payload symbol distinguishes the oracle feed ("btc/usd") from the
// exchange pass-through feed ("btcusdt").
type StreamMessage struct {
	Topic   string        `json:"topic"`
	Payload StreamPayload `json:"payload"`
}

// StreamPayload carries one price update.
type StreamPayload struct {
	Symbol    string  `json:"symbol"`
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"` // unix seconds, or ms when > 1e12
}

// Time normalizes the payload timestamp, which the feed sends in either
// seconds or milliseconds.
func (p StreamPayload) Time() time.Time {
	ts := p.Timestamp
	if ts > 1e12 {
		ts /= 1000
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// ————————————————————————————————————————————————————————————————————————
// Flexible JSON decoding
// ————————————————————————————————————————————————————————————————————————

// StringList decodes venue fields that arrive either as a JSON array or as
// a JSON-encoded string containing an array (Gamma serializes
// clobTokenIds/outcomePrices both ways).
type StringList []string

// UnmarshalJSON implements the tagged-union decode: try a plain array,
// then a doubly-encoded one.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var direct []string
	if err := json.Unmarshal(data, &direct); err == nil {
		*s = direct
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return fmt.Errorf("string list: not an array or string: %s", data)
	}
	var inner []string
	if err := json.Unmarshal([]byte(encoded), &inner); err != nil {
		return fmt.Errorf("string list: inner decode: %w", err)
	}
	*s = inner
	return nil
}

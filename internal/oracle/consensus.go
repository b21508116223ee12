package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// ErrStale is returned when every price source is beyond the cache
// tolerance. Callers skip the cycle rather than trade on a dead feed.
var ErrStale = errors.New("all price sources stale")

// divergenceThresholdPct is the source spread above which confidence is
// degraded instead of scaling with source count.
const divergenceThresholdPct = 1.0

// Oracle aggregates the stream and REST sources into consensus prices,
// window anchors and candle history.
type Oracle struct {
	cfg    config.OracleConfig
	stream *Stream

	binance *resty.Client
	gecko   *resty.Client

	cacheMu sync.Mutex
	cached  *types.ConsensusPrice

	anchorMu sync.Mutex
	anchors  map[string]types.WindowAnchor // keyed by "<boundary unix>-<window mins>"

	logger *slog.Logger
}

// New builds the oracle from config. Run must be called to start the stream.
func New(cfg config.OracleConfig, api config.APIConfig, logger *slog.Logger) *Oracle {
	newREST := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10*time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500*time.Millisecond).
			SetHeader("User-Agent", "updown-bot/1.0")
	}
	return &Oracle{
		cfg:     cfg,
		stream:  NewStream(api.StreamURL, cfg.PingEvery, cfg.WatchdogEvery, cfg.StaleAfter, logger),
		binance: newREST(api.BinanceBaseURL),
		gecko:   newREST(api.CoinGeckoBaseURL),
		anchors: make(map[string]types.WindowAnchor),
		logger:  logger.With("component", "oracle"),
	}
}

// Run starts the price stream. Blocks until ctx is cancelled.
func (o *Oracle) Run(ctx context.Context) error { return o.stream.Run(ctx) }

// Close releases the stream connection.
func (o *Oracle) Close() error { return o.stream.Close() }

// StreamHealth exposes the stream's connection statistics.
func (o *Oracle) StreamHealth() StreamHealth { return o.stream.Health() }

// Consensus blends all fresh sources into a single price.
//
// The chainlink stream price wins outright when fresh, since it is the feed
// the venue resolves against. Otherwise the binance pass-through is used,
// and as a last resort the median of fresh REST tickers. If nothing is
// fresh, a cached consensus no older than the cache tolerance is returned;
// beyond that, ErrStale.
func (o *Oracle) Consensus(ctx context.Context) (types.ConsensusPrice, error) {
	now := time.Now()
	fresh := make([]types.PricePoint, 0, 4)

	for _, source := range []string{SourceChainlink, SourceRTDSBinance} {
		if p, ok := o.stream.Point(source); ok && p.Age(now) <= o.cfg.MaxPriceAge {
			fresh = append(fresh, p)
		}
	}

	// REST fallbacks only when the stream has nothing fresh.
	if len(fresh) == 0 {
		if p, err := o.fetchBinanceTicker(ctx); err == nil {
			fresh = append(fresh, p)
		} else {
			o.logger.Warn("binance ticker fetch failed", "error", err)
		}
		if p, err := o.fetchCoinGecko(ctx); err == nil {
			fresh = append(fresh, p)
		} else {
			o.logger.Warn("coingecko fetch failed", "error", err)
		}
	}

	if len(fresh) == 0 {
		o.cacheMu.Lock()
		defer o.cacheMu.Unlock()
		if o.cached != nil && now.Sub(o.cached.Timestamp) <= o.cfg.CacheTolerance {
			o.logger.Warn("serving cached consensus", "age", now.Sub(o.cached.Timestamp).Round(time.Second))
			return *o.cached, nil
		}
		return types.ConsensusPrice{}, ErrStale
	}

	consensus := buildConsensus(fresh, now)

	o.cacheMu.Lock()
	o.cached = &consensus
	o.cacheMu.Unlock()

	return consensus, nil
}

func buildConsensus(fresh []types.PricePoint, now time.Time) types.ConsensusPrice {
	var price float64
	var chainlink float64
	sources := make([]string, 0, len(fresh))
	lo, hi := fresh[0].Price, fresh[0].Price

	for _, p := range fresh {
		sources = append(sources, p.Source)
		if p.Price < lo {
			lo = p.Price
		}
		if p.Price > hi {
			hi = p.Price
		}
		if p.Source == SourceChainlink {
			chainlink = p.Price
		}
	}

	switch {
	case chainlink > 0:
		price = chainlink
	case hasSource(fresh, SourceRTDSBinance):
		price = pointBySource(fresh, SourceRTDSBinance).Price
	default:
		price = medianPrice(fresh)
	}

	spreadPct := 0.0
	if price > 0 {
		spreadPct = (hi - lo) / price * 100
	}

	var confidence float64
	if spreadPct > divergenceThresholdPct {
		confidence = 1 - spreadPct/5
		if confidence < 0.2 {
			confidence = 0.2
		}
	} else {
		confidence = float64(len(fresh)) / 3
		if confidence > 1 {
			confidence = 1
		}
	}

	return types.ConsensusPrice{
		Price:          price,
		ChainlinkPrice: chainlink,
		Sources:        sources,
		SpreadPct:      spreadPct,
		Confidence:     confidence,
		Timestamp:      now,
	}
}

func hasSource(points []types.PricePoint, source string) bool {
	for _, p := range points {
		if p.Source == source {
			return true
		}
	}
	return false
}

func pointBySource(points []types.PricePoint, source string) types.PricePoint {
	for _, p := range points {
		if p.Source == source {
			return p
		}
	}
	return types.PricePoint{}
}

func medianPrice(points []types.PricePoint) float64 {
	prices := make([]float64, len(points))
	for i, p := range points {
		prices[i] = p.Price
	}
	sort.Float64s(prices)
	n := len(prices)
	if n%2 == 1 {
		return prices[n/2]
	}
	return (prices[n/2-1] + prices[n/2]) / 2
}

// fetchBinanceTicker returns the BTCUSDT mid price from the book ticker.
func (o *Oracle) fetchBinanceTicker(ctx context.Context) (types.PricePoint, error) {
	var result struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	resp, err := o.binance.R().
		SetContext(ctx).
		SetQueryParam("symbol", "BTCUSDT").
		SetResult(&result).
		Get("/api/v3/ticker/bookTicker")
	if err != nil {
		return types.PricePoint{}, fmt.Errorf("binance bookTicker: %w", err)
	}
	if resp.IsError() {
		return types.PricePoint{}, fmt.Errorf("binance bookTicker: status %d", resp.StatusCode())
	}

	bid, err1 := strconv.ParseFloat(result.BidPrice, 64)
	ask, err2 := strconv.ParseFloat(result.AskPrice, 64)
	if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
		return types.PricePoint{}, fmt.Errorf("binance bookTicker: bad quote %q/%q", result.BidPrice, result.AskPrice)
	}

	return types.PricePoint{
		Source:    SourceBinance,
		Price:     (bid + ask) / 2,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now(),
	}, nil
}

// fetchCoinGecko returns the spot BTC/USD price from the simple-price API.
func (o *Oracle) fetchCoinGecko(ctx context.Context) (types.PricePoint, error) {
	var result map[string]map[string]float64
	resp, err := o.gecko.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           "bitcoin",
			"vs_currencies": "usd",
		}).
		SetResult(&result).
		Get("/simple/price")
	if err != nil {
		return types.PricePoint{}, fmt.Errorf("coingecko simple price: %w", err)
	}
	if resp.IsError() {
		return types.PricePoint{}, fmt.Errorf("coingecko simple price: status %d", resp.StatusCode())
	}

	price := result["bitcoin"]["usd"]
	if price <= 0 {
		return types.PricePoint{}, fmt.Errorf("coingecko simple price: missing bitcoin/usd")
	}

	return types.PricePoint{
		Source:    SourceCoinGecko,
		Price:     price,
		Timestamp: time.Now(),
	}, nil
}

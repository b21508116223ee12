package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"updown-bot/pkg/types"
)

// Candles fetches recent 1-minute BTCUSDT bars from Binance, oldest first.
// The kline endpoint returns rows of mixed JSON types; only the open time
// and OHLCV columns are kept.
func (o *Oracle) Candles(ctx context.Context, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		limit = o.cfg.CandleCount
	}

	var rows [][]json.RawMessage
	resp, err := o.binance.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   "BTCUSDT",
			"interval": "1m",
			"limit":    fmt.Sprintf("%d", limit),
		}).
		SetResult(&rows).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("binance klines: status %d", resp.StatusCode())
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		c, err := parseKline(row)
		if err != nil {
			o.logger.Warn("skipping malformed kline", "error", err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// parseKline decodes one kline row: [openTime(ms), open, high, low, close,
// volume, ...] where prices arrive as JSON strings.
func parseKline(row []json.RawMessage) (types.Candle, error) {
	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return types.Candle{}, fmt.Errorf("open time: %w", err)
	}

	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return types.Candle{}, fmt.Errorf("column %d: %w", i, err)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return types.Candle{}, fmt.Errorf("column %d: %w", i, err)
		}
		vals[i-1] = f
	}

	return types.Candle{
		Timestamp: time.UnixMilli(openMs),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Interval:  "1m",
	}, nil
}

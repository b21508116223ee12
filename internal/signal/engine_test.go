package signal

import (
	"strings"
	"testing"
	"time"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		ConfidenceThreshold: 0.60,
		RSIPeriod:           14,
		RSIOverbought:       70,
		RSIOversold:         30,
		EMAFast:             5,
		EMASlow:             15,
		MACDFast:            12,
		MACDSlow:            26,
		MACDSignal:          9,
		MomentumLookback:    3,
		MinVolatilityPct:    0.03,
		MaxVolatilityPct:    3.0,
		WeightMomentum:      0.30,
		WeightRSI:           0.25,
		WeightMACD:          0.25,
		WeightEMACross:      0.20,
		FeeFallbackPct:      1.56,
	}
}

// trendCandles builds n candles alternating +upPct / -downPct returns so the
// series trends while keeping non-zero return variance.
func trendCandles(n int, start, upPct, downPct float64) []types.Candle {
	candles := make([]types.Candle, n)
	price := start
	for i := range candles {
		if i%2 == 0 {
			price *= 1 + upPct/100
		} else {
			price *= 1 - downPct/100
		}
		candles[i] = types.Candle{Close: price, Timestamp: time.Now().Add(time.Duration(i-n) * time.Minute)}
	}
	return candles
}

func TestAnalyzeInsufficientData(t *testing.T) {
	t.Parallel()

	e := New(testStrategyConfig())
	d := e.Analyze(trendCandles(10, 50000, 0.15, 0.05), 50000, 0, 0)
	if d.Direction != types.DirHold || d.ShouldTrade {
		t.Errorf("Direction/ShouldTrade = %v/%v, want hold/false", d.Direction, d.ShouldTrade)
	}
	if !strings.Contains(d.Reason, "insufficient data") {
		t.Errorf("Reason = %q, want insufficient data", d.Reason)
	}
}

func TestAnalyzeQuietMarket(t *testing.T) {
	t.Parallel()

	// 0.01% moves are below the volatility floor.
	e := New(testStrategyConfig())
	d := e.Analyze(trendCandles(40, 50000, 0.01, 0.01), 50000.01, 50000, 0)
	if d.ShouldTrade {
		t.Error("ShouldTrade = true, want false in quiet market")
	}
	if !strings.Contains(d.Reason, "volatility too low") {
		t.Errorf("Reason = %q, want volatility too low", d.Reason)
	}
}

func TestAnalyzeStrongUpDrift(t *testing.T) {
	t.Parallel()

	e := New(testStrategyConfig())
	candles := trendCandles(40, 49900, 0.15, 0.05)
	current := candles[len(candles)-1].Close
	anchor := current / 1.0015 // +0.15% drift from the window open

	d := e.Analyze(candles, current, anchor, 0)
	if d.Direction != types.DirUp {
		t.Fatalf("Direction = %v, want up (reason %q)", d.Direction, d.Reason)
	}
	if !d.ShouldTrade {
		t.Fatalf("ShouldTrade = false, reason %q", d.Reason)
	}
	if d.Confidence < 0.60 || d.Confidence > 0.92 {
		t.Errorf("Confidence = %v, want in [0.60, 0.92]", d.Confidence)
	}
	if d.SizePct <= 0 || d.SizePct > 10 {
		t.Errorf("SizePct = %v, want in (0, 10]", d.SizePct)
	}
	if d.DriftPct < 0.10 || d.DriftPct > 0.20 {
		t.Errorf("DriftPct = %v, want ~0.15", d.DriftPct)
	}
}

func TestAnalyzeConfidenceCap(t *testing.T) {
	t.Parallel()

	// Enormous drift maxes out every signal; confidence must stay capped.
	e := New(testStrategyConfig())
	candles := trendCandles(40, 49000, 0.25, 0.05)
	current := candles[len(candles)-1].Close
	anchor := current / 1.01 // +1% drift

	d := e.Analyze(candles, current, anchor, 0)
	if d.Confidence > 0.92 {
		t.Errorf("Confidence = %v, want <= 0.92", d.Confidence)
	}
}

func TestAnalyzeFeeEdgeGate(t *testing.T) {
	t.Parallel()

	e := New(testStrategyConfig())
	candles := trendCandles(40, 49900, 0.15, 0.05)
	current := candles[len(candles)-1].Close
	anchor := current / 1.0015

	// An absurd fee makes any edge insufficient.
	d := e.Analyze(candles, current, anchor, 99.0)
	if d.ShouldTrade {
		t.Error("ShouldTrade = true, want false when fee exceeds edge")
	}
	if !strings.Contains(d.Reason, "below fee threshold") {
		t.Errorf("Reason = %q, want below fee threshold", d.Reason)
	}
}

func TestAnalyzeWithoutAnchor(t *testing.T) {
	t.Parallel()

	e := New(testStrategyConfig())
	candles := trendCandles(40, 49900, 0.15, 0.05)
	d := e.Analyze(candles, candles[len(candles)-1].Close, 0, 0)

	for _, s := range d.Signals {
		if s.Name == "price_vs_open" {
			t.Error("price_vs_open signal present without anchor")
		}
	}
	if len(d.Signals) != 4 {
		t.Errorf("len(Signals) = %d, want 4", len(d.Signals))
	}
}

func testLateWindowConfig() config.LateWindowConfig {
	return config.LateWindowConfig{
		Enabled:        true,
		LeadTime:       150 * time.Second,
		MinDriftPct:    0.08,
		BaseConfidence: 0.80,
		MaxConfidence:  0.95,
		DriftScalePct:  0.25,
		MaxEntryPrice:  0.80,
	}
}

func TestAnalyzeLateWindow(t *testing.T) {
	t.Parallel()

	cfg := testLateWindowConfig()

	t.Run("no anchor", func(t *testing.T) {
		d := AnalyzeLateWindow(cfg, 50000, 0, 2*time.Minute)
		if d.ShouldTrade || d.Direction != types.DirHold {
			t.Errorf("got %v/%v, want hold", d.Direction, d.ShouldTrade)
		}
	})

	t.Run("drift below threshold", func(t *testing.T) {
		d := AnalyzeLateWindow(cfg, 50010, 50000, 2*time.Minute) // +0.02%
		if d.ShouldTrade {
			t.Errorf("ShouldTrade = true, reason %q", d.Reason)
		}
	})

	t.Run("drift at minimum", func(t *testing.T) {
		d := AnalyzeLateWindow(cfg, 50040, 50000, 2*time.Minute) // +0.08%
		if !d.ShouldTrade || d.Direction != types.DirUp {
			t.Fatalf("got %v/%v, want up/true", d.Direction, d.ShouldTrade)
		}
		if d.Confidence < 0.79 || d.Confidence > 0.82 {
			t.Errorf("Confidence = %v, want ~0.80 at min drift", d.Confidence)
		}
	})

	t.Run("drift beyond scale caps", func(t *testing.T) {
		d := AnalyzeLateWindow(cfg, 50250, 50000, 2*time.Minute) // +0.50%
		if d.Confidence != 0.95 {
			t.Errorf("Confidence = %v, want cap 0.95", d.Confidence)
		}
	})

	t.Run("time bonus stays capped", func(t *testing.T) {
		far := AnalyzeLateWindow(cfg, 50075, 50000, 2*time.Minute) // +0.15%
		near := AnalyzeLateWindow(cfg, 50075, 50000, 30*time.Second)
		if near.Confidence <= far.Confidence {
			t.Errorf("near close confidence %v <= far %v, want bonus", near.Confidence, far.Confidence)
		}
		if near.Confidence > 0.95 {
			t.Errorf("Confidence = %v, want <= 0.95", near.Confidence)
		}
	})

	t.Run("down drift", func(t *testing.T) {
		d := AnalyzeLateWindow(cfg, 49900, 50000, 2*time.Minute) // −0.20%
		if d.Direction != types.DirDown {
			t.Errorf("Direction = %v, want down", d.Direction)
		}
	})
}

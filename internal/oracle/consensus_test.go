package oracle

import (
	"math"
	"testing"
	"time"

	"updown-bot/pkg/types"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBuildConsensusPrefersChainlink(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fresh := []types.PricePoint{
		{Source: SourceRTDSBinance, Price: 50100, Timestamp: now},
		{Source: SourceChainlink, Price: 50000, Timestamp: now},
	}

	got := buildConsensus(fresh, now)
	if got.Price != 50000 {
		t.Errorf("Price = %v, want chainlink 50000", got.Price)
	}
	if got.ChainlinkPrice != 50000 {
		t.Errorf("ChainlinkPrice = %v, want 50000", got.ChainlinkPrice)
	}
	if len(got.Sources) != 2 {
		t.Errorf("Sources = %v, want 2 entries", got.Sources)
	}
}

func TestBuildConsensusFallbackOrder(t *testing.T) {
	t.Parallel()

	now := time.Now()

	// No chainlink: binance pass-through wins.
	got := buildConsensus([]types.PricePoint{
		{Source: SourceRTDSBinance, Price: 50100},
		{Source: SourceCoinGecko, Price: 50200},
	}, now)
	if got.Price != 50100 {
		t.Errorf("Price = %v, want rtds_binance 50100", got.Price)
	}

	// REST only: median.
	got = buildConsensus([]types.PricePoint{
		{Source: SourceBinance, Price: 50000},
		{Source: SourceCoinGecko, Price: 50300},
	}, now)
	if got.Price != 50150 {
		t.Errorf("Price = %v, want median 50150", got.Price)
	}
}

func TestBuildConsensusConfidence(t *testing.T) {
	t.Parallel()

	now := time.Now()

	// Two agreeing sources: confidence = 2/3.
	got := buildConsensus([]types.PricePoint{
		{Source: SourceChainlink, Price: 50000},
		{Source: SourceRTDSBinance, Price: 50010},
	}, now)
	if !almostEqual(got.Confidence, 2.0/3.0) {
		t.Errorf("Confidence = %v, want 2/3", got.Confidence)
	}

	// Diverging sources (2% spread): confidence = 1 - 2/5 = 0.6.
	got = buildConsensus([]types.PricePoint{
		{Source: SourceChainlink, Price: 50000},
		{Source: SourceRTDSBinance, Price: 51000},
	}, now)
	if got.SpreadPct != 2.0 {
		t.Errorf("SpreadPct = %v, want 2.0", got.SpreadPct)
	}
	if !almostEqual(got.Confidence, 0.6) {
		t.Errorf("Confidence = %v, want 0.6", got.Confidence)
	}

	// Extreme divergence floors at 0.2.
	got = buildConsensus([]types.PricePoint{
		{Source: SourceChainlink, Price: 50000},
		{Source: SourceRTDSBinance, Price: 60000},
	}, now)
	if !almostEqual(got.Confidence, 0.2) {
		t.Errorf("Confidence = %v, want floor 0.2", got.Confidence)
	}
}

func TestMedianPrice(t *testing.T) {
	t.Parallel()

	odd := []types.PricePoint{{Price: 3}, {Price: 1}, {Price: 2}}
	if got := medianPrice(odd); got != 2 {
		t.Errorf("medianPrice(odd) = %v, want 2", got)
	}
	even := []types.PricePoint{{Price: 4}, {Price: 1}}
	if got := medianPrice(even); got != 2.5 {
		t.Errorf("medianPrice(even) = %v, want 2.5", got)
	}
}

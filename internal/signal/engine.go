package signal

import (
	"fmt"
	"math"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

const (
	// maxConfidence caps the weighted vote so fractional Kelly cannot max
	// out position size on a lopsided score.
	maxConfidence = 0.92

	// anchorWeight is the price-vs-open share of the vote when a window
	// anchor is known; indicators split the remainder.
	anchorWeight     = 0.70
	indicatorScale   = 0.30
	driftDeadzonePct = 0.04
	chopDriftPct     = 0.12
	lowDriftPct      = 0.10

	minCandles = 30
)

// Engine runs the weighted multi-indicator vote. It is stateless and safe
// for concurrent use.
type Engine struct {
	cfg config.StrategyConfig
}

// New returns an engine with the given strategy tuning.
func New(cfg config.StrategyConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Analyze runs all signals over the candles and produces a decision.
//
// currentPrice should be the freshest oracle price. anchorPrice is the
// oracle price at the window open; pass 0 when unknown, which drops the
// price-vs-open signal and restores the indicators' full weights. feePct
// is the estimated round-trip taker fee for this market; pass a
// non-positive value to use the conservative fallback.
func (e *Engine) Analyze(candles []types.Candle, currentPrice, anchorPrice, feePct float64) types.Decision {
	hold := func(reason string, volatility float64) types.Decision {
		return types.Decision{
			Direction:     types.DirHold,
			CurrentPrice:  currentPrice,
			AnchorPrice:   anchorPrice,
			VolatilityPct: volatility,
			Reason:        reason,
		}
	}

	if len(candles) < minCandles {
		return hold(fmt.Sprintf("insufficient data (<%d candles)", minCandles), 0)
	}

	volatility := Volatility(candles[len(candles)-20:])
	if volatility < e.cfg.MinVolatilityPct {
		return hold(fmt.Sprintf("volatility too low (%.3f%%)", volatility), volatility)
	}
	if volatility > e.cfg.MaxVolatilityPct {
		return hold(fmt.Sprintf("volatility too high (%.3f%%)", volatility), volatility)
	}

	hasAnchor := anchorPrice > 0

	var signals []types.Signal
	weights := map[string]float64{
		"momentum":  e.cfg.WeightMomentum,
		"rsi":       e.cfg.WeightRSI,
		"macd":      e.cfg.WeightMACD,
		"ema_cross": e.cfg.WeightEMACross,
	}

	var driftPct float64
	if hasAnchor {
		pvo := e.signalPriceVsOpen(currentPrice, anchorPrice)
		signals = append(signals, pvo)
		driftPct = pvo.Value

		weights["price_vs_open"] = anchorWeight
		for name := range weights {
			if name != "price_vs_open" {
				weights[name] *= indicatorScale
			}
		}
	}

	signals = append(signals,
		e.signalMomentum(candles),
		e.signalRSI(candles),
		e.signalMACD(candles),
		e.signalEMACross(candles),
	)

	decided := func(dir types.Direction, conf float64, shouldTrade bool, reason string, sizePct float64) types.Decision {
		return types.Decision{
			Direction:     dir,
			Confidence:    conf,
			Signals:       signals,
			CurrentPrice:  currentPrice,
			AnchorPrice:   anchorPrice,
			DriftPct:      driftPct,
			VolatilityPct: volatility,
			ShouldTrade:   shouldTrade,
			Reason:        reason,
			SizePct:       sizePct,
		}
	}

	// Chop filter: when the four indicators split evenly and the price has
	// barely moved off the open, there is no trend worth trading.
	if hasAnchor {
		upCount, downCount := 0, 0
		for _, s := range signals {
			if s.Name == "price_vs_open" || s.Direction == types.DirHold {
				continue
			}
			if s.Direction == types.DirUp {
				upCount++
			} else {
				downCount++
			}
		}
		if upCount == 2 && downCount == 2 && math.Abs(driftPct) < chopDriftPct {
			return decided(types.DirHold, 0, false,
				fmt.Sprintf("chop detected: indicators split 2v2, drift only %+.4f%%", driftPct), 0)
		}
	}

	var upScore, downScore float64
	for _, s := range signals {
		w := weights[s.Name]
		switch s.Direction {
		case types.DirUp:
			upScore += s.Strength * w
		case types.DirDown:
			downScore += s.Strength * w
		}
	}

	total := upScore + downScore
	direction := types.DirHold
	confidence := 0.0
	switch {
	case total == 0:
	case upScore > downScore:
		direction = types.DirUp
		confidence = upScore / total
	default:
		direction = types.DirDown
		confidence = downScore / total
	}

	// Low total score means weak signals all around; shrink confidence
	// proportionally rather than trusting the winner's share.
	confidence *= math.Min(1, total/0.5)
	confidence = math.Min(confidence, maxConfidence)

	// Agreement filter: indicators fighting the drift direction. At low
	// drift two opponents kill the trade; strong drift tolerates two but
	// not three.
	if hasAnchor && direction != types.DirHold {
		voting := 0
		opposing := 0
		for _, s := range signals {
			if s.Name == "price_vs_open" || s.Direction == types.DirHold {
				continue
			}
			voting++
			if s.Direction != direction {
				opposing++
			}
		}
		if voting >= 2 {
			absDrift := math.Abs(driftPct)
			if absDrift < lowDriftPct && opposing >= 2 {
				return decided(direction, confidence, false,
					fmt.Sprintf("signal conflict (low drift): %d indicators oppose, drift only %.4f%%", opposing, absDrift), 0)
			}
			if opposing >= 3 {
				return decided(direction, confidence, false,
					fmt.Sprintf("signal conflict: %d indicators oppose drift direction", opposing), 0)
			}
		}
	}

	// Fee edge: the prediction's edge over a coin flip must clear the
	// round-trip fee or the trade is negative-EV before it starts.
	estFee := feePct
	if estFee <= 0 {
		estFee = e.cfg.FeeFallbackPct
	}
	rawEdge := math.Abs(confidence-0.5) * 2 * 100
	if direction != types.DirHold && rawEdge < estFee {
		return decided(direction, confidence, false,
			fmt.Sprintf("edge (%.1f%%) below fee threshold (%.2f%%)", rawEdge, estFee), 0)
	}

	shouldTrade := direction != types.DirHold && confidence >= e.cfg.ConfidenceThreshold

	sizePct := 0.0
	if shouldTrade {
		kelly := math.Max(0, 2*confidence-1)
		sizePct = math.Min(kelly*100*0.25, 10.0)
	}

	reason := fmt.Sprintf("UP=%.3f DOWN=%.3f -> %s @ %.2f", upScore, downScore, direction, confidence)
	if hasAnchor {
		reason += fmt.Sprintf(" (drift %+.4f%% from open)", driftPct)
	}
	return decided(direction, confidence, shouldTrade, reason, sizePct)
}

// signalPriceVsOpen votes on raw drift from the window open. This is the
// signal that maps directly onto how the venue resolves: close vs open of
// the same oracle.
func (e *Engine) signalPriceVsOpen(currentPrice, openPrice float64) types.Signal {
	driftPct := (currentPrice - openPrice) / openPrice * 100

	dir := types.DirHold
	if driftPct > driftDeadzonePct {
		dir = types.DirUp
	} else if driftPct < -driftDeadzonePct {
		dir = types.DirDown
	}

	return types.Signal{
		Name:      "price_vs_open",
		Direction: dir,
		Strength:  math.Min(1, math.Abs(driftPct)/0.15),
		Value:     driftPct,
		Detail:    fmt.Sprintf("price vs window open: %+.4f%%", driftPct),
	}
}

func (e *Engine) signalMomentum(candles []types.Candle) types.Signal {
	lookback := e.cfg.MomentumLookback
	if lookback > len(candles)-1 {
		lookback = len(candles) - 1
	}
	if lookback < 1 {
		return types.Signal{Name: "momentum", Direction: types.DirHold, Detail: "no data"}
	}

	current := candles[len(candles)-1].Close
	past := candles[len(candles)-1-lookback].Close
	pct := (current - past) / past * 100
	strength := math.Min(1, math.Abs(pct)/0.5)

	dir := types.DirHold
	switch {
	case pct > 0.02:
		dir = types.DirUp
	case pct < -0.02:
		dir = types.DirDown
	default:
		strength = 0
	}

	return types.Signal{
		Name:      "momentum",
		Direction: dir,
		Strength:  strength,
		Value:     pct,
		Detail:    fmt.Sprintf("%d-candle: %+.3f%%", lookback, pct),
	}
}

func (e *Engine) signalRSI(candles []types.Candle) types.Signal {
	closes := closePrices(candles)
	rsi := RSI(closes, e.cfg.RSIPeriod)

	var dir types.Direction
	var strength float64
	switch {
	case rsi > e.cfg.RSIOverbought:
		dir = types.DirDown
		strength = math.Min(1, (rsi-e.cfg.RSIOverbought)/15)
	case rsi < e.cfg.RSIOversold:
		dir = types.DirUp
		strength = math.Min(1, (e.cfg.RSIOversold-rsi)/15)
	case rsi > 50:
		dir = types.DirUp
		strength = (rsi - 50) / (e.cfg.RSIOverbought - 50) * 0.3
	default:
		dir = types.DirDown
		strength = (50 - rsi) / (50 - e.cfg.RSIOversold) * 0.3
	}

	return types.Signal{
		Name:      "rsi",
		Direction: dir,
		Strength:  strength,
		Value:     rsi,
		Detail:    fmt.Sprintf("RSI=%.1f", rsi),
	}
}

func (e *Engine) signalMACD(candles []types.Candle) types.Signal {
	closes := closePrices(candles)
	_, _, hist := MACD(closes, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)

	dir := types.DirHold
	if hist > 0 {
		dir = types.DirUp
	} else if hist < 0 {
		dir = types.DirDown
	}

	last := 1.0
	if len(closes) > 0 {
		last = closes[len(closes)-1]
	}
	normalized := math.Abs(hist) / last * 10000
	strength := math.Min(1, normalized/10)

	// A histogram sign flip is a crossover; boost a fresh one.
	if len(closes) > 2 {
		_, _, prevHist := MACD(closes[:len(closes)-1], e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
		if prevHist*hist < 0 {
			strength = math.Min(1, strength*1.5)
		}
	}

	return types.Signal{
		Name:      "macd",
		Direction: dir,
		Strength:  strength,
		Value:     hist,
		Detail:    fmt.Sprintf("MACD hist=%.2f", hist),
	}
}

func (e *Engine) signalEMACross(candles []types.Candle) types.Signal {
	closes := closePrices(candles)
	emaFast := EMA(closes, e.cfg.EMAFast)
	emaSlow := EMA(closes, e.cfg.EMASlow)
	if len(emaFast) == 0 || len(emaSlow) == 0 {
		return types.Signal{Name: "ema_cross", Direction: types.DirHold, Detail: "no data"}
	}

	diff := emaFast[len(emaFast)-1] - emaSlow[len(emaSlow)-1]
	dir := types.DirHold
	if diff > 0 {
		dir = types.DirUp
	} else if diff < 0 {
		dir = types.DirDown
	}

	spreadPct := math.Abs(diff) / closes[len(closes)-1] * 100
	strength := math.Min(1, spreadPct/0.15)

	if len(emaFast) >= 2 && len(emaSlow) >= 2 {
		prevDiff := emaFast[len(emaFast)-2] - emaSlow[len(emaSlow)-2]
		if prevDiff*diff < 0 {
			strength = math.Min(1, strength*2)
		}
	}

	return types.Signal{
		Name:      "ema_cross",
		Direction: dir,
		Strength:  strength,
		Value:     diff,
		Detail:    fmt.Sprintf("EMA diff=%.2f", diff),
	}
}

func closePrices(candles []types.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

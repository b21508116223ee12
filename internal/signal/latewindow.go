package signal

import (
	"fmt"
	"math"
	"time"

	"updown-bot/internal/config"
	"updown-bot/pkg/types"
)

// AnalyzeLateWindow produces a pure drift-conviction decision for the final
// seconds of a window. Near close, a large move away from the anchor is
// nearly certain to stick, so no technical indicators participate: the
// direction is the drift sign and confidence scales linearly from the base
// at the minimum drift up to the cap at the scale drift.
func AnalyzeLateWindow(cfg config.LateWindowConfig, currentPrice, anchorPrice float64, timeRemaining time.Duration) types.Decision {
	if anchorPrice <= 0 {
		return types.Decision{
			Direction:    types.DirHold,
			CurrentPrice: currentPrice,
			Reason:       "no anchor price",
		}
	}

	driftPct := (currentPrice - anchorPrice) / anchorPrice * 100
	absDrift := math.Abs(driftPct)

	if absDrift < cfg.MinDriftPct {
		return types.Decision{
			Direction:    types.DirHold,
			CurrentPrice: currentPrice,
			AnchorPrice:  anchorPrice,
			DriftPct:     driftPct,
			Reason:       fmt.Sprintf("late-window drift %+.4f%% below threshold %.2f%%", driftPct, cfg.MinDriftPct),
		}
	}

	direction := types.DirUp
	if driftPct < 0 {
		direction = types.DirDown
	}

	confidence := cfg.MaxConfidence
	if absDrift < cfg.DriftScalePct {
		t := (absDrift - cfg.MinDriftPct) / (cfg.DriftScalePct - cfg.MinDriftPct)
		confidence = cfg.BaseConfidence + t*(cfg.MaxConfidence-cfg.BaseConfidence)
	}
	confidence = math.Min(cfg.MaxConfidence, math.Max(cfg.BaseConfidence, confidence))

	// Under a minute left there is barely any time for a reversal.
	if timeRemaining < time.Minute {
		confidence = math.Min(cfg.MaxConfidence, confidence+0.02)
	}

	secs := timeRemaining.Seconds()
	sig := types.Signal{
		Name:      "late_window_drift",
		Direction: direction,
		Strength:  math.Min(1, absDrift/cfg.DriftScalePct),
		Value:     driftPct,
		Detail:    fmt.Sprintf("late-window drift: %+.4f%% (%.0fs left)", driftPct, secs),
	}

	return types.Decision{
		Direction:    direction,
		Confidence:   confidence,
		Signals:      []types.Signal{sig},
		CurrentPrice: currentPrice,
		AnchorPrice:  anchorPrice,
		DriftPct:     driftPct,
		ShouldTrade:  true,
		Reason:       fmt.Sprintf("late-window %s drift=%+.4f%% conf=%.2f (%.0fs left)", direction, driftPct, confidence, secs),
		SizePct:      math.Min(confidence*100*0.25, 10.0),
	}
}

package oracle

import (
	"context"
	"fmt"
	"time"

	"updown-bot/pkg/types"
)

// WindowBoundary returns the wall-clock start of the window containing now,
// for a window width of windowMins minutes.
func WindowBoundary(now time.Time, windowMins int) time.Time {
	now = now.UTC()
	minute := (now.Minute() / windowMins) * windowMins
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, time.UTC)
}

// CaptureWindowOpen records the oracle price at the open of the current
// window. The first capture for a boundary wins: later calls with the same
// boundary return the stored anchor unchanged, so drift is always measured
// against the price the venue saw at window open.
func (o *Oracle) CaptureWindowOpen(ctx context.Context, windowMins int) (types.WindowAnchor, error) {
	boundary := WindowBoundary(time.Now(), windowMins)
	key := anchorKey(boundary, windowMins)

	o.anchorMu.Lock()
	if a, ok := o.anchors[key]; ok {
		o.anchorMu.Unlock()
		return a, nil
	}
	o.anchorMu.Unlock()

	consensus, err := o.Consensus(ctx)
	if err != nil {
		return types.WindowAnchor{}, fmt.Errorf("capture window open: %w", err)
	}

	source := SourceChainlink
	openPrice := consensus.ChainlinkPrice
	if openPrice <= 0 {
		openPrice = consensus.Price
		source = firstSource(consensus.Sources)
	}

	anchor := types.WindowAnchor{
		Boundary:   boundary,
		WindowMins: windowMins,
		OpenPrice:  openPrice,
		Source:     source,
		CapturedAt: time.Now(),
	}

	o.anchorMu.Lock()
	// Re-check under lock: a concurrent capture for the same boundary wins.
	if a, ok := o.anchors[key]; ok {
		o.anchorMu.Unlock()
		return a, nil
	}
	o.anchors[key] = anchor
	o.pruneAnchorsLocked()
	o.anchorMu.Unlock()

	o.logger.Info("window anchor captured",
		"boundary", boundary.Format("15:04"),
		"window_mins", windowMins,
		"open_price", openPrice,
		"source", source,
	)
	return anchor, nil
}

// Anchor returns the stored anchor for the window containing now, if one
// was captured.
func (o *Oracle) Anchor(now time.Time, windowMins int) (types.WindowAnchor, bool) {
	key := anchorKey(WindowBoundary(now, windowMins), windowMins)
	o.anchorMu.Lock()
	defer o.anchorMu.Unlock()
	a, ok := o.anchors[key]
	return a, ok
}

func anchorKey(boundary time.Time, windowMins int) string {
	return fmt.Sprintf("%d-%d", boundary.Unix(), windowMins)
}

// pruneAnchorsLocked drops anchors older than an hour. Callers hold anchorMu.
func (o *Oracle) pruneAnchorsLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for key, a := range o.anchors {
		if a.Boundary.Before(cutoff) {
			delete(o.anchors, key)
		}
	}
}

func firstSource(sources []string) string {
	if len(sources) > 0 {
		return sources[0]
	}
	return "unknown"
}

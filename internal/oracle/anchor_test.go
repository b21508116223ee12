package oracle

import (
	"testing"
	"time"

	"updown-bot/pkg/types"
)

func TestWindowBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		now        string
		windowMins int
		want       string
	}{
		{"mid 15m window", "2026-08-26T10:07:30Z", 15, "2026-08-26T10:00:00Z"},
		{"exact boundary", "2026-08-26T10:15:00Z", 15, "2026-08-26T10:15:00Z"},
		{"last window of hour", "2026-08-26T10:59:59Z", 15, "2026-08-26T10:45:00Z"},
		{"5m window", "2026-08-26T10:07:30Z", 5, "2026-08-26T10:05:00Z"},
		{"hourly window", "2026-08-26T10:42:00Z", 60, "2026-08-26T10:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now, _ := time.Parse(time.RFC3339, tt.now)
			want, _ := time.Parse(time.RFC3339, tt.want)
			if got := WindowBoundary(now, tt.windowMins); !got.Equal(want) {
				t.Errorf("WindowBoundary(%s, %d) = %v, want %v", tt.now, tt.windowMins, got, want)
			}
		})
	}
}

func TestAnchorLookupAndPrune(t *testing.T) {
	t.Parallel()

	now := time.Now()
	current := types.WindowAnchor{
		Boundary:   WindowBoundary(now, 15),
		WindowMins: 15,
		OpenPrice:  50000,
		Source:     SourceChainlink,
		CapturedAt: now,
	}
	stale := types.WindowAnchor{
		Boundary:   WindowBoundary(now.Add(-2*time.Hour), 15),
		WindowMins: 15,
		OpenPrice:  49000,
		Source:     SourceChainlink,
		CapturedAt: now.Add(-2 * time.Hour),
	}

	o := &Oracle{anchors: map[string]types.WindowAnchor{
		anchorKey(current.Boundary, 15): current,
		anchorKey(stale.Boundary, 15):   stale,
	}}

	got, ok := o.Anchor(now, 15)
	if !ok {
		t.Fatal("expected anchor for current window")
	}
	if got.OpenPrice != 50000 {
		t.Errorf("OpenPrice = %v, want 50000", got.OpenPrice)
	}

	o.anchorMu.Lock()
	o.pruneAnchorsLocked()
	n := len(o.anchors)
	o.anchorMu.Unlock()
	if n != 1 {
		t.Errorf("anchors after prune = %d, want 1 (stale entry dropped)", n)
	}
}

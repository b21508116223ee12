package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"updown-bot/internal/config"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8765",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8765",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8765",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8765",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8765",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8765",
			want:    false,
		},
		{
			name:    "allowlist overrides the local default",
			origin:  "http://localhost:8765",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "localhost:8765",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://bot.internal:8765",
			cfg:     config.DashboardConfig{},
			reqHost: "bot.internal:8765",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

type stubProvider struct {
	snapshot Snapshot
}

func (p stubProvider) DashboardState() Snapshot { return p.snapshot }

func TestHandleState(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := stubProvider{snapshot: Snapshot{
		Timestamp:   time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Capital:     523.45,
		TradesToday: 3,
		Wins:        2,
		Losses:      1,
		WinRate:     2.0 / 3.0,
	}}
	h := NewHandlers(provider, config.DashboardConfig{}, NewHub(logger), logger)

	rec := httptest.NewRecorder()
	h.HandleState(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if got.Capital != 523.45 {
		t.Errorf("capital = %v, want 523.45", got.Capital)
	}
	if got.TradesToday != 3 {
		t.Errorf("trades today = %d, want 3", got.TradesToday)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(stubProvider{}, config.DashboardConfig{}, NewHub(logger), logger)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"updown-bot/internal/config"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider StateProvider
	cfg      config.DashboardConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(provider StateProvider, cfg config.DashboardConfig, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed applies the dashboard origin policy. With an explicit
// allowlist only exact matches pass; without one, same-host and local
// origins pass. Requests without an Origin header (curl, native clients)
// are always allowed.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".localhost")
}

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleState serves the full dashboard snapshot.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	snapshot := h.provider.DashboardState()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("encode snapshot failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection and seeds the client with a
// fresh snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	evt := Event{
		Type:      "state",
		Timestamp: time.Now(),
		Data:      h.provider.DashboardState(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal initial snapshot failed", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client send buffer full")
	}
}

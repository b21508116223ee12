package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"updown-bot/internal/config"
)

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	provider StateProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
	done     chan struct{}
}

// NewServer creates the dashboard server.
func NewServer(cfg config.DashboardConfig, provider StateProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleState)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
		done:     make(chan struct{}),
	}
}

// Start runs the hub, the periodic snapshot push, and the HTTP listener.
// It blocks until the server shuts down.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.pushSnapshots()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// PushPriceTick broadcasts live window prices.
func (s *Server) PushPriceTick(tick PriceTick) {
	s.hub.Broadcast(Event{Type: "price_tick", Data: tick})
}

// PushTrade broadcasts a trade entry or resolution.
func (s *Server) PushTrade(n TradeNotification) {
	s.hub.Broadcast(Event{Type: "trade_notification", Data: n})
}

// pushSnapshots periodically refreshes every client's full state.
func (s *Server) pushSnapshots() {
	every := s.cfg.PricePushEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.hub.Broadcast(Event{Type: "state", Data: s.provider.DashboardState()})
		}
	}
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dextrend/internal/config"
)

// Server runs the HTTP/WebSocket surface.
type Server struct {
	hub    *Hub
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the hub, handlers, and listener. The state provider is
// bound afterwards via Hub().BindProvider, which breaks the construction
// cycle between the server and the engine.
func NewServer(cfg config.APIConfig, db Pinger, resetter Resetter, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(hub, db, resetter, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/api/reset", handlers.HandleReset)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:    hub,
		server: server,
		logger: logger.With("component", "api-server"),
	}
}

// Hub exposes the broadcast sink for the engine and trader.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub loop and the HTTP listener until ctx is done or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

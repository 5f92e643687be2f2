package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"signalmill/internal/bus"
	"signalmill/internal/config"
	"signalmill/internal/engine"
)

// Server runs the HTTP/WebSocket control surface.
type Server struct {
	cfg      config.APIConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	detach   func()
	logger   *slog.Logger
}

// NewServer creates the API server and wires the hub to the event bus.
func NewServer(cfg config.APIConfig, ctrl *engine.Controller, b *bus.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(ctrl, hub, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/instances", handlers.HandleListInstances)
	mux.HandleFunc("GET /api/instances/{key}", handlers.HandleGetReport)
	mux.HandleFunc("GET /api/instances/{key}/signal", handlers.HandleGetSignal)
	mux.HandleFunc("POST /api/instances/{key}/stop", handlers.HandleStop)
	mux.HandleFunc("POST /api/instances/{key}/cancel", handlers.HandleCancel)
	mux.HandleFunc("POST /api/instances/{key}/partial/{kind}", handlers.HandlePartial)
	mux.HandleFunc("POST /api/instances/{key}/trailing-stop", handlers.HandleTrailingStop)
	mux.HandleFunc("POST /api/instances/{key}/breakeven", handlers.HandleBreakeven)
	mux.HandleFunc("POST /api/instances/{key}/dump", handlers.HandleDump)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		detach:   hub.AttachBus(b),
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub and serves until Stop. Blocks.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, detaches from the bus, and ends the
// hub loop.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	s.detach()
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

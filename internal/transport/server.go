package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the simulator-facing HTTP ingress/egress endpoint.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds a Server listening on addr (":port").
func NewServer(addr string, step StepHandler, event EventHandler, logger *slog.Logger) *Server {
	handlers := NewHandlers(step, event, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/orderbook", handlers.HandleOrderbook)
	mux.HandleFunc("/account", handlers.HandleAccount)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		handlers: handlers,
		server:   httpServer,
		logger:   logger.With("component", "transport-server"),
	}
}

// Start runs the server, blocking until it stops.
func (s *Server) Start() error {
	s.logger.Info("transport server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping transport server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

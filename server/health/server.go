// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// CheckTimeout bounds each readiness probe of the cache.
	CheckTimeout time.Duration
}

// Pinger reports whether the decision cache is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Breaker exposes the authority circuit breaker state.
type Breaker interface {
	State() gobreaker.State
}

// Counter reports the number of tracked connections.
type Counter interface {
	Len() int
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	cache    Pinger
	breaker  Breaker
	conns    Counter
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. breaker and conns may be nil.
func New(cfg Config, cache Pinger, breaker Breaker, conns Counter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}

	s := &Server{
		config:  cfg,
		cache:   cache,
		breaker: breaker,
		conns:   conns,
		logger:  logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the probe routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady reports ready when the decision cache answers a ping and the
// authority breaker is not open. With the breaker open every decision is a
// denial, so the node should not receive new traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "decision cache not initialized",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CheckTimeout)
	defer cancel()
	if err := s.cache.Ping(ctx); err != nil {
		s.logger.Warn("Readiness check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "decision cache unreachable",
		})
		return
	}

	if s.breaker != nil && s.breaker.State() == gobreaker.StateOpen {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "authority circuit open",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// StatusResponse describes the node's authorization state.
type StatusResponse struct {
	Connections int    `json:"connections"`
	Breaker     string `json:"breaker,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var resp StatusResponse
	if s.conns != nil {
		resp.Connections = s.conns.Len()
	}
	if s.breaker != nil {
		resp.Breaker = s.breaker.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package api provides the HTTP status API of the grid meter service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/resident-x/go-fronius-meter/internal/bus"
	"github.com/resident-x/go-fronius-meter/internal/config"
	"github.com/resident-x/go-fronius-meter/internal/service"
)

const maxBodySize = 64 << 10

// PathStore is the bus state the API reads and writes.
type PathStore interface {
	Items() []bus.Item
	Item(path string) (bus.Item, bool)
	RemoteSet(ctx context.Context, path string, value interface{}) error
}

// StatusProvider reports the publisher state.
type StatusProvider interface {
	ServiceName() string
	Uptime() time.Duration
	Stats() service.Stats
}

// MetricsProvider reports event loop metrics.
type MetricsProvider interface {
	GetMetrics() map[string]interface{}
}

// Server represents the HTTP API server.
type Server struct {
	config   *config.Settings
	server   *http.Server
	listener net.Listener
	router   *mux.Router
	store    PathStore
	status   StatusProvider
	metrics  MetricsProvider
	logger   zerolog.Logger
}

// NewServer creates a new HTTP API server. metrics may be nil.
func NewServer(cfg *config.Settings, store PathStore, status StatusProvider, metrics MetricsProvider) *Server {
	apiServer := &Server{
		config:  cfg,
		router:  mux.NewRouter(),
		store:   store,
		status:  status,
		metrics: metrics,
		logger:  log.With().Str("component", "api").Logger(),
	}

	apiServer.setupRoutes()
	return apiServer
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/paths", s.handleListPaths).Methods("GET")
	api.HandleFunc("/paths/{path:.+}", s.handleGetPath).Methods("GET")
	api.HandleFunc("/paths/{path:.+}", s.handleSetPath).Methods("PUT")
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves requests in the background.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP API server")

		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"service": s.status.ServiceName(),
		"version": versioninfo.Short(),
		"uptime":  s.status.Uptime().Round(time.Second).String(),
		"polling": s.status.Stats(),
	}
	if s.metrics != nil {
		status["event_loop"] = s.metrics.GetMetrics()
	}

	s.writeJSON(w, status, http.StatusOK)
}

func (s *Server) handleListPaths(w http.ResponseWriter, _ *http.Request) {
	items := s.store.Items()
	s.writeJSON(w, map[string]interface{}{
		"paths": items,
		"count": len(items),
	}, http.StatusOK)
}

func (s *Server) handleGetPath(w http.ResponseWriter, r *http.Request) {
	path := "/" + mux.Vars(r)["path"]

	item, ok := s.store.Item(path)
	if !ok {
		s.writeError(w, "Path not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, item, http.StatusOK)
}

func (s *Server) handleSetPath(w http.ResponseWriter, r *http.Request) {
	path := "/" + mux.Vars(r)["path"]

	current, ok := s.store.Item(path)
	if !ok {
		s.writeError(w, "Path not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if !gjson.ValidBytes(body) {
		s.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	result := gjson.GetBytes(body, "value")
	if !result.Exists() {
		s.writeError(w, `Body must contain "value"`, http.StatusBadRequest)
		return
	}

	value := bus.CoerceLike(current.Value, result.Value())

	if err := s.store.RemoteSet(r.Context(), path, value); err != nil {
		switch {
		case errors.Is(err, bus.ErrUnknownPath):
			s.writeError(w, "Path not found", http.StatusNotFound)
		case errors.Is(err, bus.ErrNotWriteable), errors.Is(err, bus.ErrRejected):
			s.writeError(w, err.Error(), http.StatusForbidden)
		default:
			s.logger.Warn().Err(err).Str("path", path).Msg("Write failed")
			s.writeError(w, err.Error(), http.StatusServiceUnavailable)
		}
		return
	}

	s.logger.Debug().Str("path", path).Interface("value", value).Msg("Path written through API")

	item, _ := s.store.Item(path)
	s.writeJSON(w, item, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}

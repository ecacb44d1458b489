// Package server exposes the HTTP and WebSocket surface of the trend
// pipeline: live trends, manual refresh, scraper circuit status, pending
// pipeline metrics, and a live signal feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/trendmill/trendmill/broker"
	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/trends"
)

// Config holds the HTTP surface settings.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server serves the API and the live signal feed.
type Server struct {
	coordinator *trends.Coordinator
	store       *trends.TrendStore
	broker      *broker.Broker
	hub         *SignalHub
	logger      *zap.SugaredLogger

	httpServer *http.Server
}

// New wires the server. The coordinator's persisted signals feed the
// websocket hub automatically.
func New(cfg Config, coordinator *trends.Coordinator, store *trends.TrendStore, b *broker.Broker, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		coordinator: coordinator,
		store:       store,
		broker:      b,
		hub:         NewSignalHub(cfg.AllowedOrigins, logger),
		logger:      logger,
	}

	if coordinator != nil {
		coordinator.OnSignals(func(signals []trends.RawSignal) {
			s.hub.Broadcast(signals)
		})
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/trends/live", s.handleLiveTrends)
	mux.HandleFunc("/api/trends/refresh", s.handleRefresh)
	mux.HandleFunc("/api/trends/scraper-status", s.handleScraperStatus)
	mux.HandleFunc("/api/pipeline/pending", s.handlePipelinePending)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.Handle("/ws/signals", s.hub)
	return mux
}

// Hub exposes the websocket hub so other components can broadcast.
func (s *Server) Hub() *SignalHub {
	return s.hub
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains connections and closes the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http shutdown failed")
	}
	s.logger.Infow("HTTP server stopped")
	return nil
}

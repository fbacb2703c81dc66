// Package api exposes the HTTP surface: the WebSocket chat endpoint,
// provider connection endpoints, health, metrics, and debug routes.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spindle-ai/spindle/pkg/config"
	"github.com/spindle-ai/spindle/pkg/database"
	"github.com/spindle-ai/spindle/pkg/gateway"
	"github.com/spindle-ai/spindle/pkg/pipeline"
	"github.com/spindle-ai/spindle/pkg/provider"
)

// Server is the HTTP server fronting the pipeline.
type Server struct {
	cfg         *config.Config
	dbClient    *database.Client // nil in ephemeral mode
	connManager *gateway.ConnectionManager
	provider    *provider.Client
	tracker     *pipeline.PromptStateTracker // nil when capture is off
	logger      *slog.Logger

	httpServer *http.Server
}

// NewServer wires the handlers and routes.
func NewServer(cfg *config.Config, db *database.Client, cm *gateway.ConnectionManager,
	prov *provider.Client, tracker *pipeline.PromptStateTracker,
	gatherer prometheus.Gatherer, logger *slog.Logger) *Server {

	s := &Server{
		cfg:         cfg,
		dbClient:    db,
		connManager: cm,
		provider:    prov,
		tracker:     tracker,
		logger:      logger.With("component", "api"),
	}

	e := echo.New()
	e.GET("/ws", s.wsHandler)
	e.GET("/healthz", s.healthHandler)
	e.POST("/api/connections/:provider/test", s.testConnectionHandler)
	e.POST("/api/connections/:provider/models", s.listModelsHandler)
	e.GET("/api/debug/prompt-state/:conversation_id", s.promptStateHandler)

	metricsHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

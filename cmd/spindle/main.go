// Spindle chat orchestration server: serves the WebSocket chat
// endpoint and runs persona templates through the staged module
// resolution pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/spindle-ai/spindle/pkg/api"
	"github.com/spindle-ai/spindle/pkg/config"
	"github.com/spindle-ai/spindle/pkg/database"
	"github.com/spindle-ai/spindle/pkg/gateway"
	"github.com/spindle-ai/spindle/pkg/metrics"
	"github.com/spindle-ai/spindle/pkg/pipeline"
	"github.com/spindle-ai/spindle/pkg/plugin"
	"github.com/spindle-ai/spindle/pkg/provider"
	"github.com/spindle-ai/spindle/pkg/sandbox"
	"github.com/spindle-ai/spindle/pkg/session"
	"github.com/spindle-ai/spindle/pkg/store"
	"github.com/spindle-ai/spindle/pkg/store/memstore"
	"github.com/spindle-ai/spindle/pkg/store/pg"
	"github.com/spindle-ai/spindle/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	ephemeral := flag.Bool("ephemeral", false,
		"Run with the in-memory store instead of PostgreSQL")
	flag.Parse()

	var handler slog.Handler
	if getEnv("LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Load .env from the config directory before anything reads env vars.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if *ephemeral {
		cfg.Server.Ephemeral = true
	}

	// 2. Storage: PostgreSQL, or in-memory when ephemeral
	var st store.Store
	var dbClient *database.Client
	if cfg.Server.Ephemeral {
		st = memstore.New()
		slog.Info("Running with ephemeral in-memory store")
	} else {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		st = pg.New(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	}

	// 3. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// 4. Pipeline components
	sessions := session.NewRegistry(cfg.Sessions.MaxActive)
	plugins := plugin.NewRegistry()
	sb := sandbox.New(logger)
	sb.Deadline = cfg.Pipeline.ScriptDeadline
	resolver := pipeline.NewResolver(st, sb, plugins, logger)
	providerClient := provider.NewClient(logger, cfg.Pipeline.ProviderTimeout)

	var tracker *pipeline.PromptStateTracker
	if cfg.Pipeline.TrackPromptState {
		tracker = pipeline.NewPromptStateTracker()
	}
	orchestrator := pipeline.NewOrchestrator(st, sessions, resolver, providerClient, tracker, m, logger)

	// 5. Gateway and HTTP server
	connManager := gateway.NewConnectionManager(sessions, orchestrator, m, logger)
	httpServer := api.NewServer(cfg, dbClient, connManager, providerClient, tracker, registry, logger)

	// 6. Background sweeper for finished chat sessions
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go func() {
		ticker := time.NewTicker(cfg.Sessions.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := sessions.CleanupFinished(); n > 0 {
					slog.Debug("Swept finished chat sessions", "count", n)
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	// 7. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Spindle started",
		"version", version.Full(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"max_sessions", cfg.Sessions.MaxActive)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: cancel in-flight turns, drain sockets, then
	// stop the HTTP listener.
	sessions.CancelAll()

	drainCtx, drainCancel := context.WithTimeout(ctx, 15*time.Second)
	defer drainCancel()
	connManager.Shutdown(drainCtx)

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

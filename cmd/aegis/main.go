// Aegis gateway server — terminates client chat connections, mediates the
// LLM⇄tool loop against registered MCP servers, and serves the admin
// observation plane.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/aegisgw/aegis/pkg/api"
	"github.com/aegisgw/aegis/pkg/authz"
	"github.com/aegisgw/aegis/pkg/broadcast"
	"github.com/aegisgw/aegis/pkg/cache"
	"github.com/aegisgw/aegis/pkg/chat"
	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/eventlog"
	"github.com/aegisgw/aegis/pkg/flow"
	"github.com/aegisgw/aegis/pkg/guard"
	"github.com/aegisgw/aegis/pkg/llm"
	"github.com/aegisgw/aegis/pkg/mcp"
	"github.com/aegisgw/aegis/pkg/store"
	"github.com/aegisgw/aegis/pkg/version"
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
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting aegis",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Durable store (runs migrations)
	db, err := store.Open(ctx, store.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	// 3. Event log
	redisClient := redis.NewClient(&redis.Options{
		Addr: getEnv("REDIS_ADDR", "localhost:6379"),
	})
	defer redisClient.Close()
	events := eventlog.New(redisClient, cfg.Flow.TTL())
	if err := events.Ping(ctx); err != nil {
		slog.Warn("Event log unreachable at startup; live observation degraded", "error", err)
	}

	// 4. Flow tracking and admin fan-out
	monitors := flow.NewMonitorSet()
	tracker := flow.NewTracker(events, db)
	hub := broadcast.NewHub(events)
	hub.Start(ctx)
	defer hub.Stop()

	// 5. MCP coordination
	resultCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL())
	coordinator := mcp.NewCoordinator(cfg, resultCache, func(change mcp.StatusChange) {
		hub.BroadcastStatus(change.MCP, string(change.Health), change.State)
	})
	defer coordinator.Close()

	healthMonitor := mcp.NewHealthMonitor(coordinator)
	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	// 6. LLM provider
	provider, err := llm.NewOpenAIClient(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	// 7. Prompt guard
	mediator := guard.NewMediator(cfg.PromptGuard, events)
	mediator.Start(ctx)
	defer mediator.Stop()
	escalator := guard.NewEscalator(cfg.PromptGuard)

	// 8. Chat engine
	pipeline := authz.NewPipeline(db, db, coordinator, cfg.RoleRegistry, tracker, cfg.WelcomeText)
	engine := chat.NewEngine(cfg, pipeline, mediator, escalator, db, provider, coordinator, tracker, monitors)

	// 9. HTTP surface
	server := api.NewServer(cfg, engine, hub, monitors, db, coordinator, events)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(":" + httpPort); err != nil {
			errCh <- err
		}
	}()

	// 10. Wait for shutdown signal
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	slog.Info("Shutdown complete")
}

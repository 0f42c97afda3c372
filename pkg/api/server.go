// Package api exposes the gateway over HTTP: the chat WebSocket, the
// one-shot NDJSON stream, the admin observer socket, and the monitoring
// control plane.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aegisgw/aegis/pkg/broadcast"
	"github.com/aegisgw/aegis/pkg/chat"
	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/eventlog"
	"github.com/aegisgw/aegis/pkg/flow"
	"github.com/aegisgw/aegis/pkg/mcp"
	"github.com/aegisgw/aegis/pkg/store"
)

// Server hosts the gateway's HTTP surface.
type Server struct {
	cfg         *config.Config
	engine      *chat.Engine
	hub         *broadcast.Hub
	monitors    *flow.MonitorSet
	db          *store.Store
	coordinator *mcp.Coordinator
	events      *eventlog.Log
	logger      *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer assembles routes and middleware.
func NewServer(cfg *config.Config, engine *chat.Engine, hub *broadcast.Hub, monitors *flow.MonitorSet, db *store.Store, coordinator *mcp.Coordinator, events *eventlog.Log) *Server {
	s := &Server{
		cfg:         cfg,
		engine:      engine,
		hub:         hub,
		monitors:    monitors,
		db:          db,
		coordinator: coordinator,
		events:      events,
		logger:      slog.Default().With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws/chat", s.chatWSHandler)
	e.POST("/ask/stream", s.askStreamHandler, requireIdentity())
	e.GET("/ws/admin", s.adminWSHandler)

	monitoring := e.Group("/monitoring")
	monitoring.POST("/enable/:user", s.monitoringEnableHandler)
	monitoring.POST("/disable/:user", s.monitoringDisableHandler)
	monitoring.GET("/list", s.monitoringListHandler)
	monitoring.GET("/status", s.monitoringStatusHandler)
	monitoring.GET("/flows/session/:session", s.flowSessionHandler)
	monitoring.GET("/flows/:user", s.flowsByUserHandler)

	s.echo = e
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

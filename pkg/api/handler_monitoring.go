package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aegisgw/aegis/pkg/models"
)

// monitoringEnableHandler handles POST /monitoring/enable/:user?ttl_hours=N.
// Monitoring turns on live fan-out for the user's future sessions; the TTL
// defaults to the flow retention window.
func (s *Server) monitoringEnableHandler(c *echo.Context) error {
	userID, err := paramUserID(c)
	if err != nil {
		return err
	}

	ttl := s.cfg.Flow.TTL()
	if raw := c.QueryParam("ttl_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "ttl_hours must be a positive integer")
		}
		ttl = time.Duration(hours) * time.Hour
	}

	until := time.Now().Add(ttl)
	s.monitors.Enable(userID, until)
	s.logger.Info("Monitoring enabled", "user_id", userID, "until", until)

	return c.JSON(http.StatusOK, map[string]any{
		"user_id": userID,
		"until":   until,
	})
}

// monitoringDisableHandler handles POST /monitoring/disable/:user.
// Sessions already in flight keep their frozen monitored flag.
func (s *Server) monitoringDisableHandler(c *echo.Context) error {
	userID, err := paramUserID(c)
	if err != nil {
		return err
	}
	s.monitors.Disable(userID)
	s.logger.Info("Monitoring disabled", "user_id", userID)
	return c.JSON(http.StatusOK, map[string]any{"user_id": userID})
}

// monitoringListHandler handles GET /monitoring/list.
func (s *Server) monitoringListHandler(c *echo.Context) error {
	members := s.monitors.List()
	out := make([]map[string]any, 0, len(members))
	for userID, until := range members {
		out = append(out, map[string]any{"user_id": userID, "until": until})
	}
	return c.JSON(http.StatusOK, map[string]any{"monitored": out})
}

// monitoringStatusHandler handles GET /monitoring/status: MCP health,
// breaker state, cache counters, observer count.
func (s *Server) monitoringStatusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"mcp_health": s.coordinator.Health(),
		"breakers":   s.coordinator.BreakerSnapshots(),
		"cache":      s.coordinator.CacheStats(),
		"observers":  s.hub.ObserverCount(),
	})
}

// flowsByUserHandler handles GET /monitoring/flows/:user?limit=N, newest
// first.
func (s *Server) flowsByUserHandler(c *echo.Context) error {
	userID, err := paramUserID(c)
	if err != nil {
		return err
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
	}

	flows, err := s.db.ListFlowsByUser(c.Request().Context(), userID, limit)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"flows": flows})
}

// flowSessionHandler handles GET /monitoring/flows/session/:session,
// returning the archived trace with its event tree reconstructed.
func (s *Server) flowSessionHandler(c *echo.Context) error {
	sessionID := c.Param("session")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	archived, err := s.db.GetFlow(c.Request().Context(), sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id":      archived.SessionID,
		"conversation_id": archived.ConversationID,
		"user_id":         archived.UserID,
		"source":          archived.Source,
		"success":         archived.Success,
		"cost":            archived.Cost,
		"started_at":      archived.StartedAt,
		"archived_at":     archived.ArchivedAt,
		"tree":            models.BuildFlowTree(archived.Events),
	})
}

func paramUserID(c *echo.Context) (int64, error) {
	userID, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil || userID <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "user must be a positive integer")
	}
	return userID, nil
}

package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/aegisgw/aegis/pkg/models"
)

// Identity headers injected by the upstream gateway after token
// validation. Presence of X-User-Id is the proof of authentication.
const (
	headerUserID   = "X-User-Id"
	headerUsername = "X-User-Username"
	headerUserRole = "X-User-Role"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// extractIdentity reads the upstream gateway's identity headers. Returns
// nil when no usable identity is present.
func extractIdentity(r *http.Request) *models.Identity {
	raw := r.Header.Get(headerUserID)
	if raw == "" {
		return nil
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return nil
	}
	return &models.Identity{
		UserID:   userID,
		Username: r.Header.Get(headerUsername),
		Role:     r.Header.Get(headerUserRole),
	}
}

// requireIdentity rejects plain-HTTP requests that arrive without the
// gateway identity headers.
func requireIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if extractIdentity(c.Request()) == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const contextKey = "approver"

// Anonymous resolves approvals when authentication is disabled.
const Anonymous = "dashboard"

// Middleware authenticates bearer tokens. Requests to skipped paths and all
// requests when auth is disabled pass through untouched.
func (m *Manager) Middleware(skip ...string) echo.MiddlewareFunc {
	public := map[string]bool{"/health": true, "/login": true}
	for _, p := range skip {
		public[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth || public[c.Path()] {
				return next(c)
			}

			token, ok := bearerToken(c.Request())
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing or malformed authorization header",
				})
			}

			approver, err := m.ValidateToken(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": fmt.Sprintf("invalid token: %v", err),
				})
			}

			c.Set(contextKey, approver)
			return next(c)
		}
	}
}

// RequireRole rejects authenticated callers lacking role. It is a no-op when
// auth is disabled.
func (m *Manager) RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth {
				return next(c)
			}

			approver := ApproverFromContext(c)
			if approver == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "authentication required",
				})
			}

			if !approver.HasRole(role) {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": fmt.Sprintf("role %q required", role),
				})
			}
			return next(c)
		}
	}
}

func ApproverFromContext(c echo.Context) *Approver {
	if a, ok := c.Get(contextKey).(*Approver); ok {
		return a
	}
	return nil
}

// Identity names whoever is acting on the request, for audit purposes.
func Identity(c echo.Context) string {
	if a := ApproverFromContext(c); a != nil {
		return a.Email
	}
	return Anonymous
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		return token, true
	}

	// Browsers cannot set headers on WebSocket upgrades.
	if r.Header.Get("Upgrade") == "websocket" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, true
		}
	}
	return "", false
}

package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/orient-bot/policy-sidecar/internal/engine"
	"github.com/orient-bot/policy-sidecar/internal/store"
	"github.com/rs/zerolog/log"
)

const maxAuditLimit = 1000

type AuditHandler struct {
	engine *engine.Engine
}

func NewAuditHandler(eng *engine.Engine) *AuditHandler {
	return &AuditHandler{engine: eng}
}

// List handles GET /v1/audit?session_id=&limit=.
func (h *AuditHandler) List(c echo.Context) error {
	filter := store.AuditFilter{SessionID: c.QueryParam("session_id")}

	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return badRequest(c, "limit must be a positive integer")
		}
		filter.Limit = min(limit, maxAuditLimit)
	}

	entries, err := h.engine.Audit(c.Request().Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("remote_addr", c.Request().RemoteAddr).Msg("failed to retrieve audit log")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to retrieve audit log",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"total":   len(entries),
		"entries": entries,
	})
}

// Policies handles GET /v1/policies.
func (h *AuditHandler) Policies(c echo.Context) error {
	policies, err := h.engine.Policies(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to retrieve policies")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to retrieve policies",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"total":    len(policies),
		"policies": policies,
	})
}

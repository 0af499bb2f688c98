package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/orient-bot/policy-sidecar/internal/adapter"
	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/orient-bot/policy-sidecar/internal/auth"
	"github.com/orient-bot/policy-sidecar/internal/engine"
	"github.com/rs/zerolog/log"
)

const maxCallbackSize = 64 * 1024

type ApprovalRequest struct {
	ToolCallRequest
	PolicyID string `json:"policy_id"`
}

type ApprovalHandler struct {
	engine      *engine.Engine
	coordinator *approval.Coordinator
	hub         *Hub
}

func NewApprovalHandler(eng *engine.Engine, coordinator *approval.Coordinator, hub *Hub) *ApprovalHandler {
	return &ApprovalHandler{
		engine:      eng,
		coordinator: coordinator,
		hub:         hub,
	}
}

// Request handles POST /v1/approvals and blocks until the request resolves.
func (h *ApprovalHandler) Request(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Tool.Name == "" || req.PolicyID == "" {
		return badRequest(c, "tool.name and policy_id are required")
	}

	ctx := c.Request().Context()
	p, err := h.engine.Policy(ctx, req.PolicyID)
	if errors.Is(err, engine.ErrPolicyNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	}
	if err != nil {
		log.Error().Err(err).Str("policy", req.PolicyID).Msg("failed to load policy")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "policy store unavailable",
		})
	}

	result, err := h.engine.RequestApproval(ctx, req.Tool, req.Context, req.AgentID, p)
	if err != nil {
		log.Error().Err(err).Str("policy", req.PolicyID).Msg("approval request failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "approval request failed",
		})
	}

	return c.JSON(http.StatusOK, result)
}

// Pending handles GET /v1/approvals/pending.
func (h *ApprovalHandler) Pending(c echo.Context) error {
	pending := h.coordinator.Pending(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{
		"total":   len(pending),
		"pending": pending,
	})
}

// Approve handles POST /v1/approvals/:id/approve.
func (h *ApprovalHandler) Approve(c echo.Context) error {
	return h.decide(c, true)
}

// Deny handles POST /v1/approvals/:id/deny.
func (h *ApprovalHandler) Deny(c echo.Context) error {
	return h.decide(c, false)
}

// decide answers on the request's own platform, so operators can resolve
// requests raised on any platform from the dashboard.
func (h *ApprovalHandler) decide(c echo.Context, approved bool) error {
	id := c.Param("id")

	req, ok := h.coordinator.Lookup(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "approval request not found or already resolved",
		})
	}

	resp := approval.Response{
		RequestID:  id,
		Approved:   approved,
		ResolvedBy: auth.Identity(c),
	}
	if !h.engine.HandlePlatformResponse(c.Request().Context(), req.Context.Platform, resp) {
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "approval request already resolved",
		})
	}

	status := approval.ResultDenied
	if approved {
		status = approval.ResultApproved
	}
	h.hub.Publish(WSMessage{Type: MessageDecision, RequestID: id, Status: string(status)})

	return c.JSON(http.StatusOK, map[string]any{
		"request_id":  id,
		"status":      status,
		"resolved_by": resp.ResolvedBy,
	})
}

// Cancel handles DELETE /v1/approvals/:id.
func (h *ApprovalHandler) Cancel(c echo.Context) error {
	id := c.Param("id")

	if err := h.coordinator.Cancel(c.Request().Context(), id); err != nil {
		if errors.Is(err, approval.ErrRequestNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "approval request not found or already resolved",
			})
		}
		return err
	}

	h.hub.Publish(WSMessage{Type: MessageDecision, RequestID: id, Status: string(approval.ResultCancelled)})
	return c.NoContent(http.StatusNoContent)
}

// PlatformResponse handles POST /v1/platforms/:platform/responses. Stale and
// duplicate callbacks are accepted so relays do not retry them.
func (h *ApprovalHandler) PlatformResponse(c echo.Context) error {
	platform := c.Param("platform")

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallbackSize))
	if err != nil {
		return badRequest(c, "unreadable body")
	}

	signature := c.Request().Header.Get(adapter.SignatureHeader)
	resp, resolved, err := h.engine.HandleCallback(c.Request().Context(), platform, payload, signature)
	if errors.Is(err, engine.ErrUnknownPlatform) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	}
	if errors.Is(err, engine.ErrCallbackDenied) {
		log.Warn().Err(err).Str("platform", platform).Str("remote", c.RealIP()).Msg("refused platform callback")
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "callback not accepted",
		})
	}
	if err != nil {
		log.Warn().Err(err).Str("platform", platform).Msg("rejected platform callback")
		return badRequest(c, err.Error())
	}

	if resolved {
		status := approval.ResultDenied
		if resp.Approved {
			status = approval.ResultApproved
		}
		h.hub.Publish(WSMessage{Type: MessageDecision, RequestID: resp.RequestID, Status: string(status)})
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"request_id": resp.RequestID,
		"resolved":   resolved,
	})
}

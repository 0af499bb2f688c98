package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/orient-bot/policy-sidecar/internal/engine"
	"github.com/orient-bot/policy-sidecar/internal/policy"
	"github.com/rs/zerolog/log"
)

type ToolCallRequest struct {
	Tool    policy.ToolCall        `json:"tool"`
	Context policy.PlatformContext `json:"context"`
	AgentID string                 `json:"agent_id"`
}

type ToolCallHandler struct {
	engine *engine.Engine
}

func NewToolCallHandler(eng *engine.Engine) *ToolCallHandler {
	return &ToolCallHandler{engine: eng}
}

// Evaluate handles POST /v1/evaluate.
func (h *ToolCallHandler) Evaluate(c echo.Context) error {
	req, problem := bindToolCall(c)
	if problem != "" {
		return badRequest(c, problem)
	}

	decision, err := h.engine.EvaluateToolCall(c.Request().Context(), req.Tool, req.Context, req.AgentID)
	if err != nil {
		log.Error().Err(err).Str("tool", req.Tool.Name).Msg("evaluation failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"error":    "policy store unavailable",
			"decision": decision,
		})
	}

	return c.JSON(http.StatusOK, decision)
}

// Authorize handles POST /v1/authorize. It blocks while a human is asked.
func (h *ToolCallHandler) Authorize(c echo.Context) error {
	req, problem := bindToolCall(c)
	if problem != "" {
		return badRequest(c, problem)
	}

	result, err := h.engine.Authorize(c.Request().Context(), req.Tool, req.Context, req.AgentID)
	if err != nil {
		log.Error().Err(err).Str("tool", req.Tool.Name).Msg("authorization failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"error":         "policy store unavailable",
			"authorization": result,
		})
	}

	return c.JSON(http.StatusOK, result)
}

// bindToolCall decodes the body and returns a non-empty problem when it is
// unusable.
func bindToolCall(c echo.Context) (ToolCallRequest, string) {
	var req ToolCallRequest
	if err := c.Bind(&req); err != nil {
		return req, "invalid request body"
	}

	if req.Tool.Name == "" {
		return req, "tool.name is required"
	}
	return req, ""
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error": msg,
	})
}

package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token    string   `json:"token"`
	Approver Approver `json:"approver"`
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		log.Warn().Err(err).Str("remote_addr", c.Request().RemoteAddr).Msg("invalid login request body")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request",
		})
	}

	approver, err := authenticate(h.manager.config.Accounts, req.Email, req.Password)
	if err != nil {
		log.Warn().Str("email", req.Email).Msg("login failed")
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "invalid credentials",
		})
	}

	token, err := h.manager.GenerateToken(approver)
	if err != nil {
		log.Error().Err(err).Msg("failed to generate token")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to generate token",
		})
	}

	log.Info().Str("email", approver.Email).Msg("approver logged in")

	return c.JSON(http.StatusOK, LoginResponse{
		Token:    token,
		Approver: approver,
	})
}

// Me returns the caller's identity.
func (h *Handler) Me(c echo.Context) error {
	approver := ApproverFromContext(c)
	if approver == nil {
		if !h.manager.RequireAuth() {
			return c.JSON(http.StatusOK, Approver{ID: Anonymous, Name: Anonymous, Roles: []string{RoleAdmin}})
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "unauthorized",
		})
	}

	return c.JSON(http.StatusOK, approver)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/orient-bot/policy-sidecar/internal/auth"
	"github.com/orient-bot/policy-sidecar/internal/engine"
	"github.com/rs/zerolog/log"
)

const callbackPath = "/v1/platforms/:platform/responses"

type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	echo        *echo.Echo
	config      Config
	hub         *Hub
	coordinator *approval.Coordinator
}

func New(cfg Config, eng *engine.Engine, coordinator *approval.Coordinator, hub *Hub, authManager *auth.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		config:      cfg,
		hub:         hub,
		coordinator: coordinator,
	}

	s.setupMiddleware()
	s.setupRoutes(eng, coordinator, authManager)
	hub.WatchPending(coordinator)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Info().Int("port", s.config.Port).Msg("starting HTTP server")

	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	// Approval endpoints block until a human answers.
	s.echo.Server.WriteTimeout = s.config.WriteTimeout

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// Approval handlers block until their request resolves, so resolve them
	// before draining connections.
	if err := s.coordinator.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close approval coordinator")
	}
	s.hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
}

func (s *Server) setupRoutes(eng *engine.Engine, coordinator *approval.Coordinator, authManager *auth.Manager) {
	toolHandler := NewToolCallHandler(eng)
	approvalHandler := NewApprovalHandler(eng, coordinator, s.hub)
	auditHandler := NewAuditHandler(eng)
	wsHandler := NewWSHandler(s.hub, coordinator)
	authHandler := auth.NewHandler(authManager)

	// Platform relays carry no user token; their callbacks are signed instead.
	s.echo.Use(authManager.Middleware(callbackPath))
	approver := authManager.RequireRole(auth.RoleApprover)

	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/login", authHandler.Login)
	s.echo.GET("/me", authHandler.Me)

	v1 := s.echo.Group("/v1")
	v1.POST("/evaluate", toolHandler.Evaluate)
	v1.POST("/authorize", toolHandler.Authorize)
	v1.POST("/approvals", approvalHandler.Request)
	v1.GET("/approvals/pending", approvalHandler.Pending)
	v1.POST("/approvals/:id/approve", approvalHandler.Approve, approver)
	v1.POST("/approvals/:id/deny", approvalHandler.Deny, approver)
	v1.DELETE("/approvals/:id", approvalHandler.Cancel, approver)
	v1.POST("/platforms/:platform/responses", approvalHandler.PlatformResponse)
	v1.GET("/audit", auditHandler.List)
	v1.GET("/policies", auditHandler.Policies)

	s.echo.GET("/ws", wsHandler.HandleWebSocket)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

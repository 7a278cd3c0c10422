// Package api provides the HTTP API server for Gameforge.
// It uses Echo framework to serve the tenant and operator REST endpoints and
// a WebSocket stream of per-server events.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"evalgo.org/gameforge/internal/auth"
	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/events"
	"evalgo.org/gameforge/internal/reconcile"
	"evalgo.org/gameforge/internal/servers"
	"evalgo.org/gameforge/internal/storage"
	"evalgo.org/gameforge/internal/version"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Store      storage.Store
	Service    *servers.Service
	Reconciler *reconcile.Reconciler
	Events     events.Broker
	Logger     *zap.Logger
}

// Server represents the Gameforge API server.
type Server struct {
	echo       *echo.Echo
	config     *config.Config
	store      storage.Store
	svc        *servers.Service
	reconciler *reconcile.Reconciler
	events     events.Broker
	authMiddle *auth.Middleware
	logger     *zap.Logger
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	e := echo.New()

	// Configure Echo
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug

	// Set custom error handler
	e.HTTPErrorHandler = NewHTTPErrorHandler(logger)

	server := &Server{
		echo:       e,
		config:     cfg,
		store:      deps.Store,
		svc:        deps.Service,
		reconciler: deps.Reconciler,
		events:     deps.Events,
		authMiddle: auth.NewMiddleware(cfg.Security),
		logger:     logger,
	}

	// Setup middleware
	server.setupMiddleware()

	// Setup routes
	server.setupRoutes()

	return server
}

// Echo exposes the router, mostly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestID())
	s.echo.Use(RequestLogger(s.logger))
	s.echo.Use(middleware.Recover())
	s.echo.Use(SecurityHeaders)

	// CORS middleware
	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, auth.TenantHeader},
		}))
	}

	// Rate limiting
	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}

	s.echo.Use(ValidateContentType)
	s.echo.Use(ValidateAcceptHeader)
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	v1 := s.echo.Group("/api/v1", s.authMiddle.RequireAuth)

	// Servers
	srv := v1.Group("/servers")
	srv.GET("", s.listServers, ValidateServerQuery)
	srv.POST("", s.createServer)
	srv.GET("/:id", s.getServer, ValidateIDFormat)
	srv.PATCH("/:id", s.updateServer, ValidateIDFormat)
	srv.DELETE("/:id", s.deleteServer, ValidateIDFormat)
	srv.POST("/:id/power", s.powerServer, ValidateIDFormat)
	srv.GET("/:id/audit", s.serverAudit, ValidateIDFormat)

	// Live events
	v1.GET("/ws/servers/:id", s.streamServer, ValidateIDFormat)

	// Jobs
	v1.GET("/jobs/dead", s.deadJobs, s.authMiddle.RequireAdmin)
	v1.GET("/jobs/:id", s.jobStatus, ValidateIDFormat)

	// Blueprints
	v1.GET("/blueprints", s.listBlueprints)
	v1.GET("/blueprints/:id", s.getBlueprint, ValidateIDFormat)
	v1.POST("/blueprints", s.saveBlueprint, s.authMiddle.RequireAdmin)

	// Hosts and placement; writes are operator only
	admin := s.authMiddle.RequireAdmin
	v1.GET("/hosts", s.listHosts, ValidateHostQuery)
	v1.POST("/hosts", s.registerHost, admin)
	v1.GET("/hosts/:id", s.getHost, ValidateIDFormat)
	v1.PUT("/hosts/:id/status", s.setHostStatus, admin, ValidateIDFormat)
	v1.POST("/hosts/:id/pools", s.addPools, admin, ValidateIDFormat)
	v1.GET("/hosts/:id/capacity", s.hostCapacity, ValidateIDFormat)
	v1.DELETE("/hosts/:id/allocations", s.releaseHost, admin, ValidateIDFormat)
	v1.POST("/hosts/:id/events", s.hostEvents, admin, ValidateIDFormat)
	v1.GET("/placement", s.placement)
	if s.reconciler != nil {
		v1.GET("/allocations/leaks", s.leaks, admin)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.logger.Info("starting gameforge api server",
		zap.String("address", addr),
		zap.String("database", s.config.Database.Driver),
		zap.Bool("auth", s.authMiddle.Enabled()),
		zap.Bool("debug", s.config.Server.Debug))

	// Configure server timeouts
	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "api server")
	}
	return nil
}

// Shutdown gracefully shuts down the server. Storage and brokers belong to
// the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gameforge api server")
	if err := s.echo.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "error shutting down server")
	}
	return nil
}

// healthCheck handles health check requests.
func (s *Server) healthCheck(c echo.Context) error {
	resp := HealthResponse{
		Status:   "healthy",
		Service:  "gameforge",
		Version:  version.Version,
		Database: s.config.Database.Driver,
	}
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/auth"
	"github.com/blockadesystems/certfleet/internal/cache"
	"github.com/blockadesystems/certfleet/internal/config"
	"github.com/blockadesystems/certfleet/internal/dispatch"
	"github.com/blockadesystems/certfleet/internal/management"
	"github.com/blockadesystems/certfleet/internal/provider"
	"github.com/blockadesystems/certfleet/internal/storage"
)

const healthCheckTimeout = 5 * time.Second

// Health values reported by GET /health.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthDisabled  = "disabled"
)

// ApplyCommonMiddleware applies essential middleware to an Echo instance.
// It injects dependencies into the context.
func ApplyCommonMiddleware(e *echo.Echo, store storage.Storage, cfg *config.Config, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	// Middleware to set context values
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("cfg", cfg)
			c.Set("store", store)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// callRequest is the body of POST /mcp/tools/call.
type callRequest struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Services  HealthServices `json:"services"`
}

type HealthServices struct {
	Database  string            `json:"database"`
	Cache     string            `json:"cache"`
	Providers map[string]string `json:"providers"`
}

// SetupRouter defines the dispatch, health, metrics and management routes.
func SetupRouter(e *echo.Echo, engine *dispatch.Engine, store storage.Storage, c cache.Cache, providers *provider.Registry) {
	mcp := e.Group("/mcp", auth.CallerMiddleware(store))
	mcp.POST("/initialize", func(c echo.Context) error {
		return c.JSON(http.StatusOK, engine.Initialize())
	})
	mcp.POST("/tools/list", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"tools": engine.List()})
	})
	mcp.POST("/tools/call", handleToolCall(engine))

	e.GET("/health", handleHealth(store, c, providers))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Management API Endpoints
	apiGroup := e.Group("/api/v1")
	adminOnlyMiddleware := auth.APIKeyAuthMiddleware(store, auth.RoleAdmin)
	providerGroup := apiGroup.Group("/providers")
	providerGroup.Use(adminOnlyMiddleware)
	providerGroup.GET("", management.HandleListProviders)
	providerGroup.PUT("/:name", management.HandleUpdateProvider)
}

// handleToolCall answers with HTTP 200 whatever the outcome; failures live in the envelope.
func handleToolCall(engine *dispatch.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqLogger := c.Get("logger").(*zap.Logger)
		var req callRequest
		if err := c.Bind(&req); err != nil {
			reqLogger.Warn("Failed to bind tool call body", zap.Error(err))
			return c.JSON(http.StatusOK, dispatch.Envelope{
				Error:     "invalid request body: " + err.Error(),
				Code:      dispatch.CodeValidation,
				Timestamp: time.Now().UTC(),
			})
		}
		if req.Parameters == nil {
			req.Parameters = map[string]any{}
		}
		env := engine.Call(c.Request().Context(), req.ToolName, req.Parameters)
		return c.JSON(http.StatusOK, env)
	}
}

func handleHealth(store storage.Storage, c cache.Cache, providers *provider.Registry) echo.HandlerFunc {
	return func(ec echo.Context) error {
		ctx, cancel := context.WithTimeout(ec.Request().Context(), healthCheckTimeout)
		defer cancel()
		reqLogger := ec.Get("logger").(*zap.Logger)

		resp := HealthResponse{
			Status:    HealthHealthy,
			Timestamp: time.Now().UTC(),
			Services: HealthServices{
				Database:  HealthHealthy,
				Cache:     HealthHealthy,
				Providers: make(map[string]string),
			},
		}

		if err := store.Ping(ctx); err != nil {
			reqLogger.Error("Database health check failed", zap.Error(err))
			resp.Services.Database = HealthUnhealthy
			resp.Status = HealthUnhealthy
		}

		if _, noop := c.(cache.NoopCache); noop {
			resp.Services.Cache = HealthDisabled
		} else if err := c.Ping(ctx); err != nil {
			reqLogger.Warn("Cache health check failed", zap.Error(err))
			resp.Services.Cache = HealthUnhealthy
			degrade(&resp)
		}

		for _, p := range providers.All() {
			name := string(p.Name())
			hc, ok := provider.AsHealthChecker(p)
			if !ok {
				resp.Services.Providers[name] = "configured"
				continue
			}
			if err := hc.Health(ctx); err != nil {
				reqLogger.Warn("Provider health check failed", zap.String("provider", name), zap.Error(err))
				resp.Services.Providers[name] = HealthUnhealthy
				degrade(&resp)
				continue
			}
			resp.Services.Providers[name] = HealthHealthy
		}

		code := http.StatusOK
		if resp.Status == HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		return ec.JSON(code, resp)
	}
}

func degrade(resp *HealthResponse) {
	if resp.Status == HealthHealthy {
		resp.Status = HealthDegraded
	}
}

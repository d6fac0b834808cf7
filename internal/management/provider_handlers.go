package management

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/model"
	"github.com/blockadesystems/certfleet/internal/storage"
)

// Package-level logger (alternative: pass via context if middleware adds it)
var logger *zap.Logger

func init() {
	logger = zap.L().Named("management")
}

// updateProviderRequest is the body of PUT /api/v1/providers/:name.
type updateProviderRequest struct {
	IsActive      *bool          `json:"is_active"`
	Endpoint      string         `json:"api_endpoint"`
	Configuration map[string]any `json:"configuration"`
}

func requestLogger(c echo.Context, handler string) *zap.Logger {
	l, ok := c.Get("logger").(*zap.Logger)
	if !ok {
		l = logger
	}
	return l.With(zap.String("handler", handler))
}

// HandleListProviders handles GET requests listing every provider activation row.
func HandleListProviders(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := requestLogger(c, "HandleListProviders")
	ctx := c.Request().Context()

	configs, err := store.ListProviderConfigs(ctx)
	if err != nil {
		reqLogger.Error("Failed to list provider configs from storage", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve providers")
	}
	if configs == nil {
		configs = []*model.ProviderConfig{}
	}
	return c.JSON(http.StatusOK, configs)
}

// HandleUpdateProvider handles PUT requests switching a provider on or off.
func HandleUpdateProvider(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := requestLogger(c, "HandleUpdateProvider")
	ctx := c.Request().Context()

	name, err := model.ParseCAProvider(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("Unknown provider: %s", c.Param("name")))
	}

	var req updateProviderRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	if req.IsActive == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "is_active is required")
	}

	cfg, err := store.GetProviderConfig(ctx, string(name))
	if err != nil {
		reqLogger.Error("Failed to read provider config", zap.String("provider", string(name)), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read provider")
	}
	if cfg == nil {
		cfg = &model.ProviderConfig{ProviderName: name}
	}
	cfg.IsActive = *req.IsActive
	if endpoint := strings.TrimSpace(req.Endpoint); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if req.Configuration != nil {
		cfg.Configuration = req.Configuration
	}

	if err := store.UpsertProviderConfig(ctx, cfg); err != nil {
		reqLogger.Error("Failed to save provider config", zap.String("provider", string(name)), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save provider")
	}

	reqLogger.Info("Updated provider activation", zap.String("provider", string(name)), zap.Bool("is_active", cfg.IsActive))
	return c.JSON(http.StatusOK, cfg)
}

package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/dispatch"
	"github.com/blockadesystems/certfleet/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "auth"))
}

// HeaderAPIKey carries the caller's API key.
const HeaderAPIKey = "X-API-Key"

// RoleAdmin satisfies every role check.
const RoleAdmin = "admin"

// APIKeyAuthMiddleware admits requests whose X-API-Key is stored with requiredRole (or admin).
// The caller is recorded on the request context so audit rows can name it.
func APIKeyAuthMiddleware(store storage.Storage, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqLogger := requestLogger(c)
			key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing API key")
			}
			roles, err := lookupKey(c, store, key)
			if err != nil {
				return err
			}
			if !slices.Contains(roles, requiredRole) && !slices.Contains(roles, RoleAdmin) {
				reqLogger.Warn("API key lacks required role",
					zap.String("key_prefix", keyPrefix(key)),
					zap.String("required_role", requiredRole))
				return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions")
			}
			setCaller(c, key)
			return next(c)
		}
	}
}

// CallerMiddleware identifies the caller when an X-API-Key is presented and lets anonymous
// requests through. A presented key that is unknown is still rejected.
func CallerMiddleware(store storage.Storage) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
			if key == "" {
				return next(c)
			}
			if _, err := lookupKey(c, store, key); err != nil {
				return err
			}
			setCaller(c, key)
			return next(c)
		}
	}
}

// lookupKey returns the roles of key, or the HTTP error to answer with.
func lookupKey(c echo.Context, store storage.Storage, key string) ([]string, error) {
	reqLogger := requestLogger(c)
	roles, err := store.GetAPIKey(c.Request().Context(), key)
	if err != nil {
		reqLogger.Error("Failed to look up API key", zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "Failed to verify API key")
	}
	if roles == nil {
		reqLogger.Warn("Rejected unknown API key", zap.String("key_prefix", keyPrefix(key)))
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
	}
	return roles, nil
}

func setCaller(c echo.Context, key string) {
	caller := "api-key:" + keyPrefix(key)
	c.Set("caller", caller)
	c.SetRequest(c.Request().WithContext(dispatch.WithCaller(c.Request().Context(), caller)))
}

func requestLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l.With(zap.String("package", "auth"))
	}
	return logger
}

// keyPrefix is what may appear in logs and audit rows.
func keyPrefix(key string) string {
	return key[:min(8, len(key))] + "..."
}

package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"

	"tiergate/internal/core"
	"tiergate/internal/projects"
)

// Context keys set by APIKeyMiddleware.
const (
	projectKey = "tiergate.project"
	apiKeyKey  = "tiergate.api_key"
)

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if authHeader == "" {
		return "", core.NewAuthenticationError("missing API key")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", core.NewAuthenticationError("invalid authorization header format, expected 'Bearer <token>'")
	}
	return strings.TrimPrefix(authHeader, prefix), nil
}

// APIKeyMiddleware resolves the bearer token to a project and stores the
// project and key on the echo context.
func APIKeyMiddleware(resolver projects.Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c)
			if err != nil {
				return handleError(c, err)
			}
			if resolver == nil {
				return handleError(c, core.NewAuthenticationError("invalid API key"))
			}

			project, key, err := resolver.ResolveAPIKey(c.Request().Context(), token)
			if err != nil {
				if !errors.Is(err, projects.ErrNotFound) {
					slog.Error("api key lookup failed", "request_id", requestID(c), "error", err)
					return handleError(c, core.NewInternalError("failed to resolve API key", err))
				}
				return handleError(c, core.NewAuthenticationError("invalid API key"))
			}

			c.Set(projectKey, project)
			c.Set(apiKeyKey, key)
			return next(c)
		}
	}
}

// MasterKeyMiddleware admits only requests bearing masterKey.
func MasterKeyMiddleware(masterKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c)
			if err != nil {
				return handleError(c, err)
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(masterKey)) != 1 {
				return handleError(c, core.NewAuthenticationError("invalid master key"))
			}
			return next(c)
		}
	}
}

func projectFromContext(c echo.Context) *projects.Project {
	p, _ := c.Get(projectKey).(*projects.Project)
	return p
}

func apiKeyFromContext(c echo.Context) *projects.APIKey {
	k, _ := c.Get(apiKeyKey).(*projects.APIKey)
	return k
}

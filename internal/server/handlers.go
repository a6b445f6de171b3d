// Package server provides HTTP handlers and server setup for the gateway.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"tiergate/internal/core"
)

// DefaultQualityHeader carries the caller's quality hint ("deep" forces the deep tier).
const DefaultQualityHeader = "X-Quality"

// Response headers describing how a completion was served.
const (
	HeaderTier  = "X-Tiergate-Tier"
	HeaderModel = "X-Tiergate-Model"
	HeaderCache = "X-Tiergate-Cache"
)

// Handler holds the HTTP handlers
type Handler struct {
	deps          Deps
	qualityHeader string
	retentionDays int
}

// NewHandler creates a new handler with the given collaborators
func NewHandler(deps Deps, qualityHeader string, retentionDays int) *Handler {
	return &Handler{
		deps:          deps,
		qualityHeader: qualityHeader,
		retentionDays: retentionDays,
	}
}

// ChatCompletion handles POST /v1/chat/completions
func (h *Handler) ChatCompletion(c echo.Context) error {
	var req core.ChatRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewValidationError("invalid request body", err))
	}
	if err := req.Validate(); err != nil {
		return handleError(c, err)
	}

	requester := core.Requester{
		RequestID:   requestID(c),
		QualityHint: strings.TrimSpace(c.Request().Header.Get(h.qualityHeader)),
	}
	if key := apiKeyFromContext(c); key != nil {
		requester.APIKeyID = key.ID
		requester.UserID = key.UserID
	}

	resp, err := h.deps.Pipeline.Process(c.Request().Context(), &req, projectFromContext(c), requester)
	if err != nil {
		return handleError(c, err)
	}

	header := c.Response().Header()
	header.Set(HeaderTier, string(resp.Tier))
	header.Set(HeaderModel, resp.Model)
	if resp.CacheHit {
		header.Set(HeaderCache, "HIT")
	} else {
		header.Set(HeaderCache, "MISS")
	}
	return c.JSONBlob(http.StatusOK, resp.Body)
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// requestID returns the correlation id assigned by the RequestID middleware.
func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	if id := core.GetRequestID(c.Request().Context()); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if !errors.As(err, &gatewayErr) {
		slog.Error("unhandled error", "request_id", requestID(c), "error", err)
		gatewayErr = core.NewInternalError("an unexpected error occurred", err)
	}
	return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON(requestID(c)))
}

package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tiergate/internal/core"
	"tiergate/internal/gateway"
	"tiergate/internal/projects"
	"tiergate/internal/usage"
)

// DefaultBodySizeLimit caps request bodies when Config leaves it empty.
const DefaultBodySizeLimit = "10M"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey       string // Optional: guards usage reports and maintenance; empty disables them
	QualityHeader   string // Header carrying the quality hint (default: X-Quality)
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   string // Max request body size, e.g. "10M"
	RetentionDays   int    // Used by POST /admin/v1/prune
}

// Pipeline serves chat completions.
type Pipeline interface {
	Process(ctx context.Context, req *core.ChatRequest, project *projects.Project, requester core.Requester) (*gateway.Response, error)
}

// Maintenance runs ledger rollups and retention on demand.
type Maintenance interface {
	AggregateDay(ctx context.Context, day time.Time) ([]usage.DailyAggregate, error)
	PruneOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// Deps are the collaborators behind the HTTP routes. Usage and Maintenance
// may be nil, which leaves their routes unregistered.
type Deps struct {
	Pipeline    Pipeline
	Projects    projects.Resolver
	Usage       usage.AggregateReader
	Maintenance Maintenance
}

// New creates a new HTTP server
func New(deps Deps, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	qualityHeader := cfg.QualityHeader
	if qualityHeader == "" {
		qualityHeader = DefaultQualityHeader
	}
	handler := NewHandler(deps, qualityHeader, cfg.RetentionDays)

	// Global middleware stack (order matters)
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:        uuid.NewString,
		RequestIDHandler: attachRequestID,
	}))
	e.Use(middleware.RequestLoggerWithConfig(requestLoggerConfig()))
	e.Use(middleware.Recover())

	bodySizeLimit := cfg.BodySizeLimit
	if bodySizeLimit == "" {
		bodySizeLimit = DefaultBodySizeLimit
	}
	e.Use(middleware.BodyLimit(bodySizeLimit))

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		metricsPath := "/metrics"
		if cfg.MetricsEndpoint != "" {
			// Normalize path to prevent traversal attacks
			metricsPath = path.Clean("/" + cfg.MetricsEndpoint)
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// Project API, authenticated by API key
	api := e.Group("/v1", APIKeyMiddleware(deps.Projects))
	api.POST("/chat/completions", handler.ChatCompletion)

	// Operator API, authenticated by the master key
	if cfg.MasterKey == "" {
		slog.Warn("master key not set: usage reports and maintenance endpoints are disabled")
	} else {
		operator := MasterKeyMiddleware(cfg.MasterKey)
		if deps.Usage != nil {
			e.GET("/v1/usage/daily", handler.UsageDaily, operator)
			e.GET("/v1/usage/summary", handler.UsageSummary, operator)
		}
		if deps.Maintenance != nil {
			admin := e.Group("/admin/v1", operator)
			admin.POST("/aggregate", handler.Aggregate)
			admin.POST("/prune", handler.Prune)
		}
	}

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func attachRequestID(c echo.Context, requestID string) {
	req := c.Request()
	c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), requestID)))
}

func requestLoggerConfig() middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"request_id", v.RequestID,
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				slog.Warn("http request", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Info("http request", attrs...)
			return nil
		},
	}
}

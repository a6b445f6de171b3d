// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the tiergate server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tiergate/config"
	"tiergate/internal/budget"
	"tiergate/internal/cache"
	"tiergate/internal/core"
	"tiergate/internal/gateway"
	"tiergate/internal/httpclient"
	"tiergate/internal/llmclient"
	"tiergate/internal/projects"
	"tiergate/internal/routing"
	"tiergate/internal/server"
	"tiergate/internal/storage"
	"tiergate/internal/usage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config *config.Config
	ledger *usage.Result
	cache  cache.ResponseCache
	server *server.Server

	stopAggregator context.CancelFunc
	aggregatorDone chan struct{}

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}

	resolver, err := projects.NewStaticResolver(cfg.Projects, cfg.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}

	ledger, err := usage.New(ctx, StorageConfig(cfg), LedgerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize usage ledger: %w", err)
	}

	var responseCache cache.ResponseCache
	if cfg.Cache.Enabled {
		responseCache, err = cache.New(cache.Config{
			Store:    cfg.Cache.Store,
			RedisURL: cfg.Cache.RedisURL,
			TTL:      seconds(cfg.Cache.TTL),
		})
		if err != nil {
			closeErr := ledger.Close()
			if closeErr != nil {
				return nil, fmt.Errorf("failed to initialize response cache: %w (also: ledger close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to initialize response cache: %w", err)
		}
	}

	client := llmclient.New(llmclient.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Path:       cfg.LLM.Path,
		MaxRetries: cfg.LLM.MaxRetries,
		RetryDelay: time.Duration(cfg.LLM.RetryDelayMs) * time.Millisecond,
	}, httpclient.ClientConfig{
		ConnectTimeout: seconds(cfg.LLM.ConnectTimeout),
		RequestTimeout: seconds(cfg.LLM.Timeout),
	})

	guard := budget.NewGuard(ledger.Store, budget.Config{
		UnitCost:        cfg.Budget.CostPerToken,
		DefaultEstimate: cfg.Budget.DefaultTokenEstimate,
	})

	svc := gateway.NewService(
		routing.NewTierRouter(RoutingConfig(cfg)),
		routing.NewDispatcher(client),
		responseCache,
		guard,
		ledger.Recorder,
		gateway.Config{CacheEnabled: cfg.Cache.Enabled, CacheTTL: seconds(cfg.Cache.TTL)},
	)

	app := &App{
		config: cfg,
		ledger: ledger,
		cache:  responseCache,
	}
	app.server = server.New(server.Deps{
		Pipeline:    svc,
		Projects:    resolver,
		Usage:       ledger.Store,
		Maintenance: ledger.Aggregator,
	}, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		QualityHeader:   cfg.Server.QualityHeader,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		RetentionDays:   cfg.Ledger.RetentionDays,
	})

	app.logStartupInfo()
	return app, nil
}

// Aggregator returns the ledger rollup and retention runner.
func (a *App) Aggregator() *usage.Aggregator {
	return a.ledger.Aggregator
}

// Handler returns the HTTP handler, for use with httptest.
func (a *App) Handler() http.Handler {
	return a.server
}

// StartAggregator runs the daily aggregation and retention loop until
// Shutdown is called or ctx is cancelled.
func (a *App) StartAggregator(ctx context.Context) {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.shutdown || a.stopAggregator != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	a.stopAggregator = cancel
	a.aggregatorDone = make(chan struct{})
	go func() {
		defer close(a.aggregatorDone)
		a.ledger.Aggregator.Run(ctx)
	}()
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Aggregator loop stop.
// 3. Response cache close.
// 4. Ledger close (flushes pending records, then closes storage).
//
// Shutdown is idempotent; every step is attempted and failures are joined.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	stop, done := a.stopAggregator, a.aggregatorDone
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Stop the aggregator
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("aggregator stop: %w", ctx.Err()))
		}
	}

	// 3. Close the response cache
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	// 4. Close the ledger (flushes pending records)
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			slog.Error("ledger close error", "error", err)
			errs = append(errs, fmt.Errorf("ledger close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// StorageConfig maps the ledger storage settings.
func StorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Type:       cfg.Storage.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.Storage.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.Storage.PostgreSQL.URL, MaxConns: cfg.Storage.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: cfg.Storage.MongoDB.URL, Database: cfg.Storage.MongoDB.Database},
	}
}

// LedgerConfig maps the recorder and aggregator settings.
func LedgerConfig(cfg *config.Config) usage.Config {
	return usage.Config{
		BufferSize:        cfg.Ledger.BufferSize,
		FlushInterval:     seconds(cfg.Ledger.FlushInterval),
		RetentionDays:     cfg.Ledger.RetentionDays,
		AggregateInterval: seconds(cfg.Ledger.AggregateInterval),
	}
}

// RoutingConfig maps the tier candidate lists.
func RoutingConfig(cfg *config.Config) routing.Config {
	models := make(map[core.Tier][]string, len(cfg.Routing.Tiers))
	for tier, list := range cfg.Routing.Tiers {
		models[core.Tier(tier)] = list
	}
	return routing.Config{
		Models:                models,
		LargeRequestThreshold: cfg.Routing.LargeRequestThreshold,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("MASTER_KEY not set: usage reports and maintenance endpoints are disabled")
	} else {
		slog.Info("operator endpoints enabled", "mode", "master_key")
	}

	for _, tier := range []core.Tier{core.TierFast, core.TierDeep} {
		models := cfg.Routing.Tiers[string(tier)]
		if len(models) == 0 {
			slog.Warn("tier has no candidate models", "tier", tier)
			continue
		}
		slog.Info("tier configured", "tier", tier, "models", models)
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("storage configured", "type", cfg.Storage.Type)

	if cfg.Cache.Enabled {
		slog.Info("response cache enabled", "store", cfg.Cache.Store, "ttl_seconds", cfg.Cache.TTL)
	} else {
		slog.Info("response cache disabled")
	}

	slog.Info("usage ledger configured",
		"buffer_size", cfg.Ledger.BufferSize,
		"retention_days", cfg.Ledger.RetentionDays,
		"aggregate_interval_seconds", cfg.Ledger.AggregateInterval,
	)
	slog.Info("projects loaded", "projects", len(cfg.Projects), "api_keys", len(cfg.APIKeys))
}

// Package cache memoizes complete downstream response documents for
// deterministic requests. Supports a local in-process backend and Redis for
// multi-instance deployments.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTTL is the lifetime of a cached response document.
const DefaultTTL = 24 * time.Hour

// ResponseCache stores response documents by request key.
// Implementations must be safe for concurrent use.
type ResponseCache interface {
	// Get returns the stored document. ok is false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A non-positive ttl uses the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases any resources held by the cache.
	Close() error
}

// Store names
const (
	StoreLocal = "local"
	StoreRedis = "redis"
)

// Config selects and configures a backend.
type Config struct {
	// Store is "local" (default) or "redis"
	Store string

	// RedisURL is used when Store is "redis"
	RedisURL string

	// TTL is the default entry lifetime (defaults to 24 hours)
	TTL time.Duration
}

// New creates the configured backend.
func New(cfg Config) (ResponseCache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "", StoreLocal:
		return NewLocalCache(cfg.TTL), nil
	case StoreRedis:
		return NewRedisCache(RedisConfig{URL: cfg.RedisURL, TTL: cfg.TTL})
	default:
		return nil, fmt.Errorf("unknown cache store: %q", cfg.Store)
	}
}

// Package httpclient builds the HTTP clients used to reach downstream model backends.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds transport settings for a downstream client.
// Both timeouts apply per attempt: a retried call gets a fresh budget.
type ClientConfig struct {
	// ConnectTimeout bounds establishing the TCP connection
	ConnectTimeout time.Duration

	// RequestTimeout bounds a single request including reading the body
	RequestTimeout time.Duration

	// MaxIdleConnsPerHost controls keep-alive connections to the backend
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle keep-alive connection is kept
	IdleConnTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake
	TLSHandshakeTimeout time.Duration
}

// DefaultConfig returns the defaults: 10s connect, 120s request.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:      10 * time.Second,
		RequestTimeout:      120 * time.Second,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// NewHTTPClient creates a new HTTP client with the provided configuration.
// Zero values fall back to DefaultConfig.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}
}

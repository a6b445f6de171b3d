// Package llmclient calls the OpenAI-compatible completion backend with
// bounded same-model retry.
package llmclient

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tiergate/internal/core"
	"tiergate/internal/httpclient"
)

// RequestIDHeader carries the correlation id on every downstream attempt.
const RequestIDHeader = "X-Request-Id"

// DefaultPath is the chat completions endpoint on the backend.
const DefaultPath = "/v1/chat/completions"

// Config holds configuration for the downstream client
type Config struct {
	// BaseURL is the backend base URL, e.g. http://litellm:4000
	BaseURL string

	// APIKey is sent as a bearer token when non-empty
	APIKey string

	// Path is appended to BaseURL (default: /v1/chat/completions)
	Path string

	// MaxRetries is the number of additional attempts on the same model (default: 2)
	MaxRetries int

	// RetryDelay is the fixed wait before each retry (default: 500ms)
	RetryDelay time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		Path:       DefaultPath,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Client issues chat completion calls against a single backend.
type Client struct {
	httpClient *http.Client
	config     Config
}

// New creates a client with a transport built from httpCfg.
func New(config Config, httpCfg httpclient.ClientConfig) *Client {
	return NewWithHTTPClient(httpclient.NewHTTPClient(httpCfg), config)
}

// NewWithHTTPClient creates a client around an existing http.Client.
func NewWithHTTPClient(httpClient *http.Client, config Config) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{httpClient: httpClient, config: config}
}

// ChatCompletion posts payload and returns the response document bytes.
//
// Failed attempts are retried against the same backend while the failure
// class allows it, up to MaxRetries extra attempts. The last failure is
// returned as a *core.GatewayError of type api_error or network_error.
func (c *Client) ChatCompletion(ctx context.Context, payload []byte, requestID string) ([]byte, error) {
	maxAttempts := c.config.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.config.RetryDelay); err != nil {
				return nil, core.NewNetworkError(err)
			}
		}

		body, err := c.doAttempt(ctx, payload, requestID)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if !core.ClassifyError(err).RetrySameModel() {
			return nil, err
		}
		if attempt < maxAttempts {
			slog.Warn("downstream attempt failed, retrying",
				"request_id", requestID,
				"attempt", attempt,
				"error", err,
			)
		}
	}

	return nil, lastErr
}

// doAttempt executes a single HTTP request without retries
func (c *Client) doAttempt(ctx context.Context, payload []byte, requestID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+c.config.Path, bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewInternalError("failed to create downstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.NewNetworkError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		return nil, core.NewNetworkError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, core.NewAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

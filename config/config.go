// Package config provides configuration management for the application.
//
// Values are resolved in three layers: built-in defaults, an optional
// config.yaml (with ${VAR} and ${VAR:-default} expansion), then environment
// variables. A .env file in the working directory is loaded first if present.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tiergate/internal/projects"
)

// Config holds the application configuration. Treat it as read-only once
// Load returns.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	LLM      LLMConfig            `yaml:"llm"`
	Routing  RoutingConfig        `yaml:"routing"`
	Cache    CacheConfig          `yaml:"cache"`
	Storage  StorageConfig        `yaml:"storage"`
	Ledger   LedgerConfig         `yaml:"ledger"`
	Budget   BudgetConfig         `yaml:"budget"`
	Logging  LoggingConfig        `yaml:"logging"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Projects []projects.Project   `yaml:"projects"`
	APIKeys  []projects.KeyConfig `yaml:"api_keys"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey guards the admin endpoints. Empty disables them.
	MasterKey string `yaml:"master_key"`
	// QualityHeader is the request header carrying the quality hint
	QualityHeader string `yaml:"quality_header"`
	// BodySizeLimit accepts values like "10M" or "512K"
	BodySizeLimit string `yaml:"body_size_limit"`
}

// LLMConfig holds the downstream backend settings
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Path    string `yaml:"path"`
	// Timeout is the per-attempt request timeout in seconds
	Timeout int `yaml:"timeout"`
	// ConnectTimeout is in seconds
	ConnectTimeout int `yaml:"connect_timeout"`
	MaxRetries     int `yaml:"max_retries"`
	RetryDelayMs   int `yaml:"retry_delay_ms"`
}

// RoutingConfig holds the tier candidate lists
type RoutingConfig struct {
	Tiers                 map[string][]string `yaml:"tiers"`
	LargeRequestThreshold int                 `yaml:"large_request_threshold"`
}

// CacheConfig holds response cache configuration
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// TTL is in seconds
	TTL      int    `yaml:"ttl"`
	Store    string `yaml:"store"`
	RedisURL string `yaml:"redis_url"`
}

// StorageConfig selects the ledger backend
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// LedgerConfig holds usage ledger settings
type LedgerConfig struct {
	RetentionDays int `yaml:"retention_days"`
	// BufferSize > 0 switches to the buffered recorder
	BufferSize int `yaml:"buffer_size"`
	// FlushInterval is in seconds
	FlushInterval int `yaml:"flush_interval"`
	// AggregateInterval is in seconds
	AggregateInterval int `yaml:"aggregate_interval"`
}

// BudgetConfig holds admission estimates
type BudgetConfig struct {
	CostPerToken         float64 `yaml:"cost_per_token"`
	DefaultTokenEstimate int     `yaml:"default_token_estimate"`
}

// LoggingConfig holds process log settings
type LoggingConfig struct {
	// Format is "json" (default) or "text"
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// configPaths are searched in order for the YAML file.
var configPaths = []string{"config/config.yaml", "config.yaml"}

// Load builds the configuration from defaults, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		break
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			QualityHeader: "X-Quality",
			BodySizeLimit: "10M",
		},
		LLM: LLMConfig{
			BaseURL:        "http://localhost:4000",
			Path:           "/v1/chat/completions",
			Timeout:        120,
			ConnectTimeout: 10,
			MaxRetries:     2,
			RetryDelayMs:   500,
		},
		Routing: RoutingConfig{
			Tiers:                 map[string][]string{},
			LargeRequestThreshold: 8000,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     86400,
			Store:   "local",
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: ".cache/tiergate.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "tiergate"},
		},
		Ledger: LedgerConfig{
			RetentionDays:     90,
			FlushInterval:     1,
			AggregateInterval: 3600,
		},
		Budget: BudgetConfig{
			CostPerToken:         0.00001,
			DefaultTokenEstimate: 4096,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// applyEnvOverrides copies set environment variables over cfg.
func applyEnvOverrides(cfg *Config) error {
	setString("PORT", &cfg.Server.Port)
	setString("MASTER_KEY", &cfg.Server.MasterKey)
	setString("QUALITY_HEADER", &cfg.Server.QualityHeader)
	setString("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)

	setString("LLM_BASE_URL", &cfg.LLM.BaseURL)
	setString("LLM_API_KEY", &cfg.LLM.APIKey)
	setString("LLM_PATH", &cfg.LLM.Path)

	setString("CACHE_STORE", &cfg.Cache.Store)
	setString("REDIS_URL", &cfg.Cache.RedisURL)

	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	ints := []struct {
		key string
		dst *int
	}{
		{"LLM_TIMEOUT", &cfg.LLM.Timeout},
		{"LLM_CONNECT_TIMEOUT", &cfg.LLM.ConnectTimeout},
		{"LLM_MAX_RETRIES", &cfg.LLM.MaxRetries},
		{"LLM_RETRY_DELAY_MS", &cfg.LLM.RetryDelayMs},
		{"LARGE_REQUEST_THRESHOLD", &cfg.Routing.LargeRequestThreshold},
		{"CACHE_TTL", &cfg.Cache.TTL},
		{"POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns},
		{"LEDGER_RETENTION_DAYS", &cfg.Ledger.RetentionDays},
		{"LEDGER_BUFFER_SIZE", &cfg.Ledger.BufferSize},
		{"LEDGER_FLUSH_INTERVAL", &cfg.Ledger.FlushInterval},
		{"AGGREGATE_INTERVAL", &cfg.Ledger.AggregateInterval},
		{"DEFAULT_TOKEN_ESTIMATE", &cfg.Budget.DefaultTokenEstimate},
	}
	for _, i := range ints {
		if err := setInt(i.key, i.dst); err != nil {
			return err
		}
	}

	if err := setBool("CACHE_ENABLED", &cfg.Cache.Enabled); err != nil {
		return err
	}
	if err := setBool("METRICS_ENABLED", &cfg.Metrics.Enabled); err != nil {
		return err
	}

	if v := os.Getenv("COST_PER_TOKEN"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid COST_PER_TOKEN value %q: %w", v, err)
		}
		cfg.Budget.CostPerToken = f
	}

	// TIER_FAST_MODELS=a,b replaces the fast tier's candidate list
	for _, tier := range []string{"fast", "deep"} {
		if v := os.Getenv("TIER_" + strings.ToUpper(tier) + "_MODELS"); v != "" {
			if cfg.Routing.Tiers == nil {
				cfg.Routing.Tiers = map[string][]string{}
			}
			cfg.Routing.Tiers[tier] = splitList(v)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.LLM.BaseURL == "" {
		return errors.New("llm.base_url must be set")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must be >= 0, got %d", c.LLM.MaxRetries)
	}
	if c.Ledger.RetentionDays < 0 {
		return fmt.Errorf("ledger.retention_days must be >= 0, got %d", c.Ledger.RetentionDays)
	}
	if c.Routing.LargeRequestThreshold <= 0 {
		return fmt.Errorf("routing.large_request_threshold must be > 0, got %d", c.Routing.LargeRequestThreshold)
	}
	for tier := range c.Routing.Tiers {
		if tier != "fast" && tier != "deep" {
			return fmt.Errorf("unknown tier %q in routing.tiers (valid: fast, deep)", tier)
		}
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default}. A variable that is unset
// or empty takes its default; with no default the placeholder is kept.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

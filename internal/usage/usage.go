// Package usage keeps the append-only request ledger, rolls it up into
// per-project daily aggregates and enforces ledger retention.
package usage

import (
	"context"
	"time"
)

// DayLayout is the calendar date format used for aggregate keys.
const DayLayout = "2006-01-02"

// RequestRecord is the ledger entry written once per processed request.
// Records are never updated; retention is the only deletion path.
type RequestRecord struct {
	ID        string `json:"id" bson:"_id"`
	RequestID string `json:"request_id" bson:"request_id"`
	ProjectID string `json:"project_id" bson:"project_id"`

	UserID   *string `json:"user_id,omitempty" bson:"user_id,omitempty"`
	APIKeyID *string `json:"api_key_id,omitempty" bson:"api_key_id,omitempty"`

	Tier           string `json:"tier" bson:"tier"`
	ModelRequested string `json:"model_requested" bson:"model_requested"`
	ModelUsed      string `json:"model_used" bson:"model_used"`
	Provider       string `json:"provider" bson:"provider"`

	PromptTokens     int64    `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int64    `json:"total_tokens" bson:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty" bson:"cost,omitempty"`

	LatencyMs  int64  `json:"latency_ms" bson:"latency_ms"`
	CacheHit   bool   `json:"cache_hit" bson:"cache_hit"`
	StatusCode int    `json:"status_code" bson:"status_code"`
	ErrorType  string `json:"error_type,omitempty" bson:"error_type,omitempty"`

	// CreatedAt is set once, in UTC, when the record is built.
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Successful reports whether the record counts toward aggregates.
func (r *RequestRecord) Successful() bool {
	return r.StatusCode == 200
}

// DailyAggregate is the per-project rollup of one calendar day (UTC).
// Only status-200 records contribute.
type DailyAggregate struct {
	ProjectID    string  `json:"project_id" bson:"project_id"`
	Date         string  `json:"date" bson:"date"`
	TotalTokens  int64   `json:"total_tokens" bson:"total_tokens"`
	TotalCost    float64 `json:"total_cost" bson:"total_cost"`
	RequestCount int64   `json:"request_count" bson:"request_count"`
}

// Totals sums aggregates over a date range.
type Totals struct {
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
	RequestCount int64   `json:"request_count"`
}

// AggregateReader reads daily aggregates. from and to are inclusive days.
type AggregateReader interface {
	SumRange(ctx context.Context, projectID string, from, to time.Time) (Totals, error)
	ListAggregates(ctx context.Context, projectID string, from, to time.Time) ([]DailyAggregate, error)
}

// LedgerStore is a storage backend for the ledger and its aggregates.
// Implementations must be safe for concurrent use.
type LedgerStore interface {
	AggregateReader

	// Insert appends records to the ledger.
	Insert(ctx context.Context, records []*RequestRecord) error

	// DeleteOlderThan removes records created strictly before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// AggregateDay computes per-project totals of status-200 records
	// created on day (UTC).
	AggregateDay(ctx context.Context, day time.Time) ([]DailyAggregate, error)

	// UpsertAggregates writes aggregates, overwriting existing rows.
	UpsertAggregates(ctx context.Context, aggregates []DailyAggregate) error

	// Close releases store resources. The underlying connection is owned
	// by the storage layer and is not closed here.
	Close() error
}

// Config holds ledger configuration
type Config struct {
	// BufferSize > 0 enables the buffered recorder with that queue size.
	// Zero writes each record synchronously.
	BufferSize int

	// FlushInterval is how often the buffered recorder flushes (default: 1s)
	FlushInterval time.Duration

	// RetentionDays is how long records are kept (default: 90, 0 = forever)
	RetentionDays int

	// AggregateInterval is how often the aggregator runs (default: 1h)
	AggregateInterval time.Duration
}

// DefaultRetentionDays is how long ledger records are kept by default.
const DefaultRetentionDays = 90

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		BufferSize:        0,
		FlushInterval:     time.Second,
		RetentionDays:     DefaultRetentionDays,
		AggregateInterval: time.Hour,
	}
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StartOfMonth returns the first day of t's month, midnight UTC.
func StartOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// FormatDay renders t's UTC calendar date.
func FormatDay(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDay parses a YYYY-MM-DD date as midnight UTC.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, s, time.UTC)
}

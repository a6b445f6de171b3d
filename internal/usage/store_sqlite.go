package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SQLite has a default limit of 999 bindable parameters per query (SQLITE_MAX_VARIABLE_NUMBER).
// With 18 columns per record, we can safely insert up to 55 records per statement.
const (
	maxSQLiteParams       = 999
	columnsPerRecord      = 18
	maxRecordsPerStmt     = maxSQLiteParams / columnsPerRecord
	sqliteTimestampLayout = "2006-01-02 15:04:05.000000"
)

// SQLiteStore implements LedgerStore for SQLite databases.
// Timestamps are stored as fixed-width UTC text so that string order
// matches time order.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the ledger tables if they don't exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS request_records (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			user_id TEXT,
			api_key_id TEXT,
			tier TEXT NOT NULL,
			model_requested TEXT NOT NULL,
			model_used TEXT NOT NULL,
			provider TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_aggregates (
			project_id TEXT NOT NULL,
			date TEXT NOT NULL,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			request_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (project_id, date)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_request_records_created_at ON request_records(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_request_records_request_id ON request_records(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_request_records_project_created ON request_records(project_id, created_at)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Insert writes records using multi-row inserts, chunked to stay within
// SQLite's parameter limit.
func (s *SQLiteStore) Insert(ctx context.Context, records []*RequestRecord) error {
	if len(records) == 0 {
		return nil
	}

	for i := 0; i < len(records); i += maxRecordsPerStmt {
		end := min(i+maxRecordsPerStmt, len(records))
		chunk := records[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerRecord)
		for j, r := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			values = append(values,
				r.ID,
				r.RequestID,
				r.ProjectID,
				nullString(r.UserID),
				nullString(r.APIKeyID),
				r.Tier,
				r.ModelRequested,
				r.ModelUsed,
				r.Provider,
				r.PromptTokens,
				r.CompletionTokens,
				r.TotalTokens,
				nullFloat(r.Cost),
				r.LatencyMs,
				r.CacheHit,
				r.StatusCode,
				r.ErrorType,
				formatSQLiteTime(r.CreatedAt),
			)
		}

		query := `INSERT INTO request_records (id, request_id, project_id, user_id, api_key_id,
			tier, model_requested, model_used, provider, prompt_tokens, completion_tokens,
			total_tokens, cost, latency_ms, cache_hit, status_code, error_type, created_at) VALUES ` +
			strings.Join(placeholders, ",")

		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert request records chunk %d: %w", i/maxRecordsPerStmt, err)
		}
	}
	return nil
}

// DeleteOlderThan removes records created before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM request_records WHERE created_at < ?", formatSQLiteTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old request records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted row count: %w", err)
	}
	return n, nil
}

// AggregateDay sums status-200 records created on day, grouped by project.
func (s *SQLiteStore) AggregateDay(ctx context.Context, day time.Time) ([]DailyAggregate, error) {
	start := StartOfDay(day)
	end := start.AddDate(0, 0, 1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id,
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(COALESCE(cost, 0)), 0.0),
			COUNT(*)
		FROM request_records
		WHERE status_code = 200 AND created_at >= ? AND created_at < ?
		GROUP BY project_id
		ORDER BY project_id`,
		formatSQLiteTime(start), formatSQLiteTime(end))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate request records: %w", err)
	}
	defer rows.Close()

	date := FormatDay(start)
	var out []DailyAggregate
	for rows.Next() {
		agg := DailyAggregate{Date: date}
		if err := rows.Scan(&agg.ProjectID, &agg.TotalTokens, &agg.TotalCost, &agg.RequestCount); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregate rows: %w", err)
	}
	return out, nil
}

// UpsertAggregates writes aggregates in one transaction, overwriting
// existing (project_id, date) rows.
func (s *SQLiteStore) UpsertAggregates(ctx context.Context, aggregates []DailyAggregate) error {
	if len(aggregates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := formatSQLiteTime(time.Now())
	for _, a := range aggregates {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daily_aggregates (project_id, date, total_tokens, total_cost, request_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (project_id, date) DO UPDATE SET
				total_tokens = excluded.total_tokens,
				total_cost = excluded.total_cost,
				request_count = excluded.request_count,
				updated_at = excluded.updated_at`,
			a.ProjectID, a.Date, a.TotalTokens, a.TotalCost, a.RequestCount, now)
		if err != nil {
			return fmt.Errorf("failed to upsert aggregate %s/%s: %w", a.ProjectID, a.Date, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SumRange totals a project's aggregates between from and to, inclusive.
func (s *SQLiteStore) SumRange(ctx context.Context, projectID string, from, to time.Time) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0.0), COALESCE(SUM(request_count), 0)
		FROM daily_aggregates
		WHERE project_id = ? AND date >= ? AND date <= ?`,
		projectID, FormatDay(from), FormatDay(to)).Scan(&t.TotalTokens, &t.TotalCost, &t.RequestCount)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to sum aggregates: %w", err)
	}
	return t, nil
}

// ListAggregates returns a project's aggregates between from and to, ordered by date.
func (s *SQLiteStore) ListAggregates(ctx context.Context, projectID string, from, to time.Time) ([]DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, date, total_tokens, total_cost, request_count
		FROM daily_aggregates
		WHERE project_id = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		projectID, FormatDay(from), FormatDay(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	defer rows.Close()

	out := make([]DailyAggregate, 0)
	for rows.Next() {
		var a DailyAggregate
		if err := rows.Scan(&a.ProjectID, &a.Date, &a.TotalTokens, &a.TotalCost, &a.RequestCount); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	return out, nil
}

// Close is a no-op; the database is managed by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimestampLayout)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements LedgerStore for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the ledger tables if they don't exist.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS request_records (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			user_id TEXT,
			api_key_id TEXT,
			tier TEXT NOT NULL,
			model_requested TEXT NOT NULL,
			model_used TEXT NOT NULL,
			provider TEXT NOT NULL,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			status_code INTEGER NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_aggregates (
			project_id TEXT NOT NULL,
			date DATE NOT NULL,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			request_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (project_id, date)
		)`,
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_request_records_created_at ON request_records(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_request_records_request_id ON request_records(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_request_records_project_created ON request_records(project_id, created_at)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgreSQLStore{pool: pool}, nil
}

const insertRecordSQL = `
	INSERT INTO request_records (id, request_id, project_id, user_id, api_key_id,
		tier, model_requested, model_used, provider, prompt_tokens, completion_tokens,
		total_tokens, cost, latency_ms, cache_hit, status_code, error_type, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (id) DO NOTHING`

// Insert sends all records in one pgx batch.
func (s *PostgreSQLStore) Insert(ctx context.Context, records []*RequestRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertRecordSQL,
			r.ID, r.RequestID, r.ProjectID, r.UserID, r.APIKeyID,
			r.Tier, r.ModelRequested, r.ModelUsed, r.Provider,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.Cost,
			r.LatencyMs, r.CacheHit, r.StatusCode, r.ErrorType, r.CreatedAt.UTC())
	}

	br := s.pool.SendBatch(ctx, batch)
	var errs []error
	for _, r := range records {
		if _, err := br.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("insert %s: %w", r.ID, err))
		}
	}
	if err := br.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to insert request records: %w", errors.Join(errs...))
	}
	return nil
}

// DeleteOlderThan removes records created before cutoff.
func (s *PostgreSQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM request_records WHERE created_at < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old request records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AggregateDay sums status-200 records created on day, grouped by project.
func (s *PostgreSQLStore) AggregateDay(ctx context.Context, day time.Time) ([]DailyAggregate, error) {
	start := StartOfDay(day)
	end := start.AddDate(0, 0, 1)

	rows, err := s.pool.Query(ctx, `
		SELECT project_id,
			COALESCE(SUM(total_tokens), 0)::BIGINT,
			COALESCE(SUM(COALESCE(cost, 0)), 0)::DOUBLE PRECISION,
			COUNT(*)
		FROM request_records
		WHERE status_code = 200 AND created_at >= $1 AND created_at < $2
		GROUP BY project_id
		ORDER BY project_id`, start, end)
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
func (s *PostgreSQLStore) UpsertAggregates(ctx context.Context, aggregates []DailyAggregate) error {
	if len(aggregates) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, a := range aggregates {
		_, err := tx.Exec(ctx, `
			INSERT INTO daily_aggregates (project_id, date, total_tokens, total_cost, request_count, updated_at)
			VALUES ($1, $2::date, $3, $4, $5, NOW())
			ON CONFLICT (project_id, date) DO UPDATE SET
				total_tokens = EXCLUDED.total_tokens,
				total_cost = EXCLUDED.total_cost,
				request_count = EXCLUDED.request_count,
				updated_at = EXCLUDED.updated_at`,
			a.ProjectID, a.Date, a.TotalTokens, a.TotalCost, a.RequestCount)
		if err != nil {
			return fmt.Errorf("failed to upsert aggregate %s/%s: %w", a.ProjectID, a.Date, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SumRange totals a project's aggregates between from and to, inclusive.
func (s *PostgreSQLStore) SumRange(ctx context.Context, projectID string, from, to time.Time) (Totals, error) {
	var t Totals
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0)::BIGINT,
			COALESCE(SUM(total_cost), 0)::DOUBLE PRECISION,
			COALESCE(SUM(request_count), 0)::BIGINT
		FROM daily_aggregates
		WHERE project_id = $1 AND date >= $2::date AND date <= $3::date`,
		projectID, FormatDay(from), FormatDay(to)).Scan(&t.TotalTokens, &t.TotalCost, &t.RequestCount)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to sum aggregates: %w", err)
	}
	return t, nil
}

// ListAggregates returns a project's aggregates between from and to, ordered by date.
func (s *PostgreSQLStore) ListAggregates(ctx context.Context, projectID string, from, to time.Time) ([]DailyAggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, to_char(date, 'YYYY-MM-DD'), total_tokens, total_cost, request_count
		FROM daily_aggregates
		WHERE project_id = $1 AND date >= $2::date AND date <= $3::date
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

// Close is a no-op; the pool is managed by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}

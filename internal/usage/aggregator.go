package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultAggregateInterval is how often Run aggregates and prunes.
const DefaultAggregateInterval = 1 * time.Hour

// Aggregator rolls ledger records into daily aggregates and prunes records
// past retention. It runs outside the request path.
type Aggregator struct {
	store         LedgerStore
	retentionDays int
	interval      time.Duration
	now           func() time.Time
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store LedgerStore, cfg Config) *Aggregator {
	interval := cfg.AggregateInterval
	if interval <= 0 {
		interval = DefaultAggregateInterval
	}
	return &Aggregator{
		store:         store,
		retentionDays: cfg.RetentionDays,
		interval:      interval,
		now:           time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// AggregateDay recomputes the aggregates for day's UTC date and upserts them.
// Running it twice for the same day yields the same rows.
func (a *Aggregator) AggregateDay(ctx context.Context, day time.Time) ([]DailyAggregate, error) {
	aggregates, err := a.store.AggregateDay(ctx, day)
	if err != nil {
		return nil, err
	}
	if err := a.store.UpsertAggregates(ctx, aggregates); err != nil {
		return nil, err
	}
	slog.Info("daily usage aggregated", "date", FormatDay(day), "projects", len(aggregates))
	return aggregates, nil
}

// PruneOlderThan deletes records created more than retentionDays ago.
// A non-positive retention keeps everything.
func (a *Aggregator) PruneOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := a.now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := a.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		slog.Info("pruned old request records", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// RunOnce aggregates yesterday and today so far, then prunes.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	today := StartOfDay(a.now())
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		if _, err := a.AggregateDay(ctx, day); err != nil {
			return fmt.Errorf("aggregate %s: %w", FormatDay(day), err)
		}
	}
	if _, err := a.PruneOlderThan(ctx, a.retentionDays); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return nil
}

// Run calls RunOnce immediately and then every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.runLogged(ctx)
	for {
		select {
		case <-ticker.C:
			a.runLogged(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) runLogged(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := a.RunOnce(runCtx); err != nil {
		slog.Error("usage aggregation failed", "error", err)
	}
}

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_AggregateDayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	agg := NewAggregator(store, DefaultConfig())

	day := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, []*RequestRecord{
		record("p1", 200, 100, costPtr(0.001), day.Add(time.Hour)),
		record("p1", 200, 300, costPtr(0.003), day.Add(2*time.Hour)),
		record("p1", 429, 0, nil, day.Add(3*time.Hour)),
	}))

	first, err := agg.AggregateDay(ctx, day)
	require.NoError(t, err)
	second, err := agg.AggregateDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	list, err := store.ListAggregates(ctx, "p1", day, day)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(400), list[0].TotalTokens)
	assert.Equal(t, int64(2), list[0].RequestCount)
	assert.InDelta(t, 0.004, list[0].TotalCost, 1e-12)
}

func TestAggregator_PruneOlderThan(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	now := time.Date(2026, 7, 10, 8, 0, 0, 0, time.UTC)
	agg := NewAggregator(store, DefaultConfig()).WithClock(func() time.Time { return now })

	require.NoError(t, store.Insert(ctx, []*RequestRecord{
		record("p1", 200, 1, nil, now.AddDate(0, 0, -91)),
		record("p1", 200, 1, nil, now.AddDate(0, 0, -89)),
	}))

	deleted, err := agg.PruneOlderThan(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = agg.PruneOlderThan(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	deleted, err = agg.PruneOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestAggregator_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	now := time.Date(2026, 7, 10, 8, 0, 0, 0, time.UTC)
	agg := NewAggregator(store, Config{RetentionDays: 90}).WithClock(func() time.Time { return now })

	require.NoError(t, store.Insert(ctx, []*RequestRecord{
		record("p1", 200, 10, nil, now.AddDate(0, 0, -1)),
		record("p1", 200, 5, nil, now.Add(-time.Hour)),
		record("p1", 200, 1, nil, now.AddDate(0, 0, -120)),
	}))

	require.NoError(t, agg.RunOnce(ctx))

	list, err := store.ListAggregates(ctx, "p1", now.AddDate(0, 0, -1), now)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2026-07-09", list[0].Date)
	assert.Equal(t, int64(10), list[0].TotalTokens)
	assert.Equal(t, "2026-07-10", list[1].Date)
	assert.Equal(t, int64(5), list[1].TotalTokens)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM request_records").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestAggregator_RunStopsOnCancel(t *testing.T) {
	store := newTestSQLiteStore(t)
	agg := NewAggregator(store, Config{AggregateInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

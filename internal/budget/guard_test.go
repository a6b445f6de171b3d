package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/core"
	"tiergate/internal/projects"
	"tiergate/internal/usage"
)

type fakeReader struct {
	totals   usage.Totals
	err      error
	calls    int
	from, to time.Time
}

func (f *fakeReader) SumRange(_ context.Context, _ string, from, to time.Time) (usage.Totals, error) {
	f.calls++
	f.from, f.to = from, to
	return f.totals, f.err
}

func (f *fakeReader) ListAggregates(context.Context, string, time.Time, time.Time) ([]usage.DailyAggregate, error) {
	return nil, nil
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

var fixedNow = time.Date(2026, 5, 17, 15, 30, 0, 0, time.UTC)

func newGuard(reader usage.AggregateReader) *Guard {
	return NewGuard(reader, Config{}).WithClock(func() time.Time { return fixedNow })
}

func TestAdmit_TokenCeiling(t *testing.T) {
	reader := &fakeReader{totals: usage.Totals{TotalTokens: 50}}
	g := newGuard(reader)
	project := &projects.Project{ID: "p1", MonthlyTokenLimit: i64(100)}

	rej, err := g.Admit(context.Background(), project, 60)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, DimensionTokens, rej.Dimension)
	assert.Equal(t, map[string]any{"used_tokens": int64(50), "limit": int64(100)}, rej.Details)

	gwErr := rej.Err()
	assert.Equal(t, core.ErrorTypeQuotaExceeded, gwErr.Type)
	assert.Equal(t, 429, gwErr.HTTPStatusCode())

	rej, err = g.Admit(context.Background(), project, 40)
	require.NoError(t, err)
	assert.Nil(t, rej)

	// exactly reaching the ceiling is allowed
	rej, err = g.Admit(context.Background(), project, 50)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestAdmit_ReadsMonthToDate(t *testing.T) {
	reader := &fakeReader{}
	g := newGuard(reader)

	_, err := g.Admit(context.Background(), &projects.Project{ID: "p1", MonthlyTokenLimit: i64(10)}, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), reader.from)
	assert.Equal(t, fixedNow, reader.to)
}

func TestAdmit_CostCeiling(t *testing.T) {
	reader := &fakeReader{totals: usage.Totals{TotalTokens: 10, TotalCost: 0.95}}
	g := newGuard(reader)
	project := &projects.Project{ID: "p1", MonthlyCostLimit: f64(1.0)}

	// 10000 * 0.00001 = 0.1 pushes 0.95 past 1.0
	rej, err := g.Admit(context.Background(), project, 10000)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, DimensionCost, rej.Dimension)
	assert.Equal(t, map[string]any{"used_cost": 0.95, "limit": 1.0}, rej.Details)

	rej, err = g.Admit(context.Background(), project, 1000)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestAdmit_TokenCheckedBeforeCost(t *testing.T) {
	reader := &fakeReader{totals: usage.Totals{TotalTokens: 100, TotalCost: 100}}
	g := newGuard(reader)
	project := &projects.Project{ID: "p1", MonthlyTokenLimit: i64(100), MonthlyCostLimit: f64(1)}

	rej, err := g.Admit(context.Background(), project, 1)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, DimensionTokens, rej.Dimension)
}

func TestAdmit_UnlimitedSkipsRead(t *testing.T) {
	reader := &fakeReader{err: errors.New("must not be called")}
	g := newGuard(reader)

	rej, err := g.Admit(context.Background(), &projects.Project{ID: "p1"}, 1_000_000)
	require.NoError(t, err)
	assert.Nil(t, rej)
	assert.Equal(t, 0, reader.calls)
}

func TestAdmit_ZeroCeilingIsUnlimited(t *testing.T) {
	tests := []struct {
		name    string
		project *projects.Project
	}{
		{"zero tokens", &projects.Project{ID: "p1", MonthlyTokenLimit: i64(0)}},
		{"zero cost", &projects.Project{ID: "p1", MonthlyCostLimit: f64(0)}},
		{"both zero", &projects.Project{ID: "p1", MonthlyTokenLimit: i64(0), MonthlyCostLimit: f64(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{err: errors.New("must not be called")}
			g := newGuard(reader)

			rej, err := g.Admit(context.Background(), tt.project, 1)
			require.NoError(t, err)
			assert.Nil(t, rej)
			assert.Equal(t, 0, reader.calls)
		})
	}
}

func TestAdmit_ZeroTokenCeilingStillChecksCost(t *testing.T) {
	reader := &fakeReader{totals: usage.Totals{TotalTokens: 1_000_000, TotalCost: 0.99}}
	g := newGuard(reader)
	project := &projects.Project{ID: "p1", MonthlyTokenLimit: i64(0), MonthlyCostLimit: f64(1.0)}

	rej, err := g.Admit(context.Background(), project, 10000)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, DimensionCost, rej.Dimension)
}

func TestAdmit_Errors(t *testing.T) {
	g := newGuard(&fakeReader{err: errors.New("db down")})

	_, err := g.Admit(context.Background(), &projects.Project{ID: "p1", MonthlyTokenLimit: i64(1)}, 1)
	assert.Error(t, err)

	_, err = g.Admit(context.Background(), nil, 1)
	require.Error(t, err)
	assert.Equal(t, core.ErrorTypeInternal, core.AsGatewayError(err).Type)
}

func TestEstimateTokens(t *testing.T) {
	g := NewGuard(&fakeReader{}, Config{})
	n := 256
	assert.Equal(t, int64(256), g.EstimateTokens(&n))
	assert.Equal(t, int64(DefaultEstimatedTokens), g.EstimateTokens(nil))

	custom := NewGuard(&fakeReader{}, Config{DefaultEstimate: 1000})
	assert.Equal(t, int64(1000), custom.EstimateTokens(nil))
}

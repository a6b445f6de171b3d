// Package budget decides whether a project may spend more of its monthly
// token and cost allowance before a request is processed.
//
// The check reads month-to-date daily aggregates and is not synchronized
// with concurrent admissions: a burst of requests admitted together can
// overshoot a ceiling, and usage lags the ledger by one aggregation cycle.
package budget

import (
	"context"
	"fmt"
	"time"

	"tiergate/internal/core"
	"tiergate/internal/observability"
	"tiergate/internal/projects"
	"tiergate/internal/usage"
)

// Defaults for request estimation and pricing
const (
	DefaultEstimatedTokens = 4096
	DefaultUnitCost        = 0.00001
)

// Rejection dimensions
const (
	DimensionTokens = "tokens"
	DimensionCost   = "cost"
)

// Config holds admission settings.
type Config struct {
	// UnitCost is the flat per-token rate used to price an estimate
	UnitCost float64

	// DefaultEstimate is used when the request carries no max_tokens
	DefaultEstimate int
}

// Rejection explains why a request was not admitted.
type Rejection struct {
	Dimension string
	Message   string
	Details   map[string]any
}

// Err converts the rejection to a quota_exceeded error.
func (r *Rejection) Err() *core.GatewayError {
	return core.NewQuotaExceededError(r.Message, r.Details)
}

// Guard performs admission checks against month-to-date aggregates.
type Guard struct {
	reader          usage.AggregateReader
	unitCost        float64
	defaultEstimate int
	now             func() time.Time
}

// NewGuard creates a guard reading aggregates from reader.
func NewGuard(reader usage.AggregateReader, cfg Config) *Guard {
	if cfg.UnitCost <= 0 {
		cfg.UnitCost = DefaultUnitCost
	}
	if cfg.DefaultEstimate <= 0 {
		cfg.DefaultEstimate = DefaultEstimatedTokens
	}
	return &Guard{
		reader:          reader,
		unitCost:        cfg.UnitCost,
		defaultEstimate: cfg.DefaultEstimate,
		now:             time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// EstimateTokens returns max_tokens when given, else the configured default.
func (g *Guard) EstimateTokens(maxTokens *int) int64 {
	if maxTokens != nil && *maxTokens > 0 {
		return int64(*maxTokens)
	}
	return int64(g.defaultEstimate)
}

// Admit returns nil when the request may proceed. The token ceiling is
// checked before the cost ceiling; a ceiling is exceeded only when
// used + estimate is strictly greater than the limit. A nil or zero
// ceiling leaves that dimension unlimited.
func (g *Guard) Admit(ctx context.Context, project *projects.Project, estimatedTokens int64) (*Rejection, error) {
	if project == nil {
		return nil, core.NewInternalError("project not found in request context", nil)
	}
	tokenLimit, tokenCapped := tokenCeiling(project)
	costLimit, costCapped := costCeiling(project)
	if !tokenCapped && !costCapped {
		return nil, nil
	}

	now := g.now().UTC()
	used, err := g.reader.SumRange(ctx, project.ID, usage.StartOfMonth(now), now)
	if err != nil {
		return nil, fmt.Errorf("read month-to-date usage for %s: %w", project.ID, err)
	}

	if tokenCapped && used.TotalTokens+estimatedTokens > tokenLimit {
		observability.ObserveAdmissionRejection(DimensionTokens)
		return &Rejection{
			Dimension: DimensionTokens,
			Message:   "Monthly token limit exceeded",
			Details: map[string]any{
				"used_tokens": used.TotalTokens,
				"limit":       tokenLimit,
			},
		}, nil
	}

	estimatedCost := float64(estimatedTokens) * g.unitCost
	if costCapped && used.TotalCost+estimatedCost > costLimit {
		observability.ObserveAdmissionRejection(DimensionCost)
		return &Rejection{
			Dimension: DimensionCost,
			Message:   "Monthly cost limit exceeded",
			Details: map[string]any{
				"used_cost": used.TotalCost,
				"limit":     costLimit,
			},
		}, nil
	}

	return nil, nil
}

func tokenCeiling(p *projects.Project) (int64, bool) {
	if p.MonthlyTokenLimit == nil || *p.MonthlyTokenLimit <= 0 {
		return 0, false
	}
	return *p.MonthlyTokenLimit, true
}

func costCeiling(p *projects.Project) (float64, bool) {
	if p.MonthlyCostLimit == nil || *p.MonthlyCostLimit <= 0 {
		return 0, false
	}
	return *p.MonthlyCostLimit, true
}

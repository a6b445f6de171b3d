package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"tiergate/internal/core"
	"tiergate/internal/projects"
	"tiergate/internal/usage"
)

const monthLayout = "2006-01"

// UsageDaily handles GET /v1/usage/daily?project_id=&from=&to=
func (h *Handler) UsageDaily(c echo.Context) error {
	project, err := h.lookupProject(c)
	if err != nil {
		return handleError(c, err)
	}

	fromStr, toStr := c.QueryParam("from"), c.QueryParam("to")
	from, err := usage.ParseDay(fromStr)
	if err != nil {
		return handleError(c, core.NewValidationError("from must be a date in YYYY-MM-DD format", err))
	}
	to, err := usage.ParseDay(toStr)
	if err != nil {
		return handleError(c, core.NewValidationError("to must be a date in YYYY-MM-DD format", err))
	}
	if to.Before(from) {
		return handleError(c, core.NewValidationError("to must be on or after from", nil))
	}

	rows, err := h.deps.Usage.ListAggregates(c.Request().Context(), project.ID, from, to)
	if err != nil {
		return handleError(c, core.NewInternalError("failed to read usage", err))
	}
	if rows == nil {
		rows = []usage.DailyAggregate{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"project_id": project.ID,
		"from":       usage.FormatDay(from),
		"to":         usage.FormatDay(to),
		"data":       rows,
	})
}

// UsageSummary handles GET /v1/usage/summary?project_id=&month=YYYY-MM
func (h *Handler) UsageSummary(c echo.Context) error {
	project, err := h.lookupProject(c)
	if err != nil {
		return handleError(c, err)
	}

	month, err := time.ParseInLocation(monthLayout, c.QueryParam("month"), time.UTC)
	if err != nil {
		return handleError(c, core.NewValidationError("month must be in YYYY-MM format", err))
	}
	last := month.AddDate(0, 1, -1)

	totals, err := h.deps.Usage.SumRange(c.Request().Context(), project.ID, month, last)
	if err != nil {
		return handleError(c, core.NewInternalError("failed to read usage", err))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"project_id":    project.ID,
		"month":         month.Format(monthLayout),
		"total_tokens":  totals.TotalTokens,
		"total_cost":    totals.TotalCost,
		"request_count": totals.RequestCount,
	})
}

// Aggregate handles POST /admin/v1/aggregate?date=YYYY-MM-DD (default: today).
func (h *Handler) Aggregate(c echo.Context) error {
	day := time.Now().UTC()
	if s := c.QueryParam("date"); s != "" {
		parsed, err := usage.ParseDay(s)
		if err != nil {
			return handleError(c, core.NewValidationError("date must be in YYYY-MM-DD format", err))
		}
		day = parsed
	}

	rows, err := h.deps.Maintenance.AggregateDay(c.Request().Context(), day)
	if err != nil {
		return handleError(c, core.NewInternalError("aggregation failed", err))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"date":     usage.FormatDay(day),
		"projects": len(rows),
	})
}

// Prune handles POST /admin/v1/prune[?days=N].
func (h *Handler) Prune(c echo.Context) error {
	days := h.retentionDays
	if s := c.QueryParam("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return handleError(c, core.NewValidationError("days must be a positive integer", err))
		}
		days = n
	}

	deleted, err := h.deps.Maintenance.PruneOlderThan(c.Request().Context(), days)
	if err != nil {
		return handleError(c, core.NewInternalError("prune failed", err))
	}
	slog.Info("prune requested", "request_id", requestID(c), "retention_days", days, "deleted", deleted)
	return c.JSON(http.StatusOK, map[string]any{
		"retention_days": days,
		"deleted":        deleted,
	})
}

func (h *Handler) lookupProject(c echo.Context) (*projects.Project, error) {
	id := c.QueryParam("project_id")
	if id == "" {
		return nil, core.NewValidationError("project_id is required", nil)
	}
	if h.deps.Projects == nil {
		return nil, core.NewValidationError("unknown project: "+id, nil)
	}
	project, err := h.deps.Projects.Get(c.Request().Context(), id)
	if errors.Is(err, projects.ErrNotFound) {
		return nil, core.NewValidationError("unknown project: "+id, err)
	}
	if err != nil {
		return nil, core.NewInternalError("failed to load project", err)
	}
	return project, nil
}

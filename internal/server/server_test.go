package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/core"
	"tiergate/internal/gateway"
	"tiergate/internal/projects"
	"tiergate/internal/usage"
)

const (
	testAPIKey    = "tg-project-key"
	testMasterKey = "master-secret"
)

type fakePipeline struct {
	resp *gateway.Response
	err  error

	gotReq       *core.ChatRequest
	gotProject   *projects.Project
	gotRequester core.Requester
	calls        int
}

func (f *fakePipeline) Process(_ context.Context, req *core.ChatRequest, project *projects.Project, requester core.Requester) (*gateway.Response, error) {
	f.calls++
	f.gotReq, f.gotProject, f.gotRequester = req, project, requester
	return f.resp, f.err
}

type fakeUsage struct {
	rows     []usage.DailyAggregate
	totals   usage.Totals
	gotFrom  time.Time
	gotTo    time.Time
	gotProj  string
	failWith error
}

func (f *fakeUsage) SumRange(_ context.Context, projectID string, from, to time.Time) (usage.Totals, error) {
	f.gotProj, f.gotFrom, f.gotTo = projectID, from, to
	return f.totals, f.failWith
}

func (f *fakeUsage) ListAggregates(_ context.Context, projectID string, from, to time.Time) ([]usage.DailyAggregate, error) {
	f.gotProj, f.gotFrom, f.gotTo = projectID, from, to
	return f.rows, f.failWith
}

type fakeMaintenance struct {
	aggregatedDay time.Time
	prunedDays    int
}

func (f *fakeMaintenance) AggregateDay(_ context.Context, day time.Time) ([]usage.DailyAggregate, error) {
	f.aggregatedDay = day
	return []usage.DailyAggregate{{ProjectID: "proj-1"}}, nil
}

func (f *fakeMaintenance) PruneOlderThan(_ context.Context, days int) (int64, error) {
	f.prunedDays = days
	return 3, nil
}

type testServer struct {
	srv         *Server
	pipeline    *fakePipeline
	usage       *fakeUsage
	maintenance *fakeMaintenance
}

func newTestServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()
	resolver, err := projects.NewStaticResolver(
		[]projects.Project{{ID: "proj-1", Name: "Demo"}},
		[]projects.KeyConfig{{ID: "key-1", ProjectID: "proj-1", UserID: "user-9", Key: testAPIKey}},
	)
	require.NoError(t, err)

	ts := &testServer{
		pipeline: &fakePipeline{resp: &gateway.Response{
			Body:  []byte(`{"id":"cmpl-1","model":"gpt-4o-mini","choices":[]}`),
			Tier:  core.TierFast,
			Model: "gpt-4o-mini",
		}},
		usage:       &fakeUsage{},
		maintenance: &fakeMaintenance{},
	}
	if cfg == nil {
		cfg = &Config{MasterKey: testMasterKey, MetricsEnabled: true, RetentionDays: 90}
	}
	ts.srv = New(Deps{
		Pipeline:    ts.pipeline,
		Projects:    resolver,
		Usage:       ts.usage,
		Maintenance: ts.maintenance,
	}, cfg)
	return ts
}

func (ts *testServer) do(method, target, body, token string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", rec.Body.String())
	return errBody
}

const chatBody = `{"model":"auto","messages":[{"role":"user","content":"hi"}],"temperature":0}`

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := newTestServer(t, &Config{})
	rec = disabled.do(http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletion_Success(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/chat/completions", chatBody, testAPIKey, map[string]string{
		"X-Request-Id": "req-123",
		"X-Quality":    "deep",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"cmpl-1","model":"gpt-4o-mini","choices":[]}`, rec.Body.String())
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "fast", rec.Header().Get(HeaderTier))
	assert.Equal(t, "gpt-4o-mini", rec.Header().Get(HeaderModel))
	assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))

	require.Equal(t, 1, ts.pipeline.calls)
	assert.Equal(t, "proj-1", ts.pipeline.gotProject.ID)
	assert.Equal(t, core.Requester{
		RequestID:   "req-123",
		UserID:      "user-9",
		APIKeyID:    "key-1",
		QualityHint: "deep",
	}, ts.pipeline.gotRequester)
	assert.Equal(t, "auto", ts.pipeline.gotReq.Model)
	require.NotNil(t, ts.pipeline.gotReq.Temperature)
	assert.Zero(t, *ts.pipeline.gotReq.Temperature)
}

func TestChatCompletion_GeneratesRequestID(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/v1/chat/completions", chatBody, testAPIKey, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get("X-Request-Id")
	assert.Len(t, id, 36)
	assert.Equal(t, id, ts.pipeline.gotRequester.RequestID)
}

func TestChatCompletion_CacheHitHeader(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.resp.CacheHit = true
	rec := ts.do(http.MethodPost, "/v1/chat/completions", chatBody, testAPIKey, nil)
	assert.Equal(t, "HIT", rec.Header().Get(HeaderCache))
}

func TestChatCompletion_Authentication(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		message    string
	}{
		{"missing header", "", "missing API key"},
		{"wrong scheme", "Token " + testAPIKey, "invalid authorization header format, expected 'Bearer <token>'"},
		{"unknown key", "Bearer nope", "invalid API key"},
		{"master key is not a project key", "Bearer " + testMasterKey, "invalid API key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			headers := map[string]string{"X-Request-Id": "req-auth"}
			if tt.authHeader != "" {
				headers["Authorization"] = tt.authHeader
			}
			rec := ts.do(http.MethodPost, "/v1/chat/completions", chatBody, "", headers)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			errBody := decodeError(t, rec)
			assert.Equal(t, "authentication_error", errBody["type"])
			assert.Equal(t, tt.message, errBody["message"])
			assert.Equal(t, "req-auth", errBody["request_id"])
			assert.Zero(t, ts.pipeline.calls)
		})
	}
}

func TestChatCompletion_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model":`},
		{"missing messages", `{"model":"auto","messages":[]}`},
		{"bad role", `{"model":"auto","messages":[{"role":"tool","content":"x"}]}`},
		{"temperature out of range", `{"model":"auto","messages":[{"role":"user","content":"x"}],"temperature":3}`},
		{"max_tokens zero", `{"model":"auto","messages":[{"role":"user","content":"x"}],"max_tokens":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			rec := ts.do(http.MethodPost, "/v1/chat/completions", tt.body, testAPIKey, map[string]string{"X-Request-Id": "req-v"})

			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			errBody := decodeError(t, rec)
			assert.Equal(t, "validation_error", errBody["type"])
			assert.Equal(t, "req-v", errBody["request_id"])
			assert.Zero(t, ts.pipeline.calls)
		})
	}
}

func TestChatCompletion_PipelineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"quota", core.NewQuotaExceededError("Monthly token limit exceeded", map[string]any{"used_tokens": 10, "limit": 5}), 429, "quota_exceeded"},
		{"downstream 400", core.NewAPIError(400, []byte(`{"error":{"message":"bad"}}`)), 400, "api_error"},
		{"failover exhausted", core.NewFailoverExhaustedError(core.NewAPIError(503, nil)), 503, "failover_exhausted"},
		{"no models", core.NewNoModelsAvailableError(core.TierDeep), 503, "no_models_available"},
		{"network", core.NewNetworkError(errors.New("dial tcp: refused")), 502, "network_error"},
		{"untyped", errors.New("boom"), 500, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.pipeline.resp = nil
			ts.pipeline.err = tt.err

			rec := ts.do(http.MethodPost, "/v1/chat/completions", chatBody, testAPIKey, map[string]string{"X-Request-Id": "req-e"})

			assert.Equal(t, tt.wantStatus, rec.Code)
			errBody := decodeError(t, rec)
			assert.Equal(t, tt.wantType, errBody["type"])
			assert.Equal(t, "req-e", errBody["request_id"])
		})
	}
}

func TestChatCompletion_QuotaDetails(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipeline.resp = nil
	ts.pipeline.err = core.NewQuotaExceededError("Monthly cost limit exceeded", map[string]any{"used_cost": 1.5, "limit": 1.0})

	rec := ts.do(http.MethodPost, "/v1/chat/completions", chatBody, testAPIKey, nil)
	errBody := decodeError(t, rec)
	assert.Equal(t, "Monthly cost limit exceeded", errBody["message"])
	assert.Equal(t, map[string]any{"used_cost": 1.5, "limit": 1.0}, errBody["details"])
}

func TestUsageDaily(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.usage.rows = []usage.DailyAggregate{
		{ProjectID: "proj-1", Date: "2026-03-01", TotalTokens: 10, TotalCost: 0.1, RequestCount: 1},
		{ProjectID: "proj-1", Date: "2026-03-02", TotalTokens: 20, TotalCost: 0.2, RequestCount: 2},
	}

	rec := ts.do(http.MethodGet, "/v1/usage/daily?project_id=proj-1&from=2026-03-01&to=2026-03-31", "", testMasterKey, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ProjectID string                 `json:"project_id"`
		From      string                 `json:"from"`
		To        string                 `json:"to"`
		Data      []usage.DailyAggregate `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "proj-1", body.ProjectID)
	assert.Equal(t, "2026-03-01", body.From)
	assert.Equal(t, "2026-03-31", body.To)
	assert.Equal(t, ts.usage.rows, body.Data)
	assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), ts.usage.gotTo)
}

func TestUsageDaily_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		token      string
		wantStatus int
	}{
		{"no credentials", "/v1/usage/daily?project_id=proj-1&from=2026-03-01&to=2026-03-02", "", 401},
		{"project key is not enough", "/v1/usage/daily?project_id=proj-1&from=2026-03-01&to=2026-03-02", testAPIKey, 401},
		{"missing project", "/v1/usage/daily?from=2026-03-01&to=2026-03-02", testMasterKey, 422},
		{"unknown project", "/v1/usage/daily?project_id=nope&from=2026-03-01&to=2026-03-02", testMasterKey, 422},
		{"bad from", "/v1/usage/daily?project_id=proj-1&from=03/01/2026&to=2026-03-02", testMasterKey, 422},
		{"to before from", "/v1/usage/daily?project_id=proj-1&from=2026-03-05&to=2026-03-02", testMasterKey, 422},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			rec := ts.do(http.MethodGet, tt.target, "", tt.token, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestUsageSummary(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.usage.totals = usage.Totals{TotalTokens: 1234, TotalCost: 0.5, RequestCount: 7}

	rec := ts.do(http.MethodGet, "/v1/usage/summary?project_id=proj-1&month=2026-02", "", testMasterKey, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"project_id":"proj-1","month":"2026-02","total_tokens":1234,"total_cost":0.5,"request_count":7}`, rec.Body.String())
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), ts.usage.gotFrom)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), ts.usage.gotTo)

	rec = ts.do(http.MethodGet, "/v1/usage/summary?project_id=proj-1&month=2026-13", "", testMasterKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminAggregateAndPrune(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/admin/v1/aggregate?date=2026-04-02", "", testMasterKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"date":"2026-04-02","projects":1}`, rec.Body.String())
	assert.Equal(t, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), ts.maintenance.aggregatedDay)

	rec = ts.do(http.MethodPost, "/admin/v1/prune", "", testMasterKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"retention_days":90,"deleted":3}`, rec.Body.String())
	assert.Equal(t, 90, ts.maintenance.prunedDays)

	rec = ts.do(http.MethodPost, "/admin/v1/prune?days=7", "", testMasterKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, ts.maintenance.prunedDays)

	rec = ts.do(http.MethodPost, "/admin/v1/prune?days=-1", "", testMasterKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/v1/aggregate?date=yesterday", "", testMasterKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/v1/prune", "", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperatorRoutesDisabledWithoutMasterKey(t *testing.T) {
	ts := newTestServer(t, &Config{})

	rec := ts.do(http.MethodPost, "/admin/v1/prune", "", "anything", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/usage/summary?project_id=proj-1&month=2026-02", "", "anything", nil)
	// falls into the /v1 group, which demands a project key
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tiergate/config"
	"tiergate/internal/projects"
	"tiergate/internal/usage"
)

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	limit := int64(1_000_000)
	return &config.Config{
		Server: config.ServerConfig{MasterKey: "master", QualityHeader: "X-Quality"},
		LLM: config.LLMConfig{
			BaseURL:        backendURL,
			Timeout:        5,
			ConnectTimeout: 1,
			MaxRetries:     0,
		},
		Routing: config.RoutingConfig{
			Tiers: map[string][]string{
				"fast": {"gpt-4o-mini", "claude-haiku"},
				"deep": {"claude-opus"},
			},
			LargeRequestThreshold: 8000,
		},
		Cache:   config.CacheConfig{Enabled: true, TTL: 60, Store: "local"},
		Storage: config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db")}},
		Ledger:  config.LedgerConfig{RetentionDays: 90, AggregateInterval: 3600},
		Budget:  config.BudgetConfig{CostPerToken: 0.00001, DefaultTokenEstimate: 4096},
		Projects: []projects.Project{
			{ID: "proj-1", Name: "Demo", MonthlyTokenLimit: &limit},
		},
		APIKeys: []projects.KeyConfig{{ID: "key-1", ProjectID: "proj-1", Key: "tg-key"}},
	}
}

func newBackend(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		model, _ := payload["model"].(string)
		if model == "gpt-4o-mini" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-9","model":"` + model + `","usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10},"cost":0.001}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tg-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_EndToEnd(t *testing.T) {
	var calls atomic.Int32
	backend := newBackend(t, &calls)

	ctx := context.Background()
	a, err := New(ctx, testConfig(t, backend.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	body := `{"model":"auto","messages":[{"role":"user","content":"hello"}],"temperature":0}`

	first := post(t, a.Handler(), body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "claude-haiku", gjson.Get(first.Body.String(), "model").String())
	assert.Equal(t, "MISS", first.Header().Get("X-Tiergate-Cache"))
	assert.Equal(t, int32(2), calls.Load())

	second := post(t, a.Handler(), body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Tiergate-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(2), calls.Load())

	aggs, err := a.ledger.Aggregator.AggregateDay(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, "proj-1", aggs[0].ProjectID)
	assert.Equal(t, int64(2), aggs[0].RequestCount)
	assert.Equal(t, int64(20), aggs[0].TotalTokens)
	assert.InDelta(t, 0.002, aggs[0].TotalCost, 1e-9)

	totals, err := a.ledger.Store.SumRange(ctx, "proj-1", usage.StartOfMonth(time.Now()), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(20), totals.TotalTokens)
}

func TestApp_UnauthenticatedRequestIsNotRecorded(t *testing.T) {
	var calls atomic.Int32
	backend := newBackend(t, &calls)

	a, err := New(context.Background(), testConfig(t, backend.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, calls.Load())
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	backend := newBackend(t, &calls)

	a, err := New(context.Background(), testConfig(t, backend.URL))
	require.NoError(t, err)
	a.StartAggregator(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx))
}

func TestNew_InvalidProjects(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.APIKeys = []projects.KeyConfig{{ProjectID: "missing", Key: "k"}}

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load projects")
}

func TestRoutingConfig(t *testing.T) {
	cfg := &config.Config{Routing: config.RoutingConfig{
		Tiers:                 map[string][]string{"fast": {"a"}, "deep": {"b", "c"}},
		LargeRequestThreshold: 42,
	}}
	rc := RoutingConfig(cfg)
	assert.Equal(t, 42, rc.LargeRequestThreshold)
	assert.Equal(t, []string{"b", "c"}, rc.Models["deep"])
}

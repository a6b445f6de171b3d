package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tiergate/internal/core"
)

// scriptedCompleter answers per model from a script and records calls.
type scriptedCompleter struct {
	mu      sync.Mutex
	results map[string]error
	calls   []string
	ids     []string
}

func (s *scriptedCompleter) ChatCompletion(_ context.Context, payload []byte, requestID string) ([]byte, error) {
	model := gjson.GetBytes(payload, "model").String()
	s.mu.Lock()
	s.calls = append(s.calls, model)
	s.ids = append(s.ids, requestID)
	s.mu.Unlock()
	if err := s.results[model]; err != nil {
		return nil, err
	}
	return []byte(`{"model":"` + model + `","choices":[]}`), nil
}

func apiErr(status int) error {
	return core.NewAPIError(status, []byte(`{"error":{"message":"boom"}}`))
}

func TestDispatch_FirstCandidateSucceeds(t *testing.T) {
	c := &scriptedCompleter{}
	res, err := NewDispatcher(c).Dispatch(context.Background(), []byte(`{"model":"client","messages":[]}`), []string{"a", "b"}, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "a", res.Model)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{"a"}, c.calls)
}

func TestDispatch_FailoverOnTransientStatus(t *testing.T) {
	for _, status := range []int{429, 500, 503} {
		c := &scriptedCompleter{results: map[string]error{"a": apiErr(status)}}
		res, err := NewDispatcher(c).Dispatch(context.Background(), []byte(`{"model":"x"}`), []string{"a", "b"}, "req-2")
		require.NoError(t, err, status)
		assert.Equal(t, "b", res.Model)
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, []string{"a", "b"}, c.calls)
		assert.Equal(t, []string{"req-2", "req-2"}, c.ids)
		assert.Equal(t, "b", gjson.GetBytes(res.Body, "model").String())
	}
}

func TestDispatch_AbortsOnNonTransientFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"400", apiErr(400)},
		{"401", apiErr(401)},
		{"502", apiErr(502)},
		{"504", apiErr(504)},
		{"network", core.NewNetworkError(errors.New("connection refused"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scriptedCompleter{results: map[string]error{"a": tt.err}}
			res, err := NewDispatcher(c).Dispatch(context.Background(), []byte(`{}`), []string{"a", "b"}, "req-3")
			assert.Nil(t, res)
			assert.Same(t, tt.err, err)
			assert.Equal(t, []string{"a"}, c.calls)
		})
	}
}

func TestDispatch_Exhausted(t *testing.T) {
	last := apiErr(503)
	c := &scriptedCompleter{results: map[string]error{"a": apiErr(429), "b": last}}
	_, err := NewDispatcher(c).Dispatch(context.Background(), []byte(`{}`), []string{"a", "b"}, "req-4")
	require.Error(t, err)

	gwErr := core.AsGatewayError(err)
	assert.Equal(t, core.ErrorTypeFailoverExhausted, gwErr.Type)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, []string{"a", "b"}, c.calls)
}

func TestDispatch_EmptyCandidates(t *testing.T) {
	c := &scriptedCompleter{}
	_, err := NewDispatcher(c).Dispatch(context.Background(), []byte(`{}`), nil, "req-5")
	require.Error(t, err)
	assert.Equal(t, core.ErrorTypeNoModelsAvailable, core.AsGatewayError(err).Type)
	assert.Empty(t, c.calls)
}

func TestDispatch_PreservesOtherPayloadFields(t *testing.T) {
	var seen []byte
	c := completerFunc(func(_ context.Context, payload []byte, _ string) ([]byte, error) {
		seen = payload
		return []byte(`{}`), nil
	})
	_, err := NewDispatcher(c).Dispatch(context.Background(),
		[]byte(`{"model":"client","temperature":0,"messages":[{"role":"user","content":"hi"}]}`),
		[]string{"claude-haiku"}, "req-6")
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"claude-haiku","temperature":0,"messages":[{"role":"user","content":"hi"}]}`, string(seen))
}

type completerFunc func(ctx context.Context, payload []byte, requestID string) ([]byte, error)

func (f completerFunc) ChatCompletion(ctx context.Context, payload []byte, requestID string) ([]byte, error) {
	return f(ctx, payload, requestID)
}

package routing

import (
	"context"
	"log/slog"

	"github.com/tidwall/sjson"

	"tiergate/internal/core"
	"tiergate/internal/observability"
)

// Completer performs one logical downstream call, including its own
// same-model retries.
type Completer interface {
	ChatCompletion(ctx context.Context, payload []byte, requestID string) ([]byte, error)
}

// Result is a successful dispatch.
type Result struct {
	Body []byte
	// Model is the candidate that answered
	Model string
	// Attempts is the number of candidates tried
	Attempts int
}

// Dispatcher walks an ordered candidate list until one succeeds.
type Dispatcher struct {
	client Completer
}

// NewDispatcher creates a dispatcher over client.
func NewDispatcher(client Completer) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch calls each candidate in order with payload's model replaced.
//
// A transient failure (429, 500, 503) moves on to the next candidate. Any
// other failure is returned as is without trying the rest. When every
// candidate failed transiently the result is failover_exhausted wrapping
// the last failure.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, models []string, requestID string) (*Result, error) {
	if len(models) == 0 {
		return nil, core.NewNoModelsAvailableError(core.TierUnknown)
	}

	var lastErr error
	for cursor := 0; cursor < len(models); cursor++ {
		model := models[cursor]

		body, err := sjson.SetBytes(payload, "model", model)
		if err != nil {
			return nil, core.NewInternalError("failed to set candidate model", err)
		}

		resp, err := d.client.ChatCompletion(ctx, body, requestID)
		if err == nil {
			observability.ObserveDownstreamAttempt(model, observability.OutcomeSuccess)
			return &Result{Body: resp, Model: model, Attempts: cursor + 1}, nil
		}

		if !core.ClassifyError(err).Escalate() || ctx.Err() != nil {
			observability.ObserveDownstreamAttempt(model, observability.OutcomeAborted)
			return nil, err
		}

		observability.ObserveDownstreamAttempt(model, observability.OutcomeEscalated)
		slog.Warn("candidate model failed, trying next",
			"request_id", requestID,
			"model", model,
			"error", err,
		)
		lastErr = err
	}

	return nil, core.NewFailoverExhaustedError(lastErr)
}

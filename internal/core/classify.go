package core

import (
	"errors"
	"net/http"
)

// FailureClass is the outcome of classifying a failed downstream call.
// Both retry levels consult it: the client retries the same model when
// RetrySameModel is true, the dispatcher moves to the next candidate only
// when Escalate is true.
type FailureClass int

const (
	// FailureTerminal is candidate-independent; give up immediately.
	FailureTerminal FailureClass = iota
	// FailureRetryable is worth another attempt on the same model only.
	FailureRetryable
	// FailureTransient is worth a same-model retry and, once exhausted,
	// a different candidate.
	FailureTransient
)

func (c FailureClass) String() string {
	switch c {
	case FailureRetryable:
		return "retryable"
	case FailureTransient:
		return "transient"
	default:
		return "terminal"
	}
}

// RetrySameModel reports whether another attempt against the same model is worthwhile.
func (c FailureClass) RetrySameModel() bool {
	return c != FailureTerminal
}

// Escalate reports whether the dispatcher should advance to the next candidate.
func (c FailureClass) Escalate() bool {
	return c == FailureTransient
}

// ClassifyStatus classifies a downstream HTTP status code.
func ClassifyStatus(status int) FailureClass {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusInternalServerError,
		status == http.StatusServiceUnavailable:
		return FailureTransient
	case status >= 500:
		return FailureRetryable
	default:
		return FailureTerminal
	}
}

// ClassifyError classifies an error returned by a downstream call.
// Network failures are retried on the same model but never escalated.
func ClassifyError(err error) FailureClass {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return FailureTerminal
	}
	switch gwErr.Type {
	case ErrorTypeAPI:
		return ClassifyStatus(gwErr.StatusCode)
	case ErrorTypeNetwork:
		return FailureRetryable
	default:
		return FailureTerminal
	}
}

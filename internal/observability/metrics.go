// Package observability holds the Prometheus collectors for the request pipeline.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Downstream attempt outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeEscalated = "escalated"
	OutcomeAborted   = "aborted"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_requests_total",
			Help: "Requests processed by the gateway pipeline, by tier and response status",
		},
		[]string{"tier", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tiergate_request_duration_seconds",
			Help:    "End-to-end pipeline latency by tier",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tier"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	downstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_downstream_attempts_total",
			Help: "Candidate model attempts made by the failover dispatcher",
		},
		[]string{"model", "outcome"},
	)

	admissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_admission_rejections_total",
			Help: "Requests rejected by the budget guard, by exhausted dimension",
		},
		[]string{"dimension"},
	)

	ledgerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tiergate_ledger_write_failures_total",
			Help: "Usage ledger records that could not be persisted",
		},
	)
)

// ObserveRequest records a finished pipeline request.
func ObserveRequest(tier string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(tier, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(tier).Observe(elapsed.Seconds())
}

// ObserveCacheLookup records a cache lookup result: "hit", "miss" or "error".
func ObserveCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// ObserveDownstreamAttempt records one candidate attempt by the dispatcher.
func ObserveDownstreamAttempt(model, outcome string) {
	downstreamAttempts.WithLabelValues(model, outcome).Inc()
}

// ObserveAdmissionRejection records a budget rejection on "tokens" or "cost".
func ObserveAdmissionRejection(dimension string) {
	admissionRejections.WithLabelValues(dimension).Inc()
}

// ObserveLedgerWriteFailure records a record that was not persisted.
func ObserveLedgerWriteFailure() {
	ledgerWriteFailures.Inc()
}

// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DecisionsTotal counts stamped records by recommendation.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "decisions_total",
			Help:      "Total evaluated transactions by recommendation.",
		},
		[]string{"recommendation"},
	)

	// DenialsTotal counts denied records by the rule that fired.
	DenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "denials_total",
			Help:      "Total denied transactions by deny case.",
		},
		[]string{"deny_case"},
	)

	// RejectedRowsTotal counts input rows rejected at ingestion.
	RejectedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "rejected_rows_total",
			Help:      "Total malformed input rows rejected at ingestion.",
		},
	)

	// ReplayRunsTotal counts replay runs by final status.
	ReplayRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "replay_runs_total",
			Help:      "Total replay runs by status.",
		},
		[]string{"status"},
	)

	// EvaluationDuration observes single evaluation latency by mode
	// (replay, adhoc, worker).
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "evaluation_duration_seconds",
			Help:      "Rule chain evaluation duration in seconds.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"mode"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)
)

// Evaluation modes.
const (
	ModeReplay = "replay"
	ModeAdhoc  = "adhoc"
	ModeWorker = "worker"
)

// ObserveDecision records one stamped decision.
func ObserveDecision(recommendation string, denyCase int) {
	DecisionsTotal.WithLabelValues(recommendation).Inc()
	if denyCase != 0 {
		DenialsTotal.WithLabelValues(strconv.Itoa(denyCase)).Inc()
	}
}

// ObserveEvaluation records the latency of one evaluation.
func ObserveEvaluation(mode string, d time.Duration) {
	EvaluationDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

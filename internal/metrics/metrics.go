// Package metrics registers the control plane's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Workflow run metrics
	RunEnqueues *prometheus.CounterVec

	// Billing metrics
	CreditTopUps  prometheus.Counter
	CreditsIssued prometheus.Counter

	// LLM metrics
	LLMCallDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_http_requests_total",
				Help: "Total HTTP requests handled",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),

		RunEnqueues: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_run_enqueues_total",
				Help: "Workflow run enqueue attempts",
			},
			[]string{"outcome"}, // outcome: accepted, queue_unavailable
		),

		CreditTopUps: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "controlplane_credit_topups_total",
				Help: "Credit top-ups applied from webhooks",
			},
		),

		CreditsIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "controlplane_credits_issued_total",
				Help: "Total credits issued across all top-ups",
			},
		),

		LLMCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_llm_call_duration_seconds",
				Help:    "LLM completion latency by provider",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 25},
			},
			[]string{"provider"},
		),
	}
}

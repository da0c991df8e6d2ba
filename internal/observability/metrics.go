package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "dispatches_total", Help: "Dispatch invocations by outcome"},
		[]string{"outcome"}, // assigned, no_eligible_drivers, no_acceptance, error
	)
	OffersSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_sent_total", Help: "Dispatch attempts recorded"})
	NotifyFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "notify_failures_total", Help: "Offer notifications that could not be delivered"})
	RoundsPerDispatch = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "dispatch", Name: "rounds_per_dispatch", Help: "Rounds used per dispatch", Buckets: []float64{0, 1, 2, 3, 4, 5}})
	EligibleDrivers = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "dispatch", Name: "eligible_drivers", Help: "Eligible candidates per dispatch", Buckets: prometheus.LinearBuckets(0, 5, 8)})
	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "dispatch", Name: "duration_seconds", Help: "Wall time of a dispatch invocation", Buckets: prometheus.ExponentialBuckets(0.5, 2, 11)})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Outcome labels for DispatchesTotal.
const (
	OutcomeAssigned     = "assigned"
	OutcomeNoEligible   = "no_eligible_drivers"
	OutcomeNoAcceptance = "no_acceptance"
	OutcomeError        = "error"
)

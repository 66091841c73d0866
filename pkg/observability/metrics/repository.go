// Package metrics provides Prometheus metrics for document repositories.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels. Rejected covers expected refusals such as a missing document or a
// stale concurrency tag.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

var (
	// operationDuration tracks provider call latency.
	// Labels: container, operation, outcome
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docrepo_operation_duration_seconds",
			Help:    "Document store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"container", "operation", "outcome"},
	)

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrepo_operations_total",
			Help: "Total number of document store operations",
		},
		[]string{"container", "operation", "outcome"},
	)

	// chargeTotal accumulates the provider-reported cost of operations.
	chargeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrepo_charge_total",
			Help: "Total request charge reported by the document store",
		},
		[]string{"container", "operation"},
	)

	operationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docrepo_operations_in_flight",
			Help: "Current number of document store operations being processed",
		},
	)

	cacheResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrepo_cache_results_total",
			Help: "Total document cache lookups by result",
		},
		[]string{"container", "result"},
	)

	cacheLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docrepo_cache_latency_seconds",
			Help:    "Document cache operation latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)

	changesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docrepo_changes_published_total",
			Help: "Total change events handed to the message broker",
		},
		[]string{"topic", "outcome"},
	)
)

// RecordOperation records the latency, outcome and charge of one provider call.
func RecordOperation(container, operation, outcome string, duration time.Duration, charge float64) {
	operationDuration.WithLabelValues(container, operation, outcome).Observe(duration.Seconds())
	operationsTotal.WithLabelValues(container, operation, outcome).Inc()
	if charge > 0 {
		chargeTotal.WithLabelValues(container, operation).Add(charge)
	}
}

// IncrementInFlight increments the in-flight operations gauge.
func IncrementInFlight() {
	operationsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight operations gauge.
func DecrementInFlight() {
	operationsInFlight.Dec()
}

// RecordCacheResult counts a cache lookup; result is hit, miss, bypass or error.
func RecordCacheResult(container, result string) {
	cacheResultsTotal.WithLabelValues(container, result).Inc()
}

// ObserveCacheLatency records the latency of a cache store call.
func ObserveCacheLatency(operation string, duration time.Duration) {
	cacheLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordChangePublished counts a change event publish attempt.
func RecordChangePublished(topic, outcome string) {
	changesPublishedTotal.WithLabelValues(topic, outcome).Inc()
}

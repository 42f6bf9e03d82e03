// Package metrics exposes the Prometheus collectors of the sync engine, the
// provider transport, the event stream and the read API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncRunsTotal counts finished passes by status.
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsync_runs_total",
		Help: "Total number of sync passes by final status",
	}, []string{"status"})

	// SyncRunDuration measures pass duration.
	SyncRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventsync_run_duration_seconds",
		Help:    "Duration of a sync pass in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// SyncLastSuccess is the unix time of the last successful pass.
	SyncLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventsync_last_success_timestamp_seconds",
		Help: "Unix timestamp of the last successful sync pass",
	})

	// GroupsTotal counts processed groups by platform and result.
	GroupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsync_groups_total",
		Help: "Total number of groups processed by platform and result",
	}, []string{"platform", "result"})

	// GroupsInFlight is the number of groups currently being processed.
	GroupsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventsync_groups_in_flight",
		Help: "Number of groups currently being fetched or reconciled",
	})

	// EventsReconciled counts event rows written by platform and operation.
	EventsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsync_events_reconciled_total",
		Help: "Total number of event rows created, updated or retired",
	}, []string{"platform", "op"})

	// EventsSkipped counts upstream events dropped by validation.
	EventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsync_events_skipped_total",
		Help: "Total number of upstream events skipped by validation",
	}, []string{"platform"})

	// ProviderRequests counts upstream HTTP requests by outcome.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsync_provider_requests_total",
		Help: "Total number of upstream requests by platform and outcome",
	}, []string{"platform", "outcome"})

	// ProviderRequestDuration measures upstream request latency.
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventsync_provider_request_duration_seconds",
		Help:    "Upstream request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	// ProviderBreakerState is 0 closed, 1 half-open, 2 open.
	ProviderBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventsync_provider_breaker_state",
		Help: "Circuit breaker state per platform (0 closed, 1 half-open, 2 open)",
	}, []string{"platform"})

	// ProviderFetches counts registry fetches by platform and error kind.
	ProviderFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsync_provider_fetches_total",
		Help: "Total number of group fetches by platform and result kind",
	}, []string{"platform", "kind"})

	// EventsPublished counts domain events by result (published, dropped, failed).
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsync_domain_events_total",
		Help: "Total number of domain events by delivery result",
	}, []string{"result"})

	// APIRequestsTotal counts read API requests by route and cache result.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsync_api_requests_total",
		Help: "Total number of API requests by route and cache result",
	}, []string{"route", "cache"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRun records a finished pass.
func RecordRun(status string, duration time.Duration) {
	SyncRunsTotal.WithLabelValues(status).Inc()
	SyncRunDuration.Observe(duration.Seconds())
	if status == "success" {
		SyncLastSuccess.Set(float64(time.Now().Unix()))
	}
}

// RecordGroup records one processed group.
func RecordGroup(platform string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	GroupsTotal.WithLabelValues(platform, result).Inc()
}

// TrackGroup tracks groups in flight.
func TrackGroup(inc bool) {
	if inc {
		GroupsInFlight.Inc()
	} else {
		GroupsInFlight.Dec()
	}
}

// RecordReconciled records the rows a group reconciliation wrote.
func RecordReconciled(platform string, created, updated, deleted int) {
	EventsReconciled.WithLabelValues(platform, "created").Add(float64(created))
	EventsReconciled.WithLabelValues(platform, "updated").Add(float64(updated))
	EventsReconciled.WithLabelValues(platform, "deleted").Add(float64(deleted))
}

// RecordSkipped records events dropped by validation.
func RecordSkipped(platform string, n int) {
	if n > 0 {
		EventsSkipped.WithLabelValues(platform).Add(float64(n))
	}
}

// RecordProviderRequest records one upstream HTTP attempt.
func RecordProviderRequest(platform, outcome string, duration time.Duration) {
	ProviderRequests.WithLabelValues(platform, outcome).Inc()
	ProviderRequestDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// SetBreakerState records a circuit breaker transition.
func SetBreakerState(platform string, state float64) {
	ProviderBreakerState.WithLabelValues(platform).Set(state)
}

// RecordFetch records one registry fetch. kind is "ok" on success.
func RecordFetch(platform, kind string) {
	ProviderFetches.WithLabelValues(platform, kind).Inc()
}

// RecordPublish records the delivery result of one domain event.
func RecordPublish(result string) {
	EventsPublished.WithLabelValues(result).Inc()
}

// RecordAPIRequest records one API request and how the cache served it.
func RecordAPIRequest(route, cache string) {
	APIRequestsTotal.WithLabelValues(route, cache).Inc()
}

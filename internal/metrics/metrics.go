// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterContactsTotal        *prometheus.CounterVec
	harvesterProfileFailuresTotal prometheus.Counter
	harvesterPagesTotal           prometheus.Counter
	harvesterEntitiesTotal        *prometheus.CounterVec
	harvesterProfileVisitSeconds  prometheus.Histogram
	harvesterPacingDelaySeconds   prometheus.Histogram
	harvesterEgressChecksTotal    *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterContactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_contacts_total",
				Help: "Contacts recorded, labeled by extraction result (extracted or fallback).",
			},
			[]string{"result"},
		)

		harvesterProfileFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_profile_failures_total",
				Help: "Profiles skipped because visiting them failed.",
			},
		)

		harvesterPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Result listing pages traversed.",
			},
		)

		harvesterEntitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_entities_total",
				Help: "Entities processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvesterProfileVisitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_profile_visit_seconds",
				Help:    "Time spent visiting and extracting one profile.",
				Buckets: []float64{1, 2, 5, 10, 20, 40, 80},
			},
		)

		harvesterPacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_pacing_delay_seconds",
				Help:    "Histogram of pacing waits before profile visits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		harvesterEgressChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_egress_checks_total",
				Help: "Egress verifications, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveContact counts a recorded contact; fallback marks an extraction
// that produced only the profile URL.
func ObserveContact(fallback bool) {
	Init()
	result := "extracted"
	if fallback {
		result = "fallback"
	}
	harvesterContactsTotal.WithLabelValues(result).Inc()
}

// ObserveProfileFailure counts a profile skipped after an error.
func ObserveProfileFailure() {
	Init()
	harvesterProfileFailuresTotal.Inc()
}

// ObservePage counts one traversed listing page.
func ObservePage() {
	Init()
	harvesterPagesTotal.Inc()
}

// ObserveEntity counts an entity outcome.
func ObserveEntity(outcome string) {
	Init()
	harvesterEntitiesTotal.WithLabelValues(outcome).Inc()
}

// ObserveProfileVisit records how long one profile visit took.
func ObserveProfileVisit(duration time.Duration) {
	Init()
	harvesterProfileVisitSeconds.Observe(duration.Seconds())
}

// ObservePacingDelay records the duration of a pacing wait.
func ObservePacingDelay(duration time.Duration) {
	Init()
	harvesterPacingDelaySeconds.Observe(duration.Seconds())
}

// ObserveEgressCheck counts an egress verification result.
func ObserveEgressCheck(ok bool) {
	Init()
	harvesterEgressChecksTotal.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

package azdo

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_azdo_requests_total",
			Help: "Total number of Azure DevOps API requests",
		},
		[]string{"method", "code"}, // code is "error" for transport failures
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweep_azdo_request_duration_seconds",
			Help:    "Latency of Azure DevOps API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_azdo_retries_total",
			Help: "Total number of retried Azure DevOps API requests",
		},
		[]string{"method"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sweep_azdo_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// RecordRequest records one completed HTTP round trip.
func RecordRequest(method string, status int, d time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	requestsTotal.WithLabelValues(method, code).Inc()
	requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordRetry records a retried request.
func RecordRetry(method string) {
	retriesTotal.WithLabelValues(method).Inc()
}

// RecordBreakerState records a circuit breaker transition.
func RecordBreakerState(name string, state gobreaker.State) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

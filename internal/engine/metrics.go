package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_decisions_total",
			Help: "Total number of classifier decisions",
		},
		[]string{"job", "decision"}, // included, excluded, ambiguous
	)

	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_outcomes_total",
			Help: "Total number of item outcomes by action",
		},
		[]string{"job", "action"},
	)

	subtreeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_subtree_failures_total",
			Help: "Total number of collections that could not be listed",
		},
		[]string{"job", "level"},
	)

	gateInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sweep_gate_inflight",
			Help: "Current number of permits held per gate",
		},
		[]string{"gate"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "sweep_run_duration_seconds",
			Help: "Duration of batch runs in seconds",
			Buckets: []float64{
				1,    // 1 second
				10,   // 10 seconds
				60,   // 1 minute
				300,  // 5 minutes
				900,  // 15 minutes
				1800, // 30 minutes
				3600, // 1 hour
			},
		},
		[]string{"job"},
	)

	lastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sweep_last_run_timestamp_seconds",
			Help: "Unix timestamp of the last completed run",
		},
		[]string{"job", "dry_run"},
	)
)

// RecordDecision records one classifier decision.
func RecordDecision(job string, d Decision) {
	label := "excluded"
	switch {
	case d.Err != nil:
		label = "ambiguous"
	case d.Included:
		label = "included"
	}
	decisionsTotal.WithLabelValues(job, label).Inc()
}

// RecordOutcome records one item outcome.
func RecordOutcome(job string, o Outcome) {
	outcomesTotal.WithLabelValues(job, string(o.Action)).Inc()
}

// RecordSubtreeFailure records a collection that could not be listed.
func RecordSubtreeFailure(job, level string) {
	subtreeFailuresTotal.WithLabelValues(job, level).Inc()
}

// RecordRun records the duration and completion time of a run.
func RecordRun(job string, dryRun bool, started, finished time.Time) {
	runDuration.WithLabelValues(job).Observe(finished.Sub(started).Seconds())
	dry := "false"
	if dryRun {
		dry = "true"
	}
	lastRunTimestamp.WithLabelValues(job, dry).Set(float64(finished.Unix()))
}

func setGateInFlight(gate string, n int64) {
	gateInFlight.WithLabelValues(gate).Set(float64(n))
}

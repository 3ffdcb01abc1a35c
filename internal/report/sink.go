// Package report hands the result of a run to its consumers: CSV files,
// email summaries, CloudEvents and the audit log.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libops/sweep/internal/engine"
)

// ErrSinkDeliveryFailed marks a report that could not be delivered. It never
// changes the outcome of the run.
var ErrSinkDeliveryFailed = errors.New("report delivery failed")

// Sink consumes the result of a run.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, result *engine.Result) error
}

var deliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sweep_report_deliveries_total",
		Help: "Total number of report deliveries by sink and status",
	},
	[]string{"sink", "status"}, // success, failure
)

// Deliver hands result to every sink in order. Failures are logged and
// returned for inspection; callers must not let them affect the run's exit
// status.
func Deliver(ctx context.Context, result *engine.Result, sinks ...Sink) []error {
	var errs []error
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, result); err != nil {
			if !errors.Is(err, ErrSinkDeliveryFailed) {
				err = fmt.Errorf("%w: %s: %w", ErrSinkDeliveryFailed, s.Name(), err)
			}
			slog.ErrorContext(ctx, "report delivery failed", "sink", s.Name(), "err", err)
			deliveriesTotal.WithLabelValues(s.Name(), "failure").Inc()
			errs = append(errs, err)
			continue
		}
		deliveriesTotal.WithLabelValues(s.Name(), "success").Inc()
		slog.DebugContext(ctx, "report delivered", "sink", s.Name())
	}
	return errs
}

// updates returns the outcomes that changed, or would have changed, remote
// state.
func updates(result *engine.Result) []engine.Outcome {
	var out []engine.Outcome
	for _, o := range result.Outcomes {
		if o.Action == engine.ActionMutated || o.Action == engine.ActionDryRun {
			out = append(out, o)
		}
	}
	return out
}

package report

import (
	"context"
	"log/slog"

	"github.com/libops/sweep/internal/engine"
	"github.com/libops/sweep/internal/logging"
)

// Event is an audit event type.
type Event string

// Audit events, one per outcome action.
const (
	ItemMutated       Event = "item.mutated"
	ItemAlreadyAbsent Event = "item.already_absent"
	ItemFailed        Event = "item.failed"
	ItemSkipped       Event = "item.skipped"
	ItemDryRun        Event = "item.dry_run_would_act"
	RunCompleted      Event = "run.completed"
)

// EventFor maps an outcome action to its audit event.
func EventFor(a engine.Action) Event {
	switch a {
	case engine.ActionMutated:
		return ItemMutated
	case engine.ActionAlreadyAbsent:
		return ItemAlreadyAbsent
	case engine.ActionFailed:
		return ItemFailed
	case engine.ActionDryRun:
		return ItemDryRun
	default:
		return ItemSkipped
	}
}

// AuditSink emits one structured "audit event" record per outcome for
// capture by logging agents.
type AuditSink struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Name implements Sink.
func (s *AuditSink) Name() string { return "audit" }

// Deliver implements Sink. The run ID, job and scope travel on the context
// and are added by the logging.ContextHandler, so records never repeat them.
func (s *AuditSink) Deliver(ctx context.Context, result *engine.Result) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx = logging.WithJob(logging.WithRunID(ctx, result.RunID), result.Job)

	for _, o := range result.Outcomes {
		data := map[string]any{
			"path":    o.Item.Path(),
			"reason":  o.Reason,
			"dry_run": result.DryRun,
		}
		if o.Err != nil {
			data["error"] = o.Err.Error()
		}
		logger.InfoContext(logging.WithScope(ctx, o.Item.Scope().Label()), "audit event",
			"event", string(EventFor(o.Action)),
			"entity_id", o.Item.Ref.ID,
			"entity_type", o.Item.Ref.Kind,
			"data", data,
		)
	}
	summary := make(map[string]int)
	for a, n := range result.Summary() {
		summary[string(a)] = n
	}
	logger.InfoContext(ctx, "audit event",
		"event", string(RunCompleted),
		"data", map[string]any{
			"dry_run":   result.DryRun,
			"excluded":  result.Excluded,
			"ambiguous": len(result.Ambiguous),
			"failures":  len(result.Failures),
			"outcomes":  summary,
		},
	)
	return nil
}

package engine

import (
	"context"
	"errors"
	"log/slog"
)

// Mutator applies one state change to one item. Implementations return
// ErrAlreadyAbsent (possibly wrapped) when the target state already holds.
type Mutator interface {
	Apply(ctx context.Context, item WorkItem) error
}

// MutatorFunc adapts a function to Mutator.
type MutatorFunc func(ctx context.Context, item WorkItem) error

// Apply calls f.
func (f MutatorFunc) Apply(ctx context.Context, item WorkItem) error {
	return f(ctx, item)
}

// Apply runs m against item through gate and maps the result to an Outcome.
// In a dry run no call is made. A mutation that has acquired its permit runs
// to completion even if ctx is cancelled afterwards. Mutations are never
// retried.
func Apply(ctx context.Context, gate *Gate, m Mutator, item WorkItem, dryRun bool) Outcome {
	path := item.Path()
	if dryRun {
		slog.InfoContext(ctx, "dry run, would mutate", "item", path, "id", item.Ref.ID)
		return Outcome{Item: item, Action: ActionDryRun}
	}

	var permit *Permit
	if gate != nil {
		var err error
		permit, err = gate.Acquire(ctx)
		if err != nil {
			slog.InfoContext(ctx, "mutation not started", "item", path, "err", err)
			return Outcome{Item: item, Action: ActionSkipped, Reason: "cancelled", Err: err}
		}
	}
	defer permit.Release()

	err := m.Apply(context.WithoutCancel(ctx), item)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "mutated", "item", path, "id", item.Ref.ID)
		return Outcome{Item: item, Action: ActionMutated}
	case errors.Is(err, ErrAlreadyAbsent):
		slog.InfoContext(ctx, "already absent", "item", path, "id", item.Ref.ID)
		return Outcome{Item: item, Action: ActionAlreadyAbsent, Reason: "already absent"}
	default:
		slog.ErrorContext(ctx, "mutation failed", "item", path, "id", item.Ref.ID, "err", err)
		return Outcome{
			Item:   item,
			Action: ActionFailed,
			Reason: err.Error(),
			Err:    &MutationError{Path: path, Err: err},
		}
	}
}

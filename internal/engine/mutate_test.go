package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memberSet is a fake remote collection supporting idempotent removal.
type memberSet struct {
	mu      sync.Mutex
	members map[string]bool
	calls   int
}

func (s *memberSet) Apply(_ context.Context, item WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if !s.members[item.Ref.ID] {
		return fmt.Errorf("remove %s: %w", item.Ref.ID, ErrAlreadyAbsent)
	}
	delete(s.members, item.Ref.ID)
	return nil
}

func TestApplyDryRunMakesNoCall(t *testing.T) {
	set := &memberSet{members: map[string]bool{"1": true}}
	item := WorkItem{Ref: Ref{ID: "1", Name: "jane"}}

	out := Apply(context.Background(), NewGate("test", 1), set, item, true)
	assert.Equal(t, ActionDryRun, out.Action)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 0, set.calls)
	assert.True(t, set.members["1"])
}

func TestApplyIsIdempotent(t *testing.T) {
	set := &memberSet{members: map[string]bool{"1": true}}
	item := WorkItem{Ref: Ref{ID: "1", Name: "jane"}}
	gate := NewGate("test", 1)

	first := Apply(context.Background(), gate, set, item, false)
	assert.Equal(t, ActionMutated, first.Action)
	assert.NoError(t, first.Err)

	second := Apply(context.Background(), gate, set, item, false)
	assert.Equal(t, ActionAlreadyAbsent, second.Action)
	assert.True(t, second.Succeeded())
	assert.NoError(t, second.Err)
	assert.Equal(t, 2, set.calls)
}

func TestApplyFailure(t *testing.T) {
	cause := &statusErr{code: 403}
	m := MutatorFunc(func(context.Context, WorkItem) error { return cause })
	item := WorkItem{Parents: []Ref{{Name: "alpha"}}, Ref: Ref{ID: "7", Name: "deploy"}}

	out := Apply(context.Background(), NewGate("test", 1), m, item, false)
	assert.Equal(t, ActionFailed, out.Action)
	assert.False(t, out.Succeeded())
	assert.ErrorIs(t, out.Err, ErrMutationFailed)

	var me *MutationError
	require.True(t, errors.As(out.Err, &me))
	assert.Equal(t, "alpha/deploy", me.Path)
	assert.Equal(t, cause, errors.Unwrap(out.Err))
}

func TestApplyNotStartedWhenCancelled(t *testing.T) {
	gate := NewGate("test", 1)
	held, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	called := false
	m := MutatorFunc(func(context.Context, WorkItem) error {
		called = true
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Apply(ctx, gate, m, WorkItem{Ref: Ref{ID: "1"}}, false)
	assert.Equal(t, ActionSkipped, out.Action)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.False(t, called)
}

func TestApplyInFlightSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inner error
	m := MutatorFunc(func(mctx context.Context, _ WorkItem) error {
		cancel()
		inner = mctx.Err()
		return nil
	})

	out := Apply(ctx, NewGate("test", 1), m, WorkItem{Ref: Ref{ID: "1"}}, false)
	assert.Equal(t, ActionMutated, out.Action)
	assert.NoError(t, inner)
}

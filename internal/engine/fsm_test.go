package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func TestRuntimeFSMValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRuntimeFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "rt-1", schema.RuntimeStateDraft, schema.RuntimeStateInProgress))
	require.NoError(t, fsm.Transition(ctx, "rt-1", schema.RuntimeStateInProgress, schema.RuntimeStateDone))

	types := app.Types()
	require.Len(t, types, 2)
	assert.Equal(t, schema.EventRuntimeStarted, types[0])
	assert.Equal(t, schema.EventRuntimeCompleted, types[1])
}

func TestRuntimeFSMInvalidTransition(t *testing.T) {
	fsm := NewRuntimeFSM(&mockAppender{})
	ctx := context.Background()

	err := fsm.Transition(ctx, "rt-1", schema.RuntimeStateDraft, schema.RuntimeStateDone)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	err = fsm.Transition(ctx, "rt-1", schema.RuntimeStateDone, schema.RuntimeStateCancel)
	require.Error(t, err, "done is terminal")

	err = fsm.Transition(ctx, "rt-1", schema.RuntimeStateCancel, schema.RuntimeStateInProgress)
	require.Error(t, err, "cancel is terminal")
}

func TestStepFSMTransitionTable(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	ctx := context.Background()

	// waiting -> done must pass through ready.
	err := fsm.Transition(ctx, "rt-1", "s-1", schema.StepStateWaiting, schema.StepStateDone)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	require.NoError(t, fsm.Transition(ctx, "rt-1", "s-1", schema.StepStateWaiting, schema.StepStateReady))
	require.NoError(t, fsm.Transition(ctx, "rt-1", "s-1", schema.StepStateReady, schema.StepStateDone))

	// error recovers only through waiting (manual reset).
	require.NoError(t, fsm.Transition(ctx, "rt-1", "s-2", schema.StepStateError, schema.StepStateWaiting))
	require.Error(t, fsm.Transition(ctx, "rt-1", "s-2", schema.StepStateError, schema.StepStateDone))

	// done and cancel are terminal.
	require.Error(t, fsm.Transition(ctx, "rt-1", "s-3", schema.StepStateDone, schema.StepStateReady))
	require.Error(t, fsm.Transition(ctx, "rt-1", "s-3", schema.StepStateCancel, schema.StepStateWaiting))
}

func TestStepFSMEmitsStepEvents(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "rt-1", "s-1", schema.StepStateWaiting, schema.StepStateReady))
	require.NoError(t, fsm.Transition(ctx, "rt-1", "s-1", schema.StepStateReady, schema.StepStateError))

	require.Len(t, app.events, 2)
	assert.Equal(t, schema.EventStepReady, app.events[0].Type)
	assert.Equal(t, "s-1", app.events[0].StepID)
	assert.Equal(t, "rt-1", app.events[0].RuntimeID)
	assert.Equal(t, schema.EventStepError, app.events[1].Type)
}

func TestFSMHooksRunAroundTransition(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.StepStateReady, schema.StepStateDone, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.StepStateReady, schema.StepStateDone, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "rt-1", "s-1", schema.StepStateReady, schema.StepStateDone))
	assert.Equal(t, []string{"before:ready->done", "after:ready->done"}, order)
}

func TestFSMBeforeHookAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	fsm.OnBefore(schema.StepStateReady, schema.StepStateDone, func(_, _ string) error {
		return errors.New("vetoed")
	})

	err := fsm.Transition(ctx, "rt-1", "s-1", schema.StepStateReady, schema.StepStateDone)
	require.Error(t, err)
	assert.Empty(t, app.events, "no event emitted when a before hook fails")
}

func TestFSMAppendFailureSurfacesAsStoreError(t *testing.T) {
	fsm := NewStepFSM(&failAppender{})
	ctx := context.Background()

	err := fsm.Transition(ctx, "rt-1", "s-1", schema.StepStateReady, schema.StepStateDone)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

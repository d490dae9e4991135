package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestMaterializeValidation(t *testing.T) {
	tests := []struct {
		name     string
		actions  []schema.ActionDefinition
		wantCode string
	}{
		{
			name:     "empty template",
			actions:  nil,
			wantCode: schema.ErrCodeValidation,
		},
		{
			name: "empty action ID",
			actions: []schema.ActionDefinition{
				{ID: "", Action: "act.a"},
			},
			wantCode: schema.ErrCodeValidation,
		},
		{
			name: "duplicate action ID",
			actions: []schema.ActionDefinition{
				{ID: "a", Action: "act.a"},
				{ID: "a", Action: "act.b"},
			},
			wantCode: schema.ErrCodeValidation,
		},
		{
			name: "unknown predecessor",
			actions: []schema.ActionDefinition{
				{ID: "a", Action: "act.a", Predecessors: []string{"ghost"}},
			},
			wantCode: schema.ErrCodeValidation,
		},
		{
			name: "self dependency",
			actions: []schema.ActionDefinition{
				{ID: "a", Action: "act.a", Predecessors: []string{"a"}},
			},
			wantCode: schema.ErrCodeCycleDetected,
		},
		{
			name: "duplicate predecessor",
			actions: []schema.ActionDefinition{
				{ID: "a", Action: "act.a"},
				{ID: "b", Action: "act.b", Predecessors: []string{"a", "a"}},
			},
			wantCode: schema.ErrCodeValidation,
		},
		{
			name: "two-node cycle",
			actions: []schema.ActionDefinition{
				{ID: "a", Action: "act.a", Predecessors: []string{"b"}},
				{ID: "b", Action: "act.b", Predecessors: []string{"a"}},
			},
			wantCode: schema.ErrCodeCycleDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := &schema.Template{Ref: "tpl", Actions: tt.actions}
			_, err := materialize(tpl, "rt-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, schema.CodeOf(err))
		})
	}
}

func TestMaterializeInitialStates(t *testing.T) {
	tpl := &schema.Template{
		Ref: "tpl",
		Actions: []schema.ActionDefinition{
			{ID: "root1", Sequence: 10, Action: "act.r1"},
			{ID: "root2", Sequence: 20, Action: "act.r2"},
			{ID: "join", Sequence: 30, Action: "act.j", Predecessors: []string{"root1", "root2"}},
		},
	}
	steps, err := materialize(tpl, "rt-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, schema.StepStateReady, steps[0].State)
	assert.Equal(t, schema.StepStateReady, steps[1].State)
	assert.Equal(t, schema.StepStateWaiting, steps[2].State)
	assert.ElementsMatch(t, []string{steps[0].ID, steps[1].ID}, steps[2].Predecessors)

	for i, s := range steps {
		assert.Equal(t, "rt-1", s.RuntimeID)
		assert.Equal(t, i, s.Position)
		assert.NotEmpty(t, s.ID)
	}
}

func TestMaterializeOrdersBySequence(t *testing.T) {
	tpl := &schema.Template{
		Ref: "tpl",
		Actions: []schema.ActionDefinition{
			{ID: "late", Sequence: 90, Action: "act.late"},
			{ID: "early", Sequence: 5, Action: "act.early"},
			{ID: "tie-a", Sequence: 50, Action: "act.tie.a"},
			{ID: "tie-b", Sequence: 50, Action: "act.tie.b"},
		},
	}
	steps, err := materialize(tpl, "rt-1")
	require.NoError(t, err)

	refs := make([]string, len(steps))
	for i, s := range steps {
		refs[i] = s.ActionRef
	}
	// Sequence ascending, declaration order breaks the tie.
	assert.Equal(t, []string{"act.early", "act.tie.a", "act.tie.b", "act.late"}, refs)
}

func TestIsReadyDefinition(t *testing.T) {
	env := newTestEnv(chainTemplate())
	rt := startedRuntime(t, env)
	ctx := context.Background()

	a, b := byAction(rt, "act.a"), byAction(rt, "act.b")

	assert.True(t, rt.IsReady(a))
	assert.False(t, rt.IsReady(b))

	require.NoError(t, env.engine.MarkDone(ctx, rt, a))
	assert.False(t, rt.IsReady(a), "done step is not ready")
	assert.True(t, rt.IsReady(b))

	require.NoError(t, env.engine.Cancel(ctx, rt))
	assert.False(t, rt.IsReady(b), "cancelled step is not ready")
}

package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestGoJQ_RecordGetter(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(),
		`{default_partner_id: .customer.id, default_amount: .total}`,
		map[string]any{
			"customer": map[string]any{"id": "partner-7"},
			"total":    42.5,
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"default_partner_id": "partner-7",
		"default_amount":     42.5,
	}, out)
}

func TestGoJQ_EvaluateObject(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	obj, err := e.EvaluateObject(ctx, `{default_partner_id: .id}`, map[string]any{"id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, "p1", obj["default_partner_id"])

	_, err = e.EvaluateObject(ctx, `.id`, map[string]any{"id": "p1"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.items[].id`, map[string]any{
		"items": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQ_NoOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `empty`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `{broken`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQ_RuntimeErrorIsResolutionError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.a + 1`, map[string]any{"a": "text"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
}

func TestGoJQ_EnvAccessIsSandboxed(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

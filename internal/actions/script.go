package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// scriptAction evaluates an Expr expression against the step execution
// context. With "assert" set, a falsy result fails the step, which lets
// templates express validation steps as scripts.
type scriptAction struct {
	engine *expressions.ExprEngine
}

// NewScriptAction creates the "script.eval" action.
func NewScriptAction() Action {
	return &scriptAction{engine: expressions.NewExprEngine()}
}

func (a *scriptAction) Name() string { return "script.eval" }

func (a *scriptAction) Description() string {
	return "Evaluate an Expr expression against the step execution context"
}

func (a *scriptAction) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation,
			"script.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (a *scriptAction) Execute(ctx context.Context, input Input) (*Result, error) {
	expression, _ := input.Params["expression"].(string)

	scope := make(map[string]any, len(input.Context))
	for k, v := range input.Context {
		scope[k] = v
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	if mustHold, _ := input.Params["assert"].(bool); mustHold && !truthy(result) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"script assertion %q did not hold", expression).
			WithDetails(map[string]any{"result": result})
	}

	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"script.eval: marshal output: %v", err)
	}
	return &Result{Data: out}, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

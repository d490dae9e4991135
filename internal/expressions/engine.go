package expressions

import "context"

// Engine evaluates expressions used by the trigger path and script actions.
// Three implementations: CEL (filter conditions), GoJQ (record getters),
// Expr (script action logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

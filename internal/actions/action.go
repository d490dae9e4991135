package actions

import (
	"context"
	"encoding/json"
)

// Action is an executable unit of work bound to a step. The engine dispatches
// to an action by its reference when a ready step is executed.
type Action interface {
	Name() string
	Description() string
	Validate(params map[string]any) error
	Execute(ctx context.Context, input Input) (*Result, error)
}

// Input is the data an action receives at execution time. Params come from
// the template's action definition; Context is the step execution context
// (default_* keys, runtime_id, step_id, trigger payload).
type Input struct {
	Params  map[string]any `json:"params,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Result is the outcome of an action execution, kept for the event log.
type Result struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Info is a summary of a registered action for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

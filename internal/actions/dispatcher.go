package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/flowrun/pkg/schema"
)

// Dispatcher routes step executions to registered actions. It is the
// Executable collaborator the engine calls when a ready step runs.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Execute looks up the action by reference, validates its params and runs it
// with the step execution context.
func (d *Dispatcher) Execute(ctx context.Context, actionRef string, params json.RawMessage, execCtx map[string]any) error {
	action, err := d.registry.Get(actionRef)
	if err != nil {
		return err
	}

	paramMap := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &paramMap); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid params for action %q: %s", actionRef, err.Error()).WithCause(err)
		}
	}

	if err := action.Validate(paramMap); err != nil {
		return err
	}

	result, err := action.Execute(ctx, Input{Params: paramMap, Context: execCtx})
	if err != nil {
		return err
	}

	if result != nil && len(result.Data) > 0 {
		d.logger.DebugContext(ctx, "action completed",
			slog.String("action", actionRef),
			slog.String("result", string(result.Data)))
	}
	return nil
}

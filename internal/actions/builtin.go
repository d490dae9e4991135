package actions

import (
	"context"
	"log/slog"

	"github.com/rendis/flowrun/pkg/schema"
)

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, logger *slog.Logger) error {
	all := []Action{
		NewScriptAction(),
		newLogAction(logger),
		&noopAction{},
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// logAction writes a structured log line carrying the step context. Useful
// as a visible placeholder while a template is being developed.
type logAction struct {
	logger *slog.Logger
}

func newLogAction(logger *slog.Logger) Action {
	if logger == nil {
		logger = slog.Default()
	}
	return &logAction{logger: logger}
}

func (a *logAction) Name() string        { return "log.info" }
func (a *logAction) Description() string { return "Log a message with the step execution context" }

func (a *logAction) Validate(params map[string]any) error {
	msg, ok := params["message"].(string)
	if !ok || msg == "" {
		return schema.NewError(schema.ErrCodeValidation,
			"log.info requires non-empty 'message' string parameter")
	}
	return nil
}

func (a *logAction) Execute(ctx context.Context, input Input) (*Result, error) {
	msg, _ := input.Params["message"].(string)
	attrs := make([]any, 0, 4)
	if rid, ok := input.Context[schema.CtxRuntimeID].(string); ok {
		attrs = append(attrs, slog.String("runtime_id", rid))
	}
	if pid, ok := input.Context[schema.CtxPartnerID].(string); ok {
		attrs = append(attrs, slog.String("partner_id", pid))
	}
	a.logger.InfoContext(ctx, msg, attrs...)
	return &Result{}, nil
}

// noopAction succeeds without side effects. Steps bound to it model work
// that is completed outside the system and confirmed manually.
type noopAction struct{}

func (a *noopAction) Name() string                       { return "noop" }
func (a *noopAction) Description() string                { return "Succeed without side effects" }
func (a *noopAction) Validate(params map[string]any) error { return nil }

func (a *noopAction) Execute(ctx context.Context, input Input) (*Result, error) {
	return &Result{}, nil
}

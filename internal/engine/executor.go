package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/pkg/schema"
)

// buildExecutionContext assembles the flat key/value mapping handed to the
// external action collaborator: the runtime's scalar business fields under
// their well-known keys, the multi-tenant scope when one is set, and any
// externally supplied trigger payload.
//
// Absence of a company scope means the action runs under the caller's
// ambient scope; the key is then omitted entirely rather than set empty.
func buildExecutionContext(rt *RuntimeInstance, step *StepInstance, payload map[string]any) map[string]any {
	execCtx := make(map[string]any, len(payload)+9)
	for k, v := range payload {
		execCtx[k] = v
	}

	execCtx[schema.CtxPartnerID] = rt.Target.PartnerID
	execCtx[schema.CtxDiffPartnerID] = rt.Target.DiffPartnerID
	execCtx[schema.CtxAmount] = rt.Target.Amount
	execCtx[schema.CtxCurrencyID] = rt.Target.CurrencyID
	execCtx[schema.CtxReference] = rt.Target.Reference
	execCtx[schema.CtxDate] = rt.Target.Date
	if rt.Target.CompanyID != "" {
		execCtx[schema.CtxCompanyID] = rt.Target.CompanyID
	}
	execCtx[schema.CtxRuntimeID] = rt.ID
	execCtx[schema.CtxStepID] = step.ID

	return execCtx
}

// executeStep runs one ready step through the external collaborator and maps
// the outcome onto step state transitions. rt.mu must be held.
//
// On success the step follows the mark-done path (readiness cascade plus
// progress aggregation). On failure the step moves to error with the
// collaborator's message stored, and the failure surfaces to the caller
// wrapped as EXECUTION_ERROR with the original error as cause.
func (e *Engine) executeStep(ctx context.Context, rt *RuntimeInstance, step *StepInstance, payload map[string]any) error {
	if step.State != schema.StepStateReady {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "step is not ready (state: %s)", step.State).WithStep(step.ID)
	}

	logCtx := logging.WithIDs(ctx, rt.ID, step.ID)
	logger := logging.LogWith(logCtx, e.logger)
	logger.InfoContext(logCtx, "executing step", slog.String("action", step.ActionRef))

	execCtx := buildExecutionContext(rt, step, payload)
	if err := e.exec.Execute(ctx, step.ActionRef, step.Params, execCtx); err != nil {
		if ferr := e.stepFSM.Transition(ctx, rt.ID, step.ID, step.State, schema.StepStateError); ferr != nil {
			return ferr
		}
		step.State = schema.StepStateError
		step.ErrorMessage = err.Error()
		if perr := e.persistStep(ctx, step); perr != nil {
			return perr
		}
		logger.ErrorContext(logCtx, "step failed", slog.String("error", err.Error()))
		return schema.NewErrorf(schema.ErrCodeExecution, "action %s failed: %s", step.ActionRef, err.Error()).
			WithStep(step.ID).WithCause(err)
	}

	logger.InfoContext(logCtx, "step completed")
	return e.applyMarkDone(ctx, rt, step)
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/pkg/schema"
)

// handleDefine registers a workflow template.
func (s *FlowrunServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError("ref is required"), nil
	}
	raw := mcp.ParseStringMap(req, "template", nil)
	if raw == nil {
		return mcp.NewToolResultError("template is required"), nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
	}
	tpl := &schema.Template{}
	if err := json.Unmarshal(data, tpl); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
	}
	tpl.Ref = ref
	if name := req.GetString("name", ""); name != "" {
		tpl.Name = name
	}
	if len(tpl.Actions) == 0 {
		return mcp.NewToolResultError("template has no actions"), nil
	}
	for _, a := range tpl.Actions {
		if s.registry != nil && !s.registry.Has(a.Action) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown action %q in template", a.Action)), nil
		}
	}

	if err := s.store.StoreTemplate(ctx, tpl); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store template: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"ok":      true,
		"ref":     tpl.Ref,
		"actions": len(tpl.Actions),
	})
}

// handleTrigger fires a template trigger with an external payload.
func (s *FlowrunServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateRef, err := req.RequireString("template_ref")
	if err != nil {
		return mcp.NewToolResultError("template_ref is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	result, fireErr := s.trigger.Fire(ctx, templateRef, payload)
	if fireErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", fireErr)), nil
	}
	if result.Rejected {
		return marshalResult(map[string]any{
			"fired":  false,
			"reason": result.Reason,
		})
	}

	return marshalResult(map[string]any{
		"fired":        true,
		"runtime_id":   result.Runtime.ID,
		"runtime_name": result.Runtime.Name,
		"state":        result.Runtime.State,
	})
}

// handleCreate creates a draft runtime instance.
func (s *FlowrunServer) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateRef, err := req.RequireString("template_ref")
	if err != nil {
		return mcp.NewToolResultError("template_ref is required"), nil
	}
	targetRaw := mcp.ParseStringMap(req, "target", nil)

	data, err := json.Marshal(targetRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid target: %v", err)), nil
	}
	var target schema.TargetContext
	if err := json.Unmarshal(data, &target); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid target: %v", err)), nil
	}

	rt, createErr := s.engine.Create(ctx, templateRef, target)
	if createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create failed: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"runtime_id":   rt.ID,
		"runtime_name": rt.Name,
		"state":        rt.State,
	})
}

// handleStart materializes and starts a draft runtime.
func (s *FlowrunServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rt, result := s.loadRuntime(ctx, req)
	if result != nil {
		return result, nil
	}

	if err := s.engine.Start(ctx, rt); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"runtime_id": rt.ID,
		"state":      rt.State,
		"steps":      len(rt.Steps),
		"progress":   rt.ProgressDisplay(),
	})
}

// handleNextStep executes the single next ready step.
func (s *FlowrunServer) handleNextStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rt, result := s.loadRuntime(ctx, req)
	if result != nil {
		return result, nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	if err := s.engine.NextStepWithPayload(ctx, rt, payload); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("next step failed: %v", err)), nil
	}

	return marshalResult(statusView(rt))
}

// handleMarkDone marks the given ready steps as done.
func (s *FlowrunServer) handleMarkDone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rt, result := s.loadRuntime(ctx, req)
	if result != nil {
		return result, nil
	}
	stepIDs := req.GetStringSlice("step_ids", nil)
	if len(stepIDs) == 0 {
		return mcp.NewToolResultError("step_ids is required"), nil
	}

	steps := make([]*engine.StepInstance, 0, len(stepIDs))
	for _, id := range stepIDs {
		step := rt.Step(id)
		if step == nil {
			return mcp.NewToolResultError(fmt.Sprintf("step %q does not belong to runtime %s", id, rt.ID)), nil
		}
		steps = append(steps, step)
	}

	if err := s.engine.MarkDoneBatch(ctx, rt, steps); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("mark done failed: %v", err)), nil
	}

	return marshalResult(statusView(rt))
}

// handleReset returns an errored step to waiting.
func (s *FlowrunServer) handleReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rt, result := s.loadRuntime(ctx, req)
	if result != nil {
		return result, nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	step := rt.Step(stepID)
	if step == nil {
		return mcp.NewToolResultError(fmt.Sprintf("step %q does not belong to runtime %s", stepID, rt.ID)), nil
	}

	if err := s.engine.Reset(ctx, rt, step); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reset failed: %v", err)), nil
	}

	return marshalResult(statusView(rt))
}

// handleCancel cancels a runtime.
func (s *FlowrunServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rt, result := s.loadRuntime(ctx, req)
	if result != nil {
		return result, nil
	}

	if err := s.engine.Cancel(ctx, rt); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"runtime_id": rt.ID,
		"state":      rt.State,
	})
}

// handleStatus returns runtime state, steps and progress.
func (s *FlowrunServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rt, result := s.loadRuntime(ctx, req)
	if result != nil {
		return result, nil
	}
	return marshalResult(statusView(rt))
}

// loadRuntime resolves the runtime_id argument into an in-memory instance.
// Returns a non-nil CallToolResult on failure.
func (s *FlowrunServer) loadRuntime(ctx context.Context, req mcp.CallToolRequest) (*engine.RuntimeInstance, *mcp.CallToolResult) {
	runtimeID, err := req.RequireString("runtime_id")
	if err != nil {
		return nil, mcp.NewToolResultError("runtime_id is required")
	}
	rt, err := engine.LoadRuntime(ctx, s.store, runtimeID)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("runtime lookup failed: %v", err))
	}
	return rt, nil
}

type stepView struct {
	ID           string `json:"id"`
	ActionRef    string `json:"action_ref"`
	Name         string `json:"name,omitempty"`
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func statusView(rt *engine.RuntimeInstance) map[string]any {
	steps := make([]stepView, 0, len(rt.Steps))
	for _, s := range rt.Steps {
		steps = append(steps, stepView{
			ID:           s.ID,
			ActionRef:    s.ActionRef,
			Name:         s.Name,
			State:        string(s.State),
			ErrorMessage: s.ErrorMessage,
		})
	}
	return map[string]any{
		"runtime_id":       rt.ID,
		"runtime_name":     rt.Name,
		"template_ref":     rt.TemplateRef,
		"state":            rt.State,
		"progress":         rt.Progress(),
		"progress_display": rt.ProgressDisplay(),
		"steps":            steps,
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

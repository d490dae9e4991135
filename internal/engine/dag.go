package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/pkg/schema"
)

// materialize builds the step instances for a runtime from a template,
// copying the predecessor graph with template-level action IDs resolved to
// sibling step instance IDs.
//
// The template author owns acyclicity, but we verify it here with Kahn's
// algorithm and fail fast with CYCLE_DETECTED rather than deadlock at
// execution time.
func materialize(tpl *schema.Template, runtimeID string) ([]*StepInstance, error) {
	if tpl == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template is nil")
	}
	if len(tpl.Actions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %q has no actions", tpl.Ref)
	}

	// Deterministic instantiation order: sequence hint, then declaration order.
	ordered := make([]schema.ActionDefinition, len(tpl.Actions))
	copy(ordered, tpl.Actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	// First pass: register actions and check for duplicates.
	actions := make(map[string]*schema.ActionDefinition, len(ordered))
	for i := range ordered {
		a := &ordered[i]
		if a.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %q has an action with empty ID", tpl.Ref)
		}
		if _, exists := actions[a.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate action ID: %s", a.ID)
		}
		actions[a.ID] = a
	}

	// Second pass: validate predecessor edges.
	inDegree := make(map[string]int, len(ordered))
	dependents := make(map[string][]string, len(ordered))
	for _, a := range ordered {
		seen := make(map[string]bool, len(a.Predecessors))
		for _, pred := range a.Predecessors {
			if _, exists := actions[pred]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %s depends on non-existent action: %s", a.ID, pred)
			}
			if pred == a.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "action %s depends on itself", a.ID)
			}
			if seen[pred] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %s has duplicate predecessor: %s", a.ID, pred)
			}
			seen[pred] = true
			inDegree[a.ID]++
			dependents[pred] = append(dependents[pred], a.ID)
		}
	}

	// Kahn's algorithm: every action must be reachable from a root.
	queue := make([]string, 0, len(ordered))
	for _, a := range ordered {
		if inDegree[a.ID] == 0 {
			queue = append(queue, a.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(ordered) {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "template %q contains a dependency cycle", tpl.Ref)
	}

	// Third pass: create the instances and translate predecessor edges.
	stepIDs := make(map[string]string, len(ordered)) // action ID -> step ID
	steps := make([]*StepInstance, 0, len(ordered))
	for pos, a := range ordered {
		state := schema.StepStateReady
		if len(a.Predecessors) > 0 {
			state = schema.StepStateWaiting
		}
		step := &StepInstance{
			ID:        uuid.NewString(),
			RuntimeID: runtimeID,
			ActionRef: a.Action,
			Name:      a.Name,
			Sequence:  a.Sequence,
			Position:  pos,
			State:     state,
			Params:    a.Params,
		}
		stepIDs[a.ID] = step.ID
		steps = append(steps, step)
	}
	for i, a := range ordered {
		for _, pred := range a.Predecessors {
			steps[i].Predecessors = append(steps[i].Predecessors, stepIDs[pred])
		}
	}

	return steps, nil
}

// isReady reports whether a step can run: its own state is not terminal and
// every predecessor is done. A step with no predecessors is ready by
// definition once the owning runtime is in progress.
func isReady(rt *RuntimeInstance, step *StepInstance) bool {
	if schema.TerminalStep(step.State) {
		return false
	}
	for _, predID := range step.Predecessors {
		pred := rt.step(predID)
		if pred == nil || pred.State != schema.StepStateDone {
			return false
		}
	}
	return true
}

// sortByOrder orders steps by the deterministic tie-break: sequence hint,
// then instantiation order.
func sortByOrder(steps []*StepInstance) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Sequence != steps[j].Sequence {
			return steps[i].Sequence < steps[j].Sequence
		}
		return steps[i].Position < steps[j].Position
	})
}

// recordedReady returns the steps whose recorded state is ready, in
// tie-break order. Selection never promotes: a step sitting in waiting stays
// there until a mark-done or reset cascade activates it, even when its
// predecessors are already done.
func recordedReady(rt *RuntimeInstance) []*StepInstance {
	ready := make([]*StepInstance, 0)
	for _, step := range rt.Steps {
		if step.State == schema.StepStateReady {
			ready = append(ready, step)
		}
	}
	sortByOrder(ready)
	return ready
}

// refreshReadiness applies the waiting -> ready transition wherever the
// readiness condition newly holds, persisting and emitting as it goes. It
// runs only inside the mark-done and reset cascades; step selection reads
// recorded state instead.
//
// Steps blocked behind an error or cancelled predecessor stay waiting
// forever; the engine never force-fails dependents.
func (e *Engine) refreshReadiness(ctx context.Context, rt *RuntimeInstance) error {
	ordered := make([]*StepInstance, len(rt.Steps))
	copy(ordered, rt.Steps)
	sortByOrder(ordered)

	for _, step := range ordered {
		if step.State != schema.StepStateWaiting || !isReady(rt, step) {
			continue
		}
		if err := e.stepFSM.Transition(ctx, rt.ID, step.ID, schema.StepStateWaiting, schema.StepStateReady); err != nil {
			return err
		}
		step.State = schema.StepStateReady
		step.ErrorMessage = ""
		if err := e.persistStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

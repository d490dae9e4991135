package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/rendis/flowrun/pkg/schema"
)

// Progress returns the runtime completion percentage, 0-100, rounded.
// A runtime with no steps reports 0.
func (rt *RuntimeInstance) Progress() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.progress()
}

// ProgressDisplay returns the exact-count progress string, e.g. "2/4 steps".
// Counts are never rounded.
func (rt *RuntimeInstance) ProgressDisplay() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	done, total := rt.stepCounts()
	return fmt.Sprintf("%d/%d steps", done, total)
}

func (rt *RuntimeInstance) progress() int {
	done, total := rt.stepCounts()
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

func (rt *RuntimeInstance) stepCounts() (done, total int) {
	total = len(rt.Steps)
	for _, s := range rt.Steps {
		if s.State == schema.StepStateDone {
			done++
		}
	}
	return done, total
}

// maybeAutocomplete moves the runtime to done when every step has reached
// done. This is the only path to the done runtime state; a runtime with an
// errored or still-pending step stays in progress. rt.mu must be held.
func (e *Engine) maybeAutocomplete(ctx context.Context, rt *RuntimeInstance) error {
	if rt.State != schema.RuntimeStateInProgress {
		return nil
	}
	done, total := rt.stepCounts()
	if total == 0 || done != total {
		return nil
	}

	if err := e.rtFSM.Transition(ctx, rt.ID, rt.State, schema.RuntimeStateDone); err != nil {
		return err
	}
	rt.State = schema.RuntimeStateDone
	return e.persistRuntimeState(ctx, rt)
}

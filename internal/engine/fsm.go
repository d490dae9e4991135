package engine

import (
	"context"
	"sync"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Runtime FSM ---

type runtimeHookKey struct {
	from, to schema.RuntimeState
}

// RuntimeFSM manages runtime instance lifecycle transitions.
type RuntimeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runtimeHookKey][]TransitionHook
	after    map[runtimeHookKey][]TransitionHook
}

// NewRuntimeFSM creates a RuntimeFSM that emits events via the given appender.
func NewRuntimeFSM(appender EventAppender) *RuntimeFSM {
	return &RuntimeFSM{
		appender: appender,
		before:   make(map[runtimeHookKey][]TransitionHook),
		after:    make(map[runtimeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a runtime transition.
func (f *RuntimeFSM) OnBefore(from, to schema.RuntimeState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runtimeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a runtime transition.
func (f *RuntimeFSM) OnAfter(from, to schema.RuntimeState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runtimeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a runtime state transition, emitting the
// corresponding event. The caller is responsible for persisting the new state.
func (f *RuntimeFSM) Transition(ctx context.Context, runtimeID string, from, to schema.RuntimeState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRuntimeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid runtime transition: %s -> %s", from, to).
			WithDetails(map[string]any{"runtime_id": runtimeID, "from": string(from), "to": string(to)})
	}

	key := runtimeHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := runtimeEventType(to)
	if eventType != "" && f.appender != nil {
		event := &store.Event{
			RuntimeID: runtimeID,
			Type:      eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit runtime event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRuntimeTransition(from, to schema.RuntimeState) bool {
	allowed, ok := ValidRuntimeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runtimeEventType(to schema.RuntimeState) string {
	switch to {
	case schema.RuntimeStateInProgress:
		return schema.EventRuntimeStarted
	case schema.RuntimeStateDone:
		return schema.EventRuntimeCompleted
	case schema.RuntimeStateCancel:
		return schema.EventRuntimeCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepState
}

// StepFSM manages step instance lifecycle transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step state transition, emitting the
// corresponding event.
func (f *StepFSM) Transition(ctx context.Context, runtimeID, stepID string, from, to schema.StepState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"runtime_id": runtimeID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := stepEventType(to)
	if eventType != "" && f.appender != nil {
		event := &store.Event{
			RuntimeID: runtimeID,
			StepID:    stepID,
			Type:      eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStepTransition(from, to schema.StepState) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepState) string {
	switch to {
	case schema.StepStateReady:
		return schema.EventStepReady
	case schema.StepStateDone:
		return schema.EventStepDone
	case schema.StepStateError:
		return schema.EventStepError
	case schema.StepStateCancel:
		return schema.EventStepCancelled
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidRuntimeTransitions defines the allowed state transitions for runtimes.
// done is reached only through the progress aggregator; cancel only through
// explicit cancellation.
var ValidRuntimeTransitions = map[schema.RuntimeState][]schema.RuntimeState{
	schema.RuntimeStateDraft:      {schema.RuntimeStateInProgress, schema.RuntimeStateCancel},
	schema.RuntimeStateInProgress: {schema.RuntimeStateDone, schema.RuntimeStateCancel},
	schema.RuntimeStateDone:       {},
	schema.RuntimeStateCancel:     {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// waiting -> done is deliberately absent: a step must pass through ready.
// error -> waiting is the manual reset path.
var ValidStepTransitions = map[schema.StepState][]schema.StepState{
	schema.StepStateWaiting: {schema.StepStateReady, schema.StepStateCancel},
	schema.StepStateReady:   {schema.StepStateDone, schema.StepStateError, schema.StepStateCancel},
	schema.StepStateDone:    {},
	schema.StepStateError:   {schema.StepStateWaiting},
	schema.StepStateCancel:  {},
}

package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// SequenceCode is the sequence used for runtime instance display names.
const SequenceCode = "flowrun.runtime"

// RuntimeInstance is one live execution of a workflow template against a
// specific business context. It owns its step instances; access is
// serialized by a per-instance mutex (single writer per instance).
type RuntimeInstance struct {
	ID          string
	Name        string
	TemplateRef string
	Target      schema.TargetContext
	State       schema.RuntimeState
	Steps       []*StepInstance
	CreatedAt   time.Time

	mu    sync.Mutex
	index map[string]*StepInstance
}

// StepInstance is one materialized action node bound to a runtime instance.
// Predecessors hold sibling step IDs, resolved via the owning runtime's
// index rather than direct references.
type StepInstance struct {
	ID           string
	RuntimeID    string
	ActionRef    string
	Name         string
	Sequence     int
	Position     int
	State        schema.StepState
	ErrorMessage string
	Predecessors []string
	Params       json.RawMessage
}

// IsReady reports whether the step is ready to run within rt.
func (rt *RuntimeInstance) IsReady(step *StepInstance) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return isReady(rt, step)
}

// Step returns the step instance with the given ID, or nil.
func (rt *RuntimeInstance) Step(id string) *StepInstance {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.step(id)
}

func (rt *RuntimeInstance) step(id string) *StepInstance {
	return rt.index[id]
}

func (rt *RuntimeInstance) reindex() {
	rt.index = make(map[string]*StepInstance, len(rt.Steps))
	for _, s := range rt.Steps {
		rt.index[s.ID] = s
	}
}

// --- Engine ---

// RuntimeStore is the narrow persistence surface the engine writes through.
// Satisfied by store.Store and test mocks.
type RuntimeStore interface {
	CreateRuntime(ctx context.Context, rt *store.Runtime) error
	UpdateRuntime(ctx context.Context, id string, update store.RuntimeUpdate) error
	UpsertStep(ctx context.Context, step *store.Step) error
}

// TemplateResolver fetches the ordered action graph for a template reference.
type TemplateResolver interface {
	ResolveTemplate(ctx context.Context, ref string) (*schema.Template, error)
}

// SequenceNamer assigns unique, non-placeholder display names.
type SequenceNamer interface {
	NextSequenceName(ctx context.Context, code string) (string, error)
}

// Executable runs one action's opaque payload with an execution context.
// The engine never interprets the payload; it only observes success or error.
type Executable interface {
	Execute(ctx context.Context, actionRef string, params json.RawMessage, execCtx map[string]any) error
}

// Engine drives runtime instances through their lifecycle: instantiation,
// readiness propagation, step execution and progress aggregation.
type Engine struct {
	store     RuntimeStore
	events    EventAppender
	templates TemplateResolver
	sequencer SequenceNamer
	exec      Executable
	rtFSM     *RuntimeFSM
	stepFSM   *StepFSM
	logger    *slog.Logger
}

// NewEngine creates an Engine. events may be nil (no event log).
func NewEngine(s RuntimeStore, events EventAppender, templates TemplateResolver, sequencer SequenceNamer, exec Executable, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		events:    events,
		templates: templates,
		sequencer: sequencer,
		exec:      exec,
		rtFSM:     NewRuntimeFSM(events),
		stepFSM:   NewStepFSM(events),
		logger:    logger,
	}
}

// Create builds a new draft runtime instance bound to a template and target
// context. The display name comes from the sequence generator and is never a
// placeholder.
func (e *Engine) Create(ctx context.Context, templateRef string, target schema.TargetContext) (*RuntimeInstance, error) {
	if templateRef == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "template reference is empty")
	}

	name, err := e.sequencer.NextSequenceName(ctx, SequenceCode)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "next sequence name: %s", err.Error()).WithCause(err)
	}

	rt := &RuntimeInstance{
		ID:          uuid.NewString(),
		Name:        name,
		TemplateRef: templateRef,
		Target:      target,
		State:       schema.RuntimeStateDraft,
		CreatedAt:   time.Now().UTC(),
		index:       make(map[string]*StepInstance),
	}

	if err := e.store.CreateRuntime(ctx, runtimeRecord(rt)); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create runtime: %s", err.Error()).WithCause(err)
	}
	// The runtime row is already committed; a failed event append must not
	// make the caller believe creation failed.
	if e.events != nil {
		evt := &store.Event{RuntimeID: rt.ID, Type: schema.EventRuntimeCreated}
		if err := e.events.AppendEvent(ctx, evt); err != nil {
			e.logger.WarnContext(ctx, "failed to record runtime event",
				slog.String("runtime_id", rt.ID),
				slog.String("error", err.Error()))
		}
	}

	logging.LogWith(logging.WithRuntimeID(ctx, rt.ID), e.logger).
		InfoContext(ctx, "runtime created", slog.String("name", rt.Name), slog.String("template", templateRef))
	return rt, nil
}

// Start materializes the step instances from the template and moves the
// runtime from draft to in_progress.
//
// Preconditions: the runtime is draft, the target partner is set, and the
// template resolves to at least one action definition.
func (e *Engine) Start(ctx context.Context, rt *RuntimeInstance) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.State != schema.RuntimeStateDraft {
		return schema.NewErrorf(schema.ErrCodePrecondition, "runtime %s is not draft (state: %s)", rt.ID, rt.State)
	}
	if rt.Target.PartnerID == "" {
		return schema.NewError(schema.ErrCodePrecondition, "target partner is not set")
	}

	tpl, err := e.templates.ResolveTemplate(ctx, rt.TemplateRef)
	if err != nil {
		if schema.CodeOf(err) != "" {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeResolution, "resolve template %q: %s", rt.TemplateRef, err.Error()).WithCause(err)
	}
	if tpl == nil || len(tpl.Actions) == 0 {
		return schema.NewErrorf(schema.ErrCodePrecondition, "template %q has no actions configured", rt.TemplateRef)
	}

	steps, err := materialize(tpl, rt.ID)
	if err != nil {
		return err
	}

	if err := e.rtFSM.Transition(ctx, rt.ID, rt.State, schema.RuntimeStateInProgress); err != nil {
		return err
	}
	rt.State = schema.RuntimeStateInProgress
	rt.Steps = steps
	rt.reindex()

	for _, step := range steps {
		if err := e.persistStep(ctx, step); err != nil {
			return err
		}
	}
	if err := e.persistRuntimeState(ctx, rt); err != nil {
		return err
	}

	logging.LogWith(logging.WithRuntimeID(ctx, rt.ID), e.logger).
		InfoContext(ctx, "runtime started", slog.Int("steps", len(steps)))
	return nil
}

// NextStep selects and executes the single next ready step.
//
// Returns PRECONDITION_ERROR when the runtime is not in progress and
// NO_READY_STEP when nothing is ready. Execution failures propagate to the
// caller unchanged after being recorded on the step.
func (e *Engine) NextStep(ctx context.Context, rt *RuntimeInstance) error {
	return e.NextStepWithPayload(ctx, rt, nil)
}

// NextStepWithPayload is NextStep with an externally supplied trigger payload
// merged into the execution context.
func (e *Engine) NextStepWithPayload(ctx context.Context, rt *RuntimeInstance, payload map[string]any) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := requireInProgress(rt); err != nil {
		return err
	}

	ready := recordedReady(rt)
	if len(ready) == 0 {
		return schema.NewError(schema.ErrCodeNoReadyStep, "no step is ready to execute; check dependencies")
	}

	return e.executeStep(ctx, rt, ready[0], payload)
}

// MarkDone marks a ready step as done, refreshes sibling readiness and
// re-aggregates runtime progress. Calling it from any state other than ready
// fails with INVALID_TRANSITION; calling it on a runtime that is not in
// progress fails with PRECONDITION.
func (e *Engine) MarkDone(ctx context.Context, rt *RuntimeInstance, step *StepInstance) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := requireInProgress(rt); err != nil {
		return err
	}
	return e.applyMarkDone(ctx, rt, step)
}

// MarkDoneBatch marks several steps of one runtime done. Per-step transitions
// stay atomic, but readiness refresh and progress aggregation run once for
// the whole batch.
func (e *Engine) MarkDoneBatch(ctx context.Context, rt *RuntimeInstance, steps []*StepInstance) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := requireInProgress(rt); err != nil {
		return err
	}
	for _, step := range steps {
		if rt.step(step.ID) == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s does not belong to runtime %s", step.ID, rt.ID).WithStep(step.ID)
		}
	}
	for _, step := range steps {
		if err := e.transitionStepDone(ctx, rt, step); err != nil {
			return err
		}
	}
	if err := e.refreshReadiness(ctx, rt); err != nil {
		return err
	}
	return e.maybeAutocomplete(ctx, rt)
}

// Cancel cancels the runtime and every non-terminal step. It is an
// idempotent no-op on a runtime that is already done or cancelled.
func (e *Engine) Cancel(ctx context.Context, rt *RuntimeInstance) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if schema.TerminalRuntime(rt.State) {
		return nil
	}

	for _, step := range rt.Steps {
		if schema.TerminalStep(step.State) {
			continue
		}
		if err := e.stepFSM.Transition(ctx, rt.ID, step.ID, step.State, schema.StepStateCancel); err != nil {
			return err
		}
		step.State = schema.StepStateCancel
		if err := e.persistStep(ctx, step); err != nil {
			return err
		}
	}

	if err := e.rtFSM.Transition(ctx, rt.ID, rt.State, schema.RuntimeStateCancel); err != nil {
		return err
	}
	rt.State = schema.RuntimeStateCancel
	if err := e.persistRuntimeState(ctx, rt); err != nil {
		return err
	}

	logging.LogWith(logging.WithRuntimeID(ctx, rt.ID), e.logger).InfoContext(ctx, "runtime cancelled")
	return nil
}

// Reset returns an errored step to waiting, clearing its message. This is
// the manual recovery path for a stalled runtime; the readiness cascade
// immediately re-promotes the step when its predecessors are already done.
// A runtime that is no longer in progress rejects the reset: cancel and done
// are terminal for every step they cover.
func (e *Engine) Reset(ctx context.Context, rt *RuntimeInstance, step *StepInstance) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := requireInProgress(rt); err != nil {
		return err
	}
	if err := e.stepFSM.Transition(ctx, rt.ID, step.ID, step.State, schema.StepStateWaiting); err != nil {
		return err
	}
	step.State = schema.StepStateWaiting
	step.ErrorMessage = ""
	if err := e.persistStep(ctx, step); err != nil {
		return err
	}
	return e.refreshReadiness(ctx, rt)
}

// requireInProgress guards the mutation entry points against draft and
// terminal runtimes. Callers hold rt.mu.
func requireInProgress(rt *RuntimeInstance) error {
	if rt.State != schema.RuntimeStateInProgress {
		return schema.NewErrorf(schema.ErrCodePrecondition, "runtime %s is not in progress (state: %s)", rt.ID, rt.State)
	}
	return nil
}

// transitionStepDone applies the ready -> done transition for one step
// without the cascading refresh; callers handle readiness and progress.
func (e *Engine) transitionStepDone(ctx context.Context, rt *RuntimeInstance, step *StepInstance) error {
	if err := e.stepFSM.Transition(ctx, rt.ID, step.ID, step.State, schema.StepStateDone); err != nil {
		return err
	}
	step.State = schema.StepStateDone
	step.ErrorMessage = ""
	return e.persistStep(ctx, step)
}

// applyMarkDone is MarkDone with rt.mu already held.
func (e *Engine) applyMarkDone(ctx context.Context, rt *RuntimeInstance, step *StepInstance) error {
	if err := e.transitionStepDone(ctx, rt, step); err != nil {
		return err
	}
	if err := e.refreshReadiness(ctx, rt); err != nil {
		return err
	}
	return e.maybeAutocomplete(ctx, rt)
}

// --- persistence helpers ---

func runtimeRecord(rt *RuntimeInstance) *store.Runtime {
	return &store.Runtime{
		ID:          rt.ID,
		Name:        rt.Name,
		TemplateRef: rt.TemplateRef,
		State:       rt.State,
		Target:      rt.Target,
		CreatedAt:   rt.CreatedAt,
	}
}

func stepRecord(step *StepInstance) *store.Step {
	return &store.Step{
		ID:           step.ID,
		RuntimeID:    step.RuntimeID,
		ActionRef:    step.ActionRef,
		Name:         step.Name,
		Sequence:     step.Sequence,
		Position:     step.Position,
		State:        step.State,
		ErrorMessage: step.ErrorMessage,
		Predecessors: step.Predecessors,
		Params:       step.Params,
	}
}

func (e *Engine) persistStep(ctx context.Context, step *StepInstance) error {
	if err := e.store.UpsertStep(ctx, stepRecord(step)); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist step: %s", err.Error()).WithStep(step.ID).WithCause(err)
	}
	return nil
}

func (e *Engine) persistRuntimeState(ctx context.Context, rt *RuntimeInstance) error {
	state := rt.State
	if err := e.store.UpdateRuntime(ctx, rt.ID, store.RuntimeUpdate{State: &state}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist runtime state: %s", err.Error()).WithCause(err)
	}
	return nil
}

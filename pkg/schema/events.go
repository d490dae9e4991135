package schema

// Event type constants for the append-only runtime event log.
const (
	EventRuntimeCreated   = "runtime_created"
	EventRuntimeStarted   = "runtime_started"
	EventRuntimeCompleted = "runtime_completed"
	EventRuntimeCancelled = "runtime_cancelled"

	EventStepReady     = "step_ready"
	EventStepDone      = "step_done"
	EventStepError     = "step_error"
	EventStepCancelled = "step_cancelled"

	EventTriggerReceived = "trigger_received"
	EventTriggerRejected = "trigger_rejected"
)

package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// Runtime is the persisted representation of a runtime workflow instance.
type Runtime struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	TemplateRef string               `json:"template_ref"`
	State       schema.RuntimeState  `json:"state"`
	Target      schema.TargetContext `json:"target"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Step is the persisted representation of a step instance.
type Step struct {
	ID           string           `json:"id"`
	RuntimeID    string           `json:"runtime_id"`
	ActionRef    string           `json:"action_ref"`
	Name         string           `json:"name,omitempty"`
	Sequence     int              `json:"sequence"`
	Position     int              `json:"position"` // instantiation order within the runtime
	State        schema.StepState `json:"state"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Predecessors []string         `json:"predecessors,omitempty"` // sibling step IDs
	Params       json.RawMessage  `json:"params,omitempty"`
}

// Event is an immutable entry in the runtime event log.
type Event struct {
	ID        int64           `json:"id"`
	RuntimeID string          `json:"runtime_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered template instantiation.
type ScheduledJob struct {
	ID             string          `json:"id"`
	TemplateRef    string          `json:"template_ref"`
	CronExpression string          `json:"cron_expression"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RuntimeUpdate specifies mutable fields of a runtime.
type RuntimeUpdate struct {
	State *schema.RuntimeState `json:"state,omitempty"`
}

// RuntimeFilter specifies criteria for listing runtimes.
type RuntimeFilter struct {
	State  *schema.RuntimeState `json:"state,omitempty"`
	Since  *time.Time           `json:"since,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

package store

import (
	"context"

	"github.com/rendis/flowrun/pkg/schema"
)

// Store is the persistence interface for the runtime engine.
type Store interface {
	// Runtimes
	CreateRuntime(ctx context.Context, rt *Runtime) error
	GetRuntime(ctx context.Context, id string) (*Runtime, error)
	UpdateRuntime(ctx context.Context, id string, update RuntimeUpdate) error
	ListRuntimes(ctx context.Context, filter RuntimeFilter) ([]*Runtime, error)
	DeleteRuntime(ctx context.Context, id string) error

	// Steps (materialized per runtime)
	UpsertStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, id string) (*Step, error)
	ListSteps(ctx context.Context, runtimeID string) ([]*Step, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runtimeID string, since int64) ([]*Event, error)

	// Sequence names (e.g. "WF/2026/00042")
	NextSequenceName(ctx context.Context, code string) (string, error)

	// Templates
	StoreTemplate(ctx context.Context, tpl *schema.Template) error
	ResolveTemplate(ctx context.Context, ref string) (*schema.Template, error)
	ListTemplates(ctx context.Context) ([]*schema.Template, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
}

package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/store"
)

type mockJobStore struct {
	jobs    []*store.ScheduledJob
	updates map[string]store.ScheduledJobUpdate
}

func newMockJobStore(jobs ...*store.ScheduledJob) *mockJobStore {
	return &mockJobStore{jobs: jobs, updates: make(map[string]store.ScheduledJobUpdate)}
}

func (m *mockJobStore) ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	var out []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (m *mockJobStore) UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error {
	m.updates[id] = update
	return nil
}

type mockFirer struct {
	fired    []string
	payloads []map[string]any
	result   *Result
	err      error
}

func (m *mockFirer) Fire(ctx context.Context, templateRef string, payload map[string]any) (*Result, error) {
	m.fired = append(m.fired, templateRef)
	m.payloads = append(m.payloads, payload)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &Result{}, nil
}

func dueJob(id string) *store.ScheduledJob {
	past := time.Now().UTC().Add(-time.Minute)
	return &store.ScheduledJob{
		ID:             id,
		TemplateRef:    "invoice.approval",
		CronExpression: "*/5 * * * *",
		Payload:        json.RawMessage(`{"default_partner_id":"partner-1"}`),
		Enabled:        true,
		NextRunAt:      &past,
	}
}

func TestScheduler_FiresDueJobs(t *testing.T) {
	js := newMockJobStore(dueJob("job-1"))
	firer := &mockFirer{}
	s := NewScheduler(js, firer, nil)

	s.Tick(context.Background())

	require.Len(t, firer.fired, 1)
	assert.Equal(t, "invoice.approval", firer.fired[0])
	assert.Equal(t, "partner-1", firer.payloads[0]["default_partner_id"])

	update, ok := js.updates["job-1"]
	require.True(t, ok)
	assert.Equal(t, "success", update.LastRunStatus)
	require.NotNil(t, update.NextRunAt)
	assert.True(t, update.NextRunAt.After(time.Now().UTC()))
}

func TestScheduler_SkipsFutureAndDisabledJobs(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	notDue := dueJob("job-future")
	notDue.NextRunAt = &future
	disabled := dueJob("job-off")
	disabled.Enabled = false

	js := newMockJobStore(notDue, disabled)
	firer := &mockFirer{}
	s := NewScheduler(js, firer, nil)

	s.Tick(context.Background())
	assert.Empty(t, firer.fired)
}

func TestScheduler_NeverRunJobFiresImmediately(t *testing.T) {
	job := dueJob("job-new")
	job.NextRunAt = nil

	js := newMockJobStore(job)
	firer := &mockFirer{}
	s := NewScheduler(js, firer, nil)

	s.Tick(context.Background())
	assert.Len(t, firer.fired, 1)
}

func TestScheduler_RecordsRejectedStatus(t *testing.T) {
	js := newMockJobStore(dueJob("job-1"))
	firer := &mockFirer{result: &Result{Rejected: true, Reason: "filter condition not met"}}
	s := NewScheduler(js, firer, nil)

	s.Tick(context.Background())
	assert.Equal(t, "rejected", js.updates["job-1"].LastRunStatus)
}

func TestScheduler_RecordsErrorStatus(t *testing.T) {
	js := newMockJobStore(dueJob("job-1"))
	firer := &mockFirer{err: assert.AnError}
	s := NewScheduler(js, firer, nil)

	s.Tick(context.Background())
	assert.Equal(t, "error", js.updates["job-1"].LastRunStatus)
}

func TestScheduler_StartStop(t *testing.T) {
	js := newMockJobStore()
	s := NewScheduler(js, &mockFirer{}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	// Stop is idempotent.
	require.NoError(t, s.Stop())
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(newMockJobStore(), &mockFirer{}, nil)

	from := time.Date(2026, 8, 30, 10, 2, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 5, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not-cron", from)
	assert.Error(t, err)
}

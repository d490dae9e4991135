package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRuntime(t *testing.T, s *LibSQLStore) *Runtime {
	t.Helper()
	rt := &Runtime{
		ID:          uuid.New().String(),
		Name:        "WF/2026/00001",
		TemplateRef: "invoice.approval",
		State:       schema.RuntimeStateDraft,
		Target: schema.TargetContext{
			PartnerID: "partner-1",
			Amount:    120.50,
		},
	}
	require.NoError(t, s.CreateRuntime(context.Background(), rt))
	return rt
}

// --- Migrations ---

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// newTestStore already migrated once; a second run applies nothing.
	require.NoError(t, s.Migrate(ctx))

	var version int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM flowrun_schema`).Scan(&version))
	assert.Equal(t, len(migrationScripts), version)

	var applied int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flowrun_schema`).Scan(&applied))
	assert.Equal(t, len(migrationScripts), applied, "re-running records no duplicate versions")

	seedRuntime(t, s)
}

func TestSQLStatementSplitting(t *testing.T) {
	script := "-- header comment\nCREATE TABLE a (\n\tid TEXT, -- inline note\n\tn INTEGER\n);\n\n-- another\nCREATE INDEX idx_a ON a (n);\n"
	stmts := sqlStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[0], "-- inline note")
	assert.NotContains(t, stmts[0], "header comment")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}

// --- Runtime Tests ---

func TestCreateAndGetRuntime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rt := &Runtime{
		ID:          uuid.New().String(),
		Name:        "WF/2026/00007",
		TemplateRef: "invoice.approval",
		State:       schema.RuntimeStateDraft,
		Target: schema.TargetContext{
			PartnerID:     "partner-1",
			DiffPartnerID: "partner-2",
			Amount:        99.95,
			CurrencyID:    "EUR",
			Date:          "2026-08-30",
			Reference:     "INV-42",
			CompanyID:     "company-1",
		},
	}
	require.NoError(t, s.CreateRuntime(ctx, rt))

	got, err := s.GetRuntime(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, rt.ID, got.ID)
	assert.Equal(t, "WF/2026/00007", got.Name)
	assert.Equal(t, schema.RuntimeStateDraft, got.State)
	assert.Equal(t, rt.Target, got.Target)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetRuntime_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRuntime(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestUpdateRuntimeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rt := seedRuntime(t, s)

	state := schema.RuntimeStateInProgress
	require.NoError(t, s.UpdateRuntime(ctx, rt.ID, RuntimeUpdate{State: &state}))

	got, err := s.GetRuntime(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RuntimeStateInProgress, got.State)
}

func TestUpdateRuntime_NotFound(t *testing.T) {
	s := newTestStore(t)
	state := schema.RuntimeStateCancel
	err := s.UpdateRuntime(context.Background(), "missing", RuntimeUpdate{State: &state})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListRuntimes_FilterByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedRuntime(t, s)
	}
	rt := seedRuntime(t, s)
	state := schema.RuntimeStateInProgress
	require.NoError(t, s.UpdateRuntime(ctx, rt.ID, RuntimeUpdate{State: &state}))

	all, err := s.ListRuntimes(ctx, RuntimeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	inProgress, err := s.ListRuntimes(ctx, RuntimeFilter{State: &state})
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, rt.ID, inProgress[0].ID)

	limited, err := s.ListRuntimes(ctx, RuntimeFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteRuntime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rt := seedRuntime(t, s)

	require.NoError(t, s.DeleteRuntime(ctx, rt.ID))
	_, err := s.GetRuntime(ctx, rt.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	err = s.DeleteRuntime(ctx, rt.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

// --- Step Tests ---

func TestUpsertStep_InsertAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rt := seedRuntime(t, s)

	step := &Step{
		ID:           uuid.New().String(),
		RuntimeID:    rt.ID,
		ActionRef:    "reserve-funds",
		Name:         "Reserve funds",
		Sequence:     10,
		Position:     0,
		State:        schema.StepStateReady,
		Predecessors: []string{"step-a", "step-b"},
		Params:       json.RawMessage(`{"hold":true}`),
	}
	require.NoError(t, s.UpsertStep(ctx, step))

	got, err := s.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, "reserve-funds", got.ActionRef)
	assert.Equal(t, schema.StepStateReady, got.State)
	assert.Equal(t, []string{"step-a", "step-b"}, got.Predecessors)
	assert.JSONEq(t, `{"hold":true}`, string(got.Params))

	step.State = schema.StepStateError
	step.ErrorMessage = "downstream unavailable"
	require.NoError(t, s.UpsertStep(ctx, step))

	got, err = s.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStateError, got.State)
	assert.Equal(t, "downstream unavailable", got.ErrorMessage)
}

func TestGetStep_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetStep(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListSteps_OrderedBySequenceThenPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rt := seedRuntime(t, s)

	for i, spec := range []struct {
		ref      string
		sequence int
		position int
	}{
		{"notify", 20, 2},
		{"validate", 10, 0},
		{"reserve", 10, 1},
	} {
		require.NoError(t, s.UpsertStep(ctx, &Step{
			ID:        fmt.Sprintf("step-%d", i),
			RuntimeID: rt.ID,
			ActionRef: spec.ref,
			Sequence:  spec.sequence,
			Position:  spec.position,
			State:     schema.StepStateWaiting,
		}))
	}

	steps, err := s.ListSteps(ctx, rt.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "validate", steps[0].ActionRef)
	assert.Equal(t, "reserve", steps[1].ActionRef)
	assert.Equal(t, "notify", steps[2].ActionRef)
}

// --- Event Tests ---

func TestAppendEvent_SequencePerRuntime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rtA := seedRuntime(t, s)
	rtB := seedRuntime(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			RuntimeID: rtA.ID,
			Type:      schema.EventRuntimeStarted,
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{
		RuntimeID: rtB.ID,
		Type:      schema.EventRuntimeCreated,
	}))

	eventsA, err := s.GetEvents(ctx, rtA.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsA, 3)
	for i, e := range eventsA {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	eventsB, err := s.GetEvents(ctx, rtB.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsB, 1)
	assert.Equal(t, int64(1), eventsB[0].Sequence)
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rt := seedRuntime(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			RuntimeID: rt.ID,
			StepID:    "step-1",
			Type:      schema.EventStepDone,
			Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}))
	}

	events, err := s.GetEvents(ctx, rt.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)
	assert.Equal(t, "step-1", events[0].StepID)
}

// --- Sequence Tests ---

func TestNextSequenceName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	year := time.Now().UTC().Year()

	first, err := s.NextSequenceName(ctx, "flowrun.runtime")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("WF/%d/00001", year), first)

	second, err := s.NextSequenceName(ctx, "flowrun.runtime")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("WF/%d/00002", year), second)

	// Independent codes advance independently.
	other, err := s.NextSequenceName(ctx, "flowrun.batch")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("WF/%d/00001", year), other)
}

// --- Template Tests ---

func TestStoreAndResolveTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &schema.Template{
		Ref:  "invoice.approval",
		Name: "Invoice approval",
		Actions: []schema.ActionDefinition{
			{ID: "validate", Action: "validate-invoice", Sequence: 10},
			{ID: "post", Action: "post-invoice", Sequence: 20, Predecessors: []string{"validate"}},
		},
	}
	require.NoError(t, s.StoreTemplate(ctx, tpl))

	got, err := s.ResolveTemplate(ctx, "invoice.approval")
	require.NoError(t, err)
	assert.Equal(t, "Invoice approval", got.Name)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, []string{"validate"}, got.Actions[1].Predecessors)

	// Re-storing the same ref replaces the definition.
	tpl.Name = "Invoice approval v2"
	require.NoError(t, s.StoreTemplate(ctx, tpl))
	got, err = s.ResolveTemplate(ctx, "invoice.approval")
	require.NoError(t, err)
	assert.Equal(t, "Invoice approval v2", got.Name)
}

func TestResolveTemplate_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ResolveTemplate(context.Background(), "ghost")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListTemplates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreTemplate(ctx, &schema.Template{Ref: "b.flow"}))
	require.NoError(t, s.StoreTemplate(ctx, &schema.Template{Ref: "a.flow"}))

	templates, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "a.flow", templates[0].Ref)
	assert.Equal(t, "b.flow", templates[1].Ref)
}

// --- Scheduled Job Tests ---

func TestScheduledJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             uuid.New().String(),
		TemplateRef:    "invoice.approval",
		CronExpression: "0 9 * * MON",
		Payload:        json.RawMessage(`{"default_partner_id":"partner-1"}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 9 * * MON", jobs[0].CronExpression)
	assert.True(t, jobs[0].Enabled)
	assert.Nil(t, jobs[0].LastRunAt)

	now := time.Now().UTC().Truncate(time.Second)
	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		LastRunStatus: "ok",
	}))

	jobs, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Enabled)
	assert.Equal(t, "ok", jobs[0].LastRunStatus)
	require.NotNil(t, jobs[0].LastRunAt)
	assert.WithinDuration(t, now, *jobs[0].LastRunAt, time.Second)

	enabled := true
	onlyEnabled, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, onlyEnabled)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	err = s.DeleteScheduledJob(ctx, job.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

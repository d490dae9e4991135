package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowrun/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runtimes ---

func (s *LibSQLStore) CreateRuntime(ctx context.Context, rt *Runtime) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runtimes (id, name, template_ref, state, partner_id, diff_partner_id, amount, currency_id, date, reference, company_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.Name, rt.TemplateRef, string(rt.State),
		rt.Target.PartnerID, nullStr(rt.Target.DiffPartnerID), rt.Target.Amount,
		nullStr(rt.Target.CurrencyID), nullStr(rt.Target.Date), nullStr(rt.Target.Reference), nullStr(rt.Target.CompanyID),
		timeOrNow(rt.CreatedAt), timeOrNow(rt.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRuntime(ctx context.Context, id string) (*Runtime, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, template_ref, state, partner_id, diff_partner_id, amount, currency_id, date, reference, company_id, created_at, updated_at
		 FROM runtimes WHERE id = ?`, id)
	rt, err := scanRuntime(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("runtime", id)
	}
	return rt, err
}

func (s *LibSQLStore) UpdateRuntime(ctx context.Context, id string, update RuntimeUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runtimes SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "runtime", id)
}

func (s *LibSQLStore) ListRuntimes(ctx context.Context, filter RuntimeFilter) ([]*Runtime, error) {
	query := `SELECT id, name, template_ref, state, partner_id, diff_partner_id, amount, currency_id, date, reference, company_id, created_at, updated_at
		 FROM runtimes WHERE 1=1`
	args := []any{}
	if filter.State != nil {
		query += " AND state = ?"
		args = append(args, string(*filter.State))
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runtimes []*Runtime
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, err
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes, rows.Err()
}

func (s *LibSQLStore) DeleteRuntime(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runtimes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "runtime", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuntime(row rowScanner) (*Runtime, error) {
	rt := &Runtime{}
	var state string
	var diffPartner, currency, date, reference, company sql.NullString
	err := row.Scan(&rt.ID, &rt.Name, &rt.TemplateRef, &state,
		&rt.Target.PartnerID, &diffPartner, &rt.Target.Amount,
		&currency, &date, &reference, &company,
		&rt.CreatedAt, &rt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rt.State = schema.RuntimeState(state)
	rt.Target.DiffPartnerID = diffPartner.String
	rt.Target.CurrencyID = currency.String
	rt.Target.Date = date.String
	rt.Target.Reference = reference.String
	rt.Target.CompanyID = company.String
	return rt, nil
}

// --- Steps ---

func (s *LibSQLStore) UpsertStep(ctx context.Context, step *Step) error {
	preds, err := json.Marshal(step.Predecessors)
	if err != nil {
		return fmt.Errorf("marshal predecessors: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (id, runtime_id, action_ref, name, sequence, position, state, error_message, predecessors, params)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   error_message = excluded.error_message`,
		step.ID, step.RuntimeID, step.ActionRef, nullStr(step.Name),
		step.Sequence, step.Position, string(step.State),
		nullStr(step.ErrorMessage), string(preds), nullRaw(step.Params),
	)
	return err
}

func (s *LibSQLStore) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, runtime_id, action_ref, name, sequence, position, state, error_message, predecessors, params
		 FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", id)
	}
	return step, err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runtimeID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, runtime_id, action_ref, name, sequence, position, state, error_message, predecessors, params
		 FROM steps WHERE runtime_id = ? ORDER BY sequence, position`, runtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(row rowScanner) (*Step, error) {
	step := &Step{}
	var state string
	var name, errMsg, preds, params sql.NullString
	err := row.Scan(&step.ID, &step.RuntimeID, &step.ActionRef, &name,
		&step.Sequence, &step.Position, &state, &errMsg, &preds, &params)
	if err != nil {
		return nil, err
	}
	step.State = schema.StepState(state)
	step.Name = name.String
	step.ErrorMessage = errMsg.String
	if preds.Valid && preds.String != "" {
		if err := json.Unmarshal([]byte(preds.String), &step.Predecessors); err != nil {
			return nil, fmt.Errorf("unmarshal predecessors: %w", err)
		}
	}
	step.Params = jsonOrNil(params)
	return step, nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-runtime
// sequence. The single-connection pool serializes writers.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE runtime_id = ?`, event.RuntimeID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (runtime_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RuntimeID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runtimeID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, runtime_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE runtime_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runtimeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RuntimeID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = jsonOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Sequences ---

// NextSequenceName allocates the next name for a sequence code, e.g.
// "WF/2026/00042". Unknown codes are created on first use with defaults.
func (s *LibSQLStore) NextSequenceName(ctx context.Context, code string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin sequence tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sequences (code) VALUES (?)`, code); err != nil {
		return "", fmt.Errorf("init sequence %q: %w", code, err)
	}

	var prefix string
	var padding, next int
	err = tx.QueryRowContext(ctx,
		`SELECT prefix, padding, next_number FROM sequences WHERE code = ?`, code,
	).Scan(&prefix, &padding, &next)
	if err != nil {
		return "", fmt.Errorf("read sequence %q: %w", code, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sequences SET next_number = next_number + 1 WHERE code = ?`, code); err != nil {
		return "", fmt.Errorf("advance sequence %q: %w", code, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit sequence %q: %w", code, err)
	}

	return fmt.Sprintf("%s/%d/%0*d", prefix, time.Now().UTC().Year(), padding, next), nil
}

// --- Templates ---

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *schema.Template) error {
	def, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (ref, name, definition) VALUES (?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		tpl.Ref, nullStr(tpl.Name), string(def),
	)
	return err
}

func (s *LibSQLStore) ResolveTemplate(ctx context.Context, ref string) (*schema.Template, error) {
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM templates WHERE ref = ?`, ref,
	).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", ref)
	}
	if err != nil {
		return nil, err
	}
	tpl := &schema.Template{}
	if err := json.Unmarshal([]byte(def), tpl); err != nil {
		return nil, fmt.Errorf("unmarshal template %q: %w", ref, err)
	}
	return tpl, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context) ([]*schema.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM templates ORDER BY ref`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*schema.Template
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		tpl := &schema.Template{}
		if err := json.Unmarshal([]byte(def), tpl); err != nil {
			return nil, fmt.Errorf("unmarshal template: %w", err)
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, template_ref, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TemplateRef, job.CronExpression, nullRaw(job.Payload),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	sets := []string{}
	args := []any{}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE scheduled_jobs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT id, template_ref, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE 1=1`
	args := []any{}
	if filter.Enabled != nil {
		query += " AND enabled = ?"
		args = append(args, *filter.Enabled)
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var payload, status sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.TemplateRef, &j.CronExpression, &payload, &j.Enabled,
			&lastRun, &nextRun, &status, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Payload = jsonOrNil(payload)
		j.LastRunStatus = status.String
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

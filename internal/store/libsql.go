package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/crmflow/pkg/schema"
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

	// Some PRAGMAs return rows so we use QueryRow.
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

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	cfg, err := json.Marshal(wf.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger_config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_workflows (id, organization_id, pipeline_id, name, trigger_type, trigger_config, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OrganizationID, wf.PipelineID, nullStr(wf.Name), string(wf.TriggerType), string(cfg),
		boolInt(wf.IsActive), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

const workflowColumns = `id, organization_id, pipeline_id, name, trigger_type, trigger_config, is_active, created_at, updated_at`

func scanWorkflow(sc interface{ Scan(...any) error }) (*Workflow, error) {
	wf := &Workflow{}
	var (
		name        sql.NullString
		triggerType string
		cfgJSON     string
	)
	if err := sc.Scan(&wf.ID, &wf.OrganizationID, &wf.PipelineID, &name, &triggerType, &cfgJSON,
		&wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.TriggerType = schema.TriggerType(triggerType)
	if cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), &wf.TriggerConfig); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_config: %w", err)
		}
	}
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM automation_workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListActiveWorkflows(ctx context.Context, pipelineID string) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM automation_workflows
		 WHERE pipeline_id = ? AND is_active = 1 ORDER BY created_at, id`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_workflows SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Steps ---

func (s *LibSQLStore) CreateStep(ctx context.Context, step *schema.Step) error {
	cfg := string(step.Config)
	if strings.TrimSpace(cfg) == "" {
		cfg = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_steps (id, workflow_id, order_index, step_type, config, next_step_id, condition_true_step_id, condition_false_step_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, step.OrderIndex, string(step.Type), cfg,
		nullStr(step.NextStepID), nullStr(step.ConditionTrueStepID), nullStr(step.ConditionFalseStepID),
	)
	return err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, workflowID string) ([]*schema.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, order_index, step_type, config, next_step_id, condition_true_step_id, condition_false_step_id
		 FROM automation_steps WHERE workflow_id = ? ORDER BY order_index, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*schema.Step
	for rows.Next() {
		st := &schema.Step{}
		var (
			stepType, cfg         string
			next, onTrue, onFalse sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.OrderIndex, &stepType, &cfg, &next, &onTrue, &onFalse); err != nil {
			return nil, err
		}
		st.Type = schema.StepType(stepType)
		st.Config = json.RawMessage(cfg)
		st.NextStepID = next.String
		st.ConditionTrueStepID = onTrue.String
		st.ConditionFalseStepID = onFalse.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_runs (id, workflow_id, contact_id, status, current_step_id, error_message, metadata, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.ContactID, string(run.Status), nullStr(run.CurrentStepID), nullStr(run.ErrorMessage),
		string(meta), timeOrNow(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

const runColumns = `id, workflow_id, contact_id, status, current_step_id, error_message, metadata, started_at, completed_at, updated_at`

func scanRun(sc interface{ Scan(...any) error }) (*Run, error) {
	r := &Run{}
	var (
		status          string
		current, errMsg sql.NullString
		meta            string
		completedAt     sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.WorkflowID, &r.ContactID, &status, &current, &errMsg, &meta,
		&r.StartedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.CurrentStepID = current.String
	r.ErrorMessage = errMsg.String
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStepID != nil {
		sets = append(sets, "current_step_id = ?")
		args = append(args, nullStr(*update.CurrentStepID))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ContactID != "" {
		where = append(where, "contact_id = ?")
		args = append(args, filter.ContactID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM automation_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Step logs ---

func (s *LibSQLStore) CreateStepLog(ctx context.Context, l *StepLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_step_logs (id, run_id, step_id, step_type, status, result, error_message, next_retry_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.RunID, l.StepID, string(l.StepType), string(l.Status), nullRaw(l.Result), nullStr(l.ErrorMessage),
		nullRetryAt(l.NextRetryAt), timeOrNow(l.StartedAt), nullTime(l.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateStepLog(ctx context.Context, id string, update StepLogUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, nullRaw(update.Result))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	switch {
	case update.ClearNextRetry:
		sets = append(sets, "next_retry_at = NULL")
	case update.NextRetryAt != nil:
		sets = append(sets, "next_retry_at = ?")
		args = append(args, nullRetryAt(update.NextRetryAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_step_logs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step log", id)
}

const stepLogColumns = `id, run_id, step_id, step_type, status, result, error_message, next_retry_at, started_at, completed_at`

func scanStepLog(sc interface{ Scan(...any) error }) (*StepLog, error) {
	l := &StepLog{}
	var (
		stepType, status       string
		result, errMsg         sql.NullString
		nextRetry, completedAt sql.NullTime
	)
	if err := sc.Scan(&l.ID, &l.RunID, &l.StepID, &stepType, &status, &result, &errMsg,
		&nextRetry, &l.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	l.StepType = schema.StepType(stepType)
	l.Status = schema.StepLogStatus(status)
	l.Result = rawOrNil(result)
	l.ErrorMessage = errMsg.String
	if nextRetry.Valid {
		l.NextRetryAt = &nextRetry.Time
	}
	if completedAt.Valid {
		l.CompletedAt = &completedAt.Time
	}
	return l, nil
}

func (s *LibSQLStore) GetWaitingStepLog(ctx context.Context, runID, stepID string) (*StepLog, error) {
	l, err := scanStepLog(s.db.QueryRowContext(ctx,
		`SELECT `+stepLogColumns+` FROM automation_step_logs
		 WHERE run_id = ? AND step_id = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		runID, stepID, string(schema.StepLogWaiting)))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("waiting step log", runID+"/"+stepID)
	}
	return l, err
}

func (s *LibSQLStore) ListStepLogs(ctx context.Context, runID string) ([]*StepLog, error) {
	return s.queryStepLogs(ctx,
		`SELECT `+stepLogColumns+` FROM automation_step_logs WHERE run_id = ? ORDER BY started_at, rowid`, runID)
}

func (s *LibSQLStore) ListDueStepLogs(ctx context.Context, before time.Time, limit int) ([]*StepLog, error) {
	query := `SELECT ` + stepLogColumns + ` FROM automation_step_logs
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryStepLogs(ctx, query, string(schema.StepLogWaiting), before.UTC().Format(retryAtLayout))
}

func (s *LibSQLStore) queryStepLogs(ctx context.Context, query string, args ...any) ([]*StepLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*StepLog
	for rows.Next() {
		l, err := scanStepLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Contacts ---

func (s *LibSQLStore) CreateContact(ctx context.Context, c *Contact) error {
	custom, err := marshalMapOrDefault(c.CustomFields)
	if err != nil {
		return fmt.Errorf("marshal custom_fields: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contacts (id, organization_id, pipeline_id, stage_id, full_name, email, phone, company, custom_fields, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, nullStr(c.PipelineID), nullStr(c.StageID), nullStr(c.FullName),
		nullStr(c.Email), nullStr(c.Phone), nullStr(c.Company), string(custom),
		timeOrNow(c.CreatedAt), timeOrNow(c.UpdatedAt),
	); err != nil {
		return err
	}
	for _, tagID := range c.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contact_tags (contact_id, tag_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(contact_id, tag_id) DO NOTHING`, c.ID, tagID, time.Now().UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	c := &Contact{}
	var (
		pipelineID, stageID, fullName, email, phone, company sql.NullString
		custom                                               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, pipeline_id, stage_id, full_name, email, phone, company, custom_fields, created_at, updated_at
		 FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.OrganizationID, &pipelineID, &stageID, &fullName, &email, &phone, &company, &custom,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", id)
	}
	if err != nil {
		return nil, err
	}
	c.PipelineID = pipelineID.String
	c.StageID = stageID.String
	c.FullName = fullName.String
	c.Email = email.String
	c.Phone = phone.String
	c.Company = company.String
	if custom != "" {
		if err := json.Unmarshal([]byte(custom), &c.CustomFields); err != nil {
			return nil, fmt.Errorf("unmarshal custom_fields: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id FROM contact_tags WHERE contact_id = ? ORDER BY created_at, tag_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tagID string
		if err := rows.Scan(&tagID); err != nil {
			return nil, err
		}
		c.Tags = append(c.Tags, tagID)
	}
	return c, rows.Err()
}

func (s *LibSQLStore) UpdateContactStage(ctx context.Context, id, stageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET stage_id = ?, updated_at = ? WHERE id = ?`, stageID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "contact", id)
}

// AddContactTag links a tag to a contact. Linking an existing pair is a no-op.
func (s *LibSQLStore) AddContactTag(ctx context.Context, contactID, tagID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_tags (contact_id, tag_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(contact_id, tag_id) DO NOTHING`, contactID, tagID, time.Now().UTC())
	return err
}

// RemoveContactTag unlinks a tag from a contact. Removing an absent link is a no-op.
func (s *LibSQLStore) RemoveContactTag(ctx context.Context, contactID, tagID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contact_tags WHERE contact_id = ? AND tag_id = ?`, contactID, tagID)
	return err
}

// --- Pipeline reference data ---

func (s *LibSQLStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)`,
		org.ID, org.Name, timeOrNow(org.CreatedAt))
	return err
}

func (s *LibSQLStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	o := &Organization{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("organization", id)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *LibSQLStore) CreatePipeline(ctx context.Context, p *Pipeline) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, organization_id, name, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.OrganizationID, p.Name, timeOrNow(p.CreatedAt))
	return err
}

func (s *LibSQLStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	p := &Pipeline{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, created_at FROM pipelines WHERE id = ?`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pipeline", id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *LibSQLStore) CreateStage(ctx context.Context, st *Stage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stages (id, pipeline_id, name, position) VALUES (?, ?, ?, ?)`,
		st.ID, st.PipelineID, st.Name, st.Position)
	return err
}

func (s *LibSQLStore) GetStage(ctx context.Context, id string) (*Stage, error) {
	st := &Stage{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, name, position FROM stages WHERE id = ?`, id,
	).Scan(&st.ID, &st.PipelineID, &st.Name, &st.Position)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("stage", id)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *LibSQLStore) CreateTag(ctx context.Context, tag *Tag) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (id, organization_id, name) VALUES (?, ?, ?)`,
		tag.ID, tag.OrganizationID, tag.Name)
	return err
}

func (s *LibSQLStore) GetTag(ctx context.Context, id string) (*Tag, error) {
	t := &Tag{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name FROM tags WHERE id = ?`, id,
	).Scan(&t.ID, &t.OrganizationID, &t.Name)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tag", id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// --- Activity log ---

func (s *LibSQLStore) AppendActivity(ctx context.Context, a *Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities (id, contact_id, organization_id, activity_type, description, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ContactID, a.OrganizationID, a.Type, a.Description, nullRaw(a.Metadata), a.CreatedAt)
	return err
}

func (s *LibSQLStore) ListActivities(ctx context.Context, contactID string) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, contact_id, organization_id, activity_type, description, metadata, created_at
		 FROM activities WHERE contact_id = ? ORDER BY created_at, rowid`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		a := &Activity{}
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.ContactID, &a.OrganizationID, &a.Type, &a.Description, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Metadata = rawOrNil(meta)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Email templates ---

func (s *LibSQLStore) StoreEmailTemplate(ctx context.Context, tpl *EmailTemplate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_templates (id, organization_id, name, subject, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, subject=excluded.subject, body=excluded.body`,
		tpl.ID, tpl.OrganizationID, tpl.Name, tpl.Subject, tpl.Body, timeOrNow(tpl.CreatedAt))
	return err
}

func (s *LibSQLStore) GetEmailTemplate(ctx context.Context, id string) (*EmailTemplate, error) {
	t := &EmailTemplate{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, subject, body, created_at FROM email_templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Subject, &t.Body, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("email template", id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// --- Webhook endpoints ---

func (s *LibSQLStore) CreateWebhookEndpoint(ctx context.Context, ep *WebhookEndpoint) error {
	var headers any
	if len(ep.Headers) > 0 {
		b, err := json.Marshal(ep.Headers)
		if err != nil {
			return fmt.Errorf("marshal headers: %w", err)
		}
		headers = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints (id, organization_id, name, url, method, headers, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.OrganizationID, nullStr(ep.Name), ep.URL, nullStr(ep.Method), headers, timeOrNow(ep.CreatedAt))
	return err
}

func (s *LibSQLStore) GetWebhookEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error) {
	ep := &WebhookEndpoint{}
	var name, method, headers sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, url, method, headers, created_at FROM webhook_endpoints WHERE id = ?`, id,
	).Scan(&ep.ID, &ep.OrganizationID, &name, &ep.URL, &method, &headers, &ep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("webhook endpoint", id)
	}
	if err != nil {
		return nil, err
	}
	ep.Name = name.String
	ep.Method = method.String
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &ep.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return ep, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
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
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// retryAtLayout is the fixed-width UTC text of next_retry_at. Text of equal
// width compares in time order, which the due-delay query relies on.
const retryAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nullRetryAt(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(retryAtLayout)
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

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)

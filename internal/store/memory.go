package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/crmflow/pkg/schema"
)

// MemoryStore is an in-process Store. It is used for ephemeral runs and tests.
// Records are copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	workflows   map[string]*Workflow
	steps       map[string][]*schema.Step // by workflow ID
	runs        map[string]*Run
	stepLogs    map[string]*StepLog
	stepLogSeq  []string // insertion order of step log IDs
	contacts    map[string]*Contact
	contactTags map[string][]string // contact ID -> tag IDs in link order
	orgs        map[string]*Organization
	pipelines   map[string]*Pipeline
	stages      map[string]*Stage
	tags        map[string]*Tag
	activities  []*Activity
	templates   map[string]*EmailTemplate
	endpoints   map[string]*WebhookEndpoint
	secrets     map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]*Workflow),
		steps:       make(map[string][]*schema.Step),
		runs:        make(map[string]*Run),
		stepLogs:    make(map[string]*StepLog),
		contacts:    make(map[string]*Contact),
		contactTags: make(map[string][]string),
		orgs:        make(map[string]*Organization),
		pipelines:   make(map[string]*Pipeline),
		stages:      make(map[string]*Stage),
		tags:        make(map[string]*Tag),
		templates:   make(map[string]*EmailTemplate),
		endpoints:   make(map[string]*WebhookEndpoint),
		secrets:     make(map[string][]byte),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func conflict(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return conflict("workflow", wf.ID)
	}
	cp := *wf
	cp.CreatedAt = timeOrNow(wf.CreatedAt)
	cp.UpdatedAt = timeOrNow(wf.UpdatedAt)
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) ListActiveWorkflows(_ context.Context, pipelineID string) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workflow
	for _, wf := range m.workflows {
		if wf.PipelineID == pipelineID && wf.IsActive {
			cp := *wf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SetWorkflowActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return storeNotFound("workflow", id)
	}
	wf.IsActive = active
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Steps ---

func (m *MemoryStore) CreateStep(_ context.Context, step *schema.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.steps[step.WorkflowID] {
		if existing.ID == step.ID {
			return conflict("step", step.ID)
		}
	}
	cp := *step
	cp.Config = cloneRaw(step.Config)
	m.steps[step.WorkflowID] = append(m.steps[step.WorkflowID], &cp)
	return nil
}

func (m *MemoryStore) ListSteps(_ context.Context, workflowID string) ([]*schema.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Step, 0, len(m.steps[workflowID]))
	for _, st := range m.steps[workflowID] {
		cp := *st
		cp.Config = cloneRaw(st.Config)
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return conflict("run", run.ID)
	}
	cp := cloneRun(run)
	cp.StartedAt = timeOrNow(run.StartedAt)
	cp.UpdatedAt = timeOrNow(run.UpdatedAt)
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return cloneRun(r), nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.CurrentStepID != nil {
		r.CurrentStepID = *update.CurrentStepID
	}
	if update.ErrorMessage != nil {
		r.ErrorMessage = *update.ErrorMessage
	}
	if update.CompletedAt != nil {
		t := update.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, r := range m.runs {
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.ContactID != "" && r.ContactID != filter.ContactID {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Step logs ---

func (m *MemoryStore) CreateStepLog(_ context.Context, l *StepLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stepLogs[l.ID]; ok {
		return conflict("step log", l.ID)
	}
	cp := cloneStepLog(l)
	cp.StartedAt = timeOrNow(l.StartedAt)
	m.stepLogs[l.ID] = cp
	m.stepLogSeq = append(m.stepLogSeq, l.ID)
	return nil
}

func (m *MemoryStore) UpdateStepLog(_ context.Context, id string, update StepLogUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.stepLogs[id]
	if !ok {
		return storeNotFound("step log", id)
	}
	if update.Status != nil {
		l.Status = *update.Status
	}
	if update.Result != nil {
		l.Result = cloneRaw(update.Result)
	}
	if update.ErrorMessage != nil {
		l.ErrorMessage = *update.ErrorMessage
	}
	switch {
	case update.ClearNextRetry:
		l.NextRetryAt = nil
	case update.NextRetryAt != nil:
		t := update.NextRetryAt.UTC()
		l.NextRetryAt = &t
	}
	if update.CompletedAt != nil {
		t := update.CompletedAt.UTC()
		l.CompletedAt = &t
	}
	return nil
}

func (m *MemoryStore) GetWaitingStepLog(_ context.Context, runID, stepID string) (*StepLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.stepLogSeq) - 1; i >= 0; i-- {
		l := m.stepLogs[m.stepLogSeq[i]]
		if l.RunID == runID && l.StepID == stepID && l.Status == schema.StepLogWaiting {
			return cloneStepLog(l), nil
		}
	}
	return nil, storeNotFound("waiting step log", runID+"/"+stepID)
}

func (m *MemoryStore) ListStepLogs(_ context.Context, runID string) ([]*StepLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StepLog
	for _, id := range m.stepLogSeq {
		if l := m.stepLogs[id]; l.RunID == runID {
			out = append(out, cloneStepLog(l))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDueStepLogs(_ context.Context, before time.Time, limit int) ([]*StepLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StepLog
	for _, id := range m.stepLogSeq {
		l := m.stepLogs[id]
		if l.Status != schema.StepLogWaiting || l.NextRetryAt == nil || l.NextRetryAt.After(before) {
			continue
		}
		out = append(out, cloneStepLog(l))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Contacts ---

func (m *MemoryStore) CreateContact(_ context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contacts[c.ID]; ok {
		return conflict("contact", c.ID)
	}
	cp := cloneContact(c)
	cp.Tags = nil
	cp.CreatedAt = timeOrNow(c.CreatedAt)
	cp.UpdatedAt = timeOrNow(c.UpdatedAt)
	m.contacts[c.ID] = cp
	for _, tagID := range c.Tags {
		m.linkTag(c.ID, tagID)
	}
	return nil
}

func (m *MemoryStore) GetContact(_ context.Context, id string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, storeNotFound("contact", id)
	}
	cp := cloneContact(c)
	cp.Tags = append([]string(nil), m.contactTags[id]...)
	return cp, nil
}

func (m *MemoryStore) UpdateContactStage(_ context.Context, id, stageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return storeNotFound("contact", id)
	}
	c.StageID = stageID
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AddContactTag(_ context.Context, contactID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkTag(contactID, tagID)
	return nil
}

func (m *MemoryStore) linkTag(contactID, tagID string) {
	for _, t := range m.contactTags[contactID] {
		if t == tagID {
			return
		}
	}
	m.contactTags[contactID] = append(m.contactTags[contactID], tagID)
}

func (m *MemoryStore) RemoveContactTag(_ context.Context, contactID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	linked := m.contactTags[contactID]
	for i, t := range linked {
		if t == tagID {
			m.contactTags[contactID] = append(linked[:i:i], linked[i+1:]...)
			break
		}
	}
	return nil
}

// --- Pipeline reference data ---

func (m *MemoryStore) CreateOrganization(_ context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[org.ID]; ok {
		return conflict("organization", org.ID)
	}
	cp := *org
	cp.CreatedAt = timeOrNow(org.CreatedAt)
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, storeNotFound("organization", id)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) CreatePipeline(_ context.Context, p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[p.ID]; ok {
		return conflict("pipeline", p.ID)
	}
	cp := *p
	cp.CreatedAt = timeOrNow(p.CreatedAt)
	m.pipelines[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPipeline(_ context.Context, id string) (*Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, storeNotFound("pipeline", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateStage(_ context.Context, st *Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stages[st.ID]; ok {
		return conflict("stage", st.ID)
	}
	cp := *st
	m.stages[st.ID] = &cp
	return nil
}

func (m *MemoryStore) GetStage(_ context.Context, id string) (*Stage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stages[id]
	if !ok {
		return nil, storeNotFound("stage", id)
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) CreateTag(_ context.Context, tag *Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[tag.ID]; ok {
		return conflict("tag", tag.ID)
	}
	cp := *tag
	m.tags[tag.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTag(_ context.Context, id string) (*Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tags[id]
	if !ok {
		return nil, storeNotFound("tag", id)
	}
	cp := *t
	return &cp, nil
}

// --- Activity log ---

func (m *MemoryStore) AppendActivity(_ context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	cp.Metadata = cloneRaw(a.Metadata)
	m.activities = append(m.activities, &cp)
	return nil
}

func (m *MemoryStore) ListActivities(_ context.Context, contactID string) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Activity
	for _, a := range m.activities {
		if a.ContactID == contactID {
			cp := *a
			cp.Metadata = cloneRaw(a.Metadata)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Email templates ---

func (m *MemoryStore) StoreEmailTemplate(_ context.Context, tpl *EmailTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tpl
	cp.CreatedAt = timeOrNow(tpl.CreatedAt)
	m.templates[tpl.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEmailTemplate(_ context.Context, id string) (*EmailTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, storeNotFound("email template", id)
	}
	cp := *t
	return &cp, nil
}

// --- Webhook endpoints ---

func (m *MemoryStore) CreateWebhookEndpoint(_ context.Context, ep *WebhookEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[ep.ID]; ok {
		return conflict("webhook endpoint", ep.ID)
	}
	cp := *ep
	cp.Headers = cloneHeaders(ep.Headers)
	cp.CreatedAt = timeOrNow(ep.CreatedAt)
	m.endpoints[ep.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWebhookEndpoint(_ context.Context, id string) (*WebhookEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return nil, storeNotFound("webhook endpoint", id)
	}
	cp := *ep
	cp.Headers = cloneHeaders(ep.Headers)
	return &cp, nil
}

// --- Secrets ---

func (m *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Copy helpers ---

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func cloneRun(r *Run) *Run {
	cp := *r
	if r.Metadata.TriggerEvent != nil {
		ev := *r.Metadata.TriggerEvent
		cp.Metadata.TriggerEvent = &ev
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneStepLog(l *StepLog) *StepLog {
	cp := *l
	cp.Result = cloneRaw(l.Result)
	if l.NextRetryAt != nil {
		t := l.NextRetryAt.UTC()
		cp.NextRetryAt = &t
	}
	if l.CompletedAt != nil {
		t := *l.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// cloneContact deep-copies custom fields through JSON so nested maps are not shared.
func cloneContact(c *Contact) *Contact {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	if c.CustomFields != nil {
		b, err := json.Marshal(c.CustomFields)
		if err == nil {
			var fields map[string]any
			if json.Unmarshal(b, &fields) == nil {
				cp.CustomFields = fields
			}
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)

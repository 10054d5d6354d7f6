package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/actions"
	"github.com/rendis/crmflow/internal/mail"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/internal/validation"
	"github.com/rendis/crmflow/pkg/schema"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// harness wires an executor and emitter over an in-memory CRM with two
// stages (stage-a, stage-b) and two tags (tag-1, tag-2).
type harness struct {
	store    *store.MemoryStore
	registry *actions.Registry
	executor *Executor
	emitter  *Emitter
	pool     *WorkerPool
	mailer   *mail.MemorySender
}

type harnessOption func(*ExecutorConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.CreateOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme"}))
	require.NoError(t, s.CreatePipeline(ctx, &store.Pipeline{ID: "pipe-1", OrganizationID: "org-1", Name: "Sales"}))
	require.NoError(t, s.CreateStage(ctx, &store.Stage{ID: "stage-a", PipelineID: "pipe-1", Name: "Lead"}))
	require.NoError(t, s.CreateStage(ctx, &store.Stage{ID: "stage-b", PipelineID: "pipe-1", Name: "Won", Position: 1}))
	require.NoError(t, s.CreateTag(ctx, &store.Tag{ID: "tag-1", OrganizationID: "org-1", Name: "Hot"}))
	require.NoError(t, s.CreateTag(ctx, &store.Tag{ID: "tag-2", OrganizationID: "org-1", Name: "Cold"}))
	require.NoError(t, s.CreateContact(ctx, &store.Contact{
		ID:             "contact-1",
		OrganizationID: "org-1",
		PipelineID:     "pipe-1",
		StageID:        "stage-a",
		FullName:       "Grace Hopper",
		Email:          "grace@example.com",
		Company:        "Acme",
		CustomFields:   map[string]any{"plan": "pro", "seats": 12},
	}))

	mailer := &mail.MemorySender{}
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinDeps{
		Store:   s,
		Mailer:  mailer,
		Webhook: actions.WebhookConfig{Timeout: 2 * time.Second},
		Now:     func() time.Time { return fixedNow },
	}))

	v, err := validation.NewWorkflowValidator()
	require.NoError(t, err)

	cfg := ExecutorConfig{Logger: quietLogger(), Now: func() time.Time { return fixedNow }}
	for _, o := range opts {
		o(&cfg)
	}
	exec := NewExecutor(s, reg, v, cfg)

	pool := NewWorkerPool(4, quietLogger())
	t.Cleanup(pool.Shutdown)
	em := NewEmitter(s, exec, pool, EmitterConfig{Logger: quietLogger(), Matcher: NewTriggerMatcher(nil, v, quietLogger())})

	return &harness{store: s, registry: reg, executor: exec, emitter: em, pool: pool, mailer: mailer}
}

// workflow creates an active workflow on pipe-1 with the given steps. Step IDs
// are prefixed with the workflow ID so several workflows can share a store.
func (h *harness) workflow(t *testing.T, trigger schema.TriggerType, cfg schema.TriggerConfig, steps ...*schema.Step) *store.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := &store.Workflow{
		ID:             "wf-" + uuid.New().String()[:8],
		OrganizationID: "org-1",
		PipelineID:     "pipe-1",
		Name:           string(trigger),
		TriggerType:    trigger,
		TriggerConfig:  cfg,
		IsActive:       true,
	}
	require.NoError(t, h.store.CreateWorkflow(ctx, wf))

	prefix := func(id string) string {
		if id == "" {
			return ""
		}
		return wf.ID + "/" + id
	}
	for i, st := range steps {
		cp := *st
		cp.ID = prefix(st.ID)
		cp.WorkflowID = wf.ID
		cp.OrderIndex = i
		cp.NextStepID = prefix(st.NextStepID)
		cp.ConditionTrueStepID = prefix(st.ConditionTrueStepID)
		cp.ConditionFalseStepID = prefix(st.ConditionFalseStepID)
		require.NoError(t, h.store.CreateStep(ctx, &cp))
	}
	return wf
}

func (h *harness) contact(t *testing.T) *store.Contact {
	t.Helper()
	c, err := h.store.GetContact(context.Background(), "contact-1")
	require.NoError(t, err)
	return c
}

func (h *harness) stepLogs(t *testing.T, runID string) []*store.StepLog {
	t.Helper()
	logs, err := h.store.ListStepLogs(context.Background(), runID)
	require.NoError(t, err)
	return logs
}

func (h *harness) run(t *testing.T, runID string) *store.Run {
	t.Helper()
	r, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return r
}

func step(id string, typ schema.StepType, cfg any, next string) *schema.Step {
	return &schema.Step{ID: id, Type: typ, Config: schema.MustRawConfig(cfg), NextStepID: next}
}

func condition(id string, cfg schema.ConditionConfig, onTrue, onFalse string) *schema.Step {
	return &schema.Step{
		ID:                   id,
		Type:                 schema.StepCondition,
		Config:               schema.MustRawConfig(cfg),
		ConditionTrueStepID:  onTrue,
		ConditionFalseStepID: onFalse,
	}
}

func stepIDs(logs []*store.StepLog) []string {
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.StepID)
	}
	return out
}

func statuses(logs []*store.StepLog) []schema.StepLogStatus {
	out := make([]schema.StepLogStatus, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Status)
	}
	return out
}

func ids(wf *store.Workflow, local ...string) []string {
	out := make([]string, 0, len(local))
	for _, id := range local {
		out = append(out, fmt.Sprintf("%s/%s", wf.ID, id))
	}
	return out
}

// stubHandler replaces a built-in handler with a function.
type stubHandler struct {
	typ schema.StepType
	fn  func(ctx context.Context, in actions.Input) (*actions.Result, error)
}

func (s *stubHandler) Type() schema.StepType { return s.typ }
func (s *stubHandler) Execute(ctx context.Context, in actions.Input) (*actions.Result, error) {
	return s.fn(ctx, in)
}

// ctxStore fails run and step log writes once ctx is done, the way a SQL
// driver does.
type ctxStore struct {
	*store.MemoryStore
}

func (s *ctxStore) UpdateRun(ctx context.Context, id string, upd store.RunUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.UpdateRun(ctx, id, upd)
}

func (s *ctxStore) CreateStepLog(ctx context.Context, l *store.StepLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.CreateStepLog(ctx, l)
}

func (s *ctxStore) UpdateStepLog(ctx context.Context, id string, upd store.StepLogUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.UpdateStepLog(ctx, id, upd)
}

// flakyStore fails GetWorkflow while down is set.
type flakyStore struct {
	*store.MemoryStore
	down atomic.Bool
}

func (s *flakyStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	if s.down.Load() {
		return nil, errors.New("database is locked")
	}
	return s.MemoryStore.GetWorkflow(ctx, id)
}

// executorOver builds an executor sharing the harness registry on top of s.
func (h *harness) executorOver(s store.Store) *Executor {
	return NewExecutor(s, h.registry, nil, ExecutorConfig{Logger: quietLogger(), Now: func() time.Time { return fixedNow }})
}

// slowServer answers 200 after delay, or earlier if the client goes away.
func slowServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

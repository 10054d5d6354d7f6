package api

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/actions"
	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/mail"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/internal/validation"
	"github.com/rendis/crmflow/pkg/schema"
)

// seedCRM creates org-1/pipe-1 with stages lead and won, tag hot and
// contact c-1 in lead.
func seedCRM(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme"}))
	require.NoError(t, s.CreatePipeline(ctx, &store.Pipeline{ID: "pipe-1", OrganizationID: "org-1", Name: "Sales"}))
	require.NoError(t, s.CreateStage(ctx, &store.Stage{ID: "lead", PipelineID: "pipe-1", Name: "Lead"}))
	require.NoError(t, s.CreateStage(ctx, &store.Stage{ID: "won", PipelineID: "pipe-1", Name: "Won", Position: 1}))
	require.NoError(t, s.CreateTag(ctx, &store.Tag{ID: "hot", OrganizationID: "org-1", Name: "Hot"}))
	require.NoError(t, s.CreateContact(ctx, &store.Contact{
		ID: "c-1", OrganizationID: "org-1", PipelineID: "pipe-1", StageID: "lead",
		FullName: "Katherine Johnson", Email: "kj@example.com",
	}))
}

func createWorkflow(t *testing.T, s store.Store, wf *store.Workflow, steps ...*schema.Step) {
	t.Helper()
	ctx := context.Background()
	wf.OrganizationID, wf.PipelineID, wf.IsActive = "org-1", "pipe-1", true
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	for i, st := range steps {
		st.WorkflowID = wf.ID
		st.OrderIndex = i
		require.NoError(t, s.CreateStep(ctx, st))
	}
}

func TestEndToEnd_DelayThenCascade(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedCRM(t, s)

	createWorkflow(t, s,
		&store.Workflow{ID: "onboard", TriggerType: schema.TriggerContactCreated},
		&schema.Step{ID: "wait", Type: schema.StepDelay, Config: schema.MustRawConfig(schema.DelayConfig{DurationMinutes: 30}), NextStepID: "tag"},
		&schema.Step{ID: "tag", Type: schema.StepAddTag, Config: schema.MustRawConfig(schema.TagConfig{TagID: "hot"})},
	)
	createWorkflow(t, s,
		&store.Workflow{ID: "promote", TriggerType: schema.TriggerTagAdded, TriggerConfig: schema.TriggerConfig{TagID: "hot"}},
		&schema.Step{ID: "move", Type: schema.StepMoveStage, Config: schema.MustRawConfig(schema.MoveStageConfig{StageID: "won"})},
	)

	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinDeps{Store: s, Mailer: &mail.MemorySender{}}))
	v, err := validation.NewWorkflowValidator()
	require.NoError(t, err)
	exec := engine.NewExecutor(s, reg, v, engine.ExecutorConfig{Logger: quietLogger()})
	pool := engine.NewWorkerPool(2, quietLogger())
	t.Cleanup(pool.Shutdown)
	em := engine.NewEmitter(s, exec, pool, engine.EmitterConfig{
		Logger:  quietLogger(),
		Matcher: engine.NewTriggerMatcher(nil, v, quietLogger()),
	})

	srv := newTestServer(em, exec, WithDiagrams(s))
	defer srv.Close()

	resp := post(t, srv.URL+"/v1/events",
		`{"type": "contact_created", "contact_id": "c-1", "organization_id": "org-1", "pipeline_id": "pipe-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[engine.DispatchReport](t, resp)
	require.Len(t, report.Runs, 1)
	run := report.Runs[0]
	assert.Equal(t, schema.RunStatusWaiting, run.Status)
	assert.Equal(t, 1, report.Waves)

	resp = get(t, srv.URL+"/v1/runs/"+run.RunID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[engine.RunSnapshot](t, resp)
	assert.Equal(t, schema.RunStatusWaiting, snap.Run.Status)
	require.Len(t, snap.StepLogs, 1)
	assert.Equal(t, schema.StepLogWaiting, snap.StepLogs[0].Status)

	resp = get(t, srv.URL+"/v1/workflows/onboard/diagram?format=ascii&run_id="+run.RunID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "[WAIT]")

	c, err := s.GetContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "lead", c.StageID)

	resp = post(t, srv.URL+"/v1/runs/"+run.RunID+"/resume", `{"step_id": "wait"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resumed := decode[engine.ExecutionResult](t, resp)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)

	c, err = s.GetContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "won", c.StageID, "tag_added cascade ran after resumption")

	resp = post(t, srv.URL+"/v1/runs/"+run.RunID+"/resume", `{"step_id": "wait"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = get(t, srv.URL+"/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

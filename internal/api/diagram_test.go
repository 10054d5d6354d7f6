package api

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

func diagramStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	seedCRM(t, s)
	createWorkflow(t, s,
		&store.Workflow{ID: "promote", Name: "Promote hot leads", TriggerType: schema.TriggerTagAdded, TriggerConfig: schema.TriggerConfig{TagID: "hot"}},
		&schema.Step{ID: "check", Type: schema.StepCondition,
			Config:              schema.MustRawConfig(schema.ConditionConfig{Field: "contact.email", Operator: "exists"}),
			ConditionTrueStepID: "move"},
		&schema.Step{ID: "move", Type: schema.StepMoveStage, Config: schema.MustRawConfig(schema.MoveStageConfig{StageID: "won"})},
	)
	require.NoError(t, s.CreateRun(context.Background(), &store.Run{ID: "run-x", WorkflowID: "other", ContactID: "c-1", Status: schema.RunStatusCompleted}))
	return s
}

func TestWorkflowDiagram(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeRuns{}, WithDiagrams(diagramStore(t)))
	defer srv.Close()

	resp := get(t, srv.URL+"/v1/workflows/promote/diagram")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "mermaid")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "%% Promote hot leads")
	assert.Contains(t, string(body), "check -->|true| move")
	assert.Contains(t, string(body), "check -->|false| __end__")
}

func TestWorkflowDiagram_SVG(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeRuns{}, WithDiagrams(diagramStore(t)))
	defer srv.Close()

	resp := get(t, srv.URL+"/v1/workflows/promote/diagram?format=svg")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<svg")
}

func TestWorkflowDiagram_Errors(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeRuns{}, WithDiagrams(diagramStore(t)))
	defer srv.Close()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown format", "/v1/workflows/promote/diagram?format=pdf", http.StatusUnprocessableEntity},
		{"unknown workflow", "/v1/workflows/nope/diagram", http.StatusNotFound},
		{"unknown run", "/v1/workflows/promote/diagram?run_id=nope", http.StatusNotFound},
		{"run of another workflow", "/v1/workflows/promote/diagram?run_id=run-x", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, srv.URL+tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[errorResponse](t, resp)
			assert.NotEmpty(t, body.Code)
		})
	}
}

func TestWorkflowDiagram_NotConfigured(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeRuns{})
	defer srv.Close()

	resp := get(t, srv.URL+"/v1/workflows/promote/diagram")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

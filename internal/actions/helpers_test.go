package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// crm is a seeded in-memory CRM: one organization, one pipeline with two
// stages, one tag and one contact sitting in stage-a.
type crm struct {
	store   *store.MemoryStore
	contact *store.Contact
}

func newCRM(t *testing.T) *crm {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.CreateOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme"}))
	require.NoError(t, s.CreatePipeline(ctx, &store.Pipeline{ID: "pipe-1", OrganizationID: "org-1", Name: "Sales"}))
	require.NoError(t, s.CreateStage(ctx, &store.Stage{ID: "stage-a", PipelineID: "pipe-1", Name: "Lead", Position: 0}))
	require.NoError(t, s.CreateStage(ctx, &store.Stage{ID: "stage-b", PipelineID: "pipe-1", Name: "Qualified", Position: 1}))
	require.NoError(t, s.CreateTag(ctx, &store.Tag{ID: "tag-vip", OrganizationID: "org-1", Name: "VIP"}))

	c := &store.Contact{
		ID:             "contact-1",
		OrganizationID: "org-1",
		PipelineID:     "pipe-1",
		StageID:        "stage-a",
		FullName:       "Ada Lovelace",
		Email:          "ada@example.com",
		Company:        "Analytical Engines",
	}
	require.NoError(t, s.CreateContact(ctx, c))
	return &crm{store: s, contact: c}
}

func stepInput(t *testing.T, st schema.StepType, cfg any) Input {
	t.Helper()
	raw := schema.MustRawConfig(cfg)
	decoded, err := schema.DecodeStepConfig(st, raw)
	require.NoError(t, err)
	return Input{
		RunID:      "run-1",
		WorkflowID: "wf-1",
		ContactID:  "contact-1",
		Step:       &schema.Step{ID: "step-1", WorkflowID: "wf-1", Type: st, Config: raw},
		Config:     decoded,
		Depth:      1,
	}
}

func activityTypes(t *testing.T, s store.Store, contactID string) []string {
	t.Helper()
	acts, err := s.ListActivities(context.Background(), contactID)
	require.NoError(t, err)
	out := make([]string, 0, len(acts))
	for _, a := range acts {
		out = append(out, a.Type)
	}
	return out
}

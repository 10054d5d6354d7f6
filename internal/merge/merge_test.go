package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme"}))
	require.NoError(t, s.CreatePipeline(ctx, &store.Pipeline{ID: "pipe-1", OrganizationID: "org-1", Name: "Sales"}))
	require.NoError(t, s.CreateStage(ctx, &store.Stage{ID: "stage-a", PipelineID: "pipe-1", Name: "Qualified"}))
	require.NoError(t, s.CreateContact(ctx, &store.Contact{
		ID: "c1", OrganizationID: "org-1", PipelineID: "pipe-1", StageID: "stage-a",
		FullName: "Ada Lovelace", Email: "ada@example.com", Phone: "+44 20 0000", Company: "Engines",
		CustomFields: map[string]any{"plan": "pro", "seats": float64(12)},
	}))
	return s
}

func fixedClock() time.Time {
	return time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC)
}

func TestBuildContext(t *testing.T) {
	r := NewResolver(seededStore(t), WithClock(fixedClock))

	mc, c, err := r.BuildContext(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, Context{
		"contact.full_name":  "Ada Lovelace",
		"contact.first_name": "Ada",
		"contact.email":      "ada@example.com",
		"contact.phone":      "+44 20 0000",
		"contact.company":    "Engines",
		"pipeline.name":      "Sales",
		"stage.name":         "Qualified",
		"org.name":           "Acme",
		"date.today":         "March 5, 2026",
		"custom.plan":        "pro",
		"custom.seats":       "12",
	}, mc)
}

func TestBuildContext_ContactNotFound(t *testing.T) {
	r := NewResolver(store.NewMemoryStore())

	_, _, err := r.BuildContext(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestBuildContext_MissingRelatedRecords(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateContact(context.Background(), &store.Contact{
		ID: "c2", OrganizationID: "org-x", StageID: "stage-x", FullName: "Grace",
	}))
	r := NewResolver(s)

	mc, _, err := r.BuildContext(context.Background(), "c2")
	require.NoError(t, err)
	assert.NotContains(t, mc, "stage.name")
	assert.NotContains(t, mc, "org.name")
	assert.NotContains(t, mc, "pipeline.name")
	assert.Equal(t, "Grace", mc["contact.first_name"])
}

func TestRender(t *testing.T) {
	mc := Context{"contact.first_name": "Ada", "org.name": "Acme"}

	tests := []struct {
		in, want string
	}{
		{"Hi {{contact.first_name}}", "Hi Ada"},
		{"Hi {{ contact.first_name }} from {{org.name}}", "Hi Ada from Acme"},
		{"Unknown {{contact.nickname}} stays", "Unknown {{contact.nickname}} stays"},
		{"Not a token {{contact}} or {contact.first_name}", "Not a token {{contact}} or {contact.first_name}"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Render(tt.in, mc))
	}
}

func TestResolve(t *testing.T) {
	r := NewResolver(seededStore(t), WithClock(fixedClock))

	out, err := r.Resolve(context.Background(), "c1",
		"Welcome to {{pipeline.name}}, {{contact.first_name}}",
		"{{stage.name}} as of {{date.today}} ({{custom.plan}})")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Welcome to Sales, Ada",
		"Qualified as of March 5, 2026 (pro)",
	}, out)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/scheduler"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "data", "crmflow.db")

	out, err := execute(t, "migrate", "--config", filepath.Join(dir, "none.json"), "--db-path", db, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, db)

	// Migrations are idempotent.
	_, err = execute(t, "migrate", "--config", filepath.Join(dir, "none.json"), "--db-path", db, "--log-level", "error")
	require.NoError(t, err)
}

func TestTickCommand_Empty(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "tick", "--config", filepath.Join(dir, "none.json"),
		"--db-path", filepath.Join(dir, "crmflow.db"), "--log-level", "error")
	require.NoError(t, err)

	var report scheduler.TickReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 0, report.Due)
}

func TestInitRejectsInvalidEnvironment(t *testing.T) {
	c := &cli{
		configPath: filepath.Join(t.TempDir(), "none.json"),
		getenv:     envMap(map[string]string{"CRMFLOW_POOL_SIZE": "-1"}),
	}
	err := c.init(&bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_size")
}

func TestInitFlagOverrides(t *testing.T) {
	c := &cli{
		configPath: filepath.Join(t.TempDir(), "none.json"),
		dbPath:     "/tmp/override.db",
		logLevel:   "debug",
		getenv:     envMap(map[string]string{"CRMFLOW_DB_PATH": "/tmp/env.db"}),
	}
	require.NoError(t, c.init(&bytes.Buffer{}))
	assert.Equal(t, "/tmp/override.db", c.cfg.DBPath)
	assert.Equal(t, "debug", c.cfg.LogLevel)
	assert.NotNil(t, c.logger)
}

func TestDiagramCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "crmflow.db")
	s, err := openStore(context.Background(), Config{DBPath: db})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.CreateOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme"}))
	require.NoError(t, s.CreatePipeline(ctx, &store.Pipeline{ID: "pipe-1", OrganizationID: "org-1", Name: "Sales"}))
	require.NoError(t, s.CreateWorkflow(ctx, &store.Workflow{
		ID: "wf-1", OrganizationID: "org-1", PipelineID: "pipe-1", Name: "Nurture",
		TriggerType: schema.TriggerContactCreated, IsActive: true,
	}))
	require.NoError(t, s.CreateStep(ctx, &schema.Step{
		ID: "wait", WorkflowID: "wf-1", Type: schema.StepDelay,
		Config: schema.MustRawConfig(schema.DelayConfig{DurationMinutes: 5}),
	}))
	require.NoError(t, s.Close())

	flags := []string{"--config", filepath.Join(dir, "none.json"), "--db-path", db, "--log-level", "error"}

	out, err := execute(t, append([]string{"diagram", "wf-1", "--format", "ascii"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Nurture ===")
	assert.Contains(t, out, "(delay 5m)")

	target := filepath.Join(dir, "wf.mmd")
	out, err = execute(t, append([]string{"diagram", "wf-1", "-o", target}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, target)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "graph TD")

	_, err = execute(t, append([]string{"diagram", "wf-1", "--format", "pdf"}, flags...)...)
	assert.Error(t, err)
}

func TestSecretCommands(t *testing.T) {
	dir := t.TempDir()
	flags := []string{"--config", filepath.Join(dir, "none.json"),
		"--db-path", filepath.Join(dir, "crmflow.db"), "--log-level", "error"}
	t.Setenv("CRMFLOW_VAULT_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")

	out, err := execute(t, append([]string{"secret", "set", "CRM_TOKEN", "--value", "tok"}, flags...)...)
	require.NoError(t, err)
	assert.Equal(t, "stored CRM_TOKEN\n", out)

	out, err = execute(t, append([]string{"secret", "list"}, flags...)...)
	require.NoError(t, err)
	assert.Equal(t, "CRM_TOKEN\n", out)

	out, err = execute(t, append([]string{"secret", "delete", "CRM_TOKEN"}, flags...)...)
	require.NoError(t, err)
	assert.Equal(t, "deleted CRM_TOKEN\n", out)

	_, err = execute(t, append([]string{"secret", "set", "bad-key", "--value", "x"}, flags...)...)
	assert.Error(t, err)
}

func TestSecretCommands_NoVault(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "secret", "set", "K", "--value", "v", "--config", filepath.Join(dir, "none.json"),
		"--db-path", filepath.Join(dir, "crmflow.db"), "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no vault configured")
}

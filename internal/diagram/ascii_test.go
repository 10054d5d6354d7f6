package diagram

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	m, err := Build(onboardingWorkflow(), linearSteps(t), nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.True(t, strings.HasPrefix(out, "=== Onboarding ===\n"))
	assert.Contains(t, out, "│ welcome")
	assert.Contains(t, out, "(delay 30m)")
	assert.Contains(t, out, "▼")
	assert.NotContains(t, out, "--- branches ---")
	assert.NotContains(t, out, "--- unreachable ---")

	// Start comes before the first step, which comes before End.
	assert.Less(t, strings.Index(out, "Start"), strings.Index(out, "welcome"))
	assert.Less(t, strings.Index(out, "welcome"), strings.Index(out, "End"))
}

func TestRenderASCIIWithStatus(t *testing.T) {
	resumeAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logs := []*store.StepLog{
		{StepID: "welcome", Status: schema.StepLogCompleted},
		{StepID: "wait", Status: schema.StepLogWaiting, NextRetryAt: &resumeAt},
	}
	m, err := Build(onboardingWorkflow(), linearSteps(t), logs)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[WAIT]")
	assert.Contains(t, out, "until 2026-03-01T09:00:00Z")
	assert.NotContains(t, out, "[FAIL]")
}

func TestRenderASCIIBranchesAndUnreachable(t *testing.T) {
	steps := append(conditionSteps(t), &schema.Step{ID: "orphan", OrderIndex: 7, Type: schema.StepAddTag})
	m, err := Build(onboardingWorkflow(), steps, nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "--- branches ---")
	assert.Contains(t, out, "check ─true→ won")
	assert.Contains(t, out, "check ─false→ nurture")
	assert.Contains(t, out, "--- unreachable ---\n  orphan\n")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[OK]", statusTag("completed"))
	assert.Equal(t, "[FAIL]", statusTag("failed"))
	assert.Equal(t, "[RUN]", statusTag("running"))
	assert.Equal(t, "[WAIT]", statusTag("waiting"))
	assert.Equal(t, "", statusTag("bogus"))
}

package expressions

import (
	"context"
	"testing"

	"github.com/rendis/crmflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookPayload() map[string]any {
	return map[string]any{
		"event":     "automation_webhook",
		"timestamp": "2026-01-02T03:04:05Z",
		"contact": map[string]any{
			"id":    "c1",
			"email": "ada@example.com",
			"tags":  []string{"vip"},
		},
		"context": map[string]any{
			"pipeline":     "Sales",
			"stage":        "Won",
			"organization": "Acme",
		},
	}
}

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_Identity(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".", webhookPayload())
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "automation_webhook", m["event"])
}

func TestGoJQ_ReshapePayload(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(),
		`{email: .contact.email, stage: .context.stage, tags: .contact.tags}`, webhookPayload())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"email": "ada@example.com",
		"stage": "Won",
		"tags":  []any{"vip"},
	}, out)
}

func TestGoJQ_Int64Normalized(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.n + 1`, map[string]any{"n": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.context.pipeline, .context.stage`, webhookPayload())
	require.NoError(t, err)
	assert.Equal(t, []any{"Sales", "Won"}, out)
}

func TestGoJQ_NoOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `empty`, webhookPayload())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `{email: `, webhookPayload())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.event + 1`, webhookPayload())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

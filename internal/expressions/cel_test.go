package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/crmflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardData() map[string]any {
	ev := schema.PipelineEvent{
		Type:              schema.TriggerTagAdded,
		ContactID:         "c1",
		PipelineID:        "pipe-1",
		Data:              schema.EventData{TagID: "vip"},
		TriggerChainDepth: 1,
	}
	return map[string]any{
		"event":   ev.AsMap(),
		"contact": contactSnapshot(),
	}
}

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_BooleanLiteral(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "true", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_TriggerGuards(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		expr string
		want bool
	}{
		{`event.type == "tag_added"`, true},
		{`event.data.tag_id == "vip"`, true},
		{`event.trigger_chain_depth == 0`, false},
		{`contact.email.endsWith("@example.com")`, true},
		{`"newsletter" in contact.tags`, true},
		{`contact.custom_fields.plan == "pro" && event.pipeline_id == "pipe-1"`, true},
		{`has(contact.custom_fields.region)`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			ok, err := EvaluateBool(ctx, e, tt.expr, guardData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCEL_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(contact) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile(`event.type ==`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.NoError(t, e.Compile(`event.type == "stage_changed"`))
}

func TestCEL_UnknownVariable(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `steps.a == 1`, guardData())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCEL_MissingKeyIsEvalError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `contact.nope == "x"`, guardData())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestCEL_Concurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := EvaluateBool(context.Background(), e, `event.data.tag_id == "vip"`, guardData())
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/crmflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contactSnapshot() map[string]any {
	return map[string]any{
		"id":        "c1",
		"email":     "ada@example.com",
		"stage_id":  "stage-a",
		"full_name": "Ada Lovelace",
		"tags":      []any{"vip", "newsletter"},
		"custom_fields": map[string]any{
			"score": float64(42),
			"plan":  "pro",
		},
	}
}

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_IntegerLiteral(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "42", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestExpr_ContactFields(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		expr string
		want any
	}{
		{`email != ""`, true},
		{`stage_id == "stage-b"`, false},
		{`custom_fields.score > 40`, true},
		{`custom_fields.plan in ["pro", "enterprise"]`, true},
		{`"vip" in tags`, true},
		{`len(tags)`, 2},
		{`full_name startsWith "Ada"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(ctx, tt.expr, contactSnapshot())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_UndefinedFieldIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `phone == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_CachedAcrossDifferentEnvs(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `custom_fields.score > 10`, contactSnapshot())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `custom_fields.score > 10`, map[string]any{
		"custom_fields": map[string]any{"score": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, false, out)
	assert.Equal(t, 1, e.programs.len())
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `email ==`, contactSnapshot())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestExpr_EvaluateBool(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	ok, err := EvaluateBool(ctx, e, `email endsWith "@example.com"`, contactSnapshot())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = EvaluateBool(ctx, e, `email`, contactSnapshot())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestExpr_Concurrent(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `custom_fields.score * 2`, contactSnapshot())
			assert.NoError(t, err)
			assert.Equal(t, float64(84), out)
		}()
	}
	wg.Wait()
}

package conditions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/crmflow/pkg/schema"
)

func snapshot() map[string]any {
	return map[string]any{
		"email":    "Ada@Example.com",
		"phone":    "",
		"company":  "Analytical Engines Ltd",
		"stage_id": "stage-a",
		"tags":     []any{"VIP", "newsletter"},
		"custom_fields": map[string]any{
			"score":  float64(42),
			"budget": "1500.50",
			"plan":   "pro",
			"notes":  nil,
		},
	}
}

func TestEvaluate_Operators(t *testing.T) {
	tests := []struct {
		name string
		cfg  schema.ConditionConfig
		want bool
	}{
		{"equals", schema.ConditionConfig{Field: "stage_id", Operator: OpEquals, Value: "stage-a"}, true},
		{"equals mismatch", schema.ConditionConfig{Field: "stage_id", Operator: OpEquals, Value: "stage-b"}, false},
		{"equals number vs string", schema.ConditionConfig{Field: "custom_fields.score", Operator: OpEquals, Value: "42"}, true},
		{"equals missing vs empty", schema.ConditionConfig{Field: "missing", Operator: OpEquals, Value: ""}, true},
		{"equals is case sensitive", schema.ConditionConfig{Field: "custom_fields.plan", Operator: OpEquals, Value: "PRO"}, false},
		{"not_equals", schema.ConditionConfig{Field: "stage_id", Operator: OpNotEquals, Value: "stage-b"}, true},
		{"contains case-insensitive", schema.ConditionConfig{Field: "email", Operator: OpContains, Value: "example.COM"}, true},
		{"contains miss", schema.ConditionConfig{Field: "company", Operator: OpContains, Value: "babbage"}, false},
		{"contains list member", schema.ConditionConfig{Field: "tags", Operator: OpContains, Value: "vip"}, true},
		{"contains list non-member", schema.ConditionConfig{Field: "tags", Operator: OpContains, Value: "vi"}, false},
		{"not_contains", schema.ConditionConfig{Field: "company", Operator: OpNotContains, Value: "babbage"}, true},
		{"not_contains list", schema.ConditionConfig{Field: "tags", Operator: OpNotContains, Value: "newsletter"}, false},
		{"is_empty blank", schema.ConditionConfig{Field: "phone", Operator: OpIsEmpty}, true},
		{"is_empty nil custom", schema.ConditionConfig{Field: "custom_fields.notes", Operator: OpIsEmpty}, true},
		{"is_empty missing custom", schema.ConditionConfig{Field: "custom_fields.region", Operator: OpIsEmpty}, true},
		{"is_empty set", schema.ConditionConfig{Field: "email", Operator: OpIsEmpty}, false},
		{"is_not_empty", schema.ConditionConfig{Field: "email", Operator: OpIsNotEmpty}, true},
		{"is_not_empty list", schema.ConditionConfig{Field: "tags", Operator: OpIsNotEmpty}, true},
		{"greater_than", schema.ConditionConfig{Field: "custom_fields.score", Operator: OpGreaterThan, Value: 40}, true},
		{"greater_than equal", schema.ConditionConfig{Field: "custom_fields.score", Operator: OpGreaterThan, Value: 42}, false},
		{"greater_than numeric string", schema.ConditionConfig{Field: "custom_fields.budget", Operator: OpGreaterThan, Value: "1000"}, true},
		{"greater_than non-numeric", schema.ConditionConfig{Field: "email", Operator: OpGreaterThan, Value: 1}, false},
		{"less_than", schema.ConditionConfig{Field: "custom_fields.score", Operator: OpLessThan, Value: float64(100)}, true},
		{"less_than missing field", schema.ConditionConfig{Field: "custom_fields.region", Operator: OpLessThan, Value: 1}, false},
		{"unknown operator", schema.ConditionConfig{Field: "email", Operator: "matches", Value: ".*"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cfg, snapshot()))
		})
	}
}

func TestLookup(t *testing.T) {
	v, ok := Lookup(snapshot(), "custom_fields.plan")
	assert.True(t, ok)
	assert.Equal(t, "pro", v)

	_, ok = Lookup(snapshot(), "custom_fields.region")
	assert.False(t, ok)

	v, ok = Lookup(snapshot(), "email")
	assert.True(t, ok)
	assert.Equal(t, "Ada@Example.com", v)

	_, ok = Lookup(map[string]any{}, "custom_fields.plan")
	assert.False(t, ok)
}

func TestEvaluator_ExpressionMode(t *testing.T) {
	e := NewEvaluator(nil, nil)
	ctx := context.Background()

	assert.True(t, e.Evaluate(ctx, schema.ConditionConfig{Expression: `custom_fields.score >= 42 && "VIP" in tags`}, snapshot()))
	assert.False(t, e.Evaluate(ctx, schema.ConditionConfig{Expression: `stage_id == "stage-b"`}, snapshot()))
}

func TestEvaluator_ExpressionFailuresAreFalse(t *testing.T) {
	e := NewEvaluator(nil, nil)
	ctx := context.Background()

	assert.False(t, e.Evaluate(ctx, schema.ConditionConfig{Expression: `email ==`}, snapshot()))
	assert.False(t, e.Evaluate(ctx, schema.ConditionConfig{Expression: `email`}, snapshot()))
}

func TestEvaluator_FallsBackToOperators(t *testing.T) {
	e := NewEvaluator(nil, nil)

	cfg := schema.ConditionConfig{Field: "tags", Operator: OpContains, Value: "newsletter"}
	assert.True(t, e.Evaluate(context.Background(), cfg, snapshot()))
}

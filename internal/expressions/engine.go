package expressions

import (
	"context"

	"github.com/rendis/crmflow/pkg/schema"
)

// Engine evaluates expressions embedded in workflow configuration.
// Three implementations: CEL (trigger guards), Expr (condition expressions), GoJQ (webhook transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression with eng and requires a boolean result.
func EvaluateBool(ctx context.Context, eng Engine, expression string, data map[string]any) (bool, error) {
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"%s expression %q returned %T, expected bool", eng.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

package conditions

import (
	"context"
	"log/slog"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/pkg/schema"
)

// Evaluator decides condition steps. A config with an Expression is evaluated by
// the expression engine; otherwise the field/operator/value test applies.
type Evaluator struct {
	engine expressions.Engine
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. engine may be nil, in which case it defaults
// to an expr-lang engine.
func NewEvaluator(engine expressions.Engine, logger *slog.Logger) *Evaluator {
	if engine == nil {
		engine = expressions.NewExprEngine()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{engine: engine, logger: logger}
}

// Evaluate returns the branch to take. Expression errors and non-boolean
// results evaluate to false.
func (e *Evaluator) Evaluate(ctx context.Context, cfg schema.ConditionConfig, snapshot map[string]any) bool {
	if cfg.Expression == "" {
		return Evaluate(cfg, snapshot)
	}
	ok, err := expressions.EvaluateBool(ctx, e.engine, cfg.Expression, snapshot)
	if err != nil {
		e.logger.WarnContext(ctx, "condition expression failed", "expression", cfg.Expression, "error", err)
		return false
	}
	return ok
}

package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/internal/validation"
	"github.com/rendis/crmflow/pkg/schema"
)

// MatchesTrigger reports whether ev satisfies the workflow's trigger type and
// filters. Empty filters are wildcards. The when guard is not considered.
func MatchesTrigger(ev schema.PipelineEvent, triggerType schema.TriggerType, cfg schema.TriggerConfig) bool {
	if ev.Type != triggerType {
		return false
	}
	switch triggerType {
	case schema.TriggerStageChanged:
		if cfg.ToStageID != "" && cfg.ToStageID != ev.Data.ToStageID {
			return false
		}
		if cfg.FromStageID != "" && cfg.FromStageID != ev.Data.FromStageID {
			return false
		}
		return true
	case schema.TriggerContactCreated:
		return cfg.PipelineID == "" || cfg.PipelineID == ev.PipelineID
	case schema.TriggerTagAdded, schema.TriggerTagRemoved:
		return cfg.TagID == "" || cfg.TagID == ev.Data.TagID
	default:
		return false
	}
}

// TriggerMatcher applies MatchesTrigger plus the optional CEL when guard.
type TriggerMatcher struct {
	cel       *expressions.CELEngine
	validator validation.Validator
	logger    *slog.Logger
}

// NewTriggerMatcher creates a TriggerMatcher. cel may be nil, in which case
// workflows with a when guard never match. validator may be nil.
func NewTriggerMatcher(cel *expressions.CELEngine, v validation.Validator, logger *slog.Logger) *TriggerMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerMatcher{cel: cel, validator: v, logger: logger}
}

// NeedsContact reports whether matching wf requires the contact snapshot.
func (m *TriggerMatcher) NeedsContact(wf *store.Workflow) bool {
	return wf.TriggerConfig.When != ""
}

// Matches reports whether wf should run for ev. A trigger config that fails
// validation, and a guard that fails to compile or evaluate, never match.
func (m *TriggerMatcher) Matches(ctx context.Context, ev schema.PipelineEvent, wf *store.Workflow, contact map[string]any) bool {
	if !MatchesTrigger(ev, wf.TriggerType, wf.TriggerConfig) {
		return false
	}
	if m.validator != nil {
		if err := m.validator.ValidateTriggerConfig(wf.TriggerConfig); err != nil {
			m.logger.WarnContext(ctx, "invalid trigger config", "workflow_id", wf.ID, "error", err)
			return false
		}
	}

	when := wf.TriggerConfig.When
	if when == "" {
		return true
	}
	if m.cel == nil {
		m.logger.WarnContext(ctx, "trigger guard ignored: no CEL engine", "workflow_id", wf.ID)
		return false
	}
	if contact == nil {
		contact = map[string]any{}
	}
	ok, err := expressions.EvaluateBool(ctx, m.cel, when, map[string]any{
		"event":   ev.AsMap(),
		"contact": contact,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "trigger guard failed", "workflow_id", wf.ID, "when", when, "error", err)
		return false
	}
	return ok
}

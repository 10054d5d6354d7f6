package actions

import (
	"context"
	"fmt"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// StageStore is the slice of the store the move_stage handler needs.
type StageStore interface {
	ActivitySink
	GetContact(ctx context.Context, id string) (*store.Contact, error)
	GetStage(ctx context.Context, id string) (*store.Stage, error)
	UpdateContactStage(ctx context.Context, id, stageID string) error
}

// MoveStageHandler implements the move_stage step.
type MoveStageHandler struct {
	store StageStore
}

// NewMoveStageHandler creates a move_stage handler.
func NewMoveStageHandler(s StageStore) *MoveStageHandler {
	return &MoveStageHandler{store: s}
}

func (h *MoveStageHandler) Type() schema.StepType { return schema.StepMoveStage }

// Execute moves the contact to the configured stage and emits stage_changed.
// A contact already in the target stage is left alone and no event is emitted.
func (h *MoveStageHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	cfg, _ := config[schema.MoveStageConfig](in)
	if cfg.StageID == "" {
		return Failed("move_stage: missing stage_id in step config"), nil
	}

	c, err := h.store.GetContact(ctx, in.ContactID)
	if err != nil {
		if schema.IsNotFound(err) {
			return Failed("contact %s not found", in.ContactID), nil
		}
		return nil, fmt.Errorf("load contact: %w", err)
	}

	if c.StageID == cfg.StageID {
		return Succeeded(map[string]any{"stage_id": cfg.StageID, "unchanged": true}), nil
	}

	from := c.StageID
	if err := h.store.UpdateContactStage(ctx, c.ID, cfg.StageID); err != nil {
		if schema.IsNotFound(err) {
			return Failed("contact %s not found", in.ContactID), nil
		}
		return nil, fmt.Errorf("update contact stage: %w", err)
	}

	// The stage name only enriches the activity text.
	stageName := cfg.StageID
	pipelineID := c.PipelineID
	if st, err := h.store.GetStage(ctx, cfg.StageID); err == nil {
		stageName = st.Name
		if st.PipelineID != "" {
			pipelineID = st.PipelineID
		}
	}

	if err := recordActivity(ctx, h.store, in, c, schema.ActivityStageChanged,
		fmt.Sprintf("Moved to stage %s by automation", stageName),
		map[string]any{"from_stage_id": from, "to_stage_id": cfg.StageID}); err != nil {
		return nil, fmt.Errorf("record activity: %w", err)
	}

	res := Succeeded(map[string]any{"from_stage_id": from, "to_stage_id": cfg.StageID})
	res.NewEvent = in.cascade(schema.TriggerStageChanged, c.OrganizationID, pipelineID,
		schema.EventData{FromStageID: from, ToStageID: cfg.StageID})
	return res, nil
}

package actions

import (
	"context"
	"fmt"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// TagStore is the slice of the store the tag handlers need.
type TagStore interface {
	ActivitySink
	GetContact(ctx context.Context, id string) (*store.Contact, error)
	GetTag(ctx context.Context, id string) (*store.Tag, error)
	AddContactTag(ctx context.Context, contactID, tagID string) error
	RemoveContactTag(ctx context.Context, contactID, tagID string) error
}

// TagHandler implements add_tag and remove_tag. Both are idempotent on the
// store: linking twice keeps one row, unlinking an absent tag is a no-op.
type TagHandler struct {
	store  TagStore
	remove bool
}

// NewAddTagHandler creates an add_tag handler.
func NewAddTagHandler(s TagStore) *TagHandler {
	return &TagHandler{store: s}
}

// NewRemoveTagHandler creates a remove_tag handler.
func NewRemoveTagHandler(s TagStore) *TagHandler {
	return &TagHandler{store: s, remove: true}
}

func (h *TagHandler) Type() schema.StepType {
	if h.remove {
		return schema.StepRemoveTag
	}
	return schema.StepAddTag
}

func (h *TagHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	name := h.Type()
	cfg, _ := config[schema.TagConfig](in)
	if cfg.TagID == "" {
		return Failed("%s: missing tag_id in step config", name), nil
	}

	c, err := h.store.GetContact(ctx, in.ContactID)
	if err != nil {
		if schema.IsNotFound(err) {
			return Failed("contact %s not found", in.ContactID), nil
		}
		return nil, fmt.Errorf("load contact: %w", err)
	}

	tagName := cfg.TagID
	if tag, err := h.store.GetTag(ctx, cfg.TagID); err == nil {
		tagName = tag.Name
	}

	var (
		trigger  schema.TriggerType
		activity string
		desc     string
	)
	if h.remove {
		if err := h.store.RemoveContactTag(ctx, c.ID, cfg.TagID); err != nil {
			return nil, fmt.Errorf("remove contact tag: %w", err)
		}
		trigger, activity = schema.TriggerTagRemoved, schema.ActivityTagRemoved
		desc = fmt.Sprintf("Tag %s removed by automation", tagName)
	} else {
		if err := h.store.AddContactTag(ctx, c.ID, cfg.TagID); err != nil {
			return nil, fmt.Errorf("add contact tag: %w", err)
		}
		trigger, activity = schema.TriggerTagAdded, schema.ActivityTagAdded
		desc = fmt.Sprintf("Tag %s added by automation", tagName)
	}

	if err := recordActivity(ctx, h.store, in, c, activity, desc, map[string]any{"tag_id": cfg.TagID}); err != nil {
		return nil, fmt.Errorf("record activity: %w", err)
	}

	res := Succeeded(map[string]any{"tag_id": cfg.TagID})
	res.NewEvent = in.cascade(trigger, c.OrganizationID, c.PipelineID, schema.EventData{TagID: cfg.TagID})
	return res, nil
}

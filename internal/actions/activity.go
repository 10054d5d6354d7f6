package actions

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rendis/crmflow/internal/store"
)

// ActivitySink is the append-only activity log.
type ActivitySink interface {
	AppendActivity(ctx context.Context, a *store.Activity) error
}

// recordActivity appends an automation activity for contact c. run and workflow
// IDs are added to the metadata.
func recordActivity(ctx context.Context, sink ActivitySink, in Input, c *store.Contact, kind, description string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["run_id"] = in.RunID
	meta["workflow_id"] = in.WorkflowID
	if in.Step != nil {
		meta["step_id"] = in.Step.ID
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return sink.AppendActivity(ctx, &store.Activity{
		ID:             uuid.New().String(),
		ContactID:      c.ID,
		OrganizationID: c.OrganizationID,
		Type:           kind,
		Description:    description,
		Metadata:       raw,
	})
}

package engine

import (
	"github.com/rendis/crmflow/internal/store"
)

// ContactSnapshot is the minimal view of a contact that condition steps and
// trigger guards see. Custom fields are copied under "custom_fields".
func ContactSnapshot(c *store.Contact) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	custom := make(map[string]any, len(c.CustomFields))
	for k, v := range c.CustomFields {
		custom[k] = v
	}
	return map[string]any{
		"id":              c.ID,
		"organization_id": c.OrganizationID,
		"pipeline_id":     c.PipelineID,
		"stage_id":        c.StageID,
		"full_name":       c.FullName,
		"email":           c.Email,
		"phone":           c.Phone,
		"company":         c.Company,
		"tags":            append([]string{}, c.Tags...),
		"custom_fields":   custom,
	}
}

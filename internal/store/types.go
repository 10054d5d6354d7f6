package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/crmflow/pkg/schema"
)

// Workflow is a user-defined automation bound to one pipeline and one trigger.
// The core only reads workflows.
type Workflow struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id"`
	PipelineID     string               `json:"pipeline_id"`
	Name           string               `json:"name,omitempty"`
	TriggerType    schema.TriggerType   `json:"trigger_type"`
	TriggerConfig  schema.TriggerConfig `json:"trigger_config"`
	IsActive       bool                 `json:"is_active"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// RunMetadata is stored alongside a run.
type RunMetadata struct {
	TriggerChainDepth int                   `json:"trigger_chain_depth"`
	TriggerEvent      *schema.PipelineEvent `json:"trigger_event,omitempty"`
}

// Run is one execution of a workflow against one contact.
type Run struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"`
	ContactID     string           `json:"contact_id"`
	Status        schema.RunStatus `json:"status"`
	CurrentStepID string           `json:"current_step_id,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Metadata      RunMetadata      `json:"metadata"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StepLog is the execution record of one step within one run.
type StepLog struct {
	ID           string               `json:"id"`
	RunID        string               `json:"run_id"`
	StepID       string               `json:"step_id"`
	StepType     schema.StepType      `json:"step_type"`
	Status       schema.StepLogStatus `json:"status"`
	Result       json.RawMessage      `json:"result,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	NextRetryAt  *time.Time           `json:"next_retry_at,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

// Contact is the CRM entity automations act on.
type Contact struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	PipelineID     string         `json:"pipeline_id,omitempty"`
	StageID        string         `json:"stage_id,omitempty"`
	FullName       string         `json:"full_name,omitempty"`
	Email          string         `json:"email,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Company        string         `json:"company,omitempty"`
	CustomFields   map[string]any `json:"custom_fields,omitempty"`
	Tags           []string       `json:"tags,omitempty"` // tag IDs, populated on read
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Snapshot returns the flat view used by condition evaluation and expression guards.
func (c *Contact) Snapshot() map[string]any {
	custom := c.CustomFields
	if custom == nil {
		custom = map[string]any{}
	}
	tags := make([]any, 0, len(c.Tags))
	for _, t := range c.Tags {
		tags = append(tags, t)
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
		"tags":            tags,
		"custom_fields":   custom,
	}
}

// Pipeline groups stages for an organization.
type Pipeline struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stage is one column of a pipeline.
type Stage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
	Position   int    `json:"position"`
}

// Organization owns pipelines, contacts and workflows.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Tag is a label that can be attached to contacts.
type Tag struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// Activity is an append-only record of something that happened to a contact.
type Activity struct {
	ID             string          `json:"id"`
	ContactID      string          `json:"contact_id"`
	OrganizationID string          `json:"organization_id"`
	Type           string          `json:"type"`
	Description    string          `json:"description"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EmailTemplate is a stored message body with merge fields.
type EmailTemplate struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// WebhookEndpoint is a registered outbound URL.
type WebhookEndpoint struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Name           string            `json:"name,omitempty"`
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	ContactID  string            `json:"contact_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left untouched.
type RunUpdate struct {
	Status        *schema.RunStatus `json:"status,omitempty"`
	CurrentStepID *string           `json:"current_step_id,omitempty"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// StepLogUpdate specifies mutable fields of a step log. Nil fields are left untouched.
// ClearNextRetry resets next_retry_at to NULL.
type StepLogUpdate struct {
	Status         *schema.StepLogStatus `json:"status,omitempty"`
	Result         json.RawMessage       `json:"result,omitempty"`
	ErrorMessage   *string               `json:"error_message,omitempty"`
	NextRetryAt    *time.Time            `json:"next_retry_at,omitempty"`
	ClearNextRetry bool                  `json:"-"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

package store

import (
	"context"
	"time"

	"github.com/rendis/crmflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListActiveWorkflows(ctx context.Context, pipelineID string) ([]*Workflow, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error

	// Steps
	CreateStep(ctx context.Context, step *schema.Step) error
	ListSteps(ctx context.Context, workflowID string) ([]*schema.Step, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step logs
	CreateStepLog(ctx context.Context, log *StepLog) error
	UpdateStepLog(ctx context.Context, id string, update StepLogUpdate) error
	GetWaitingStepLog(ctx context.Context, runID, stepID string) (*StepLog, error)
	ListStepLogs(ctx context.Context, runID string) ([]*StepLog, error)
	ListDueStepLogs(ctx context.Context, before time.Time, limit int) ([]*StepLog, error)

	// Contacts
	CreateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	UpdateContactStage(ctx context.Context, id, stageID string) error
	AddContactTag(ctx context.Context, contactID, tagID string) error
	RemoveContactTag(ctx context.Context, contactID, tagID string) error

	// Pipeline reference data
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	CreateStage(ctx context.Context, st *Stage) error
	GetStage(ctx context.Context, id string) (*Stage, error)
	CreateTag(ctx context.Context, tag *Tag) error
	GetTag(ctx context.Context, id string) (*Tag, error)

	// Activity log (append-only)
	AppendActivity(ctx context.Context, a *Activity) error
	ListActivities(ctx context.Context, contactID string) ([]*Activity, error)

	// Email templates
	StoreEmailTemplate(ctx context.Context, tpl *EmailTemplate) error
	GetEmailTemplate(ctx context.Context, id string) (*EmailTemplate, error)

	// Webhook endpoints
	CreateWebhookEndpoint(ctx context.Context, ep *WebhookEndpoint) error
	GetWebhookEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error)

	// Secrets (values are stored as given; encryption is the vault's job)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

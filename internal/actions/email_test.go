package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/mail"
	"github.com/rendis/crmflow/internal/merge"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

func newEmailHandler(t *testing.T, env *crm, sender mail.Sender) *SendEmailHandler {
	t.Helper()
	require.NoError(t, env.store.StoreEmailTemplate(context.Background(), &store.EmailTemplate{
		ID:             "tpl-welcome",
		OrganizationID: "org-1",
		Name:           "Welcome",
		Subject:        "Welcome {{contact.first_name}}",
		Body:           "Hi {{ contact.full_name }} of {{contact.company}}, you are now in {{stage.name}} ({{pipeline.name}}). {{unknown.token}}",
	}))
	clock := merge.WithClock(func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) })
	return NewSendEmailHandler(env.store, merge.NewResolver(env.store, clock), sender)
}

func TestSendEmail_RendersAndSends(t *testing.T) {
	env := newCRM(t)
	sender := &mail.MemorySender{}
	h := newEmailHandler(t, env, sender)

	res, err := h.Execute(context.Background(), stepInput(t, schema.StepSendEmail, schema.SendEmailConfig{TemplateID: "tpl-welcome", FromName: "Acme Team"}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Nil(t, res.NewEvent)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ada@example.com", sent[0].To)
	assert.Equal(t, "Acme Team", sent[0].FromName)
	assert.Equal(t, "Welcome Ada", sent[0].Subject)
	assert.Equal(t, "Hi Ada Lovelace of Analytical Engines, you are now in Lead (Sales). {{unknown.token}}", sent[0].Body)

	assert.Equal(t, []string{schema.ActivityEmailSent}, activityTypes(t, env.store, "contact-1"))
}

func TestSendEmail_Failures(t *testing.T) {
	tests := []struct {
		name    string
		cfg     schema.SendEmailConfig
		contact string
		prepare func(t *testing.T, env *crm)
		sender  mail.Sender
		wantErr string
	}{
		{
			name:    "missing template id",
			cfg:     schema.SendEmailConfig{},
			wantErr: "send_email: missing template_id in step config",
		},
		{
			name:    "unknown contact",
			cfg:     schema.SendEmailConfig{TemplateID: "tpl-welcome"},
			contact: "ghost",
			wantErr: "contact ghost not found",
		},
		{
			name: "contact without email",
			cfg:  schema.SendEmailConfig{TemplateID: "tpl-welcome"},
			prepare: func(t *testing.T, env *crm) {
				require.NoError(t, env.store.CreateContact(context.Background(), &store.Contact{
					ID: "contact-2", OrganizationID: "org-1", FullName: "No Mail",
				}))
			},
			contact: "contact-2",
			wantErr: "contact contact-2 has no email address",
		},
		{
			name:    "unknown template",
			cfg:     schema.SendEmailConfig{TemplateID: "tpl-missing"},
			wantErr: "email template tpl-missing not found",
		},
		{
			name:    "provider error",
			cfg:     schema.SendEmailConfig{TemplateID: "tpl-welcome"},
			sender:  &mail.MemorySender{Err: errors.New("550 mailbox unavailable")},
			wantErr: "email provider error: 550 mailbox unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCRM(t)
			if tt.prepare != nil {
				tt.prepare(t, env)
			}
			sender := tt.sender
			if sender == nil {
				sender = &mail.MemorySender{}
			}
			h := newEmailHandler(t, env, sender)

			in := stepInput(t, schema.StepSendEmail, tt.cfg)
			if tt.contact != "" {
				in.ContactID = tt.contact
			}
			res, err := h.Execute(context.Background(), in)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantErr, res.Error)
			assert.Empty(t, activityTypes(t, env.store, in.ContactID))
		})
	}
}

package actions

import (
	"context"
	"fmt"

	"github.com/rendis/crmflow/internal/mail"
	"github.com/rendis/crmflow/internal/merge"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// EmailStore is the slice of the store the send_email handler needs.
type EmailStore interface {
	ActivitySink
	GetEmailTemplate(ctx context.Context, id string) (*store.EmailTemplate, error)
}

// SendEmailHandler implements the send_email step: it renders a stored template
// with the contact's merge fields and hands it to the mail sender.
type SendEmailHandler struct {
	store    EmailStore
	resolver *merge.Resolver
	sender   mail.Sender
}

// NewSendEmailHandler creates a send_email handler.
func NewSendEmailHandler(s EmailStore, resolver *merge.Resolver, sender mail.Sender) *SendEmailHandler {
	return &SendEmailHandler{store: s, resolver: resolver, sender: sender}
}

func (h *SendEmailHandler) Type() schema.StepType { return schema.StepSendEmail }

func (h *SendEmailHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	cfg, _ := config[schema.SendEmailConfig](in)
	if cfg.TemplateID == "" {
		return Failed("send_email: missing template_id in step config"), nil
	}

	mc, c, err := h.resolver.BuildContext(ctx, in.ContactID)
	if err != nil {
		if schema.IsNotFound(err) {
			return Failed("contact %s not found", in.ContactID), nil
		}
		return nil, fmt.Errorf("build merge context: %w", err)
	}
	if c.Email == "" {
		return Failed("contact %s has no email address", c.ID), nil
	}

	tpl, err := h.store.GetEmailTemplate(ctx, cfg.TemplateID)
	if err != nil {
		if schema.IsNotFound(err) {
			return Failed("email template %s not found", cfg.TemplateID), nil
		}
		return nil, fmt.Errorf("load email template: %w", err)
	}

	msg := mail.Message{
		To:       c.Email,
		FromName: cfg.FromName,
		Subject:  merge.Render(tpl.Subject, mc),
		Body:     merge.Render(tpl.Body, mc),
	}
	if err := h.sender.Send(ctx, msg); err != nil {
		return Failed("email provider error: %v", err), nil
	}

	if err := recordActivity(ctx, h.store, in, c, schema.ActivityEmailSent,
		fmt.Sprintf("Email %q sent by automation", msg.Subject),
		map[string]any{"template_id": tpl.ID, "to": c.Email}); err != nil {
		return nil, fmt.Errorf("record activity: %w", err)
	}

	return Succeeded(map[string]any{"template_id": tpl.ID, "to": c.Email, "subject": msg.Subject}), nil
}

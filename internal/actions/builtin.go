package actions

import (
	"time"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/internal/mail"
	"github.com/rendis/crmflow/internal/merge"
	"github.com/rendis/crmflow/internal/store"
)

// BuiltinDeps are the collaborators of the built-in handlers.
type BuiltinDeps struct {
	Store   store.Store
	Mailer  mail.Sender
	JQ      *expressions.GoJQEngine
	Webhook WebhookConfig
	Merge   []merge.Option
	// Now overrides the delay clock.
	Now func() time.Time
}

// RegisterBuiltins registers the six built-in step handlers in the given registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	mailer := deps.Mailer
	if mailer == nil {
		mailer = mail.NewLogSender(nil)
	}

	all := []Handler{
		NewSendEmailHandler(deps.Store, merge.NewResolver(deps.Store, deps.Merge...), mailer),
		NewMoveStageHandler(deps.Store),
		NewAddTagHandler(deps.Store),
		NewRemoveTagHandler(deps.Store),
		NewWebhookHandler(deps.Store, deps.JQ, deps.Webhook),
		NewDelayHandler(deps.Now),
	}

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Package merge resolves {{namespace.field}} merge fields against a contact's CRM context.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// DateLayout is the long date format used for {{date.today}}.
const DateLayout = "January 2, 2006"

var tokenPattern = regexp.MustCompile(`\{\{\s*(\w+)\.(\w+)\s*\}\}`)

// Lookup is the read-only slice of the store the resolver needs.
type Lookup interface {
	GetContact(ctx context.Context, id string) (*store.Contact, error)
	GetPipeline(ctx context.Context, id string) (*store.Pipeline, error)
	GetStage(ctx context.Context, id string) (*store.Stage, error)
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
}

// Context is the flat "namespace.field" -> value map used for substitution.
type Context map[string]string

// Resolver builds merge contexts and renders templates.
type Resolver struct {
	lookup Lookup
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the clock used for {{date.today}}.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the resolver's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver backed by lookup.
func NewResolver(lookup Lookup, opts ...Option) *Resolver {
	r := &Resolver{lookup: lookup, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// BuildContext loads the contact and its pipeline, stage and organization and
// flattens them into a Context. Only a missing contact is an error; missing
// related records leave their keys unset.
func (r *Resolver) BuildContext(ctx context.Context, contactID string) (Context, *store.Contact, error) {
	c, err := r.lookup.GetContact(ctx, contactID)
	if err != nil {
		return nil, nil, err
	}

	mc := Context{
		"contact.full_name":  c.FullName,
		"contact.first_name": firstName(c.FullName),
		"contact.email":      c.Email,
		"contact.phone":      c.Phone,
		"contact.company":    c.Company,
		"date.today":         r.now().Format(DateLayout),
	}
	for k, v := range c.CustomFields {
		mc["custom."+k] = fieldString(v)
	}

	if c.PipelineID != "" {
		if p, err := r.lookup.GetPipeline(ctx, c.PipelineID); err == nil {
			mc["pipeline.name"] = p.Name
		} else if !schema.IsNotFound(err) {
			r.logger.WarnContext(ctx, "merge: pipeline lookup failed", "pipeline_id", c.PipelineID, "error", err)
		}
	}
	if c.StageID != "" {
		if st, err := r.lookup.GetStage(ctx, c.StageID); err == nil {
			mc["stage.name"] = st.Name
		} else if !schema.IsNotFound(err) {
			r.logger.WarnContext(ctx, "merge: stage lookup failed", "stage_id", c.StageID, "error", err)
		}
	}
	if org, err := r.lookup.GetOrganization(ctx, c.OrganizationID); err == nil {
		mc["org.name"] = org.Name
	} else if !schema.IsNotFound(err) {
		r.logger.WarnContext(ctx, "merge: organization lookup failed", "organization_id", c.OrganizationID, "error", err)
	}

	return mc, c, nil
}

// Render replaces every {{namespace.field}} token present in mc. Unknown tokens
// are left verbatim.
func Render(template string, mc Context) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		if v, ok := mc[m[1]+"."+m[2]]; ok {
			return v
		}
		return tok
	})
}

// Resolve builds the context for contactID and renders each template with it.
func (r *Resolver) Resolve(ctx context.Context, contactID string, templates ...string) ([]string, error) {
	mc, _, err := r.BuildContext(ctx, contactID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = Render(t, mc)
	}
	return out, nil
}

func firstName(full string) string {
	if fields := strings.Fields(full); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func fieldString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

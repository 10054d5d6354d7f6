package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/internal/secrets"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// WebhookConfig configures the webhook handler.
type WebhookConfig struct {
	MaxResponseBody int64
	Timeout         time.Duration
	// Secrets expands ${{secrets.KEY}} references in header values.
	Secrets secrets.Resolver
	// Client overrides the HTTP client; mainly for tests.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 1 << 20 // 1MB
	defaultWebhookTimeout  = 30 * time.Second

	webhookEventName = "automation_webhook"
)

// WebhookStore is the slice of the store the webhook handler needs.
type WebhookStore interface {
	ActivitySink
	GetWebhookEndpoint(ctx context.Context, id string) (*store.WebhookEndpoint, error)
	GetContact(ctx context.Context, id string) (*store.Contact, error)
	GetPipeline(ctx context.Context, id string) (*store.Pipeline, error)
	GetStage(ctx context.Context, id string) (*store.Stage, error)
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
}

// WebhookHandler implements the webhook step: it sends a JSON payload describing
// the contact and its pipeline context to a registered endpoint or a literal URL.
type WebhookHandler struct {
	store  WebhookStore
	jq     *expressions.GoJQEngine
	config WebhookConfig
	client *http.Client
	now    func() time.Time
}

// NewWebhookHandler creates a webhook handler. jq may be nil when transforms are not used.
func NewWebhookHandler(s WebhookStore, jq *expressions.GoJQEngine, cfg WebhookConfig) *WebhookHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &WebhookHandler{store: s, jq: jq, config: cfg, client: client, now: time.Now}
}

func (h *WebhookHandler) Type() schema.StepType { return schema.StepWebhook }

// target is the resolved request destination.
type target struct {
	url     string
	method  string
	headers map[string]string
}

func (h *WebhookHandler) resolve(ctx context.Context, cfg schema.WebhookConfig) (*target, string, error) {
	t := &target{url: cfg.URL, method: cfg.Method, headers: map[string]string{}}

	if cfg.EndpointID != "" {
		ep, err := h.store.GetWebhookEndpoint(ctx, cfg.EndpointID)
		if err != nil {
			if schema.IsNotFound(err) {
				return nil, fmt.Sprintf("webhook endpoint %s not found", cfg.EndpointID), nil
			}
			return nil, "", fmt.Errorf("load webhook endpoint: %w", err)
		}
		t.url = ep.URL
		if t.method == "" {
			t.method = ep.Method
		}
		for k, v := range ep.Headers {
			t.headers[k] = v
		}
	}
	// Step headers win over endpoint headers.
	for k, v := range cfg.Headers {
		t.headers[k] = v
	}
	for k, v := range t.headers {
		expanded, err := secrets.Expand(ctx, h.config.Secrets, v)
		if err != nil {
			return nil, fmt.Sprintf("webhook header %s: %v", k, err), nil
		}
		t.headers[k] = expanded
	}

	if t.url == "" {
		return nil, "webhook: no URL could be resolved from step config", nil
	}
	u, err := url.ParseRequestURI(t.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Sprintf("webhook: invalid URL %q", t.url), nil
	}
	t.method = strings.ToUpper(t.method)
	if t.method == "" {
		t.method = http.MethodPost
	}
	return t, "", nil
}

// payload builds the outbound body. A missing contact yields an empty contact object.
func (h *WebhookHandler) payload(ctx context.Context, contactID string) (map[string]any, *store.Contact, error) {
	contactRow := map[string]any{}
	pctx := map[string]any{"pipeline": "", "stage": "", "organization": ""}

	c, err := h.store.GetContact(ctx, contactID)
	switch {
	case err == nil:
		b, err := json.Marshal(c)
		if err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(b, &contactRow); err != nil {
			return nil, nil, err
		}
		if p, err := h.store.GetPipeline(ctx, c.PipelineID); err == nil {
			pctx["pipeline"] = p.Name
		}
		if st, err := h.store.GetStage(ctx, c.StageID); err == nil {
			pctx["stage"] = st.Name
		}
		if org, err := h.store.GetOrganization(ctx, c.OrganizationID); err == nil {
			pctx["organization"] = org.Name
		}
	case schema.IsNotFound(err):
		c = nil
	default:
		return nil, nil, fmt.Errorf("load contact: %w", err)
	}

	return map[string]any{
		"event":     webhookEventName,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"contact":   contactRow,
		"context":   pctx,
	}, c, nil
}

func (h *WebhookHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	cfg, _ := config[schema.WebhookConfig](in)

	t, failure, err := h.resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if failure != "" {
		return Failed("%s", failure), nil
	}

	body, c, err := h.payload(ctx, in.ContactID)
	if err != nil {
		return nil, err
	}

	var out any = body
	if cfg.Transform != "" {
		out, err = h.jq.Evaluate(ctx, cfg.Transform, body)
		if err != nil {
			return Failed("webhook transform failed: %v", err), nil
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Failed("webhook: payload is not serializable: %v", err), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, t.method, t.url, bytes.NewReader(raw))
	if err != nil {
		return Failed("webhook: failed to create request: %v", err), nil
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return Failed("webhook request failed: %v", err), nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))

	data := map[string]any{
		"url":         t.url,
		"method":      t.method,
		"status_code": resp.StatusCode,
		"duration_ms": durationMs,
	}
	if len(respBody) > 0 {
		data["response"] = string(respBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res := Failed("webhook returned status %d", resp.StatusCode)
		res.StatusCode = resp.StatusCode
		res.Data = data
		return res, nil
	}

	if c != nil {
		if err := recordActivity(ctx, h.store, in, c, schema.ActivityWebhookSent,
			fmt.Sprintf("Webhook sent to %s", t.url),
			map[string]any{"url": t.url, "status_code": resp.StatusCode}); err != nil {
			return nil, fmt.Errorf("record activity: %w", err)
		}
	}

	res := Succeeded(data)
	res.StatusCode = resp.StatusCode
	return res, nil
}

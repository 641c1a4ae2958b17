package provider

import (
	"context"
	"net/http"

	"clipflow/internal/config"
	"clipflow/internal/model"
	"clipflow/internal/ratelimit"
)

// captionTitleMax is the provider's hard limit on project titles.
const captionTitleMax = 50

// CaptionGateway submits the rendered video for caption and clip
// treatment. Input is the render stage's output artifact.
type CaptionGateway struct {
	app     *config.Config
	cfg     config.ProviderConfig
	limiter *ratelimit.Limiter
	client  *http.Client
}

func NewCaption(app *config.Config, limiter *ratelimit.Limiter) *CaptionGateway {
	return &CaptionGateway{
		app:     app,
		cfg:     app.Providers.Caption,
		limiter: limiter,
		client:  httpClient(app.Providers.Caption),
	}
}

func (g *CaptionGateway) Name() string       { return "caption" }
func (g *CaptionGateway) Stage() model.Stage { return model.StageCaption }

func (g *CaptionGateway) creds(tenant string) (config.TenantCredential, error) {
	tc := g.app.Tenant(tenant)
	if tc == nil {
		return config.TenantCredential{}, &Error{Code: "UNKNOWN_TENANT", Message: "no caption credentials for tenant " + tenant}
	}
	return tc.Caption, nil
}

type captionSubmitRequest struct {
	Title        string `json:"title"`
	Language     string `json:"language"`
	VideoURL     string `json:"videoUrl"`
	TemplateName string `json:"templateName,omitempty"`
	MagicZooms   bool   `json:"magicZooms"`
	WebhookURL   string `json:"webhookUrl"`
}

type captionSubmitResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
}

// Submit creates a caption project for the workflow's render output.
func (g *CaptionGateway) Submit(ctx context.Context, w *model.Workflow) (string, error) {
	creds, err := g.creds(w.Tenant)
	if err != nil {
		return "", err
	}
	if w.RenderResultURI == "" {
		return "", &Error{Code: "MISSING_INPUT", Message: "caption submit requires a render result"}
	}
	if err := g.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	title := w.Title
	if title == "" {
		title = "clipflow " + w.ID.String()
	}
	// Truncate on rune boundaries: titles carry emoji and non-ASCII.
	if r := []rune(title); len(r) > captionTitleMax {
		title = string(r[:captionTitleMax-3]) + "..."
	}

	req := captionSubmitRequest{
		Title:        title,
		Language:     "en",
		VideoURL:     w.RenderResultURI,
		TemplateName: creds.Template,
		MagicZooms:   true,
		WebhookURL:   g.app.Webhook.BaseURL + "/webhooks/caption/" + w.Tenant,
	}

	var resp captionSubmitResponse
	err = doJSON(ctx, g.client, http.MethodPost, g.cfg.BaseURL+"/v1/projects",
		map[string]string{"x-api-key": creds.APIKey}, req, &resp)
	if err != nil {
		return "", err
	}

	jobID := resp.ID
	if jobID == "" {
		jobID = resp.ProjectID
	}
	if jobID == "" {
		return "", &Error{Code: "MISSING_JOB_ID", Message: "caption response missing project id"}
	}
	return jobID, nil
}

type captionProjectResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl"`
	DirectURL   string `json:"directUrl"`
	Error       string `json:"error"`
}

// Poll fetches the caption project state by id.
func (g *CaptionGateway) Poll(ctx context.Context, tenant, jobID string) (StageResult, error) {
	creds, err := g.creds(tenant)
	if err != nil {
		return StageResult{}, err
	}

	var resp captionProjectResponse
	err = pollBackoff(ctx, func(ctx context.Context) error {
		return doJSON(ctx, g.client, http.MethodGet, g.cfg.BaseURL+"/v1/projects/"+jobID,
			map[string]string{"x-api-key": creds.APIKey}, nil, &resp)
	})
	if err != nil {
		return StageResult{}, err
	}

	return captionResult(resp.Status, firstNonEmpty(resp.DownloadURL, resp.DirectURL), resp.Error), nil
}

type captionWebhookPayload struct {
	ProjectID   string `json:"projectId"`
	ID          string `json:"id"`
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl"`
	DirectURL   string `json:"directUrl"`
	MediaURL    string `json:"media_url"`
	Error       string `json:"error"`
}

// ParseWebhook verifies the signature and normalizes the caption
// provider's completion payload. The provider is loose about field
// names across versions, so several aliases are accepted.
func (g *CaptionGateway) ParseWebhook(tenant string, body []byte, signature string) (WebhookEvent, error) {
	creds, err := g.creds(tenant)
	if err != nil {
		return WebhookEvent{}, err
	}
	if !verifySignature(creds.WebhookSecret, body, signature) {
		return WebhookEvent{}, ErrBadSignature
	}

	var payload captionWebhookPayload
	if err := unmarshalWebhook(body, &payload); err != nil {
		return WebhookEvent{}, err
	}

	jobID := firstNonEmpty(payload.ProjectID, payload.ID)
	if jobID == "" {
		return WebhookEvent{}, &Error{Code: "MISSING_JOB_ID", Message: "caption webhook missing project id"}
	}

	uri := firstNonEmpty(payload.DownloadURL, payload.DirectURL, payload.MediaURL)
	return WebhookEvent{
		JobID:     jobID,
		EventType: payload.Status,
		Result:    captionResult(payload.Status, uri, payload.Error),
	}, nil
}

func captionResult(status, uri, errMsg string) StageResult {
	switch status {
	case "completed", "done":
		return StageResult{State: StateDone, ResultURI: uri}
	case "failed", "error":
		if errMsg == "" {
			errMsg = "caption job failed"
		}
		return StageResult{State: StateFailed, Reason: errMsg}
	default:
		return StageResult{State: StateInProgress}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

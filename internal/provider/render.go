package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"clipflow/internal/config"
	"clipflow/internal/model"
	"clipflow/internal/ratelimit"
)

// RenderGateway submits avatar-narration render jobs. The provider
// signals completion by webhook (callback_id echoes the workflow id)
// or can be polled by video id.
type RenderGateway struct {
	app     *config.Config
	cfg     config.ProviderConfig
	limiter *ratelimit.Limiter
	client  *http.Client
}

func NewRender(app *config.Config, limiter *ratelimit.Limiter) *RenderGateway {
	return &RenderGateway{
		app:     app,
		cfg:     app.Providers.Render,
		limiter: limiter,
		client:  httpClient(app.Providers.Render),
	}
}

func (g *RenderGateway) Name() string       { return "render" }
func (g *RenderGateway) Stage() model.Stage { return model.StageRender }

func (g *RenderGateway) creds(tenant string) (config.TenantCredential, error) {
	tc := g.app.Tenant(tenant)
	if tc == nil {
		return config.TenantCredential{}, &Error{Code: "UNKNOWN_TENANT", Message: "no render credentials for tenant " + tenant}
	}
	return tc.Render, nil
}

type renderSubmitRequest struct {
	VideoInputs []renderVideoInput `json:"video_inputs"`
	Dimension   renderDimension    `json:"dimension"`
	Title       string             `json:"title,omitempty"`
	CallbackID  string             `json:"callback_id"`
	WebhookURL  string             `json:"webhook_url,omitempty"`
}

type renderVideoInput struct {
	Character renderCharacter `json:"character"`
	Voice     renderVoice     `json:"voice"`
}

type renderCharacter struct {
	Type     string `json:"type"`
	AvatarID string `json:"avatar_id"`
}

type renderVoice struct {
	Type      string `json:"type"`
	InputText string `json:"input_text"`
	VoiceID   string `json:"voice_id"`
}

type renderDimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type renderSubmitResponse struct {
	Data struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
	VideoID string `json:"video_id"`
	Message string `json:"message"`
}

type renderQuotaResponse struct {
	Data struct {
		RemainingQuota int64 `json:"remaining_quota"`
	} `json:"data"`
	RemainingQuota int64 `json:"remaining_quota"`
}

// Submit creates one render job. The account-wide quota is checked
// first so an exhausted plan surfaces as a retryable condition instead
// of a rejected job.
func (g *RenderGateway) Submit(ctx context.Context, w *model.Workflow) (string, error) {
	creds, err := g.creds(w.Tenant)
	if err != nil {
		return "", err
	}
	if err := g.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	if err := g.checkQuota(ctx, creds.APIKey); err != nil {
		return "", err
	}

	req := renderSubmitRequest{
		VideoInputs: []renderVideoInput{{
			Character: renderCharacter{Type: "avatar", AvatarID: creds.AvatarID},
			Voice:     renderVoice{Type: "text", InputText: w.Script, VoiceID: creds.VoiceID},
		}},
		Dimension:  renderDimension{Width: 720, Height: 1280},
		Title:      w.Title,
		CallbackID: w.ID.String(),
		WebhookURL: g.app.Webhook.BaseURL + "/webhooks/render/" + w.Tenant,
	}

	var resp renderSubmitResponse
	err = doJSON(ctx, g.client, http.MethodPost, g.cfg.BaseURL+"/v2/video/generate",
		map[string]string{"x-api-key": creds.APIKey}, req, &resp)
	if err != nil {
		return "", err
	}

	jobID := resp.Data.VideoID
	if jobID == "" {
		jobID = resp.VideoID
	}
	if jobID == "" {
		return "", &Error{Code: "MISSING_JOB_ID", Message: "render response missing video_id"}
	}
	return jobID, nil
}

// checkQuota rejects submission when the account has no credits left.
// Transient failures of the quota endpoint itself do not block the
// submission; the main call will classify any real problem.
func (g *RenderGateway) checkQuota(ctx context.Context, apiKey string) error {
	var resp renderQuotaResponse
	err := doJSON(ctx, g.client, http.MethodGet, g.cfg.BaseURL+"/v2/user/remaining_quota",
		map[string]string{"x-api-key": apiKey}, nil, &resp)
	if err != nil {
		if IsRetryable(err) {
			return nil
		}
		return err
	}

	quota := resp.Data.RemainingQuota
	if quota == 0 {
		quota = resp.RemainingQuota
	}
	// Quota is reported in raw units, 60 units per credit.
	if quota < 60 {
		return &Error{Code: "QUOTA_EXHAUSTED", Message: fmt.Sprintf("render quota %d units remaining", quota), Retryable: true}
	}
	return nil
}

type renderStatusResponse struct {
	Data struct {
		Status   string `json:"status"`
		VideoURL string `json:"video_url"`
		Error    string `json:"error"`
	} `json:"data"`
}

// Poll fetches the job state by video id. Used only by the recovery
// sweeper when the webhook never arrived.
func (g *RenderGateway) Poll(ctx context.Context, tenant, jobID string) (StageResult, error) {
	creds, err := g.creds(tenant)
	if err != nil {
		return StageResult{}, err
	}

	var resp renderStatusResponse
	err = pollBackoff(ctx, func(ctx context.Context) error {
		return doJSON(ctx, g.client, http.MethodGet,
			g.cfg.BaseURL+"/v1/video_status.get?video_id="+url.QueryEscape(jobID),
			map[string]string{"x-api-key": creds.APIKey}, nil, &resp)
	})
	if err != nil {
		return StageResult{}, err
	}

	switch resp.Data.Status {
	case "completed":
		return StageResult{State: StateDone, ResultURI: resp.Data.VideoURL}, nil
	case "failed":
		reason := resp.Data.Error
		if reason == "" {
			reason = "render job failed"
		}
		return StageResult{State: StateFailed, Reason: reason}, nil
	default:
		return StageResult{State: StateInProgress}, nil
	}
}

type renderWebhookPayload struct {
	EventType string `json:"event_type"`
	EventData struct {
		VideoID    string `json:"video_id"`
		URL        string `json:"url"`
		CallbackID string `json:"callback_id"`
		Msg        string `json:"msg"`
	} `json:"event_data"`
}

// ParseWebhook verifies the tenant's webhook secret against the raw
// payload and normalizes the event to the tri-state result.
func (g *RenderGateway) ParseWebhook(tenant string, body []byte, signature string) (WebhookEvent, error) {
	creds, err := g.creds(tenant)
	if err != nil {
		return WebhookEvent{}, err
	}
	if !verifySignature(creds.WebhookSecret, body, signature) {
		return WebhookEvent{}, ErrBadSignature
	}

	var payload renderWebhookPayload
	if err := unmarshalWebhook(body, &payload); err != nil {
		return WebhookEvent{}, err
	}
	if payload.EventData.VideoID == "" {
		return WebhookEvent{}, &Error{Code: "MISSING_JOB_ID", Message: "render webhook missing video_id"}
	}

	ev := WebhookEvent{JobID: payload.EventData.VideoID, EventType: payload.EventType}
	switch payload.EventType {
	case "avatar_video.success":
		ev.Result = StageResult{State: StateDone, ResultURI: payload.EventData.URL}
	case "avatar_video.fail":
		reason := payload.EventData.Msg
		if reason == "" {
			reason = "render generation failed"
		}
		ev.Result = StageResult{State: StateFailed, Reason: reason}
	default:
		ev.Result = StageResult{State: StateInProgress}
	}
	return ev, nil
}

// pollBackoff retries transient poll failures a couple of times with
// exponential backoff. Polls are idempotent reads so this is safe.
func pollBackoff(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

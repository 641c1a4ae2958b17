package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"clipflow/internal/config"
	"clipflow/internal/model"
	"clipflow/internal/ratelimit"
)

// PublishGateway sends the finished video to the social publishing
// provider, which fans it out to the tenant's connected platforms.
// One publish request per workflow; platform-specific posting logic
// stays on the provider side.
type PublishGateway struct {
	app     *config.Config
	cfg     config.ProviderConfig
	limiter *ratelimit.Limiter
	client  *http.Client
}

func NewPublish(app *config.Config, limiter *ratelimit.Limiter) *PublishGateway {
	return &PublishGateway{
		app:     app,
		cfg:     app.Providers.Publish,
		limiter: limiter,
		client:  httpClient(app.Providers.Publish),
	}
}

func (g *PublishGateway) Name() string       { return "publish" }
func (g *PublishGateway) Stage() model.Stage { return model.StagePublish }

func (g *PublishGateway) tenantConfig(tenant string) (*config.TenantConfig, error) {
	tc := g.app.Tenant(tenant)
	if tc == nil {
		return nil, &Error{Code: "UNKNOWN_TENANT", Message: "no publish credentials for tenant " + tenant}
	}
	return tc, nil
}

type publishAccount struct {
	ID       string `json:"_id"`
	Platform string `json:"platform"`
}

type publishAccountsResponse struct {
	Accounts []publishAccount `json:"accounts"`
}

// accounts resolves the tenant profile's connected platform accounts.
// The provider returns either a bare array or an {accounts: []} wrapper.
func (g *PublishGateway) accounts(ctx context.Context, apiKey, profileID string) ([]publishAccount, error) {
	endpoint := g.cfg.BaseURL + "/v1/accounts?profileId=" + url.QueryEscape(profileID)
	headers := map[string]string{"Authorization": "Bearer " + apiKey}

	var list []publishAccount
	if err := doJSON(ctx, g.client, http.MethodGet, endpoint, headers, nil, &list); err != nil {
		var wrapped publishAccountsResponse
		if werr := doJSON(ctx, g.client, http.MethodGet, endpoint, headers, nil, &wrapped); werr != nil {
			return nil, err
		}
		list = wrapped.Accounts
	}
	return list, nil
}

type publishPlatform struct {
	Platform  string `json:"platform"`
	AccountID string `json:"accountId"`
}

type publishMediaItem struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type publishSubmitRequest struct {
	Content    string             `json:"content"`
	Platforms  []publishPlatform  `json:"platforms"`
	MediaItems []publishMediaItem `json:"mediaItems"`
	PublishNow bool               `json:"publishNow"`
}

type publishSubmitResponse struct {
	ID     string `json:"id"`
	PostID string `json:"postId"`
	Post   struct {
		ID string `json:"id"`
	} `json:"post"`
}

// Submit creates one post covering every configured platform for the
// tenant. Platforms without a connected account are skipped; a tenant
// with no connected accounts at all is a permanent failure.
func (g *PublishGateway) Submit(ctx context.Context, w *model.Workflow) (string, error) {
	tc, err := g.tenantConfig(w.Tenant)
	if err != nil {
		return "", err
	}
	if w.CaptionResultURI == "" {
		return "", &Error{Code: "MISSING_INPUT", Message: "publish submit requires a caption result"}
	}
	if err := g.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	accounts, err := g.accounts(ctx, tc.Publish.APIKey, tc.Publish.ProfileID)
	if err != nil {
		return "", err
	}

	var platforms []publishPlatform
	for _, want := range tc.Platforms {
		for _, acc := range accounts {
			if strings.EqualFold(acc.Platform, want) {
				platforms = append(platforms, publishPlatform{Platform: want, AccountID: acc.ID})
				break
			}
		}
	}
	if len(platforms) == 0 {
		return "", &Error{Code: "NO_ACCOUNTS", Message: "no connected accounts for requested platforms"}
	}

	req := publishSubmitRequest{
		Content:    w.Caption,
		Platforms:  platforms,
		MediaItems: []publishMediaItem{{Type: "video", URL: w.CaptionResultURI}},
		PublishNow: true,
	}

	var resp publishSubmitResponse
	err = doJSON(ctx, g.client, http.MethodPost, g.cfg.BaseURL+"/v1/posts",
		map[string]string{"Authorization": "Bearer " + tc.Publish.APIKey}, req, &resp)
	if err != nil {
		return "", err
	}

	jobID := firstNonEmpty(resp.ID, resp.PostID, resp.Post.ID)
	if jobID == "" {
		return "", &Error{Code: "MISSING_JOB_ID", Message: "publish response missing post id"}
	}
	return jobID, nil
}

type publishPlatformStatus struct {
	Platform       string `json:"platform"`
	PlatformPostID string `json:"platformPostId"`
	Error          string `json:"error"`
}

type publishStatusResponse struct {
	ID        string                  `json:"id"`
	Status    string                  `json:"status"`
	Error     string                  `json:"error"`
	Platforms []publishPlatformStatus `json:"platforms"`
}

// Poll fetches post state by id. Done results carry the per-platform
// post ids for the published-post sink.
func (g *PublishGateway) Poll(ctx context.Context, tenant, jobID string) (StageResult, error) {
	tc, err := g.tenantConfig(tenant)
	if err != nil {
		return StageResult{}, err
	}

	var resp publishStatusResponse
	err = pollBackoff(ctx, func(ctx context.Context) error {
		return doJSON(ctx, g.client, http.MethodGet, g.cfg.BaseURL+"/v1/posts/"+jobID,
			map[string]string{"Authorization": "Bearer " + tc.Publish.APIKey}, nil, &resp)
	})
	if err != nil {
		return StageResult{}, err
	}

	return publishResult(resp.Status, resp.Error, resp.Platforms), nil
}

type publishWebhookPayload struct {
	PostID    string                  `json:"postId"`
	ID        string                  `json:"id"`
	Status    string                  `json:"status"`
	Error     string                  `json:"error"`
	Platforms []publishPlatformStatus `json:"platforms"`
}

// ParseWebhook verifies the signature and normalizes a post status
// notification.
func (g *PublishGateway) ParseWebhook(tenant string, body []byte, signature string) (WebhookEvent, error) {
	tc, err := g.tenantConfig(tenant)
	if err != nil {
		return WebhookEvent{}, err
	}
	if !verifySignature(tc.Publish.WebhookSecret, body, signature) {
		return WebhookEvent{}, ErrBadSignature
	}

	var payload publishWebhookPayload
	if err := unmarshalWebhook(body, &payload); err != nil {
		return WebhookEvent{}, err
	}

	jobID := firstNonEmpty(payload.PostID, payload.ID)
	if jobID == "" {
		return WebhookEvent{}, &Error{Code: "MISSING_JOB_ID", Message: "publish webhook missing post id"}
	}

	return WebhookEvent{
		JobID:     jobID,
		EventType: payload.Status,
		Result:    publishResult(payload.Status, payload.Error, payload.Platforms),
	}, nil
}

func publishResult(status, errMsg string, platforms []publishPlatformStatus) StageResult {
	switch status {
	case "published", "posted", "completed":
		var posts []PlatformPost
		for _, p := range platforms {
			posts = append(posts, PlatformPost{Platform: p.Platform, PostID: p.PlatformPostID, Error: p.Error})
		}
		return StageResult{State: StateDone, Posts: posts}
	case "failed", "error":
		if errMsg == "" {
			errMsg = "publish job failed"
		}
		return StageResult{State: StateFailed, Reason: errMsg}
	default:
		return StageResult{State: StateInProgress}
	}
}

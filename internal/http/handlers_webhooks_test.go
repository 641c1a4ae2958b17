package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"clipflow/internal/config"
	"clipflow/internal/model"
	"clipflow/internal/provider"
	"clipflow/internal/ratelimit"
	"clipflow/internal/store"
	"clipflow/internal/workflow"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Tenants: []config.TenantConfig{{
			Slug:   "brand-a",
			Render: config.TenantCredential{APIKey: "rk", WebhookSecret: "rsecret"},
		}},
	}
	lim := ratelimit.NewWindow(1000, time.Minute)
	gws := provider.Gateways{
		Render:  provider.NewRender(cfg, lim),
		Caption: provider.NewCaption(cfg, lim),
		Publish: provider.NewPublish(cfg, lim),
	}
	st := store.New(nil)
	orch := workflow.New(nil, gws, cfg, slog.New(slog.DiscardHandler))
	return NewServer(cfg, st, orch, nil, gws, slog.New(slog.DiscardHandler))
}

// failingAuditStore rejects every audit insert.
type failingAuditStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingAuditStore) InsertWebhookEvent(_ context.Context, _ *model.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("insert webhook_events: connection refused")
}

func (f *failingAuditStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// emptyWorkflowStore satisfies the orchestrator with an empty table.
type emptyWorkflowStore struct{}

func (emptyWorkflowStore) CreateWorkflow(context.Context, *model.Workflow) error { return nil }
func (emptyWorkflowStore) GetWorkflow(context.Context, uuid.UUID) (model.Workflow, error) {
	return model.Workflow{}, store.ErrNotFound
}
func (emptyWorkflowStore) GetWorkflowByJobID(context.Context, string, model.Stage, string) (model.Workflow, error) {
	return model.Workflow{}, store.ErrNotFound
}
func (emptyWorkflowStore) CompareAndSwap(context.Context, *model.Workflow) error { return nil }
func (emptyWorkflowStore) InsertPublishedPost(context.Context, *model.PublishedPost) error {
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAuditFailureDoesNotBlockDelivery(t *testing.T) {
	cfg := &config.Config{
		Tenants: []config.TenantConfig{{
			Slug:   "brand-a",
			Render: config.TenantCredential{APIKey: "rk", WebhookSecret: "rsecret"},
		}},
	}
	lim := ratelimit.NewWindow(1000, time.Minute)
	gws := provider.Gateways{
		Render:  provider.NewRender(cfg, lim),
		Caption: provider.NewCaption(cfg, lim),
		Publish: provider.NewPublish(cfg, lim),
	}
	orch := workflow.New(emptyWorkflowStore{}, gws, cfg, slog.New(slog.DiscardHandler))
	audit := &failingAuditStore{}

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("gateways", gws)
		c.Locals("store", audit)
		c.Locals("orchestrator", orch)
		c.Locals("logger", slog.New(slog.DiscardHandler))
		return c.Next()
	})
	app.Post("/webhooks/:provider/:tenant", webhookHandler)

	body := []byte(`{"event_type":"avatar_video.success","event_data":{"video_id":"vid-1","url":"https://cdn/v.mp4"}}`)
	req := httptest.NewRequest("POST", "/webhooks/render/brand-a", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody("rsecret", body))

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, audit.count(), "audit insert should be attempted exactly once")
}

func TestHealthzShallow(t *testing.T) {
	s := testServer(t)
	resp, err := s.app.Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)
	resp, err := s.app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestWebhookUnknownProvider(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest("POST", "/webhooks/transcode/brand-a", bytes.NewReader([]byte(`{}`)))
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	s := testServer(t)
	body := []byte(`{"event_type":"avatar_video.success","event_data":{"video_id":"vid-1","url":"https://cdn/v.mp4"}}`)
	req := httptest.NewRequest("POST", "/webhooks/render/brand-a", bytes.NewReader(body))
	req.Header.Set("X-Signature", "not-the-signature")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 401, resp.StatusCode)
}

func TestWebhookMissingSignatureRejected(t *testing.T) {
	s := testServer(t)
	body := []byte(`{"event_type":"avatar_video.success","event_data":{"video_id":"vid-1"}}`)
	req := httptest.NewRequest("POST", "/webhooks/render/brand-a", bytes.NewReader(body))
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 401, resp.StatusCode)
}

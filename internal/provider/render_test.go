package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"clipflow/internal/model"
)

func TestRenderSubmit(t *testing.T) {
	var captured renderSubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/user/remaining_quota":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"remaining_quota": 600}})
		case "/v2/video/generate":
			if r.Header.Get("x-api-key") != "rk" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&captured)
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"video_id": "vid-123"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewRender(testConfig(srv.URL), testLimiter())
	w := &model.Workflow{ID: uuid.New(), Tenant: "brand-a", Title: "Clip", Script: "Say this out loud"}

	jobID, err := g.Submit(context.Background(), w)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if jobID != "vid-123" {
		t.Fatalf("job id = %q, want vid-123", jobID)
	}
	if len(captured.VideoInputs) != 1 {
		t.Fatalf("expected one video input, got %d", len(captured.VideoInputs))
	}
	in := captured.VideoInputs[0]
	if in.Character.AvatarID != "av1" || in.Voice.VoiceID != "vo1" || in.Voice.InputText != "Say this out loud" {
		t.Fatalf("unexpected video input: %+v", in)
	}
	if captured.CallbackID != w.ID.String() {
		t.Fatalf("callback id = %q, want workflow id", captured.CallbackID)
	}
	if captured.WebhookURL != "https://hooks.example.com/webhooks/render/brand-a" {
		t.Fatalf("unexpected webhook url %q", captured.WebhookURL)
	}
}

func TestRenderSubmitQuotaExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/user/remaining_quota" {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"remaining_quota": 30}})
			return
		}
		t.Errorf("unexpected call to %s after exhausted quota", r.URL.Path)
	}))
	defer srv.Close()

	g := NewRender(testConfig(srv.URL), testLimiter())
	w := &model.Workflow{ID: uuid.New(), Tenant: "brand-a", Script: "x"}

	_, err := g.Submit(context.Background(), w)
	if err == nil {
		t.Fatal("expected quota error")
	}
	if !IsRetryable(err) {
		t.Fatalf("quota exhaustion should be retryable: %v", err)
	}
}

func TestRenderPollStates(t *testing.T) {
	status := "processing"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("video_id") != "vid-123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"status":    status,
			"video_url": "https://cdn/v.mp4",
			"error":     "",
		}})
	}))
	defer srv.Close()

	g := NewRender(testConfig(srv.URL), testLimiter())

	res, err := g.Poll(context.Background(), "brand-a", "vid-123")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res.State != StateInProgress {
		t.Fatalf("state = %s, want in_progress", res.State)
	}

	status = "completed"
	res, err = g.Poll(context.Background(), "brand-a", "vid-123")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res.State != StateDone || res.ResultURI != "https://cdn/v.mp4" {
		t.Fatalf("unexpected result %+v", res)
	}

	status = "failed"
	res, err = g.Poll(context.Background(), "brand-a", "vid-123")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res.State != StateFailed || res.Reason == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRenderParseWebhook(t *testing.T) {
	g := NewRender(testConfig("http://unused"), testLimiter())

	body := []byte(`{"event_type":"avatar_video.success","event_data":{"video_id":"vid-123","url":"https://cdn/v.mp4"}}`)
	ev, err := g.ParseWebhook("brand-a", body, sign("rsecret", body))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.JobID != "vid-123" || ev.Result.State != StateDone || ev.Result.ResultURI != "https://cdn/v.mp4" {
		t.Fatalf("unexpected event %+v", ev)
	}

	body = []byte(`{"event_type":"avatar_video.fail","event_data":{"video_id":"vid-123","msg":"render blew up"}}`)
	ev, err = g.ParseWebhook("brand-a", body, sign("rsecret", body))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.Result.State != StateFailed || ev.Result.Reason != "render blew up" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := g.ParseWebhook("brand-a", body, "bogus"); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

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

func TestPublishSubmitMapsAccounts(t *testing.T) {
	var captured publishSubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts":
			if r.URL.Query().Get("profileId") != "prof1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"_id": "acc-tt", "platform": "TikTok"},
				{"_id": "acc-yt", "platform": "youtube"},
				{"_id": "acc-ig", "platform": "instagram"},
			})
		case "/v1/posts":
			if r.Header.Get("Authorization") != "Bearer pk" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&captured)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "post-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewPublish(testConfig(srv.URL), testLimiter())
	w := &model.Workflow{
		ID:               uuid.New(),
		Tenant:           "brand-a",
		Caption:          "check this out #fyp",
		CaptionResultURI: "https://cdn/final.mp4",
	}

	jobID, err := g.Submit(context.Background(), w)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if jobID != "post-1" {
		t.Fatalf("job id = %q, want post-1", jobID)
	}

	// Only the tenant's configured platforms map to accounts; youtube is
	// connected but not requested.
	if len(captured.Platforms) != 2 {
		t.Fatalf("expected 2 platforms, got %+v", captured.Platforms)
	}
	if captured.Platforms[0].AccountID != "acc-tt" || captured.Platforms[1].AccountID != "acc-ig" {
		t.Fatalf("unexpected account mapping %+v", captured.Platforms)
	}
	if captured.Content != "check this out #fyp" || !captured.PublishNow {
		t.Fatalf("unexpected request %+v", captured)
	}
	if len(captured.MediaItems) != 1 || captured.MediaItems[0].URL != "https://cdn/final.mp4" {
		t.Fatalf("unexpected media items %+v", captured.MediaItems)
	}
}

func TestPublishSubmitNoAccountsIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"_id": "acc-x", "platform": "linkedin"},
		})
	}))
	defer srv.Close()

	g := NewPublish(testConfig(srv.URL), testLimiter())
	w := &model.Workflow{ID: uuid.New(), Tenant: "brand-a", CaptionResultURI: "https://cdn/f.mp4"}

	_, err := g.Submit(context.Background(), w)
	if err == nil {
		t.Fatal("expected no-accounts error")
	}
	if IsRetryable(err) {
		t.Fatalf("no connected accounts must be permanent: %v", err)
	}
}

func TestPublishResultMapping(t *testing.T) {
	platforms := []publishPlatformStatus{
		{Platform: "tiktok", PlatformPostID: "tt-9"},
		{Platform: "instagram", Error: "media rejected"},
	}

	res := publishResult("published", "", platforms)
	if res.State != StateDone || len(res.Posts) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Posts[0].PostID != "tt-9" || res.Posts[1].Error != "media rejected" {
		t.Fatalf("unexpected posts %+v", res.Posts)
	}

	res = publishResult("failed", "quota", nil)
	if res.State != StateFailed || res.Reason != "quota" {
		t.Fatalf("unexpected result %+v", res)
	}

	res = publishResult("scheduled", "", nil)
	if res.State != StateInProgress {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPublishParseWebhook(t *testing.T) {
	g := NewPublish(testConfig("http://unused"), testLimiter())

	body := []byte(`{"postId":"post-1","status":"published","platforms":[{"platform":"tiktok","platformPostId":"tt-9"}]}`)
	ev, err := g.ParseWebhook("brand-a", body, sign("psecret", body))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.JobID != "post-1" || ev.Result.State != StateDone {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(ev.Result.Posts) != 1 || ev.Result.Posts[0].PostID != "tt-9" {
		t.Fatalf("unexpected posts %+v", ev.Result.Posts)
	}
}

// Package provider wraps the three external stage providers behind a
// uniform Gateway surface. Webhook pushes and recovery polls are
// normalized into the same tri-state StageResult so the orchestrator
// has a single completion path, and every submission goes through the
// provider's shared rate limiter before any network call.
package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clipflow/internal/config"
	"clipflow/internal/model"
	"clipflow/internal/ratelimit"
)

// State is the normalized provider job state shared by Poll and
// ParseWebhook.
type State string

const (
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// PlatformPost is one platform outcome reported by the publish provider.
type PlatformPost struct {
	Platform string `json:"platform"`
	PostID   string `json:"postId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StageResult is the tagged union the orchestrator consumes.
// ResultURI is set for done render/caption jobs, Posts for done
// publish jobs, Reason for failed jobs.
type StageResult struct {
	State     State
	ResultURI string
	Posts     []PlatformPost
	Reason    string
}

// WebhookEvent is a parsed, signature-verified inbound notification.
type WebhookEvent struct {
	JobID     string
	EventType string
	Result    StageResult
}

// Error is the normalized provider failure. Retryable failures
// (timeouts, 5xx, explicit rate-limit responses) are subject to the
// orchestrator's retry budget; everything else is terminal.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRetryable classifies any error from a gateway call. Limiter
// exhaustion and unclassified transport errors count as retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, ratelimit.ErrExhausted) {
		return true
	}
	return true
}

// ErrBadSignature is returned by ParseWebhook when the payload does
// not carry a valid signature for the tenant's webhook secret.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Gateway hides one provider's request/response shape. Submit enforces
// the provider rate limit; Poll is used only by the recovery sweeper;
// ParseWebhook validates authenticity before any state can be touched.
type Gateway interface {
	Name() string
	Stage() model.Stage
	Submit(ctx context.Context, w *model.Workflow) (jobID string, err error)
	Poll(ctx context.Context, tenant, jobID string) (StageResult, error)
	ParseWebhook(tenant string, body []byte, signature string) (WebhookEvent, error)
}

// Gateways bundles the three stage gateways for injection.
type Gateways struct {
	Render  Gateway
	Caption Gateway
	Publish Gateway
}

// ForStage returns the gateway owning a stage, or nil.
func (g Gateways) ForStage(st model.Stage) Gateway {
	switch st {
	case model.StageRender:
		return g.Render
	case model.StageCaption:
		return g.Caption
	case model.StagePublish:
		return g.Publish
	}
	return nil
}

// ByName resolves a gateway from a webhook route segment.
func (g Gateways) ByName(name string) Gateway {
	switch name {
	case "render":
		return g.Render
	case "caption":
		return g.Caption
	case "publish":
		return g.Publish
	}
	return nil
}

// verifySignature checks an HMAC-SHA256 hex signature of the raw body.
// A bare shared-secret match is also accepted since some providers
// send the secret verbatim instead of signing.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	got := strings.TrimPrefix(signature, "sha256=")
	if hmac.Equal([]byte(got), []byte(expected)) {
		return true
	}
	return signature == secret
}

// httpClient builds the client used for provider calls.
func httpClient(cfg config.ProviderConfig) *http.Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// doJSON issues one provider request and decodes a JSON response into
// out (when non-nil). Non-2xx statuses and transport failures come
// back as a classified *Error.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &Error{Code: "ENCODE_FAILED", Message: err.Error()}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Error{Code: "BAD_REQUEST", Message: err.Error()}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Timeouts and connection resets are transient.
		return &Error{Code: "NETWORK", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Code: "DECODE_FAILED", Message: err.Error(), Retryable: true}
		}
	}
	return nil
}

// unmarshalWebhook decodes a webhook body, mapping malformed JSON to a
// permanent error (the provider will not fix the payload by retrying).
func unmarshalWebhook(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Code: "BAD_PAYLOAD", Message: err.Error()}
	}
	return nil
}

// classifyStatus maps an error response to the retryable/permanent
// taxonomy: 429 and 5xx are transient, other 4xx are validation
// failures the retry budget must not be spent on.
func classifyStatus(resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Code: "RATE_LIMITED", Message: msg, Retryable: true}
	case resp.StatusCode >= 500:
		return &Error{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: msg, Retryable: true}
	default:
		return &Error{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: msg, Retryable: false}
	}
}

package http

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"clipflow/internal/metrics"
	"clipflow/internal/model"
	"clipflow/internal/provider"
	"clipflow/internal/workflow"
)

// webhookAuditStore is the slice of the store the webhook handler
// writes its audit trail through.
type webhookAuditStore interface {
	InsertWebhookEvent(ctx context.Context, e *model.WebhookEvent) error
}

// signatureHeaders are checked in order for the provider's payload
// signature; providers differ on which header they use.
var signatureHeaders = []string{
	"X-Signature",
	"X-Webhook-Signature",
	"X-Hub-Signature-256",
	"Signature",
}

// webhookHandler receives provider completion notifications at
// POST /webhooks/:provider/:tenant. Authenticity comes from the
// per-tenant webhook secret, verified by the gateway against the raw
// body; the route is otherwise unauthenticated. Duplicate and late
// deliveries are acknowledged with 200 so the provider stops retrying.
func webhookHandler(c *fiber.Ctx) error {
	gws := c.Locals("gateways").(provider.Gateways)
	st := c.Locals("store").(webhookAuditStore)
	orch := c.Locals("orchestrator").(*workflow.Orchestrator)

	name := c.Params("provider")
	tenant := c.Params("tenant")

	gw := gws.ByName(name)
	if gw == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "UNKNOWN_PROVIDER",
			Error:   "no such webhook provider",
		})
	}

	var signature string
	for _, h := range signatureHeaders {
		if v := c.Get(h); v != "" {
			signature = v
			break
		}
	}

	body := c.Body()
	ev, err := gw.ParseWebhook(tenant, body, signature)
	if err != nil {
		if errors.Is(err, provider.ErrBadSignature) {
			metrics.RecordWebhook(name, "bad_signature")
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false,
				Code:    "BAD_SIGNATURE",
				Error:   "webhook signature verification failed",
			})
		}
		// Malformed payloads are acknowledged: the provider retrying the
		// same bytes will not produce a different outcome.
		metrics.RecordWebhook(name, "bad_payload")
		return c.JSON(fiber.Map{"success": false, "code": "BAD_PAYLOAD"})
	}

	// The audit row is best effort: a failed insert must not cost the
	// completion signal, but it should not vanish silently either.
	if err := st.InsertWebhookEvent(c.Context(), &model.WebhookEvent{
		Tenant:    tenant,
		Provider:  name,
		JobID:     ev.JobID,
		EventType: ev.EventType,
	}); err != nil {
		if lg, ok := c.Locals("logger").(*slog.Logger); ok {
			lg.Warn("webhook audit record failed",
				"provider", name, "tenant", tenant, "job_id", ev.JobID, "error", err)
		}
	}

	if err := orch.HandleWebhook(c.Context(), tenant, gw.Stage(), ev); err != nil {
		metrics.RecordWebhook(name, "error")
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	metrics.RecordWebhook(name, "ok")
	return c.JSON(fiber.Map{"success": true})
}

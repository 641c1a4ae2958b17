package sweeper

import (
	"context"
	"log/slog"
	"time"

	"clipflow/internal/config"
	"clipflow/internal/metrics"
)

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	WorkflowsDeleted     int64 `json:"workflowsDeleted"`
	WebhookEventsDeleted int64 `json:"webhookEventsDeleted"`
}

// CleanupExpiredData deletes old terminal workflows and webhook audit
// events based on retention settings so that the database does not grow
// without bound. In-flight workflows are never touched.
func CleanupExpiredData(ctx context.Context, cfg *config.Config, st Store, logger *slog.Logger) RetentionStats {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	var stats RetentionStats

	if cfg.Retention.WorkflowDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.Retention.WorkflowDays)
		if n, err := st.DeleteExpiredWorkflows(ctx, cutoff); err == nil && n > 0 {
			stats.WorkflowsDeleted += n
			metrics.RecordRetentionWorkflows(n)
		} else if err != nil {
			logger.Error("workflow retention cleanup failed", "error", err)
		}
	}

	if cfg.Retention.WebhookEventDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.Retention.WebhookEventDays)
		if n, err := st.DeleteExpiredWebhookEvents(ctx, cutoff); err == nil && n > 0 {
			stats.WebhookEventsDeleted += n
			metrics.RecordRetentionEvents(n)
		} else if err != nil {
			logger.Error("webhook event retention cleanup failed", "error", err)
		}
	}

	return stats
}

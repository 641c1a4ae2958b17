// Package workflow contains the orchestrator: the single place where
// workflow state transitions happen. Webhook receivers, the recovery
// sweeper, and enqueuers all funnel through Advance/Complete/Fail, and
// every transition is one conditional update on (id, version) so the
// store stays the only source of truth.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"clipflow/internal/config"
	"clipflow/internal/metrics"
	"clipflow/internal/model"
	"clipflow/internal/provider"
	"clipflow/internal/store"
)

// Store is the durable workflow record surface the orchestrator needs.
// *store.Store implements it; tests substitute an in-memory fake.
type Store interface {
	CreateWorkflow(ctx context.Context, w *model.Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error)
	GetWorkflowByJobID(ctx context.Context, tenant string, stage model.Stage, jobID string) (model.Workflow, error)
	CompareAndSwap(ctx context.Context, w *model.Workflow) error
	InsertPublishedPost(ctx context.Context, p *model.PublishedPost) error
}

// Orchestrator advances workflows through the fixed stage sequence.
type Orchestrator struct {
	store    Store
	gateways provider.Gateways
	cfg      *config.Config
	logger   *slog.Logger
}

func New(st Store, gws provider.Gateways, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, gateways: gws, cfg: cfg, logger: logger}
}

// maxRetries returns the per-stage retry budget, defaulting to 3.
func (o *Orchestrator) maxRetries(stage model.Stage) int {
	var n int
	switch stage {
	case model.StageRender:
		n = o.cfg.Providers.Render.MaxRetries
	case model.StageCaption:
		n = o.cfg.Providers.Caption.MaxRetries
	case model.StagePublish:
		n = o.cfg.Providers.Publish.MaxRetries
	}
	if n <= 0 {
		n = 3
	}
	return n
}

// Enqueue creates a pending workflow for a content item and kicks off
// the first stage asynchronously.
func (o *Orchestrator) Enqueue(ctx context.Context, tenant string, item *model.ContentItem) (uuid.UUID, error) {
	w := &model.Workflow{
		ID:            uuid.New(),
		Tenant:        tenant,
		ContentItemID: item.ID.String(),
		Title:         item.Title,
		Script:        item.Script,
		Caption:       item.Caption,
		Status:        model.StatusPending,
	}
	if err := o.store.CreateWorkflow(ctx, w); err != nil {
		return uuid.Nil, err
	}

	o.logger.Info("workflow enqueued", "workflow_id", w.ID, "tenant", tenant, "content_item", item.ID)
	o.advanceAsync(w.ID)
	return w.ID, nil
}

// stageToSubmit maps a "ready for next stage" status to the stage that
// needs submitting. False for in-progress and terminal statuses.
func stageToSubmit(s model.Status) (model.Stage, bool) {
	switch s {
	case model.StatusPending:
		return model.StageRender, true
	case model.StatusRenderReady:
		return model.StageCaption, true
	case model.StatusCaptionReady:
		return model.StagePublish, true
	}
	return "", false
}

// Advance submits the next stage for a workflow if one is due. The
// workflow is first claimed by a conditional update moving it into the
// stage's in-progress status; a version conflict means another actor
// already claimed it, and the loser aborts with no side effect. Only
// the claim winner talks to the provider, which is what bounds each
// stage to at most one submission.
func (o *Orchestrator) Advance(ctx context.Context, id uuid.UUID) error {
	w, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}

	stage, ok := stageToSubmit(w.Status)
	if !ok {
		return nil
	}

	from := w.Status
	w.Status = stage.InProgressStatus()
	w.SetJobID(stage, "")
	if err := o.store.CompareAndSwap(ctx, &w); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.RecordVersionConflict("advance")
			return nil
		}
		return err
	}
	metrics.RecordTransition(w.Tenant, string(from), string(w.Status))

	gw := o.gateways.ForStage(stage)
	jobID, err := gw.Submit(ctx, &w)
	if err != nil {
		metrics.RecordSubmit(gw.Name(), "error")
		o.logger.Warn("stage submit failed",
			"workflow_id", w.ID, "tenant", w.Tenant, "stage", stage, "error", err)
		return o.Fail(ctx, w.ID, err.Error(), provider.IsRetryable(err))
	}

	if err := o.recordJobID(ctx, &w, stage, jobID); err != nil {
		return err
	}

	metrics.RecordSubmit(gw.Name(), "ok")
	o.logger.Info("stage submitted",
		"workflow_id", w.ID, "tenant", w.Tenant, "stage", stage, "job_id", jobID)
	return nil
}

// recordJobID writes the provider job id onto a claimed workflow. A
// version conflict here is usually a lock-only write (the sweeper
// taking or releasing its per-workflow lock) landing while Submit was
// in flight; the claim is still ours as long as the status is
// unchanged and no job id has been recorded, so re-read and write
// again rather than lose the id of a job that is already running.
func (o *Orchestrator) recordJobID(ctx context.Context, w *model.Workflow, stage model.Stage, jobID string) error {
	for {
		w.SetJobID(stage, jobID)
		err := o.store.CompareAndSwap(ctx, w)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		metrics.RecordVersionConflict("record_job")

		fresh, gerr := o.store.GetWorkflow(ctx, w.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.Status != stage.InProgressStatus() || fresh.JobID(stage) != "" {
			// Another actor resolved the stage while the submit was in
			// flight; the id is already recorded or no longer wanted.
			return nil
		}
		*w = fresh
	}
}

// Complete applies a provider result for a specific stage and job id.
// It is idempotent: duplicate webhook deliveries and late sweeper
// polls find the job id cleared or the status advanced and do nothing.
func (o *Orchestrator) Complete(ctx context.Context, id uuid.UUID, stage model.Stage, jobID string, res provider.StageResult) error {
	w, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if jobID == "" || w.Status != stage.InProgressStatus() || w.JobID(stage) != jobID {
		metrics.RecordDuplicateSignal(string(stage))
		return nil
	}

	switch res.State {
	case provider.StateInProgress:
		return nil

	case provider.StateFailed:
		return o.Fail(ctx, id, res.Reason, true)

	case provider.StateDone:
		from := w.Status
		w.SetResultURI(stage, res.ResultURI)
		w.SetJobID(stage, "")
		w.Status = stage.ReadyStatus()
		w.LastError = ""
		if err := o.store.CompareAndSwap(ctx, &w); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				metrics.RecordVersionConflict("complete")
				return nil
			}
			return err
		}
		metrics.RecordTransition(w.Tenant, string(from), string(w.Status))
		o.logger.Info("stage completed",
			"workflow_id", w.ID, "tenant", w.Tenant, "stage", stage, "status", w.Status)

		if stage == model.StagePublish {
			o.recordPublishedPosts(ctx, &w, jobID, res.Posts)
		} else {
			o.advanceAsync(w.ID)
		}
		return nil
	}
	return nil
}

// recordPublishedPosts writes the terminal per-platform records for
// reporting collaborators. A provider that reports no platform detail
// still yields one row carrying the provider post id.
func (o *Orchestrator) recordPublishedPosts(ctx context.Context, w *model.Workflow, jobID string, posts []provider.PlatformPost) {
	if len(posts) == 0 {
		posts = []provider.PlatformPost{{Platform: "all", PostID: jobID}}
	}
	for _, p := range posts {
		rec := &model.PublishedPost{
			WorkflowID: w.ID,
			Tenant:     w.Tenant,
			Platform:   p.Platform,
			PostID:     p.PostID,
			Error:      p.Error,
		}
		if err := o.store.InsertPublishedPost(ctx, rec); err != nil {
			o.logger.Warn("published post record failed",
				"workflow_id", w.ID, "platform", p.Platform, "error", err)
		}
	}
}

// Fail records a stage failure. Retryable failures inside the retry
// budget reset the workflow to the stage's not-yet-submitted status so
// the next Advance resubmits; everything else is terminal.
func (o *Orchestrator) Fail(ctx context.Context, id uuid.UUID, reason string, retryable bool) error {
	w, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return nil
	}

	from := w.Status
	stage, inProgress := model.StageForStatus(w.Status)

	if retryable && inProgress && int(w.RetryCount) < o.maxRetries(stage) {
		w.RetryCount++
		w.SetJobID(stage, "")
		w.Status = stage.ResetStatus()
		w.LastError = reason
		if err := o.store.CompareAndSwap(ctx, &w); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				metrics.RecordVersionConflict("fail")
				return nil
			}
			return err
		}
		metrics.RecordTransition(w.Tenant, string(from), string(w.Status))
		o.logger.Warn("stage retry scheduled",
			"workflow_id", w.ID, "tenant", w.Tenant, "stage", stage,
			"retry", w.RetryCount, "reason", reason)
		o.advanceAsync(w.ID)
		return nil
	}

	w.Status = model.StatusFailed
	w.LastError = reason
	if err := o.store.CompareAndSwap(ctx, &w); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.RecordVersionConflict("fail")
			return nil
		}
		return err
	}
	metrics.RecordTransition(w.Tenant, string(from), string(model.StatusFailed))
	o.logger.Error("workflow failed",
		"workflow_id", w.ID, "tenant", w.Tenant, "reason", reason)
	return nil
}

// HandleWebhook resolves the workflow owning a verified provider event
// and feeds the normalized result into Complete. Unknown job ids are
// not an error: the workflow may already be gone or the event may be a
// very late duplicate.
func (o *Orchestrator) HandleWebhook(ctx context.Context, tenant string, stage model.Stage, ev provider.WebhookEvent) error {
	w, err := o.store.GetWorkflowByJobID(ctx, tenant, stage, ev.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.RecordDuplicateSignal(string(stage))
			return nil
		}
		return err
	}
	return o.Complete(ctx, w.ID, stage, ev.JobID, ev.Result)
}

// advanceAsync runs Advance off the caller's request path so webhook
// responses return quickly.
func (o *Orchestrator) advanceAsync(id uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := o.Advance(ctx, id); err != nil {
			o.logger.Error("async advance failed", "workflow_id", id, "error", err)
		}
	}()
}

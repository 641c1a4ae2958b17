// Package sweeper recovers workflows whose completion signal never
// arrived. It periodically polls the provider for workflows stuck in an
// in-progress status past the stage timeout, re-drives workflows left
// in a ready status, and runs TTL cleanup. All state changes go through
// the orchestrator so the sweeper adds no second transition path.
package sweeper

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
	"clipflow/internal/ratelimit"
	"clipflow/internal/store"
)

// resubmitDelay is how long a workflow may sit in a ready status before
// the sweeper re-drives it. Normal operation advances ready workflows
// asynchronously within seconds; anything older survived a crash or a
// retry reset.
const resubmitDelay = 30 * time.Second

// Store is the persistence surface the sweeper needs.
type Store interface {
	ListStuck(ctx context.Context, status model.Status, cutoff time.Time, limit int32) ([]model.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error)
	CompareAndSwap(ctx context.Context, w *model.Workflow) error
	DeleteExpiredWorkflows(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredWebhookEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Orchestrator is the transition surface the sweeper drives.
type Orchestrator interface {
	Advance(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, stage model.Stage, jobID string, res provider.StageResult) error
	Fail(ctx context.Context, id uuid.UUID, reason string, retryable bool) error
}

// Sweeper owns the recovery loop. Multiple instances may run against
// the same database; the per-workflow conditional lock keeps them from
// polling the same workflow twice.
type Sweeper struct {
	cfg      *config.Config
	store    Store
	orch     Orchestrator
	gateways provider.Gateways
	limiters map[model.Stage]*ratelimit.Limiter
	logger   *slog.Logger
	owner    string
	now      func() time.Time
}

func New(cfg *config.Config, st Store, orch Orchestrator, gws provider.Gateways, limiters map[model.Stage]*ratelimit.Limiter, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		store:    st,
		orch:     orch,
		gateways: gws,
		limiters: limiters,
		logger:   logger,
		owner:    "sweeper-" + uuid.NewString()[:8],
		now:      time.Now,
	}
}

func (s *Sweeper) interval() time.Duration {
	d := time.Duration(s.cfg.Sweeper.IntervalMs) * time.Millisecond
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

func (s *Sweeper) batchSize() int32 {
	n := s.cfg.Sweeper.BatchSize
	if n <= 0 {
		n = 50
	}
	return int32(n)
}

func (s *Sweeper) lockTTL() time.Duration {
	d := time.Duration(s.cfg.Sweeper.LockTTLMs) * time.Millisecond
	if d <= 0 {
		d = time.Minute
	}
	return d
}

// stageTimeout is how long a stage may stay in progress before the
// sweeper polls the provider. Publish jobs resolve fast; renders and
// captions take minutes.
func (s *Sweeper) stageTimeout(stage model.Stage) time.Duration {
	var minutes int
	switch stage {
	case model.StageRender:
		minutes = s.cfg.Providers.Render.StageTimeoutMinutes
	case model.StageCaption:
		minutes = s.cfg.Providers.Caption.StageTimeoutMinutes
	case model.StagePublish:
		minutes = s.cfg.Providers.Publish.StageTimeoutMinutes
	}
	if minutes <= 0 {
		switch stage {
		case model.StagePublish:
			minutes = 2
		default:
			minutes = 15
		}
	}
	return time.Duration(minutes) * time.Minute
}

// Start runs the sweep loop in the current goroutine until ctx is
// canceled. Callers typically run this in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	var lastCleanup time.Time
	cleanupInterval := time.Duration(s.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	s.logger.Info("sweeper started", "owner", s.owner, "interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.SweepOnce(ctx)

		if s.cfg.Retention.Enabled {
			now := s.now().UTC()
			if lastCleanup.IsZero() || now.Sub(lastCleanup) >= cleanupInterval {
				CleanupExpiredData(ctx, s.cfg, s.store, s.logger)
				lastCleanup = now
			}
		}
	}
}

// SweepOnce runs one full pass: poll stuck in-progress workflows for
// every stage, then re-drive workflows parked in a ready status.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	for _, stage := range []model.Stage{model.StageRender, model.StageCaption, model.StagePublish} {
		s.sweepStage(ctx, stage)
	}
	s.redriveReady(ctx)
}

func (s *Sweeper) sweepStage(ctx context.Context, stage model.Stage) {
	cutoff := s.now().UTC().Add(-s.stageTimeout(stage))
	stuck, err := s.store.ListStuck(ctx, stage.InProgressStatus(), cutoff, s.batchSize())
	if err != nil {
		s.logger.Error("sweep list failed", "stage", stage, "error", err)
		return
	}

	for _, w := range stuck {
		s.recover(ctx, w, stage)
	}
}

// recover polls the provider for one stuck workflow and feeds the
// result back through the orchestrator. The workflow is locked first so
// a second sweeper instance skips it.
func (s *Sweeper) recover(ctx context.Context, w model.Workflow, stage model.Stage) {
	locked, ok := s.acquireLock(ctx, w)
	if !ok {
		metrics.RecordSweep(string(stage), "skipped")
		return
	}
	defer s.releaseLock(ctx, locked.ID)

	// Re-check under the lock: the webhook may have landed between the
	// listing and the lock acquisition.
	if locked.Status != stage.InProgressStatus() {
		metrics.RecordSweep(string(stage), "skipped")
		return
	}

	jobID := locked.JobID(stage)
	if jobID == "" {
		// Claimed but never got a provider job id recorded. The submit
		// either never happened or its outcome is unknowable, so the
		// workflow cannot be recovered by polling.
		metrics.RecordSweep(string(stage), "failed")
		s.logger.Warn("stuck workflow has no job id", "workflow_id", locked.ID, "stage", stage)
		if err := s.orch.Fail(ctx, locked.ID, "stage timed out with no recorded job id", false); err != nil {
			s.logger.Error("sweep fail errored", "workflow_id", locked.ID, "error", err)
		}
		return
	}

	if lim := s.limiters[stage]; lim != nil && !lim.TryAcquire() {
		// Provider budget is spoken for; leave the workflow for the
		// next pass rather than queueing behind live submissions.
		metrics.RecordSweep(string(stage), "skipped")
		return
	}

	gw := s.gateways.ForStage(stage)
	res, err := gw.Poll(ctx, locked.Tenant, jobID)
	if err != nil {
		if provider.IsRetryable(err) {
			metrics.RecordSweep(string(stage), "poll_error")
			s.logger.Warn("sweep poll failed", "workflow_id", locked.ID, "stage", stage, "error", err)
			return
		}
		metrics.RecordSweep(string(stage), "failed")
		if ferr := s.orch.Fail(ctx, locked.ID, err.Error(), false); ferr != nil {
			s.logger.Error("sweep fail errored", "workflow_id", locked.ID, "error", ferr)
		}
		return
	}

	switch res.State {
	case provider.StateDone:
		metrics.RecordSweep(string(stage), "completed")
	case provider.StateFailed:
		metrics.RecordSweep(string(stage), "failed")
	default:
		metrics.RecordSweep(string(stage), "in_progress")
	}

	if err := s.orch.Complete(ctx, locked.ID, stage, jobID, res); err != nil {
		s.logger.Error("sweep complete errored", "workflow_id", locked.ID, "error", err)
	}
}

// redriveReady re-submits workflows sitting in a ready status longer
// than the resubmit delay. This catches crashes between a completion
// and its follow-up advance, and retry resets whose advance was lost.
func (s *Sweeper) redriveReady(ctx context.Context) {
	cutoff := s.now().UTC().Add(-resubmitDelay)
	for _, status := range []model.Status{model.StatusPending, model.StatusRenderReady, model.StatusCaptionReady} {
		parked, err := s.store.ListStuck(ctx, status, cutoff, s.batchSize())
		if err != nil {
			s.logger.Error("redrive list failed", "status", status, "error", err)
			continue
		}
		var stage model.Stage
		switch status {
		case model.StatusPending:
			stage = model.StageRender
		case model.StatusRenderReady:
			stage = model.StageCaption
		case model.StatusCaptionReady:
			stage = model.StagePublish
		}
		for _, w := range parked {
			metrics.RecordSweep(string(stage), "requeued")
			if err := s.orch.Advance(ctx, w.ID); err != nil {
				s.logger.Error("redrive advance errored", "workflow_id", w.ID, "error", err)
			}
		}
	}
}

// acquireLock takes the per-workflow sweep lock with a conditional
// update. A live lock held by another owner wins; a lock older than the
// TTL is stolen.
func (s *Sweeper) acquireLock(ctx context.Context, w model.Workflow) (model.Workflow, bool) {
	now := s.now().UTC()
	if w.LockOwner != "" && w.LockOwner != s.owner &&
		w.LockedAt != nil && now.Sub(*w.LockedAt) < s.lockTTL() {
		return model.Workflow{}, false
	}

	w.LockOwner = s.owner
	w.LockedAt = &now
	if err := s.store.CompareAndSwap(ctx, &w); err != nil {
		return model.Workflow{}, false
	}
	return w, true
}

// releaseLock clears the sweep lock. The workflow version may have
// moved while we held it (Complete and Fail both write), so release
// re-reads and retries once on conflict.
func (s *Sweeper) releaseLock(ctx context.Context, id uuid.UUID) {
	for attempt := 0; attempt < 2; attempt++ {
		w, err := s.store.GetWorkflow(ctx, id)
		if err != nil {
			return
		}
		if w.LockOwner != s.owner {
			return
		}
		w.LockOwner = ""
		w.LockedAt = nil
		if err := s.store.CompareAndSwap(ctx, &w); err == nil {
			return
		} else if !isConflict(err) {
			return
		}
	}
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}

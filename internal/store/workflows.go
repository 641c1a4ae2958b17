package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"clipflow/internal/model"
)

const workflowColumns = `id, tenant, content_item_id, title, script, caption, status,
	render_job_id, caption_job_id, publish_job_id,
	render_result_uri, caption_result_uri, publish_result_uri,
	retry_count, last_error, lock_owner, locked_at,
	created_at, updated_at, version`

func scanWorkflow(row interface{ Scan(...any) error }) (model.Workflow, error) {
	var w model.Workflow
	var lockedAt sql.NullTime
	err := row.Scan(
		&w.ID, &w.Tenant, &w.ContentItemID, &w.Title, &w.Script, &w.Caption, &w.Status,
		&w.RenderJobID, &w.CaptionJobID, &w.PublishJobID,
		&w.RenderResultURI, &w.CaptionResultURI, &w.PublishResultURI,
		&w.RetryCount, &w.LastError, &w.LockOwner, &lockedAt,
		&w.CreatedAt, &w.UpdatedAt, &w.Version,
	)
	if err == sql.ErrNoRows {
		return model.Workflow{}, ErrNotFound
	}
	if err != nil {
		return model.Workflow{}, err
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		w.LockedAt = &t
	}
	return w, nil
}

// CreateWorkflow inserts a new workflow row at version 1.
func (s *Store) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.Version = 1

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant, content_item_id, title, script, caption,
		 status, retry_count, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.Tenant, w.ContentItemID, w.Title, w.Script, w.Caption,
		w.Status, w.RetryCount, w.CreatedAt, w.UpdatedAt, w.Version,
	)
	return err
}

// GetWorkflow fetches a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

// GetWorkflowByJobID resolves the workflow that owns a provider job id
// within a tenant. Used by webhook receivers to correlate events.
func (s *Store) GetWorkflowByJobID(ctx context.Context, tenant string, stage model.Stage, jobID string) (model.Workflow, error) {
	var col string
	switch stage {
	case model.StageRender:
		col = "render_job_id"
	case model.StageCaption:
		col = "caption_job_id"
	case model.StagePublish:
		col = "publish_job_id"
	default:
		return model.Workflow{}, ErrNotFound
	}
	if jobID == "" {
		return model.Workflow{}, ErrNotFound
	}
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE tenant = $1 AND `+col+` = $2`,
		tenant, jobID)
	return scanWorkflow(row)
}

// CompareAndSwap writes every mutable column of w in a single
// conditional UPDATE guarded by w.Version. It is the sole write
// primitive for existing workflows: if the stored version differs the
// update affects zero rows and ErrVersionConflict is returned with no
// side effect. On success w.Version and w.UpdatedAt reflect the stored
// row.
func (s *Store) CompareAndSwap(ctx context.Context, w *model.Workflow) error {
	now := time.Now().UTC()
	var lockedAt sql.NullTime
	if w.LockedAt != nil {
		lockedAt = sql.NullTime{Time: *w.LockedAt, Valid: true}
	}

	res, err := s.DB.ExecContext(ctx,
		`UPDATE workflows SET
			status = $1,
			render_job_id = $2, caption_job_id = $3, publish_job_id = $4,
			render_result_uri = $5, caption_result_uri = $6, publish_result_uri = $7,
			retry_count = $8, last_error = $9,
			lock_owner = $10, locked_at = $11,
			updated_at = $12, version = version + 1
		 WHERE id = $13 AND version = $14`,
		w.Status,
		w.RenderJobID, w.CaptionJobID, w.PublishJobID,
		w.RenderResultURI, w.CaptionResultURI, w.PublishResultURI,
		w.RetryCount, w.LastError,
		w.LockOwner, lockedAt,
		now, w.ID, w.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

// WorkflowListFilter narrows ListWorkflows results.
type WorkflowListFilter struct {
	Tenant string
	Status model.Status
	Limit  int32
	Offset int32
}

// ListWorkflows returns workflows for the operator surface, newest first.
func (s *Store) ListWorkflows(ctx context.Context, f WorkflowListFilter) ([]model.Workflow, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE ($1 = '' OR tenant = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		f.Tenant, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListStuck returns workflows in the given in-progress status whose
// last update is older than cutoff. Fed to the recovery sweeper.
func (s *Store) ListStuck(ctx context.Context, status model.Status, cutoff time.Time, limit int32) ([]model.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC LIMIT $3`,
		status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CountByStatus returns workflow counts per status for a tenant
// (all tenants when tenant is empty). Dashboard stuck/failed counts.
func (s *Store) CountByStatus(ctx context.Context, tenant string) (map[model.Status]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflows
		 WHERE ($1 = '' OR tenant = $1) GROUP BY status`,
		tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Status]int64)
	for rows.Next() {
		var st model.Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// InsertPublishedPost records one platform outcome for a completed workflow.
func (s *Store) InsertPublishedPost(ctx context.Context, p *model.PublishedPost) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PostedAt.IsZero() {
		p.PostedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO published_posts (id, workflow_id, tenant, platform, post_id, error, posted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.WorkflowID, p.Tenant, p.Platform, p.PostID, p.Error, p.PostedAt)
	return err
}

// ListPublishedPosts returns the terminal post records for a tenant,
// newest first. Consumed by analytics/reporting collaborators.
func (s *Store) ListPublishedPosts(ctx context.Context, tenant string, limit, offset int32) ([]model.PublishedPost, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, workflow_id, tenant, platform, post_id, error, posted_at
		 FROM published_posts
		 WHERE ($1 = '' OR tenant = $1)
		 ORDER BY posted_at DESC LIMIT $2 OFFSET $3`,
		tenant, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PublishedPost
	for rows.Next() {
		var p model.PublishedPost
		if err := rows.Scan(&p.ID, &p.WorkflowID, &p.Tenant, &p.Platform, &p.PostID, &p.Error, &p.PostedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertContentItem stores an item handed over by content selection tooling.
func (s *Store) InsertContentItem(ctx context.Context, item *model.ContentItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO content_items (id, tenant, title, script, caption, media_url)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.Tenant, item.Title, item.Script, item.Caption, item.MediaURL)
	return err
}

// ClaimNextContentItem atomically marks the oldest unconsumed item for
// the tenant as consumed and returns it. ErrNotFound when the queue is
// empty. SKIP LOCKED keeps concurrent claimers from blocking each other.
func (s *Store) ClaimNextContentItem(ctx context.Context, tenant string) (model.ContentItem, error) {
	row := s.DB.QueryRowContext(ctx,
		`UPDATE content_items SET consumed = TRUE
		 WHERE id = (
			SELECT id FROM content_items
			WHERE tenant = $1 AND consumed = FALSE
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING id, tenant, title, script, caption, media_url, consumed, created_at`,
		tenant)

	var item model.ContentItem
	err := row.Scan(&item.ID, &item.Tenant, &item.Title, &item.Script, &item.Caption,
		&item.MediaURL, &item.Consumed, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return model.ContentItem{}, ErrNotFound
	}
	if err != nil {
		return model.ContentItem{}, err
	}
	return item, nil
}

// InsertWebhookEvent appends an audit row for an accepted webhook.
func (s *Store) InsertWebhookEvent(ctx context.Context, e *model.WebhookEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO webhook_events (id, tenant, provider, job_id, event_type, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Tenant, e.Provider, e.JobID, e.EventType, e.ReceivedAt)
	return err
}

// DeleteExpiredWorkflows removes terminal workflows older than cutoff.
func (s *Store) DeleteExpiredWorkflows(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM workflows
		 WHERE status IN ($1, $2) AND updated_at < $3`,
		model.StatusCompleted, model.StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredWebhookEvents removes webhook audit rows older than cutoff.
func (s *Store) DeleteExpiredWebhookEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package http

import (
	"time"

	"clipflow/internal/model"
)

// ErrorResponse is the error envelope shared by all endpoints.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

// CreateWorkflowRequest enqueues a workflow from inline content.
type CreateWorkflowRequest struct {
	Tenant  string `json:"tenant,omitempty"`
	Title   string `json:"title"`
	Script  string `json:"script"`
	Caption string `json:"caption,omitempty"`
}

// NextWorkflowRequest enqueues a workflow from the tenant's content queue.
type NextWorkflowRequest struct {
	Tenant string `json:"tenant,omitempty"`
}

// ContentItemRequest queues an item for later consumption via
// POST /v1/workflows/next.
type ContentItemRequest struct {
	Tenant   string `json:"tenant,omitempty"`
	Title    string `json:"title"`
	Script   string `json:"script"`
	Caption  string `json:"caption,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// FailWorkflowRequest force-fails a workflow from the operator surface.
type FailWorkflowRequest struct {
	Reason string `json:"reason"`
}

// WorkflowView is the JSON projection of a workflow.
type WorkflowView struct {
	ID            string     `json:"id"`
	Tenant        string     `json:"tenant"`
	ContentItemID string     `json:"contentItemId"`
	Title         string     `json:"title,omitempty"`
	Status        string     `json:"status"`
	RenderJobID   string     `json:"renderJobId,omitempty"`
	CaptionJobID  string     `json:"captionJobId,omitempty"`
	PublishJobID  string     `json:"publishJobId,omitempty"`
	RenderResult  string     `json:"renderResultUri,omitempty"`
	CaptionResult string     `json:"captionResultUri,omitempty"`
	PublishResult string     `json:"publishResultUri,omitempty"`
	RetryCount    int32      `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	Version       int64      `json:"version"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
}

func workflowView(w *model.Workflow) WorkflowView {
	return WorkflowView{
		ID:            w.ID.String(),
		Tenant:        w.Tenant,
		ContentItemID: w.ContentItemID,
		Title:         w.Title,
		Status:        string(w.Status),
		RenderJobID:   w.RenderJobID,
		CaptionJobID:  w.CaptionJobID,
		PublishJobID:  w.PublishJobID,
		RenderResult:  w.RenderResultURI,
		CaptionResult: w.CaptionResultURI,
		PublishResult: w.PublishResultURI,
		RetryCount:    w.RetryCount,
		LastError:     w.LastError,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
		Version:       w.Version,
		LockedAt:      w.LockedAt,
	}
}

// WorkflowResponse wraps a single workflow.
type WorkflowResponse struct {
	Success bool         `json:"success"`
	Data    WorkflowView `json:"data"`
}

// WorkflowListResponse wraps a workflow page.
type WorkflowListResponse struct {
	Success bool           `json:"success"`
	Data    []WorkflowView `json:"data"`
}

// StatsResponse reports workflow counts per status.
type StatsResponse struct {
	Success bool             `json:"success"`
	Data    map[string]int64 `json:"data"`
}

// PublishedPostView is the JSON projection of a published post record.
type PublishedPostView struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	Tenant     string    `json:"tenant"`
	Platform   string    `json:"platform"`
	PostID     string    `json:"postId,omitempty"`
	Error      string    `json:"error,omitempty"`
	PostedAt   time.Time `json:"postedAt"`
}

// PublishedPostListResponse wraps a published-post page.
type PublishedPostListResponse struct {
	Success bool                `json:"success"`
	Data    []PublishedPostView `json:"data"`
}

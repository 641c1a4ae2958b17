package model

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a workflow. These values
// must match the text values stored in the database (workflows.status).
//
// Centralizing these here avoids scattering string literals like
// "rendering" or "completed" across packages.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRendering    Status = "rendering"
	StatusRenderReady  Status = "render_ready"
	StatusCaptioning   Status = "captioning"
	StatusCaptionReady Status = "caption_ready"
	StatusPublishing   Status = "publishing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage identifies one of the three provider-bound steps.
type Stage string

const (
	StageRender  Stage = "render"
	StageCaption Stage = "caption"
	StagePublish Stage = "publish"
)

// InProgressStatus returns the status a workflow holds while this
// stage's provider job is outstanding.
func (st Stage) InProgressStatus() Status {
	switch st {
	case StageRender:
		return StatusRendering
	case StageCaption:
		return StatusCaptioning
	case StagePublish:
		return StatusPublishing
	}
	return ""
}

// ReadyStatus returns the status a workflow moves to when this stage's
// output is available. The publish stage completes the workflow.
func (st Stage) ReadyStatus() Status {
	switch st {
	case StageRender:
		return StatusRenderReady
	case StageCaption:
		return StatusCaptionReady
	case StagePublish:
		return StatusCompleted
	}
	return ""
}

// ResetStatus returns the "not yet submitted" status a retried stage
// falls back to so the next Advance resubmits it.
func (st Stage) ResetStatus() Status {
	switch st {
	case StageRender:
		return StatusPending
	case StageCaption:
		return StatusRenderReady
	case StagePublish:
		return StatusCaptionReady
	}
	return ""
}

// StageForStatus maps an in-progress status back to its stage. The
// second return is false for statuses with no outstanding provider job.
func StageForStatus(s Status) (Stage, bool) {
	switch s {
	case StatusRendering:
		return StageRender, true
	case StatusCaptioning:
		return StageCaption, true
	case StatusPublishing:
		return StagePublish, true
	}
	return "", false
}

// Workflow is one attempt to carry a single content item through
// render -> caption -> publish for one tenant. Mutations go through
// Store.CompareAndSwap; Version is the optimistic concurrency token.
type Workflow struct {
	ID            uuid.UUID
	Tenant        string
	ContentItemID string

	// Content fields cached from the source item at enqueue time so
	// gateways can build provider requests without a second lookup.
	Title   string
	Script  string
	Caption string

	Status Status

	RenderJobID  string
	CaptionJobID string
	PublishJobID string

	RenderResultURI  string
	CaptionResultURI string
	PublishResultURI string

	RetryCount int32
	LastError  string

	LockOwner string
	LockedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// JobID returns the provider job id recorded for a stage.
func (w *Workflow) JobID(st Stage) string {
	switch st {
	case StageRender:
		return w.RenderJobID
	case StageCaption:
		return w.CaptionJobID
	case StagePublish:
		return w.PublishJobID
	}
	return ""
}

// SetJobID records the provider job id for a stage.
func (w *Workflow) SetJobID(st Stage, id string) {
	switch st {
	case StageRender:
		w.RenderJobID = id
	case StageCaption:
		w.CaptionJobID = id
	case StagePublish:
		w.PublishJobID = id
	}
}

// ResultURI returns the output artifact recorded for a stage.
func (w *Workflow) ResultURI(st Stage) string {
	switch st {
	case StageRender:
		return w.RenderResultURI
	case StageCaption:
		return w.CaptionResultURI
	case StagePublish:
		return w.PublishResultURI
	}
	return ""
}

// SetResultURI records the output artifact for a stage.
func (w *Workflow) SetResultURI(st Stage, uri string) {
	switch st {
	case StageRender:
		w.RenderResultURI = uri
	case StageCaption:
		w.CaptionResultURI = uri
	case StagePublish:
		w.PublishResultURI = uri
	}
}

// ContentItem is the unit of work handed to the engine by external
// content selection tooling. The engine never decides what to process.
type ContentItem struct {
	ID        uuid.UUID
	Tenant    string
	Title     string
	Script    string
	Caption   string
	MediaURL  string
	Consumed  bool
	CreatedAt time.Time
}

// PublishedPost is the terminal record written for reporting
// collaborators when a workflow completes: one row per platform with
// the platform-assigned post id or a failure reason.
type PublishedPost struct {
	ID         uuid.UUID
	WorkflowID uuid.UUID
	Tenant     string
	Platform   string
	PostID     string
	Error      string
	PostedAt   time.Time
}

// WebhookEvent is an audit record of an accepted provider webhook.
type WebhookEvent struct {
	ID         uuid.UUID
	Tenant     string
	Provider   string
	JobID      string
	EventType  string
	ReceivedAt time.Time
}

package http

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"clipflow/internal/config"
	"clipflow/internal/content"
	"clipflow/internal/model"
	"clipflow/internal/store"
	"clipflow/internal/workflow"
)

func handlerDeps(c *fiber.Ctx) (*config.Config, *store.Store, *workflow.Orchestrator) {
	cfg := c.Locals("config").(*config.Config)
	st := c.Locals("store").(*store.Store)
	orch := c.Locals("orchestrator").(*workflow.Orchestrator)
	return cfg, st, orch
}

// createWorkflowHandler enqueues a workflow from inline content. The
// item is persisted as already consumed so the audit trail matches the
// queue-driven path.
func createWorkflowHandler(c *fiber.Ctx) error {
	cfg, st, orch := handlerDeps(c)

	var req CreateWorkflowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Invalid JSON body",
		})
	}
	if strings.TrimSpace(req.Script) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "script is required",
		})
	}

	tenant, err := requestTenant(c, cfg, req.Tenant)
	if err != nil {
		return tenantError(c, err)
	}
	if tenant == "" || cfg.Tenant(tenant) == nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "UNKNOWN_TENANT",
			Error:   "tenant is missing or not configured",
		})
	}

	item := &model.ContentItem{
		ID:       uuid.New(),
		Tenant:   tenant,
		Title:    req.Title,
		Script:   req.Script,
		Caption:  req.Caption,
		Consumed: true,
	}
	if err := st.InsertContentItem(c.Context(), item); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	id, err := orch.Enqueue(c.Context(), tenant, item)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	w, err := st.GetWorkflow(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(WorkflowResponse{Success: true, Data: workflowView(&w)})
}

// nextWorkflowHandler pulls the oldest queued content item for the
// tenant and enqueues a workflow for it.
func nextWorkflowHandler(c *fiber.Ctx) error {
	cfg, st, orch := handlerDeps(c)
	sel := c.Locals("selector").(content.Selector)

	var req NextWorkflowRequest
	_ = c.BodyParser(&req)

	tenant, err := requestTenant(c, cfg, req.Tenant)
	if err != nil {
		return tenantError(c, err)
	}
	if tenant == "" || cfg.Tenant(tenant) == nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "UNKNOWN_TENANT",
			Error:   "tenant is missing or not configured",
		})
	}

	item, err := sel.Next(c.Context(), tenant)
	if err != nil {
		if errors.Is(err, content.ErrEmpty) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "QUEUE_EMPTY",
				Error:   "no content queued for tenant",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	id, err := orch.Enqueue(c.Context(), tenant, &item)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	w, err := st.GetWorkflow(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(WorkflowResponse{Success: true, Data: workflowView(&w)})
}

func listWorkflowsHandler(c *fiber.Ctx) error {
	cfg, st, _ := handlerDeps(c)

	tenant, err := requestTenant(c, cfg, c.Query("tenant"))
	if err != nil {
		return tenantError(c, err)
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	rows, err := st.ListWorkflows(c.Context(), store.WorkflowListFilter{
		Tenant: tenant,
		Status: model.Status(c.Query("status")),
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	views := make([]WorkflowView, 0, len(rows))
	for i := range rows {
		views = append(views, workflowView(&rows[i]))
	}
	return c.JSON(WorkflowListResponse{Success: true, Data: views})
}

func getWorkflowHandler(c *fiber.Ctx) error {
	cfg, st, _ := handlerDeps(c)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid workflow id",
		})
	}

	w, err := st.GetWorkflow(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "workflow not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	// Tenant-scoped keys may only read their own workflows.
	if tenant, terr := requestTenant(c, cfg, w.Tenant); terr != nil || (tenant != "" && tenant != w.Tenant) {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "workflow not found",
		})
	}

	return c.JSON(WorkflowResponse{Success: true, Data: workflowView(&w)})
}

func workflowStatsHandler(c *fiber.Ctx) error {
	cfg, st, _ := handlerDeps(c)

	tenant, err := requestTenant(c, cfg, c.Query("tenant"))
	if err != nil {
		return tenantError(c, err)
	}

	counts, err := st.CountByStatus(c.Context(), tenant)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return c.JSON(StatsResponse{Success: true, Data: out})
}

// advanceWorkflowHandler nudges a workflow from the operator surface.
// Safe to call at any time: a workflow with nothing to submit is a no-op.
func advanceWorkflowHandler(c *fiber.Ctx) error {
	cfg, st, orch := handlerDeps(c)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid workflow id",
		})
	}

	w, err := st.GetWorkflow(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "workflow not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	if _, terr := requestTenant(c, cfg, w.Tenant); terr != nil {
		return tenantError(c, terr)
	}

	if err := orch.Advance(c.Context(), id); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	w, err = st.GetWorkflow(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	return c.JSON(WorkflowResponse{Success: true, Data: workflowView(&w)})
}

// failWorkflowHandler force-fails a workflow (no retry) from the
// operator surface.
func failWorkflowHandler(c *fiber.Ctx) error {
	cfg, st, orch := handlerDeps(c)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid workflow id",
		})
	}

	var req FailWorkflowRequest
	_ = c.BodyParser(&req)
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "failed by operator"
	}

	w, err := st.GetWorkflow(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "workflow not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	if _, terr := requestTenant(c, cfg, w.Tenant); terr != nil {
		return tenantError(c, terr)
	}

	if err := orch.Fail(c.Context(), id, req.Reason, false); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	w, err = st.GetWorkflow(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	return c.JSON(WorkflowResponse{Success: true, Data: workflowView(&w)})
}

// createContentItemHandler queues a content item for later consumption
// by POST /v1/workflows/next.
func createContentItemHandler(c *fiber.Ctx) error {
	cfg, st, _ := handlerDeps(c)

	var req ContentItemRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Invalid JSON body",
		})
	}
	if strings.TrimSpace(req.Script) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "script is required",
		})
	}

	tenant, err := requestTenant(c, cfg, req.Tenant)
	if err != nil {
		return tenantError(c, err)
	}
	if tenant == "" || cfg.Tenant(tenant) == nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "UNKNOWN_TENANT",
			Error:   "tenant is missing or not configured",
		})
	}

	item := &model.ContentItem{
		ID:       uuid.New(),
		Tenant:   tenant,
		Title:    req.Title,
		Script:   req.Script,
		Caption:  req.Caption,
		MediaURL: req.MediaURL,
	}
	if err := st.InsertContentItem(c.Context(), item); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"id":      item.ID.String(),
	})
}

func listPostsHandler(c *fiber.Ctx) error {
	cfg, st, _ := handlerDeps(c)

	tenant, err := requestTenant(c, cfg, c.Query("tenant"))
	if err != nil {
		return tenantError(c, err)
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	posts, err := st.ListPublishedPosts(c.Context(), tenant, int32(limit), int32(offset))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	views := make([]PublishedPostView, 0, len(posts))
	for _, p := range posts {
		views = append(views, PublishedPostView{
			ID:         p.ID.String(),
			WorkflowID: p.WorkflowID.String(),
			Tenant:     p.Tenant,
			Platform:   p.Platform,
			PostID:     p.PostID,
			Error:      p.Error,
			PostedAt:   p.PostedAt,
		})
	}
	return c.JSON(PublishedPostListResponse{Success: true, Data: views})
}

// tenantError converts requestTenant failures into the shared envelope.
func tenantError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := "FORBIDDEN"
		if fe.Code == fiber.StatusUnauthorized {
			code = "UNAUTHENTICATED"
		}
		return c.Status(fe.Code).JSON(ErrorResponse{
			Success: false,
			Code:    code,
			Error:   fe.Message,
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Success: false,
		Code:    "INTERNAL_ERROR",
		Error:   err.Error(),
	})
}

package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/ctxkeys"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/types"
)

// CreateWorkflowRequest is the planner intake payload.
type CreateWorkflowRequest struct {
	ProjectID  string            `json:"projectId"`
	PlannerRun *types.PlannerRun `json:"plannerRun"`
}

// CancelWorkflowRequest carries the optional cancellation reason.
type CancelWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

// WorkflowHandler serves workflow lifecycle endpoints.
type WorkflowHandler struct {
	service *scheduler.Service
	logger  *zap.Logger
}

// NewWorkflowHandler creates a WorkflowHandler.
func NewWorkflowHandler(service *scheduler.Service, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{service: service, logger: logger}
}

// scoped binds the workflow id from the route into the context and returns
// a logger carrying the request-scoped ids.
func (h *WorkflowHandler) scoped(r *http.Request) (context.Context, string, *zap.Logger) {
	workflowID := r.PathValue("workflowId")
	ctx := ctxkeys.WithWorkflowID(r.Context(), workflowID)
	return ctx, workflowID, h.logger.With(ctxkeys.Fields(ctx)...)
}

// HandleCreate handles POST /workflows.
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid request body", h.logger)
		return
	}
	if req.ProjectID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "projectId is required", h.logger)
		return
	}

	workflow, err := h.service.CreateWorkflowFromPlan(r.Context(), req.ProjectID, req.PlannerRun)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: workflow})
}

// HandleList handles GET /workflows?projectId=...
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.service.ListWorkflows(r.Context(), r.URL.Query().Get("projectId"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, workflows)
}

// HandleGet handles GET /workflows/{workflowId}.
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx, workflowID, logger := h.scoped(r)
	detail, err := h.service.GetWorkflowDetail(ctx, workflowID)
	if err != nil {
		WriteError(w, err, logger)
		return
	}
	WriteSuccess(w, detail)
}

// HandleStart handles POST /workflows/{workflowId}/start.
func (h *WorkflowHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx, workflowID, logger := h.scoped(r)
	if err := h.service.StartWorkflow(ctx, workflowID); err != nil {
		WriteError(w, err, logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": string(types.WorkflowRunning)})
}

// HandlePause handles POST /workflows/{workflowId}/pause.
func (h *WorkflowHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	ctx, workflowID, logger := h.scoped(r)
	if err := h.service.PauseWorkflow(ctx, workflowID); err != nil {
		WriteError(w, err, logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": string(types.WorkflowPaused)})
}

// HandleCancel handles POST /workflows/{workflowId}/cancel.
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, workflowID, logger := h.scoped(r)
	var req CancelWorkflowRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid request body", logger)
			return
		}
	}
	if err := h.service.CancelWorkflow(ctx, workflowID, req.Reason); err != nil {
		WriteError(w, err, logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": string(types.WorkflowCancelled)})
}

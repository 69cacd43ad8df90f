package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/ctxkeys"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/runner"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/types"
)

// CallbackHandler accepts remote runner completion reports. The bearer token
// must verify against this deployment's secret and bind the exact workflow
// and step being reported; the runner instance id must then match the
// recorded dispatch. Anything else is rejected without touching the step.
type CallbackHandler struct {
	service   *scheduler.Service
	tokens    *runner.TokenCodec
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewCallbackHandler creates a CallbackHandler. collector may be nil.
func NewCallbackHandler(service *scheduler.Service, tokens *runner.TokenCodec, collector *metrics.Collector, logger *zap.Logger) *CallbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackHandler{service: service, tokens: tokens, collector: collector, logger: logger}
}

// HandleCallback handles POST /workflows/{workflowId}/steps/{stepId}/callback.
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowId")
	stepID := r.PathValue("stepId")
	ctx := ctxkeys.WithStepID(ctxkeys.WithWorkflowID(r.Context(), workflowID), stepID)
	logger := h.logger.With(ctxkeys.Fields(ctx)...)

	token, ok := bearerToken(r)
	if !ok {
		h.recordCallback("unauthorized")
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "missing bearer token", logger)
		return
	}
	claims, err := h.tokens.Verify(token, workflowID, stepID)
	if err != nil {
		h.recordCallback("unauthorized")
		WriteError(w, err, logger)
		return
	}

	var report scheduler.CallbackReport
	if err := decodeJSON(w, r, &report); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid callback body", logger)
		return
	}
	if report.RunnerInstanceID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "runnerInstanceId is required", logger)
		return
	}
	// A token stolen from one dispatch cannot report for another.
	if report.RunnerInstanceID != claims.RunnerInstanceID {
		h.recordCallback("unauthorized")
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "token was not issued for this runner instance", logger)
		return
	}

	if err := h.service.ApplyRunnerCallback(ctx, workflowID, stepID, report); err != nil {
		WriteError(w, err, logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "accepted"})
}

func (h *CallbackHandler) recordCallback(result string) {
	if h.collector != nil {
		h.collector.RecordCallback(result)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return token, token != ""
}

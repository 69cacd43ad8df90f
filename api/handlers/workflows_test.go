package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/stepflow/runner"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

type testAPI struct {
	service *scheduler.Service
	steps   *store.StepStore
	tokens  *runner.TokenCodec
	mux     *http.ServeMux
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api_test.db?_pragma=busy_timeout(10000)")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&types.Workflow{}, &types.WorkflowStep{}, &types.AgentRun{}))

	workflows := store.NewWorkflowStore(db)
	steps := store.NewStepStore(db)
	runs := store.NewAgentRunStore(db)
	service := scheduler.NewService(workflows, steps, runs, nil, zap.NewNop())
	tokens := runner.NewTokenCodec([]byte("test-secret"), time.Hour)

	wh := NewWorkflowHandler(service, zap.NewNop())
	ch := NewCallbackHandler(service, tokens, nil, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", wh.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows", wh.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{workflowId}", wh.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/{workflowId}/start", wh.HandleStart)
	mux.HandleFunc("POST /api/v1/workflows/{workflowId}/cancel", wh.HandleCancel)
	mux.HandleFunc("POST /api/v1/workflows/{workflowId}/steps/{stepId}/callback", ch.HandleCallback)

	return &testAPI{service: service, steps: steps, tokens: tokens, mux: mux}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func simplePlan() *types.PlannerRun {
	return &types.PlannerRun{
		ID:    "plan-1",
		Kind:  "refactor",
		Tasks: []types.PlannedTask{{ID: "a", Title: "A", Instructions: "do a"}},
	}
}

func TestWorkflowHandler_CreateAndGet(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{
		ProjectID:  "proj-1",
		PlannerRun: simplePlan(),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.True(t, resp.Success)

	created := resp.Data.(map[string]any)
	workflowID := created["id"].(string)
	assert.Equal(t, "pending", created["status"])

	rec = api.do(t, http.MethodGet, "/api/v1/workflows/"+workflowID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeEnvelope(t, rec).Data.(map[string]any)
	assert.Len(t, detail["steps"], 1)
}

func TestWorkflowHandler_CreateValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{
		PlannerRun: simplePlan(),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{
		ProjectID: "proj-1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
}

func TestWorkflowHandler_GetMissingIs404(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/workflows/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowHandler_StartAndCancel(t *testing.T) {
	api := newTestAPI(t)
	w, err := api.service.CreateWorkflowFromPlan(context.Background(), "proj-1", simplePlan())
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost, "/api/v1/workflows/"+w.ID+"/start", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Starting twice conflicts.
	rec = api.do(t, http.MethodPost, "/api/v1/workflows/"+w.ID+"/start", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/workflows/"+w.ID+"/cancel", CancelWorkflowRequest{Reason: "changed plans"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowHandler_ListFiltersByProject(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	_, err := api.service.CreateWorkflowFromPlan(ctx, "proj-a", simplePlan())
	require.NoError(t, err)
	_, err = api.service.CreateWorkflowFromPlan(ctx, "proj-b", simplePlan())
	require.NoError(t, err)

	rec := api.do(t, http.MethodGet, "/api/v1/workflows?projectId=proj-a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec).Data.([]any)
	assert.Len(t, data, 1)
}

// dispatchedStep creates a started workflow with one claimed, dispatched
// step, returning ids and a valid callback token.
func (a *testAPI) dispatchedStep(t *testing.T) (workflowID, stepID, token string) {
	t.Helper()
	ctx := context.Background()
	w, err := a.service.CreateWorkflowFromPlan(ctx, "proj-1", simplePlan())
	require.NoError(t, err)
	require.NoError(t, a.service.StartWorkflow(ctx, w.ID))

	steps, err := a.steps.ListByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	step := steps[0]
	claimed, err := a.steps.Claim(ctx, step.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, a.steps.DispatchRemote(ctx, step.ID, "runner-1"))

	token, err = a.tokens.Issue(w.ID, step.ID, "runner-1")
	require.NoError(t, err)
	return w.ID, step.ID, token
}

func TestCallbackHandler_Accepted(t *testing.T) {
	api := newTestAPI(t)
	workflowID, stepID, token := api.dispatchedStep(t)

	rec := api.do(t, http.MethodPost,
		"/api/v1/workflows/"+workflowID+"/steps/"+stepID+"/callback",
		scheduler.CallbackReport{RunnerInstanceID: "runner-1", Status: "completed", LogsPath: "/logs/x"},
		map[string]string{"Authorization": "Bearer " + token},
	)
	require.Equal(t, http.StatusOK, rec.Code)

	step, err := api.steps.Get(context.Background(), stepID)
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, step.Status)
}

func TestCallbackHandler_MissingTokenIs401(t *testing.T) {
	api := newTestAPI(t)
	workflowID, stepID, _ := api.dispatchedStep(t)

	rec := api.do(t, http.MethodPost,
		"/api/v1/workflows/"+workflowID+"/steps/"+stepID+"/callback",
		scheduler.CallbackReport{RunnerInstanceID: "runner-1", Status: "completed"},
		nil,
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	step, err := api.steps.Get(context.Background(), stepID)
	require.NoError(t, err)
	assert.Equal(t, types.StepRunning, step.Status, "unauthenticated callback does not mutate the step")
}

func TestCallbackHandler_ForgedTokenIs401(t *testing.T) {
	api := newTestAPI(t)
	workflowID, stepID, _ := api.dispatchedStep(t)

	forged, err := runner.NewTokenCodec([]byte("wrong-secret"), time.Hour).Issue(workflowID, stepID, "runner-1")
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost,
		"/api/v1/workflows/"+workflowID+"/steps/"+stepID+"/callback",
		scheduler.CallbackReport{RunnerInstanceID: "runner-1", Status: "completed"},
		map[string]string{"Authorization": "Bearer " + forged},
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackHandler_InstanceMismatchIs409(t *testing.T) {
	api := newTestAPI(t)
	workflowID, stepID, _ := api.dispatchedStep(t)

	// Token issued for a different runner instance of the same step.
	otherToken, err := api.tokens.Issue(workflowID, stepID, "runner-2")
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost,
		"/api/v1/workflows/"+workflowID+"/steps/"+stepID+"/callback",
		scheduler.CallbackReport{RunnerInstanceID: "runner-2", Status: "completed"},
		map[string]string{"Authorization": "Bearer " + otherToken},
	)
	assert.Equal(t, http.StatusConflict, rec.Code)

	step, err := api.steps.Get(context.Background(), stepID)
	require.NoError(t, err)
	assert.Equal(t, types.StepRunning, step.Status)
}

func TestCallbackHandler_TokenInstanceSpoofIs401(t *testing.T) {
	api := newTestAPI(t)
	workflowID, stepID, token := api.dispatchedStep(t)

	// Valid token for runner-1 cannot report as runner-2.
	rec := api.do(t, http.MethodPost,
		"/api/v1/workflows/"+workflowID+"/steps/"+stepID+"/callback",
		scheduler.CallbackReport{RunnerInstanceID: "runner-2", Status: "completed"},
		map[string]string{"Authorization": "Bearer " + token},
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackHandler_UnknownStepIs404(t *testing.T) {
	api := newTestAPI(t)
	workflowID, _, _ := api.dispatchedStep(t)

	token, err := api.tokens.Issue(workflowID, "ghost", "runner-1")
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost,
		"/api/v1/workflows/"+workflowID+"/steps/ghost/callback",
		scheduler.CallbackReport{RunnerInstanceID: "runner-1", Status: "completed"},
		map[string]string{"Authorization": "Bearer " + token},
	)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler_Readyz(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(HealthCheckFunc{CheckName: "db", Fn: func(context.Context) error { return nil }})

	rec := httptest.NewRecorder()
	h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "pass", status.Checks["db"].Status)
}

func TestHealthHandler_ReadyzFailing(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(HealthCheckFunc{CheckName: "db", Fn: func(context.Context) error {
		return context.DeadlineExceeded
	}})

	rec := httptest.NewRecorder()
	h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

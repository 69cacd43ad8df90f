package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// WorkflowDetail is the full view of one workflow: the record, its steps in
// sequence order, and the audit runs.
type WorkflowDetail struct {
	Workflow *types.Workflow       `json:"workflow"`
	Steps    []*types.WorkflowStep `json:"steps"`
	Runs     []*types.AgentRun     `json:"runs"`
}

// CallbackReport is the body a remote runner posts on completion.
type CallbackReport struct {
	RunnerInstanceID string `json:"runnerInstanceId"`
	Status           string `json:"status"` // completed | failed
	Error            string `json:"error,omitempty"`
	LogsPath         string `json:"logsPath,omitempty"`
}

// Service owns workflow lifecycle operations and step state reconciliation.
// The poll loop in scheduler.go drives execution; everything that mutates
// workflow or step state in response to results funnels through here.
type Service struct {
	workflows *store.WorkflowStore
	steps     *store.StepStore
	runs      *store.AgentRunStore
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewService creates a Service. collector may be nil.
func NewService(workflows *store.WorkflowStore, steps *store.StepStore, runs *store.AgentRunStore, collector *metrics.Collector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		workflows: workflows,
		steps:     steps,
		runs:      runs,
		collector: collector,
		logger:    logger.With(zap.String("component", "workflow_service")),
	}
}

// CreateWorkflowFromPlan turns a planner run into a pending workflow with
// one step per task, preserving task order as the sequence and translating
// task-id dependencies into step-id dependencies.
func (s *Service) CreateWorkflowFromPlan(ctx context.Context, projectID string, plan *types.PlannerRun) (*types.Workflow, error) {
	if plan == nil || len(plan.Tasks) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "planner run has no tasks").WithHTTPStatus(400)
	}

	workflow := &types.Workflow{
		ProjectID:    projectID,
		PlannerRunID: plan.ID,
		Kind:         plan.Kind,
		Status:       types.WorkflowPending,
		Data:         plan.Data,
	}

	stepIDByTask := make(map[string]string, len(plan.Tasks))
	for _, task := range plan.Tasks {
		if task.ID == "" {
			return nil, types.NewError(types.ErrInvalidRequest, "planner task without id").WithHTTPStatus(400)
		}
		if _, dup := stepIDByTask[task.ID]; dup {
			return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("duplicate task id %q", task.ID)).WithHTTPStatus(400)
		}
		stepIDByTask[task.ID] = uuid.NewString()
	}

	steps := make([]*types.WorkflowStep, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		data := types.JSONMap{
			"title":        task.Title,
			"instructions": task.Instructions,
			"agent_type":   task.AgentType,
		}
		for k, v := range task.Metadata {
			if _, taken := data[k]; !taken {
				data[k] = v
			}
		}
		var deps types.StringList
		for _, depTask := range task.DependsOn {
			stepID, ok := stepIDByTask[depTask]
			if !ok {
				return nil, types.NewError(types.ErrInvalidRequest,
					fmt.Sprintf("task %q depends on unknown task %q", task.ID, depTask)).WithHTTPStatus(400)
			}
			deps = append(deps, stepID)
		}
		steps = append(steps, &types.WorkflowStep{
			ID:        stepIDByTask[task.ID],
			TaskID:    task.ID,
			DependsOn: deps,
			Data:      data,
		})
	}

	if err := s.workflows.Create(ctx, workflow); err != nil {
		return nil, err
	}
	if err := s.steps.InsertSteps(ctx, workflow.ID, steps); err != nil {
		return nil, err
	}

	s.logger.Info("workflow created from plan",
		zap.String("workflow_id", workflow.ID),
		zap.String("planner_run_id", plan.ID),
		zap.Int("steps", len(steps)),
	)
	return workflow, nil
}

// StartWorkflow moves a pending or paused workflow to running.
func (s *Service) StartWorkflow(ctx context.Context, workflowID string) error {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status != types.WorkflowPending && w.Status != types.WorkflowPaused {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot start workflow in status %s", w.Status)).WithHTTPStatus(409)
	}
	return s.setWorkflowStatus(ctx, workflowID, types.WorkflowRunning, "")
}

// PauseWorkflow moves a running workflow to paused. Claimed steps finish;
// no new steps surface while paused.
func (s *Service) PauseWorkflow(ctx context.Context, workflowID string) error {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status != types.WorkflowRunning {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot pause workflow in status %s", w.Status)).WithHTTPStatus(409)
	}
	return s.setWorkflowStatus(ctx, workflowID, types.WorkflowPaused, "")
}

// CancelWorkflow moves any non-terminal workflow to cancelled.
func (s *Service) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("workflow already %s", w.Status)).WithHTTPStatus(409)
	}
	if reason == "" {
		reason = "cancelled by caller"
	}
	return s.setWorkflowStatus(ctx, workflowID, types.WorkflowCancelled, reason)
}

// ListWorkflows returns workflows, optionally scoped to a project.
func (s *Service) ListWorkflows(ctx context.Context, projectID string) ([]*types.Workflow, error) {
	return s.workflows.List(ctx, projectID)
}

// GetWorkflowDetail returns the workflow with its steps and audit runs.
func (s *Service) GetWorkflowDetail(ctx context.Context, workflowID string) (*WorkflowDetail, error) {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var runs []*types.AgentRun
	if s.runs != nil {
		ids := make([]string, len(steps))
		for i, step := range steps {
			ids[i] = step.ID
		}
		runs, err = s.runs.ListByStepIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
	}
	return &WorkflowDetail{Workflow: w, Steps: steps, Runs: runs}, nil
}

// ApplyRunnerCallback applies a remote runner's completion report. The
// bearer token is validated by the HTTP layer before this is called; here
// the report must still match the recorded dispatch, because a retried step
// carries a new runner instance id and a late report from the old one must
// not win.
func (s *Service) ApplyRunnerCallback(ctx context.Context, workflowID, stepID string, report CallbackReport) error {
	step, err := s.steps.Get(ctx, stepID)
	if err != nil {
		s.recordCallback("not_found")
		return err
	}
	if step.WorkflowID != workflowID {
		s.recordCallback("not_found")
		return types.NewError(types.ErrStepNotFound,
			fmt.Sprintf("step %s does not belong to workflow %s", stepID, workflowID)).WithHTTPStatus(404)
	}

	status := types.StepCompleted
	if report.Status != "completed" {
		status = types.StepFailed
	}
	result := types.JSONMap{}
	if report.Error != "" {
		result["reason"] = report.Error
	}
	if report.LogsPath != "" {
		result["logsPath"] = report.LogsPath
	}

	applied, err := s.steps.CompleteRemote(ctx, stepID, report.RunnerInstanceID, status, result)
	if err != nil {
		return err
	}
	if !applied {
		s.recordCallback("mismatch")
		return types.NewError(types.ErrCallbackMismatch,
			"step is not running under the reported runner instance").WithHTTPStatus(409)
	}
	s.recordCallback("accepted")
	if s.collector != nil {
		s.collector.RecordStepExecution("remote", string(status), 0)
	}

	s.logger.Info("runner callback applied",
		zap.String("step_id", stepID),
		zap.String("runner_instance_id", report.RunnerInstanceID),
		zap.String("status", string(status)),
	)

	if status == types.StepFailed {
		if err := s.PropagateSkips(ctx, workflowID); err != nil {
			return err
		}
	}
	return s.ReconcileWorkflow(ctx, workflowID)
}

// FailStep marks a step failed with a reason and reconciles the workflow.
func (s *Service) FailStep(ctx context.Context, step *types.WorkflowStep, reason string) error {
	failed := types.StepFailed
	_, err := s.steps.Update(ctx, step.ID, store.StepPatch{
		Status: &failed,
		Result: types.JSONMap{"reason": reason},
	})
	if err != nil {
		return err
	}
	s.logger.Warn("step failed",
		zap.String("step_id", step.ID),
		zap.String("reason", reason),
	)
	if err := s.PropagateSkips(ctx, step.WorkflowID); err != nil {
		return err
	}
	return s.ReconcileWorkflow(ctx, step.WorkflowID)
}

// CompleteStep applies a synchronous execution result and reconciles.
func (s *Service) CompleteStep(ctx context.Context, step *types.WorkflowStep, status types.StepStatus, result types.JSONMap, reason string) error {
	if result == nil {
		result = types.JSONMap{}
	}
	if reason != "" {
		result["reason"] = reason
	}
	_, err := s.steps.Update(ctx, step.ID, store.StepPatch{Status: &status, Result: result})
	if err != nil {
		return err
	}
	if status == types.StepFailed {
		if err := s.PropagateSkips(ctx, step.WorkflowID); err != nil {
			return err
		}
	}
	return s.ReconcileWorkflow(ctx, step.WorkflowID)
}

// PropagateSkips marks pending steps whose dependencies terminally failed as
// skipped, repeating until no new skip appears so chains collapse in one
// call.
func (s *Service) PropagateSkips(ctx context.Context, workflowID string) error {
	for {
		steps, err := s.steps.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		statusByID := make(map[string]types.StepStatus, len(steps))
		for _, step := range steps {
			statusByID[step.ID] = step.Status
		}

		changed := false
		for _, step := range steps {
			if step.Status != types.StepPending {
				continue
			}
			for _, dep := range step.DependsOn {
				depStatus := statusByID[dep]
				if depStatus == types.StepFailed || depStatus == types.StepSkipped {
					skipped := types.StepSkipped
					_, err := s.steps.Update(ctx, step.ID, store.StepPatch{
						Status: &skipped,
						Result: types.JSONMap{"reason": fmt.Sprintf("dependency %s did not complete", dep)},
					})
					if err != nil {
						return err
					}
					changed = true
					break
				}
			}
		}
		if !changed {
			return nil
		}
	}
}

// ReconcileWorkflow advances a running workflow to completed or failed based
// on its steps. Skipped counts the same as failed; both mean the DAG cannot
// finish as planned.
func (s *Service) ReconcileWorkflow(ctx context.Context, workflowID string) error {
	w, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status != types.WorkflowRunning {
		return nil
	}
	steps, err := s.steps.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	allCompleted := true
	for _, step := range steps {
		switch step.Status {
		case types.StepFailed, types.StepSkipped:
			reason := fmt.Sprintf("step %s %s", step.ID, step.Status)
			if r, ok := step.Result["reason"].(string); ok && r != "" {
				reason = fmt.Sprintf("step %s %s: %s", step.ID, step.Status, r)
			}
			return s.setWorkflowStatus(ctx, workflowID, types.WorkflowFailed, reason)
		case types.StepCompleted:
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return s.setWorkflowStatus(ctx, workflowID, types.WorkflowCompleted, "")
	}
	return nil
}

func (s *Service) setWorkflowStatus(ctx context.Context, workflowID string, status types.WorkflowStatus, reason string) error {
	if err := s.workflows.UpdateStatus(ctx, workflowID, status, reason); err != nil {
		return err
	}
	if s.collector != nil {
		s.collector.RecordWorkflowTransition(string(status))
	}
	s.logger.Info("workflow transitioned",
		zap.String("workflow_id", workflowID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) recordCallback(result string) {
	if s.collector != nil {
		s.collector.RecordCallback(result)
	}
}

package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agentloop"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workspace"
)

// LocalConfig configures the in-process executor.
type LocalConfig struct {
	Provider     string
	Model        string
	MaxRounds    int
	SessionDir   string
	CommitAuthor string
}

// LocalExecutor runs the verifier-worker loop in-process against the step's
// prepared workspace. Only an approved outcome is committed; rejected or
// exhausted work is discarded so no partial change reaches version control.
type LocalExecutor struct {
	loop       *agentloop.Loop
	workspaces workspace.Manager
	runs       *store.AgentRunStore
	config     LocalConfig
	logger     *zap.Logger

	// OnChunk, when set, receives streamed loop output tagged per step.
	OnChunk func(stepID string, chunk agentloop.Chunk)
}

// NewLocalExecutor creates a LocalExecutor. runs may be nil to skip audit
// records.
func NewLocalExecutor(loop *agentloop.Loop, workspaces workspace.Manager, runs *store.AgentRunStore, config LocalConfig, logger *zap.Logger) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CommitAuthor == "" {
		config.CommitAuthor = "stepflow <noreply@stepflow>"
	}
	return &LocalExecutor{
		loop:       loop,
		workspaces: workspaces,
		runs:       runs,
		config:     config,
		logger:     logger.With(zap.String("component", "local_executor")),
	}
}

// Kind implements Gateway.
func (e *LocalExecutor) Kind() string { return "local" }

// Execute implements Gateway. The returned error is infrastructure failure
// only; content rejection comes back as a failed Execution.
func (e *LocalExecutor) Execute(ctx context.Context, workflow *types.Workflow, step *types.WorkflowStep) (*Execution, error) {
	branch := branchInfo(step)

	ws, err := e.workspaces.Prepare(ctx, workflow.ID, step.ID, branch)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	var run *types.AgentRun
	if e.runs != nil {
		run, err = e.runs.Open(ctx, &types.AgentRun{
			WorkflowStepID: step.ID,
			ProjectID:      workflow.ProjectID,
			Branch:         ws.BranchName,
			Type:           step.AgentType(),
		})
		if err != nil {
			e.logger.Warn("failed to open agent run", zap.Error(err))
		}
	}

	cfg := agentloop.Config{
		MaxRounds:  e.config.MaxRounds,
		Provider:   e.config.Provider,
		Model:      e.config.Model,
		SessionDir: e.config.SessionDir,
	}
	if e.OnChunk != nil {
		stepID := step.ID
		cfg.OnChunk = func(c agentloop.Chunk) { e.OnChunk(stepID, c) }
	}

	loopResult, err := e.loop.Run(ctx, step.Instructions(), cfg)
	if err != nil {
		e.closeRun(ctx, run, types.RunFailed)
		if derr := e.workspaces.Discard(ctx, ws); derr != nil {
			e.logger.Warn("failed to discard workspace", zap.Error(derr))
		}
		return nil, fmt.Errorf("agent loop: %w", err)
	}

	result := types.JSONMap{
		"agent": loopResult,
		"workspace": map[string]any{
			"branch":      ws.BranchName,
			"base_branch": ws.BaseBranch,
		},
	}

	if loopResult.Outcome != agentloop.OutcomeApproved {
		// Skip commit: rejected work never reaches version control.
		if derr := e.workspaces.Discard(ctx, ws); derr != nil {
			e.logger.Warn("failed to discard workspace", zap.Error(derr))
		}
		e.closeRun(ctx, run, types.RunFailed)
		result["skip_commit"] = true
		e.logger.Info("step rejected by loop",
			zap.String("step_id", step.ID),
			zap.String("outcome", string(loopResult.Outcome)),
			zap.String("reason", loopResult.Reason),
		)
		return &Execution{Status: types.StepFailed, Result: result, Reason: loopResult.Reason}, nil
	}

	message := step.Title()
	if message == "" {
		message = fmt.Sprintf("step %s", step.ID)
	}
	commitHash, err := e.workspaces.Commit(ctx, ws, message, e.config.CommitAuthor)
	if err != nil {
		e.closeRun(ctx, run, types.RunFailed)
		return nil, fmt.Errorf("commit workspace: %w", err)
	}
	result["commit"] = map[string]any{
		"hash":    commitHash,
		"branch":  ws.BranchName,
		"message": message,
	}
	e.closeRun(ctx, run, types.RunSucceeded)

	e.logger.Info("step approved and committed",
		zap.String("step_id", step.ID),
		zap.String("commit", commitHash),
		zap.Int("rounds", len(loopResult.Rounds)),
	)
	return &Execution{Status: types.StepCompleted, Result: result, Reason: loopResult.Reason}, nil
}

func (e *LocalExecutor) closeRun(ctx context.Context, run *types.AgentRun, status types.RunStatus) {
	if e.runs == nil || run == nil {
		return
	}
	logsPath := ""
	if e.config.SessionDir != "" {
		logsPath = e.config.SessionDir
	}
	if err := e.runs.Close(ctx, run.ID, status, logsPath); err != nil {
		e.logger.Warn("failed to close agent run", zap.Error(err))
	}
}

func branchInfo(step *types.WorkflowStep) workspace.BranchInfo {
	info := workspace.BranchInfo{}
	if v, ok := step.Data["branch"].(string); ok {
		info.BranchName = v
	}
	if v, ok := step.Data["base_branch"].(string); ok {
		info.BaseBranch = v
	}
	return info
}

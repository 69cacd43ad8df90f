package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/types"
)

// AgentRunStore persists agent run audit records. The scheduler never reads
// these to make decisions; they exist for operators.
type AgentRunStore struct {
	db *gorm.DB
}

// NewAgentRunStore creates an AgentRunStore on the given connection.
func NewAgentRunStore(db *gorm.DB) *AgentRunStore {
	return &AgentRunStore{db: db}
}

// Open records the start of an agent execution and returns the run.
func (s *AgentRunStore) Open(ctx context.Context, run *types.AgentRun) (*types.AgentRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = types.RunRunning
	run.StartedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("open agent run: %w", err)
	}
	return run, nil
}

// Close finishes a run with the given status and optional logs path.
func (s *AgentRunStore) Close(ctx context.Context, runID string, status types.RunStatus, logsPath string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      status,
		"finished_at": now,
	}
	if logsPath != "" {
		updates["logs_path"] = logsPath
	}
	res := s.db.WithContext(ctx).
		Model(&types.AgentRun{}).
		Where("id = ?", runID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("close agent run: %w", res.Error)
	}
	return nil
}

// ListByStepIDs returns runs for the given steps, oldest first.
func (s *AgentRunStore) ListByStepIDs(ctx context.Context, stepIDs []string) ([]*types.AgentRun, error) {
	if len(stepIDs) == 0 {
		return nil, nil
	}
	var runs []*types.AgentRun
	err := s.db.WithContext(ctx).
		Where("workflow_step_id IN ?", stepIDs).
		Order("started_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	return runs, nil
}

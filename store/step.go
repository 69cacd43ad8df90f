package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/types"
)

// StepPatch is a partial step update applied by Update. Nil fields are left
// untouched; Result keys are merged into the existing result object.
type StepPatch struct {
	Status           *types.StepStatus
	Result           types.JSONMap
	RunnerInstanceID *string
	RunnerAttempts   *int
}

// StepStore persists workflow steps.
type StepStore struct {
	db *gorm.DB
}

// NewStepStore creates a StepStore on the given connection.
func NewStepStore(db *gorm.DB) *StepStore {
	return &StepStore{db: db}
}

// InsertSteps creates all steps in one transaction, preserving caller order
// as the sequence. Either every step is created or none is.
func (s *StepStore) InsertSteps(ctx context.Context, workflowID string, steps []*types.WorkflowStep) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, step := range steps {
			if step.ID == "" {
				step.ID = uuid.NewString()
			}
			step.WorkflowID = workflowID
			step.Status = types.StepPending
			step.Sequence = i
			if err := tx.Create(step).Error; err != nil {
				return fmt.Errorf("insert step %d: %w", i, err)
			}
		}
		return nil
	})
}

// Get loads a step by id.
func (s *StepStore) Get(ctx context.Context, id string) (*types.WorkflowStep, error) {
	var step types.WorkflowStep
	err := s.db.WithContext(ctx).First(&step, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrStepNotFound, fmt.Sprintf("step %s not found", id)).WithHTTPStatus(404)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return &step, nil
}

// ListByWorkflow returns the workflow's steps ordered by sequence.
func (s *StepStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*types.WorkflowStep, error) {
	var steps []*types.WorkflowStep
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("sequence ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}

// FindReady returns up to limit pending steps whose owning workflow is
// running and whose dependencies have all completed, ordered by sequence.
// Steps of paused or cancelled workflows never surface here, which is what
// keeps those workflows quiescent.
func (s *StepStore) FindReady(ctx context.Context, limit int) ([]*types.WorkflowStep, error) {
	var candidates []*types.WorkflowStep
	err := s.db.WithContext(ctx).
		Joins("JOIN workflows ON workflows.id = workflow_steps.workflow_id").
		Where("workflow_steps.status = ? AND workflows.status = ?", types.StepPending, types.WorkflowRunning).
		Order("workflow_steps.sequence ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("find ready candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Dependency satisfaction is checked against sibling statuses loaded in
	// one pass per involved workflow.
	workflowIDs := make([]string, 0, len(candidates))
	seen := make(map[string]bool)
	for _, c := range candidates {
		if !seen[c.WorkflowID] {
			seen[c.WorkflowID] = true
			workflowIDs = append(workflowIDs, c.WorkflowID)
		}
	}

	var siblings []struct {
		ID     string
		Status types.StepStatus
	}
	err = s.db.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Select("id", "status").
		Where("workflow_id IN ?", workflowIDs).
		Find(&siblings).Error
	if err != nil {
		return nil, fmt.Errorf("load sibling statuses: %w", err)
	}
	statusByID := make(map[string]types.StepStatus, len(siblings))
	for _, sib := range siblings {
		statusByID[sib.ID] = sib.Status
	}

	ready := make([]*types.WorkflowStep, 0, limit)
	for _, c := range candidates {
		if depsSatisfied(c.DependsOn, statusByID) {
			ready = append(ready, c)
			if limit > 0 && len(ready) >= limit {
				break
			}
		}
	}
	return ready, nil
}

func depsSatisfied(deps types.StringList, statusByID map[string]types.StepStatus) bool {
	for _, dep := range deps {
		if statusByID[dep] != types.StepCompleted {
			return false
		}
	}
	return true
}

// Claim conditionally moves a step from pending to running. It is the sole
// mutual-exclusion primitive: when pollers race, the conditional update
// applies for exactly one of them. A false return means someone else has the
// step; callers move on and never retry in the same cycle.
func (s *StepStore) Claim(ctx context.Context, stepID string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("id = ? AND status = ?", stepID, types.StepPending).
		Updates(map[string]any{
			"status":     types.StepRunning,
			"ready_at":   gorm.Expr("COALESCE(ready_at, ?)", now),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim step: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Update applies a partial update via read-modify-write. Last writer wins on
// structured fields; only the scheduler and its chosen executor write a
// given step, so that is acceptable.
func (s *StepStore) Update(ctx context.Context, stepID string, patch StepPatch) (*types.WorkflowStep, error) {
	step, err := s.Get(ctx, stepID)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Result != nil {
		if step.Result == nil {
			step.Result = types.JSONMap{}
		}
		for k, v := range patch.Result {
			step.Result[k] = v
		}
	}
	if patch.RunnerInstanceID != nil {
		step.RunnerInstanceID = *patch.RunnerInstanceID
	}
	if patch.RunnerAttempts != nil {
		step.RunnerAttempts = *patch.RunnerAttempts
	}
	step.UpdatedAt = time.Now().UTC()

	if err := s.db.WithContext(ctx).Save(step).Error; err != nil {
		return nil, fmt.Errorf("update step: %w", err)
	}
	return step, nil
}

// DispatchRemote records a remote dispatch on a claimed step: the runner
// instance that owns the callback and one more attempt spent.
func (s *StepStore) DispatchRemote(ctx context.Context, stepID, runnerInstanceID string) error {
	res := s.db.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("id = ? AND status = ?", stepID, types.StepRunning).
		Updates(map[string]any{
			"runner_instance_id": runnerInstanceID,
			"runner_attempts":    gorm.Expr("runner_attempts + 1"),
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("record remote dispatch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrInvalidTransition, fmt.Sprintf("step %s is not running", stepID))
	}
	return nil
}

// CompleteRemote applies a remote completion, but only while the step is
// still running under the same runner instance. The callback handler and the
// timeout-driven retry are two writers to the same row; this conditional
// write is what keeps a late callback from resurrecting a step the scheduler
// already retried or failed.
func (s *StepStore) CompleteRemote(ctx context.Context, stepID, runnerInstanceID string, status types.StepStatus, result types.JSONMap) (bool, error) {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if result != nil {
		updates["result"] = result
	}
	res := s.db.WithContext(ctx).
		Model(&types.WorkflowStep{}).
		Where("id = ? AND status = ? AND runner_instance_id = ?", stepID, types.StepRunning, runnerInstanceID).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("apply remote completion: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FindStaleRemote returns running steps dispatched to a remote runner whose
// last write is older than the timeout. These are the candidates for
// timeout-driven retry.
func (s *StepStore) FindStaleRemote(ctx context.Context, timeout time.Duration, limit int) ([]*types.WorkflowStep, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	q := s.db.WithContext(ctx).
		Where("status = ? AND runner_instance_id <> '' AND updated_at < ?", types.StepRunning, cutoff).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var steps []*types.WorkflowStep
	if err := q.Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("find stale remote steps: %w", err)
	}
	return steps, nil
}

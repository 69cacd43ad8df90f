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

// WorkflowStore persists workflows.
type WorkflowStore struct {
	db *gorm.DB
}

// NewWorkflowStore creates a WorkflowStore on the given connection.
func NewWorkflowStore(db *gorm.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// Create inserts a workflow, assigning an id if the caller left it empty.
func (s *WorkflowStore) Create(ctx context.Context, w *types.Workflow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = types.WorkflowPending
	}
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// Get loads a workflow by id.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*types.Workflow, error) {
	var w types.Workflow
	err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrWorkflowNotFound, fmt.Sprintf("workflow %s not found", id)).WithHTTPStatus(404)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &w, nil
}

// List returns workflows newest first, optionally filtered by project.
func (s *WorkflowStore) List(ctx context.Context, projectID string) ([]*types.Workflow, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var workflows []*types.Workflow
	if err := q.Find(&workflows).Error; err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return workflows, nil
}

// UpdateStatus moves a workflow to the given status. Reason, when non-empty,
// is recorded in the workflow's data bag so terminal transitions stay
// explainable.
func (s *WorkflowStore) UpdateStatus(ctx context.Context, id string, status types.WorkflowStatus, reason string) error {
	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	w.Status = status
	if reason != "" {
		if w.Data == nil {
			w.Data = types.JSONMap{}
		}
		w.Data["status_reason"] = reason
	}
	w.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(w).Error; err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	return nil
}

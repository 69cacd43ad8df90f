package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// StepStatus represents the lifecycle state of a workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	// StepSkipped marks steps whose dependencies failed; the step itself
	// never ran.
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// RunStatus represents the state of an agent run audit record.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// JSONMap is a free-form key/value bag stored as a serialized JSON text column.
// Step data and results are heterogeneous across executor kinds, so the column
// stays schema-light; consumers decode the variant they own at the read site.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported json map column type %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// StringList is a list of ids stored as a serialized JSON text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported string list column type %T", value)
	}
	if len(data) == 0 {
		*l = StringList{}
		return nil
	}
	return json.Unmarshal(data, l)
}

// Workflow is a planner-submitted unit of work owning a DAG of steps.
type Workflow struct {
	ID           string         `json:"id" gorm:"primaryKey;size:64"`
	ProjectID    string         `json:"project_id" gorm:"size:64;index"`
	PlannerRunID string         `json:"planner_run_id,omitempty" gorm:"size:64"`
	Kind         string         `json:"kind" gorm:"size:64"`
	Status       WorkflowStatus `json:"status" gorm:"size:16;index"`
	Data         JSONMap        `json:"data" gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TableName overrides the gorm table name.
func (Workflow) TableName() string { return "workflows" }

// WorkflowStep is one schedulable unit of agent work with explicit
// dependencies on sibling steps.
//
// Invariant: a step is ready iff Status == StepPending and every id in
// DependsOn resolves to a completed sibling. Status only moves
// pending -> running -> {completed, failed, skipped}; all mutation goes
// through the store's Claim/Update operations.
type WorkflowStep struct {
	ID               string     `json:"id" gorm:"primaryKey;size:64"`
	WorkflowID       string     `json:"workflow_id" gorm:"size:64;index"`
	TaskID           string     `json:"task_id,omitempty" gorm:"size:64"`
	Status           StepStatus `json:"status" gorm:"size:16;index"`
	Sequence         int        `json:"sequence"`
	DependsOn        StringList `json:"depends_on" gorm:"type:text"`
	Data             JSONMap    `json:"data" gorm:"type:text"`
	Result           JSONMap    `json:"result" gorm:"type:text"`
	RunnerInstanceID string     `json:"runner_instance_id,omitempty" gorm:"size:64"`
	RunnerAttempts   int        `json:"runner_attempts"`
	ReadyAt          *time.Time `json:"ready_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName overrides the gorm table name.
func (WorkflowStep) TableName() string { return "workflow_steps" }

// Title returns the planner-assigned step title, if any.
func (s *WorkflowStep) Title() string {
	if v, ok := s.Data["title"].(string); ok {
		return v
	}
	return ""
}

// Instructions returns the free-text instructions the agent loop executes.
func (s *WorkflowStep) Instructions() string {
	if v, ok := s.Data["instructions"].(string); ok {
		return v
	}
	return ""
}

// AgentType returns the planner-requested agent type tag.
func (s *WorkflowStep) AgentType() string {
	if v, ok := s.Data["agent_type"].(string); ok {
		return v
	}
	return ""
}

// AgentRun is an audit record written around step execution. It is purely
// observational: the scheduler never reads it to make decisions.
type AgentRun struct {
	ID             string     `json:"id" gorm:"primaryKey;size:64"`
	WorkflowStepID string     `json:"workflow_step_id,omitempty" gorm:"size:64;index"`
	ProjectID      string     `json:"project_id" gorm:"size:64;index"`
	Branch         string     `json:"branch" gorm:"size:255"`
	Type           string     `json:"type" gorm:"size:64"`
	Status         RunStatus  `json:"status" gorm:"size:16"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LogsPath       string     `json:"logs_path,omitempty" gorm:"size:512"`
}

// TableName overrides the gorm table name.
func (AgentRun) TableName() string { return "agent_runs" }

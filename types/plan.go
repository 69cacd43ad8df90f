package types

// PlannedTask is one entry in a planner run. Task ids are preserved on the
// created steps for traceability, and DependsOn refers to sibling task ids.
type PlannedTask struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Instructions string         `json:"instructions"`
	AgentType    string         `json:"agent_type,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PlannerRun is the ordered task list supplied by the planner integration.
// The scheduler turns it into one workflow plus one step per task.
type PlannerRun struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind,omitempty"`
	Tasks []PlannedTask  `json:"tasks"`
	Data  map[string]any `json:"data,omitempty"`
}

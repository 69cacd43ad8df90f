// Package workspace defines the narrow interfaces to the version-control
// collaborators: workspace preparation and branch-protection policy. The
// runtime consumes only the interfaces; GitManager is the default worktree
// implementation used by the local executor.
package workspace

import (
	"context"

	"github.com/BaSui01/stepflow/types"
)

// BranchInfo names the branch a step executes against.
type BranchInfo struct {
	BranchName string `json:"branch_name"`
	BaseBranch string `json:"base_branch"`
}

// Workspace is a prepared working directory on a specific branch. It is
// exclusively owned by the step currently executing against it; the manager
// guarantees one branch has at most one active workspace.
type Workspace struct {
	Path       string `json:"path"`
	BranchName string `json:"branch_name"`
	BaseBranch string `json:"base_branch"`
}

// Manager prepares, commits, and discards step workspaces.
type Manager interface {
	// Prepare checks out a working directory for the step.
	Prepare(ctx context.Context, workflowID, stepID string, branch BranchInfo) (*Workspace, error)

	// Commit records the workspace changes and returns the commit hash.
	Commit(ctx context.Context, ws *Workspace, message, author string) (string, error)

	// Discard throws the workspace away without committing.
	Discard(ctx context.Context, ws *Workspace) error
}

// PolicyRequest carries everything the policy hook needs to authorize a step
// before it runs.
type PolicyRequest struct {
	Workflow *types.Workflow
	Step     *types.WorkflowStep
	Branch   BranchInfo
}

// PolicyDecision is the hook's verdict. A rejection fails the step before
// execution ever starts.
type PolicyDecision struct {
	Allowed  bool           `json:"allowed"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PolicyHook authorizes a step against branch-protection rules.
type PolicyHook interface {
	AuthorizeStep(ctx context.Context, req PolicyRequest) (PolicyDecision, error)
}

// AllowAll is the default policy when no hook is configured.
type AllowAll struct{}

// AuthorizeStep implements PolicyHook.
func (AllowAll) AuthorizeStep(context.Context, PolicyRequest) (PolicyDecision, error) {
	return PolicyDecision{Allowed: true}, nil
}

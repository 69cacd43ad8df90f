package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FakeManager is an in-memory Manager for tests and local development. It
// creates real directories so executors can write files, but commits are
// simulated.
type FakeManager struct {
	Root string

	mu        sync.Mutex
	commits   []string
	discarded []string
	// PrepareErr, CommitErr force failures when set.
	PrepareErr error
	CommitErr  error
}

// NewFakeManager creates a FakeManager rooted at dir (a temp dir when empty).
func NewFakeManager(dir string) *FakeManager {
	if dir == "" {
		dir = os.TempDir()
	}
	return &FakeManager{Root: dir}
}

// Prepare implements Manager.
func (m *FakeManager) Prepare(_ context.Context, workflowID, stepID string, branch BranchInfo) (*Workspace, error) {
	if m.PrepareErr != nil {
		return nil, m.PrepareErr
	}
	path := filepath.Join(m.Root, workflowID, stepID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	name := branch.BranchName
	if name == "" {
		name = "step/" + stepID
	}
	base := branch.BaseBranch
	if base == "" {
		base = "main"
	}
	return &Workspace{Path: path, BranchName: name, BaseBranch: base}, nil
}

// Commit implements Manager, returning a deterministic fake hash.
func (m *FakeManager) Commit(_ context.Context, ws *Workspace, message, _ string) (string, error) {
	if m.CommitErr != nil {
		return "", m.CommitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := fmt.Sprintf("fake%08d", len(m.commits)+1)
	m.commits = append(m.commits, ws.BranchName+": "+message)
	return hash, nil
}

// Discard implements Manager.
func (m *FakeManager) Discard(_ context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = append(m.discarded, ws.Path)
	return os.RemoveAll(ws.Path)
}

// Commits returns the recorded commit messages.
func (m *FakeManager) Commits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commits))
	copy(out, m.commits)
	return out
}

// Discarded returns the paths of discarded workspaces.
func (m *FakeManager) Discarded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.discarded))
	copy(out, m.discarded)
	return out
}

// StaticPolicy is a PolicyHook returning a fixed decision.
type StaticPolicy struct {
	Decision PolicyDecision
	Err      error
}

// AuthorizeStep implements PolicyHook.
func (p StaticPolicy) AuthorizeStep(context.Context, PolicyRequest) (PolicyDecision, error) {
	return p.Decision, p.Err
}
